package domain

// ChatMessage is the provider-agnostic chat message shape sent to the LLM
// backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
