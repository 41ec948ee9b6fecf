package usecase

import "chat-relay/internal/domain"

// voicePrompt steers the model toward prose that reads well when the
// reply is forwarded to a messaging client or spoken via text-to-speech.
const voicePrompt = `You are a helpful voice assistant designed for hands-free use while driving. Your responses will be read aloud via text-to-speech.

Guidelines for responses:
- Use natural, conversational language as if speaking to someone
- Avoid markdown formatting (no asterisks, hashes, pipes, arrows, code blocks)
- Instead of bullet points with dashes or asterisks, use phrases like "First," "Second," "Another point is," or "Also,"
- Spell out symbols and abbreviations (use "dollars" not "$", "percent" not "%")
- Use words instead of numbers when it sounds more natural (e.g., "twenty dollars" rather than "20 dollars" for speech)
- Keep responses concise but informative - imagine you're explaining to someone who can't see a screen
- For lists, use natural transitions like "The first item is... The second item is... And finally..."
- Avoid emoji, special characters, or visual-only elements
- When giving directions or steps, speak them clearly: "Step one: do this. Step two: do that."

Be helpful, accurate, and concise. Remember: your audience is listening, not reading.`

// buildMessages assembles the chat context for a backend call: the system
// prompt, the most recent turns of the active conversation, then the
// cleaned inbound message.
func buildMessages(history []domain.Turn, userText string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleSystem,
		Content: voicePrompt,
	})
	for _, turn := range history {
		messages = append(messages, domain.ChatMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: userText,
	})
	return messages
}
