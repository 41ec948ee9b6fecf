// Package handler is the Twilio webhook ingress. It accepts inbound
// WhatsApp messages, records them on the durable queue and acknowledges
// with TwiML; replies are delivered later by the queue processor.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const emptyBodyNudge = "Please send a text message."

// Enqueuer records an inbound message exactly once, keyed by the
// transport message id.
type Enqueuer interface {
	Enqueue(ctx context.Context, id, senderID, body string) (bool, error)
}

type Handler struct {
	queue  Enqueuer
	logger zerolog.Logger
}

func NewHandler(queue Enqueuer, logger zerolog.Logger) (*Handler, error) {
	if queue == nil {
		return nil, errors.New("handler: enqueuer must not be nil")
	}
	return &Handler{queue: queue, logger: logger}, nil
}

// twimlResponse is the minimal TwiML document Twilio expects back from a
// messaging webhook.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Time    string `json:"time"`
}

// Handle serves both the webhook POST and a GET health probe on the same
// Lambda.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event.Headers)

	if event.HTTPMethod == http.MethodGet {
		return h.health(correlationID), nil
	}

	form, err := parseForm(event)
	if err != nil {
		h.logger.Warn().Err(err).Str("correlationId", correlationID).Msg("failed to parse webhook form")
		return textResponse(http.StatusBadRequest, "invalid form payload", correlationID), nil
	}

	messageSID := strings.TrimSpace(form.Get("MessageSid"))
	from := strings.TrimSpace(form.Get("From"))
	body := form.Get("Body")

	if messageSID == "" || from == "" {
		h.logger.Warn().Str("correlationId", correlationID).Msg("webhook missing MessageSid or From")
		return textResponse(http.StatusBadRequest, "missing MessageSid or From", correlationID), nil
	}

	if strings.TrimSpace(body) == "" {
		return twiml(http.StatusOK, emptyBodyNudge, correlationID), nil
	}

	created, err := h.queue.Enqueue(ctx, messageSID, from, body)
	if err != nil {
		// Let Twilio retry the webhook; nothing durable was recorded.
		h.logger.Error().Err(err).
			Str("correlationId", correlationID).
			Str("messageId", messageSID).
			Msg("failed to enqueue inbound message")
		return textResponse(http.StatusInternalServerError, "enqueue failed", correlationID), nil
	}
	if !created {
		h.logger.Info().
			Str("correlationId", correlationID).
			Str("messageId", messageSID).
			Msg("duplicate webhook delivery ignored")
	}

	// Empty TwiML: the reply arrives asynchronously.
	return twiml(http.StatusOK, "", correlationID), nil
}

func (h *Handler) health(correlationID string) events.APIGatewayProxyResponse {
	payload, _ := json.Marshal(healthResponse{
		Status:  "ok",
		Service: "chat-relay",
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(payload),
	}
}

// parseForm decodes the webhook's form-encoded body, honoring API
// Gateway's base64 wrapping.
func parseForm(event events.APIGatewayProxyRequest) (url.Values, error) {
	raw := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("handler: decode base64 body: %w", err)
		}
		raw = string(decoded)
	}
	form, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("handler: parse form body: %w", err)
	}
	return form, nil
}

func twiml(status int, message, correlationID string) events.APIGatewayProxyResponse {
	doc, _ := xml.Marshal(twimlResponse{Message: message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "text/xml",
			"X-Correlation-Id": correlationID,
		},
		Body: xml.Header + string(doc),
	}
}

func textResponse(status int, message, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "text/plain",
			"X-Correlation-Id": correlationID,
		},
		Body: message,
	}
}

func correlationIDFrom(headers map[string]string) string {
	for key, value := range headers {
		if strings.EqualFold(key, "X-Correlation-Id") && value != "" {
			return value
		}
	}
	return newUUID()
}

// newUUID is swapped out in tests.
var newUUID = uuid.NewString
