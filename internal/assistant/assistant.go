// Package assistant produces replies for the AI participant of a
// conversation from one of the supported model providers.
package assistant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/openai/openai-go"

	"vibez/internal/message"
)

const (
	// HistoryTurns is how many earlier text messages accompany a prompt.
	HistoryTurns = 10

	RateLimitedReply = "I've been talking a lot today and need a little break. Please try again later. You may need to check your API plan and billing details."
	UnavailableReply = "Sorry, I'm having trouble connecting right now. Please try again in a moment."
)

var ErrNoProvider = errors.New("no assistant provider configured")

// Turn is one earlier message as the model sees it.
type Turn struct {
	FromAssistant bool
	Text          string
}

type Responder interface {
	Reply(ctx context.Context, history []Turn, prompt string) (string, error)
}

// History converts the tail of a conversation (oldest first) into turns.
// Only live text messages count; the newest HistoryTurns are kept.
func History(msgs []message.Message, assistantID string) []Turn {
	var turns []Turn
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		var text string
		switch c := m.Content.(type) {
		case message.Text:
			text = c.Body
		case message.Reply:
			text = c.Body
		default:
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, Turn{FromAssistant: m.SenderID == assistantID, Text: text})
	}
	if len(turns) > HistoryTurns {
		turns = turns[len(turns)-HistoryTurns:]
	}
	return turns
}

// Answer asks r for a reply and turns provider failures into something the
// assistant can say instead. The error is returned alongside for logging.
func Answer(ctx context.Context, r Responder, history []Turn, prompt string) (string, error) {
	if r == nil {
		return UnavailableReply, ErrNoProvider
	}
	reply, err := r.Reply(ctx, history, prompt)
	if err != nil {
		if RateLimited(err) {
			return RateLimitedReply, err
		}
		return UnavailableReply, err
	}
	if strings.TrimSpace(reply) == "" {
		return UnavailableReply, errors.New("empty reply")
	}
	return reply, nil
}

// RateLimited reports whether err is a provider quota or rate limit error.
func RateLimited(err error) bool {
	var gErr *genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusTooManyRequests
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return oErr.StatusCode == http.StatusTooManyRequests
	}
	return strings.Contains(err.Error(), "429")
}
