package assistant

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"vibez/internal/message"
)

type stubResponder struct {
	reply string
	err   error

	history []Turn
	prompt  string
}

func (s *stubResponder) Reply(ctx context.Context, history []Turn, prompt string) (string, error) {
	s.history, s.prompt = history, prompt
	return s.reply, s.err
}

func TestHistoryKeepsLastTextTurns(t *testing.T) {
	var msgs []message.Message
	for i := 0; i < 14; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "ai"
		}
		msgs = append(msgs, message.Message{SenderID: sender, Content: message.Text{Body: fmt.Sprintf("t%d", i)}})
	}
	msgs = append(msgs,
		message.Message{SenderID: "alice", Content: message.Media{File: message.File{Type: "image/png"}}},
		message.Message{SenderID: "alice", Content: message.Text{Body: "gone"}, Deleted: true},
	)

	turns := History(msgs, "ai")
	require.Len(t, turns, HistoryTurns)
	assert.Equal(t, Turn{FromAssistant: false, Text: "t4"}, turns[0])
	assert.Equal(t, Turn{FromAssistant: true, Text: "t13"}, turns[9])
}

func TestAnswer(t *testing.T) {
	r := &stubResponder{reply: "hello!"}
	got, err := Answer(context.Background(), r, []Turn{{Text: "x"}}, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello!", got)
	assert.Equal(t, "hi", r.prompt)
	assert.Len(t, r.history, 1)
}

func TestAnswerMapsFailures(t *testing.T) {
	limited := &stubResponder{err: fmt.Errorf("gemini generate: %w", &genai.APIError{Code: 429, Message: "quota"})}
	got, err := Answer(context.Background(), limited, nil, "hi")
	assert.Error(t, err)
	assert.Equal(t, RateLimitedReply, got)

	down := &stubResponder{err: errors.New("dial tcp: connection refused")}
	got, err = Answer(context.Background(), down, nil, "hi")
	assert.Error(t, err)
	assert.Equal(t, UnavailableReply, got)

	empty := &stubResponder{reply: "  "}
	got, err = Answer(context.Background(), empty, nil, "hi")
	assert.Error(t, err)
	assert.Equal(t, UnavailableReply, got)

	got, err = Answer(context.Background(), nil, nil, "hi")
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, UnavailableReply, got)
}

func TestRateLimitedOpenAI(t *testing.T) {
	assert.True(t, RateLimited(&openai.Error{StatusCode: 429}))
	assert.False(t, RateLimited(&openai.Error{StatusCode: 500}))
}
