package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vibez/internal/message"
	"vibez/internal/pane"
)

func names(id string) string {
	return map[string]string{"bob": "Bob", "bot": "Gemini"}[id]
}

func TestRenderEmptyStates(t *testing.T) {
	assert.Contains(t, Render(pane.View{State: pane.StateLoadingInitial}, "alice", "", names, 80), "Loading")
	assert.Contains(t, Render(pane.View{State: pane.StateReady}, "alice", "", names, 80), "No messages yet")
}

func TestRenderMessages(t *testing.T) {
	ts := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	v := pane.View{
		State:   pane.StateReady,
		HasMore: true,
		Messages: []message.Message{
			{ID: "1", CorrelationID: "1", SenderID: "bob", Timestamp: ts, Status: message.StatusSent,
				Content:   message.Text{Body: "hey"},
				Reactions: []message.Reaction{{Emoji: "🔥", Users: []string{"alice", "bob"}, Count: 2}}},
			message.Message{ID: "2", CorrelationID: "2", SenderID: "bob", Timestamp: ts, Status: message.StatusSent}.Tombstone(),
			{CorrelationID: "c1", SenderID: "alice", Timestamp: ts, Status: message.StatusError,
				Content: message.Text{Body: "lost"}},
			{CorrelationID: "c2", SenderID: "alice", Timestamp: ts, Status: message.StatusSending,
				Content: message.Media{File: message.File{Type: "video/mp4", Name: "clip.mp4"}, Caption: "look"}},
			{ID: "5", CorrelationID: "5", SenderID: "bot", Timestamp: ts, Status: message.StatusSent,
				Content: message.Reply{Ref: message.ReplyRef{MessageSender: "Bob", MessageText: "hey"}, Body: "hello Bob"}},
		},
		Progress: map[string]float64{"c2": 42},
	}

	out := Render(v, "alice", "bot", names, 80)
	for _, want := range []string{
		"scroll up for older messages",
		"Bob", "hey", "🔥 2",
		message.DeletedText,
		"you", "not sent. /retry to try again",
		"[video] clip.mp4", "look", "uploading 42% (/cancel to stop)", "sending…",
		"Gemini", "│ Bob: hey", "hello Bob",
	} {
		assert.Contains(t, out, want)
	}
}

func TestStatusLine(t *testing.T) {
	line := statusLine("Bob", pane.View{Unseen: 3}, []string{"Bob"}, "", 60)
	assert.Contains(t, line, "Bob · Bob typing…")
	assert.Contains(t, line, "3 new ↓")

	assert.Equal(t, "abc…", truncate("abcdefgh", 4))
	assert.Equal(t, "abc", truncate("abc", 10))
}
