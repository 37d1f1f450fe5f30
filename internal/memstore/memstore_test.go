package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vibez/internal/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func write(t *testing.T, s *Store, convID, corr, body string) {
	t.Helper()
	require.NoError(t, s.WriteMessage(context.Background(), convID, message.Draft{
		CorrelationID: corr,
		SenderID:      "alice",
		Content:       message.Text{Body: body},
	}))
}

func next(t *testing.T, ch <-chan message.Batch) message.Batch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "watch closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no batch")
		return message.Batch{}
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	s := New()
	c := s.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{"alice", "bob"}})

	write(t, s, c.ID, "x", "hello")
	write(t, s, c.ID, "x", "hello")
	msgs := s.Messages(c.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Cursor("1"), msgs[0].Cursor)

	conv, err := s.Conversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessage.Text)

	err = s.WriteMessage(context.Background(), "nope", message.Draft{Content: message.Text{Body: "x"}})
	assert.ErrorIs(t, err, ErrNoConversation)
	err = s.WriteMessage(context.Background(), c.ID, message.Draft{Content: message.Text{Body: " "}})
	assert.ErrorIs(t, err, message.ErrEmptyMessage)
}

func TestFetchPageWalksBackwards(t *testing.T) {
	s := New()
	c := s.CreateConversation(message.Conversation{Type: message.Group, Name: "g"})
	for i := 1; i <= 5; i++ {
		write(t, s, c.ID, fmt.Sprint(i), fmt.Sprintf("m%d", i))
	}
	ctx := context.Background()

	page, err := s.FetchPage(ctx, c.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m5", page.Messages[0].Text())
	assert.Equal(t, "m4", page.Messages[1].Text())

	page, err = s.FetchPage(ctx, c.ID, page.Next, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m1", page.Messages[2].Text())

	page, err = s.FetchPage(ctx, c.ID, page.Next, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	_, err = s.FetchPage(ctx, c.ID, "bad", 10)
	assert.Error(t, err)

	s.FailFetches(errors.New("offline"))
	_, err = s.FetchPage(ctx, c.ID, "", 10)
	assert.EqualError(t, err, "offline")
}

func TestWatchReplaysThenStreams(t *testing.T) {
	s := New()
	c := s.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{"alice", "bob"}})
	write(t, s, c.ID, "a", "one")
	write(t, s, c.ID, "b", "two")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, c.ID, "1")
	require.NoError(t, err)

	b := next(t, ch)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, "two", b.Changes[0].Message.Text())

	write(t, s, c.ID, "c", "three")
	b = next(t, ch)
	assert.Equal(t, message.Added, b.Changes[0].Type)
	assert.Equal(t, "three", b.Changes[0].Message.Text())

	msgID := s.Messages(c.ID)[0].ID
	require.NoError(t, s.React(ctx, c.ID, msgID, "👍", "bob"))
	b = next(t, ch)
	assert.Equal(t, message.Modified, b.Changes[0].Type)
	assert.Equal(t, 1, b.Changes[0].Message.Reactions[0].Count)

	assert.ErrorIs(t, s.DeleteMessage(ctx, c.ID, msgID, "bob"), ErrForbidden)
	require.NoError(t, s.DeleteMessage(ctx, c.ID, msgID, "alice"))
	b = next(t, ch)
	assert.True(t, b.Changes[0].Message.Deleted)
	assert.ErrorIs(t, s.React(ctx, c.ID, msgID, "👍", "bob"), ErrForbidden)

	require.NoError(t, s.Clear(c.ID))
	for range 3 {
		b = next(t, ch)
		assert.Equal(t, message.Removed, b.Changes[0].Type)
	}
	assert.Empty(t, s.Messages(c.ID))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHoldWrites(t *testing.T) {
	s := New()
	c := s.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{"alice", "bob"}})
	release := s.HoldWrites()

	done := make(chan error, 1)
	go func() {
		done <- s.WriteMessage(context.Background(), c.ID, message.Draft{SenderID: "alice", Content: message.Text{Body: "hi"}})
	}()
	select {
	case <-done:
		t.Fatal("write was not held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)
	assert.Len(t, s.Messages(c.ID), 1)
}

func TestTypingAndRead(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New().WithClock(func() time.Time { return now })
	c := s.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{"alice", "bob"}})
	ctx := context.Background()

	require.NoError(t, s.SetTyping(ctx, c.ID, "bob", true))
	require.NoError(t, s.SetTyping(ctx, c.ID, "bob", true))
	require.NoError(t, s.MarkRead(ctx, c.ID, "alice"))
	conv, err := s.Conversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, conv.Typing)
	assert.Equal(t, now, conv.LastRead["alice"])

	require.NoError(t, s.SetTyping(ctx, c.ID, "bob", false))
	conv, err = s.Conversation(c.ID)
	require.NoError(t, err)
	assert.Empty(t, conv.Typing)
}

func TestCursorsAreNotReusedAfterClear(t *testing.T) {
	s := New()
	c := s.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{"alice", "bob"}})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		write(t, s, c.ID, fmt.Sprint(i), fmt.Sprintf("old%d", i))
	}
	require.NoError(t, s.Clear(c.ID))
	write(t, s, c.ID, "4", "new1")
	write(t, s, c.ID, "5", "new2")

	msgs := s.Messages(c.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.Cursor("4"), msgs[0].Cursor)
	assert.Equal(t, message.Cursor("5"), msgs[1].Cursor)

	// A reader that last saw "3" gets only the new messages.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.Watch(watchCtx, c.ID, "3")
	require.NoError(t, err)
	b := next(t, ch)
	require.Len(t, b.Changes, 2)
	assert.Equal(t, "new1", b.Changes[0].Message.Text())

	// Paging from a cleared cursor finds nothing older.
	page, err := s.FetchPage(ctx, c.ID, "3", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	page, err = s.FetchPage(ctx, c.ID, "5", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "new1", page.Messages[0].Text())
}
