package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vibez/internal/assistant"
	"vibez/internal/message"
)

const (
	bot   int64 = 1
	alice int64 = 100
	bob   int64 = 200
)

type fakeResponder struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	history [][]assistant.Turn
}

func (f *fakeResponder) Reply(ctx context.Context, history []assistant.Turn, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.history = append(f.history, history)
	return f.reply, f.err
}

type fixture struct {
	repo    *fakeRepo
	hub     *Hub
	service *Service
	bot     *fakeResponder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := startHub(t)
	repo := newFakeRepo()
	responder := &fakeResponder{reply: "happy to help"}
	svc := NewService(repo, hub, responder, bot, zaptest.NewLogger(t), hub.metrics)
	t.Cleanup(svc.Wait)
	return &fixture{repo: repo, hub: hub, service: svc, bot: responder}
}

func (f *fixture) watch(t *testing.T, convID int64) *Watcher {
	t.Helper()
	w := &Watcher{ConversationID: formatID(convID), Send: make(chan []byte, 64)}
	require.True(t, f.hub.join(w))
	f.hub.goLive(w, nil)
	return w
}

func text(corr, body string) message.DraftJSON {
	return message.DraftJSON{CorrelationID: corr, Kind: message.KindText, Text: body}
}

func TestSendMessageIsIdempotent(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)
	w := f.watch(t, convID)

	first, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "hi"))
	require.NoError(t, err)
	again, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "hi"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.repo.messages(convID), 1)

	b := recv(t, w)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, message.Added, b.Changes[0].Type)
	assert.Equal(t, "c-1", b.Changes[0].Message.CorrelationID)
	select {
	case <-w.Send:
		t.Fatal("duplicate write was broadcast")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.hub.metrics.DuplicateWrites))
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)

	_, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "   "))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.SendMessage(context.Background(), convID, alice, message.DraftJSON{Kind: "sticker", Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.SendMessage(context.Background(), convID, 999, text("c-2", "hi"))
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestAssistantRepliesWithHistory(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bot)
	for i, body := range []string{"first", "second"} {
		_, err := f.service.SendMessage(context.Background(), convID, alice, text(formatID(int64(i+1)), body))
		require.NoError(t, err)
		f.service.Wait()
	}

	msgs := f.repo.messages(convID)
	require.Len(t, msgs, 4)
	assert.Equal(t, formatID(bot), msgs[1].SenderID)
	assert.Equal(t, "happy to help", msgs[3].Text())

	f.bot.mu.Lock()
	defer f.bot.mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, f.bot.prompts)
	assert.Empty(t, f.bot.history[0])
	assert.Equal(t, []assistant.Turn{
		{Text: "first"},
		{FromAssistant: true, Text: "happy to help"},
	}, f.bot.history[1])

	f.repo.mu.Lock()
	assert.False(t, f.repo.typing[convID][bot])
	f.repo.mu.Unlock()
}

func TestAssistantRateLimitBecomesReply(t *testing.T) {
	f := newFixture(t)
	f.bot.err = errors.New("Error 429, Message: quota exceeded")
	convID := f.repo.addConversation(alice, bot)

	_, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "hello?"))
	require.NoError(t, err)
	f.service.Wait()

	msgs := f.repo.messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, assistant.RateLimitedReply, msgs[1].Text())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.hub.metrics.AssistantReplies.WithLabelValues("rate_limited")))
}

// stalledResponder never answers before its context ends.
type stalledResponder struct{}

func (stalledResponder) Reply(ctx context.Context, history []assistant.Turn, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAssistantTimeoutStillClearsTyping(t *testing.T) {
	f := newFixture(t)
	f.service.responder = stalledResponder{}
	f.service.replyTimeout = 20 * time.Millisecond
	convID := f.repo.addConversation(alice, bot)

	_, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "anyone?"))
	require.NoError(t, err)
	f.service.Wait()

	msgs := f.repo.messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, assistant.UnavailableReply, msgs[1].Text())

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	assert.False(t, f.repo.typing[convID][bot], "typing flag left on after a timed out reply")
}

func TestConversationActionsArePerMember(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)
	ctx := context.Background()

	v, err := f.service.ConversationAction(ctx, convID, alice, message.ToggleFavorite)
	require.NoError(t, err)
	assert.True(t, v.Favorite)
	v, err = f.service.ConversationAction(ctx, convID, alice, message.Archive)
	require.NoError(t, err)
	assert.True(t, v.Archived)
	v, err = f.service.ConversationAction(ctx, convID, alice, message.ToggleMute)
	require.NoError(t, err)
	assert.Equal(t, message.Preferences{Favorite: true, Archived: true, Muted: true}, v.Preferences)

	other, err := f.service.Conversation(ctx, convID, bob)
	require.NoError(t, err)
	assert.Zero(t, other.Preferences, "bob's view is untouched")

	v, err = f.service.ConversationAction(ctx, convID, alice, message.Unarchive)
	require.NoError(t, err)
	assert.False(t, v.Archived)

	_, err = f.service.ConversationAction(ctx, convID, alice, "pin")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.service.ConversationAction(ctx, convID, 999, message.Archive)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestNoAssistantReplyWithoutAssistant(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)
	_, err := f.service.SendMessage(context.Background(), convID, alice, text("c-1", "hey"))
	require.NoError(t, err)
	f.service.Wait()
	assert.Len(t, f.repo.messages(convID), 1)
}

func TestPageWalksBackwards(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)
	for i := 1; i <= 5; i++ {
		_, err := f.service.SendMessage(context.Background(), convID, alice, text(formatID(int64(i)), "m"+formatID(int64(i))))
		require.NoError(t, err)
	}

	page, err := f.service.Page(context.Background(), convID, bob, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m5", page.Messages[0].Text())
	assert.Equal(t, "m4", page.Messages[1].Text())

	page, err = f.service.Page(context.Background(), convID, bob, page.Next, 2)
	require.NoError(t, err)
	assert.Equal(t, "m3", page.Messages[0].Text())

	_, err = f.service.Page(context.Background(), convID, 999, "", 2)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.service.Page(context.Background(), convID, bob, "garbage", 2)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCatchUpReturnsNewerMessages(t *testing.T) {
	f := newFixture(t)
	convID := f.repo.addConversation(alice, bob)

	payload, err := f.service.CatchUp(context.Background(), convID, "")
	require.NoError(t, err)
	assert.Nil(t, payload)

	var third message.Message
	for i := 1; i <= 5; i++ {
		m, err := f.service.SendMessage(context.Background(), convID, alice, text(formatID(int64(i)), "m"+formatID(int64(i))))
		require.NoError(t, err)
		if i == 3 {
			third = m
		}
	}
	payload, err = f.service.CatchUp(context.Background(), convID, third.Cursor)
	require.NoError(t, err)

	w := &Watcher{ConversationID: formatID(convID), Send: make(chan []byte, 4)}
	require.True(t, f.hub.join(w))
	f.hub.goLive(w, payload)
	b := recv(t, w)
	require.Len(t, b.Changes, 2)
	assert.Equal(t, "m4", b.Changes[0].Message.Text())
	assert.Equal(t, "m5", b.Changes[1].Message.Text())
}

func TestReactDeleteAndClearAreBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.repo.addConversation(alice, bob)
	m, err := f.service.SendMessage(ctx, convID, alice, text("c-1", "hi"))
	require.NoError(t, err)
	msgID, err := parseID(m.ID)
	require.NoError(t, err)
	w := f.watch(t, convID)

	reacted, err := f.service.React(ctx, convID, msgID, bob, "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{formatID(bob)}, reacted.Reactions[0].Users)
	b := recv(t, w)
	assert.Equal(t, message.Modified, b.Changes[0].Type)

	_, err = f.service.DeleteMessage(ctx, convID, msgID, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	deleted, err := f.service.DeleteMessage(ctx, convID, msgID, alice)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, message.DeletedText, recv(t, w).Changes[0].Message.Text())

	_, err = f.service.React(ctx, convID, msgID, bob, "👍")
	assert.ErrorIs(t, err, ErrMessageDeleted)

	n, err := f.service.Clear(ctx, convID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b = recv(t, w)
	assert.Equal(t, message.Removed, b.Changes[0].Type)
	assert.Equal(t, "c-1", b.Changes[0].Message.CorrelationID)
}

func TestCreateGroupParsesMembers(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateGroup(context.Background(), alice, CreateGroupRequest{Name: "team", Members: []string{"x"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.service.CreateGroup(context.Background(), alice, CreateGroupRequest{Name: "team", Members: []string{"200"}})
	require.NoError(t, err)
	assert.True(t, res.Created)
	ok, err := f.repo.IsParticipant(context.Background(), res.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartPrivateFindsExisting(t *testing.T) {
	f := newFixture(t)
	first, err := f.service.StartPrivate(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := f.service.StartPrivate(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.service.StartPrivate(context.Background(), alice, alice)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
