package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vibez/internal/assistant"
	"vibez/internal/message"
)

const (
	// catchUpLimit bounds the backlog replayed to a new watcher.
	catchUpLimit = 500
	replyTimeout = 60 * time.Second
	// storeTimeout bounds the writes that close out a reply, which must
	// happen even after the provider used up replyTimeout.
	storeTimeout = 5 * time.Second
)

// Repo is the storage the service needs. *Repository implements it.
type Repo interface {
	IsParticipant(ctx context.Context, convID, userID int64) (bool, error)
	SaveMessage(ctx context.Context, convID, senderID int64, d message.Draft) (message.Message, bool, error)
	Page(ctx context.Context, convID, before int64, limit int) ([]message.Message, error)
	Since(ctx context.Context, convID, after int64, limit int) ([]message.Message, error)
	ToggleReaction(ctx context.Context, convID, msgID, userID int64, emoji string) (message.Message, error)
	Tombstone(ctx context.Context, convID, msgID, userID int64) (message.Message, error)
	Clear(ctx context.Context, convID int64) ([]message.Message, error)
	MarkRead(ctx context.Context, convID, userID int64) error
	SetTyping(ctx context.Context, convID, userID int64, typing bool) error
	ApplyAction(ctx context.Context, convID, userID int64, a message.Action) error
	Conversations(ctx context.Context, userID int64) ([]ConversationView, error)
	Conversation(ctx context.Context, convID, userID int64) (ConversationView, error)
	FindOrCreatePrivate(ctx context.Context, a, b int64) (int64, bool, error)
	CreateGroup(ctx context.Context, creator int64, name string, members []int64) (int64, error)
}

var _ Repo = (*Repository)(nil)

type Service struct {
	repo        Repo
	hub         *Hub
	responder   assistant.Responder
	assistantID int64
	log         *zap.Logger
	metrics     *Metrics

	replyTimeout time.Duration
	// In-flight assistant replies.
	wg sync.WaitGroup
}

// NewService wires the chat operations. responder may be nil, in which case
// the assistant answers with UnavailableReply.
func NewService(repo Repo, hub *Hub, responder assistant.Responder, assistantID int64, log *zap.Logger, metrics *Metrics) *Service {
	return &Service{
		repo:        repo,
		hub:         hub,
		responder:   responder,
		assistantID: assistantID,
		log:         log,
		metrics:     metrics,

		replyTimeout: replyTimeout,
	}
}

// Wait blocks until pending assistant replies are stored.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) member(ctx context.Context, convID, userID int64) error {
	ok, err := s.repo.IsParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) publish(ctx context.Context, convID int64, changes ...message.Change) {
	b := message.Batch{ConversationID: formatID(convID), Changes: changes}
	if err := s.hub.Publish(ctx, b); err != nil {
		// The record is durable; watchers will see it on their next catch-up.
		s.log.Warn("publish failed", zap.Int64("conversation_id", convID), zap.Error(err))
	}
}

// ---------------------------------------------
// 💬 Messages
// ---------------------------------------------

// SendMessage stores a message and the conversation summary atomically and
// fans the record out. Repeating a correlation id returns the stored record
// without a second write or broadcast.
func (s *Service) SendMessage(ctx context.Context, convID, userID int64, req message.DraftJSON) (message.Message, error) {
	content, err := req.Content()
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := message.Validate(content); err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := time.Now()
	m, created, err := s.repo.SaveMessage(ctx, convID, userID, message.Draft{
		CorrelationID: req.CorrelationID,
		SenderID:      formatID(userID),
		Content:       content,
	})
	if err != nil {
		return message.Message{}, err
	}
	s.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	if !created {
		s.metrics.DuplicateWrites.Inc()
		return m, nil
	}
	s.metrics.MessagesWritten.Inc()
	s.publish(ctx, convID, message.Change{Type: message.Added, Message: m})

	if userID != s.assistantID && strings.TrimSpace(m.Text()) != "" {
		ok, err := s.repo.IsParticipant(ctx, convID, s.assistantID)
		if err != nil {
			s.log.Warn("assistant membership check failed", zap.Error(err))
		} else if ok {
			s.wg.Add(1)
			go s.reply(convID, m)
		}
	}
	return m, nil
}

// reply answers prompt as the assistant. Provider failures become reply text.
func (s *Service) reply(convID int64, prompt message.Message) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.replyTimeout)
	defer cancel()
	log := s.log.With(zap.Int64("conversation_id", convID), zap.String("prompt_id", prompt.ID))

	if err := s.repo.SetTyping(ctx, convID, s.assistantID, true); err != nil {
		log.Debug("assistant typing", zap.Error(err))
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.repo.SetTyping(clearCtx, convID, s.assistantID, false); err != nil {
			log.Debug("assistant typing", zap.Error(err))
		}
	}()

	var history []assistant.Turn
	promptID, err := parseID(prompt.ID)
	if err == nil {
		older, err := s.repo.Page(ctx, convID, promptID, assistant.HistoryTurns)
		if err != nil {
			log.Warn("assistant history", zap.Error(err))
		}
		slices.Reverse(older)
		history = assistant.History(older, formatID(s.assistantID))
	}

	text, err := assistant.Answer(ctx, s.responder, history, prompt.Text())
	result := "ok"
	if err != nil {
		result = "error"
		if assistant.RateLimited(err) {
			result = "rate_limited"
		}
		log.Warn("assistant reply failed", zap.Error(err))
	}
	s.metrics.AssistantReplies.WithLabelValues(result).Inc()

	saveCtx, cancelSave := context.WithTimeout(context.Background(), storeTimeout)
	defer cancelSave()
	m, _, err := s.repo.SaveMessage(saveCtx, convID, s.assistantID, message.Draft{
		SenderID: formatID(s.assistantID),
		Content:  message.Text{Body: text},
	})
	if err != nil {
		log.Error("store assistant reply", zap.Error(err))
		return
	}
	s.metrics.MessagesWritten.Inc()
	s.publish(saveCtx, convID, message.Change{Type: message.Added, Message: m})
}

// Page returns up to limit messages older than before, newest first.
func (s *Service) Page(ctx context.Context, convID, userID int64, before message.Cursor, limit int) (PageResponse, error) {
	if err := s.member(ctx, convID, userID); err != nil {
		return PageResponse{}, err
	}
	pos, err := DecodeCursor(before)
	if err != nil {
		return PageResponse{}, err
	}
	msgs, err := s.repo.Page(ctx, convID, pos, limit)
	if err != nil {
		return PageResponse{}, err
	}
	res := PageResponse{Messages: msgs}
	if n := len(msgs); n > 0 {
		res.Next = msgs[n-1].Cursor
	}
	return res, nil
}

// CatchUp encodes every message after the cursor as one batch of additions,
// or returns nil if there are none.
func (s *Service) CatchUp(ctx context.Context, convID int64, after message.Cursor) ([]byte, error) {
	pos, err := DecodeCursor(after)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.Since(ctx, convID, pos, catchUpLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	b := message.Batch{ConversationID: formatID(convID), Changes: make([]message.Change, len(msgs))}
	for i, m := range msgs {
		b.Changes[i] = message.Change{Type: message.Added, Message: m}
	}
	return json.Marshal(b)
}

func (s *Service) React(ctx context.Context, convID, msgID, userID int64, emoji string) (message.Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return message.Message{}, ErrInvalidRequest
	}
	if err := s.member(ctx, convID, userID); err != nil {
		return message.Message{}, err
	}
	m, err := s.repo.ToggleReaction(ctx, convID, msgID, userID, emoji)
	if err != nil {
		return message.Message{}, err
	}
	s.publish(ctx, convID, message.Change{Type: message.Modified, Message: m})
	return m, nil
}

func (s *Service) DeleteMessage(ctx context.Context, convID, msgID, userID int64) (message.Message, error) {
	if err := s.member(ctx, convID, userID); err != nil {
		return message.Message{}, err
	}
	m, err := s.repo.Tombstone(ctx, convID, msgID, userID)
	if err != nil {
		return message.Message{}, err
	}
	s.publish(ctx, convID, message.Change{Type: message.Modified, Message: m})
	return m, nil
}

// Clear deletes the whole history. Watchers receive one removal per message.
func (s *Service) Clear(ctx context.Context, convID, userID int64) (int, error) {
	if err := s.member(ctx, convID, userID); err != nil {
		return 0, err
	}
	removed, err := s.repo.Clear(ctx, convID)
	if err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, nil
	}
	changes := make([]message.Change, len(removed))
	for i, m := range removed {
		changes[i] = message.Change{Type: message.Removed, Message: m}
	}
	s.publish(ctx, convID, changes...)
	return len(removed), nil
}

func (s *Service) MarkRead(ctx context.Context, convID, userID int64) error {
	return s.repo.MarkRead(ctx, convID, userID)
}

func (s *Service) SetTyping(ctx context.Context, convID, userID int64, typing bool) error {
	return s.repo.SetTyping(ctx, convID, userID, typing)
}

// ---------------------------------------------
// 👥 Conversations
// ---------------------------------------------

func (s *Service) Conversations(ctx context.Context, userID int64) ([]ConversationView, error) {
	return s.repo.Conversations(ctx, userID)
}

func (s *Service) Conversation(ctx context.Context, convID, userID int64) (ConversationView, error) {
	return s.repo.Conversation(ctx, convID, userID)
}

// ConversationAction changes the caller's own preferences for the
// conversation and returns it as the caller now sees it.
func (s *Service) ConversationAction(ctx context.Context, convID, userID int64, a message.Action) (ConversationView, error) {
	if _, err := (message.Preferences{}).Apply(a); err != nil {
		return ConversationView{}, fmt.Errorf("%w: %q", ErrInvalidRequest, a)
	}
	if err := s.repo.ApplyAction(ctx, convID, userID, a); err != nil {
		return ConversationView{}, err
	}
	return s.repo.Conversation(ctx, convID, userID)
}

func (s *Service) StartPrivate(ctx context.Context, userID, targetID int64) (StartConversationResponse, error) {
	if targetID <= 0 {
		return StartConversationResponse{}, ErrInvalidRequest
	}
	convID, created, err := s.repo.FindOrCreatePrivate(ctx, userID, targetID)
	if err != nil {
		return StartConversationResponse{}, err
	}
	return StartConversationResponse{ID: convID, Created: created}, nil
}

func (s *Service) CreateGroup(ctx context.Context, userID int64, req CreateGroupRequest) (StartConversationResponse, error) {
	members := make([]int64, 0, len(req.Members))
	for _, raw := range req.Members {
		m, err := parseID(raw)
		if err != nil {
			return StartConversationResponse{}, fmt.Errorf("%w: member %q", ErrInvalidRequest, raw)
		}
		members = append(members, m)
	}
	convID, err := s.repo.CreateGroup(ctx, userID, req.Name, members)
	if err != nil {
		return StartConversationResponse{}, err
	}
	return StartConversationResponse{ID: convID, Created: true}, nil
}
