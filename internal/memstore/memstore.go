// Package memstore is an in-process implementation of the pane store used
// by tests, the load generator and the offline demo.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"vibez/internal/id"
	"vibez/internal/message"
	"vibez/internal/pane"
)

var (
	ErrNoConversation = errors.New("conversation not found")
	ErrNoMessage      = errors.New("message not found")
	ErrForbidden      = errors.New("not allowed")
)

type Store struct {
	mu    sync.Mutex
	convs map[string]*conv
	now   func() time.Time

	writeErr error
	fetchErr error
	// writeGate, when set, holds every write until it is closed.
	writeGate chan struct{}
}

type conv struct {
	meta   message.Conversation
	msgs   []message.Message // ascending by cursor
	byCorr map[string]int
	// last is the highest cursor issued. It survives Clear so that cursors
	// are never reused.
	last     int
	watchers map[*watcher]struct{}
}

func New() *Store {
	return &Store{convs: make(map[string]*conv), now: time.Now}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// FailWrites makes every following write return err. nil restores normal writes.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *Store) FailFetches(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}

// HoldWrites blocks writes until the returned func is called.
func (s *Store) HoldWrites() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.writeGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.writeGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// CreateConversation registers c, assigning an id if it has none.
func (s *Store) CreateConversation(c message.Conversation) message.Conversation {
	if c.ID == "" {
		c.ID = id.New()
	}
	if c.LastRead == nil {
		c.LastRead = make(map[string]time.Time)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = &conv{
		meta:     c,
		byCorr:   make(map[string]int),
		watchers: make(map[*watcher]struct{}),
	}
	return c
}

func (s *Store) Conversation(conversationID string) (message.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return message.Conversation{}, ErrNoConversation
	}
	out := c.meta
	if c.meta.LastMessage != nil {
		lm := *c.meta.LastMessage
		out.LastMessage = &lm
	}
	out.LastRead = make(map[string]time.Time, len(c.meta.LastRead))
	for k, v := range c.meta.LastRead {
		out.LastRead[k] = v
	}
	out.Participants = slices.Clone(c.meta.Participants)
	out.Typing = slices.Clone(c.meta.Typing)
	return out, nil
}

// Messages returns the whole history, oldest first.
func (s *Store) Messages(conversationID string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]message.Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Clone()
	}
	return out
}

func (s *Store) WriteMessage(ctx context.Context, conversationID string, d message.Draft) error {
	s.mu.Lock()
	gate, werr := s.writeGate, s.writeErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if werr != nil {
		return werr
	}
	if err := message.Validate(d.Content); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	msgID := id.New()
	corr := d.CorrelationID
	if corr == "" {
		corr = msgID
	}
	if _, dup := c.byCorr[corr]; dup {
		return nil
	}
	m := message.Message{
		ID:             msgID,
		CorrelationID:  corr,
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      s.now(),
		Status:         message.StatusSent,
		Cursor:         message.Cursor(strconv.Itoa(c.last + 1)),
	}
	c.last++
	c.msgs = append(c.msgs, m)
	c.byCorr[corr] = len(c.msgs) - 1
	c.meta.LastMessage = &message.LastMessage{Text: d.Content.Summary(), SenderID: d.SenderID, Timestamp: m.Timestamp}
	c.publish(message.Change{Type: message.Added, Message: m})
	return nil
}

func (s *Store) FetchPage(ctx context.Context, conversationID string, before message.Cursor, limit int) (pane.Page, error) {
	if err := ctx.Err(); err != nil {
		return pane.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return pane.Page{}, s.fetchErr
	}
	c, ok := s.convs[conversationID]
	if !ok {
		return pane.Page{}, ErrNoConversation
	}
	end := len(c.msgs)
	if before != "" {
		n, err := position(before)
		if err != nil {
			return pane.Page{}, err
		}
		end = c.after(n - 1)
	}
	var page pane.Page
	for i := end - 1; i >= 0 && len(page.Messages) < limit; i-- {
		page.Messages = append(page.Messages, c.msgs[i].Clone())
	}
	if n := len(page.Messages); n > 0 {
		page.Next = page.Messages[n-1].Cursor
	}
	return page, nil
}

// Watch queues everything after the cursor before registering, under the
// same lock, so a subscriber sees each record exactly once.
func (s *Store) Watch(ctx context.Context, conversationID string, after message.Cursor) (<-chan message.Batch, error) {
	n := 0
	if after != "" {
		var err error
		if n, err = position(after); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	start := c.after(n)
	w := newWatcher(conversationID)
	if start < len(c.msgs) {
		var changes []message.Change
		for _, m := range c.msgs[start:] {
			changes = append(changes, message.Change{Type: message.Added, Message: m.Clone()})
		}
		w.push(changes)
	}
	c.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		w.run(ctx)
		s.mu.Lock()
		delete(c.watchers, w)
		s.mu.Unlock()
	}()
	return w.out, nil
}

func (s *Store) React(ctx context.Context, conversationID, messageID, emoji, userID string) error {
	return s.modify(conversationID, messageID, func(m *message.Message) error {
		if m.Deleted {
			return ErrForbidden
		}
		m.Reactions = message.ToggleReaction(m.Reactions, emoji, userID)
		return nil
	})
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	return s.modify(conversationID, messageID, func(m *message.Message) error {
		if m.SenderID != userID {
			return ErrForbidden
		}
		*m = m.Tombstone()
		return nil
	})
}

// SetStatus moves a message's receipt forward, as a recipient's client would.
func (s *Store) SetStatus(conversationID, messageID string, status message.Status) error {
	return s.modify(conversationID, messageID, func(m *message.Message) error {
		m.Status = m.Status.Advance(status)
		return nil
	})
}

func (s *Store) modify(conversationID, messageID string, fn func(*message.Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	for i := range c.msgs {
		if c.msgs[i].ID != messageID {
			continue
		}
		if err := fn(&c.msgs[i]); err != nil {
			return err
		}
		c.publish(message.Change{Type: message.Modified, Message: c.msgs[i].Clone()})
		return nil
	}
	return ErrNoMessage
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	c.meta.LastRead[userID] = s.now()
	return nil
}

func (s *Store) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	i := slices.Index(c.meta.Typing, userID)
	switch {
	case typing && i < 0:
		c.meta.Typing = append(c.meta.Typing, userID)
	case !typing && i >= 0:
		c.meta.Typing = slices.Delete(c.meta.Typing, i, i+1)
	}
	return nil
}

// Clear deletes every message and the summary. Watchers receive removals.
func (s *Store) Clear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	for _, m := range c.msgs {
		c.publish(message.Change{Type: message.Removed, Message: m})
	}
	c.msgs = nil
	clear(c.byCorr)
	c.meta.LastMessage = nil
	return nil
}

func (c *conv) publish(ch message.Change) {
	for w := range c.watchers {
		w.push([]message.Change{ch})
	}
}

// after returns the index of the first message whose cursor is above n.
func (c *conv) after(n int) int {
	return sort.Search(len(c.msgs), func(i int) bool {
		pos, _ := position(c.msgs[i].Cursor)
		return pos > n
	})
}

func position(cur message.Cursor) (int, error) {
	n, err := strconv.Atoi(string(cur))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad cursor %q", cur)
	}
	return n, nil
}

var _ pane.Store = (*Store)(nil)
