package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"vibez/internal/id"
	"vibez/internal/message"
)

// fakeRepo keeps conversations in memory with the same semantics as the
// PostgreSQL repository.
type fakeRepo struct {
	mu      sync.Mutex
	members map[int64][]int64
	msgs    map[int64][]message.Message // ascending by id
	typing  map[int64]map[int64]bool
	read    map[int64]map[int64]time.Time
	prefs   map[int64]map[int64]message.Preferences
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		members: make(map[int64][]int64),
		msgs:    make(map[int64][]message.Message),
		typing:  make(map[int64]map[int64]bool),
		read:    make(map[int64]map[int64]time.Time),
		prefs:   make(map[int64]map[int64]message.Preferences),
	}
}

func (f *fakeRepo) addConversation(members ...int64) int64 {
	convID := id.NewInt()
	f.mu.Lock()
	f.members[convID] = members
	f.typing[convID] = make(map[int64]bool)
	f.read[convID] = make(map[int64]time.Time)
	f.prefs[convID] = make(map[int64]message.Preferences)
	f.mu.Unlock()
	return convID
}

func (f *fakeRepo) messages(convID int64) []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.msgs[convID])
}

func (f *fakeRepo) IsParticipant(ctx context.Context, convID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.members[convID], userID), nil
}

func (f *fakeRepo) SaveMessage(ctx context.Context, convID, senderID int64, d message.Draft) (message.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.members[convID], senderID) {
		return message.Message{}, false, ErrNotParticipant
	}
	msgID := id.NewInt()
	corr := d.CorrelationID
	if corr == "" {
		corr = formatID(msgID)
	}
	for _, m := range f.msgs[convID] {
		if m.CorrelationID == corr {
			return m, false, nil
		}
	}
	m := message.Message{
		ID:             formatID(msgID),
		CorrelationID:  corr,
		ConversationID: formatID(convID),
		SenderID:       formatID(senderID),
		Content:        d.Content,
		Timestamp:      time.Now(),
		Status:         message.StatusSent,
		Cursor:         EncodeCursor(msgID),
	}
	f.msgs[convID] = append(f.msgs[convID], m)
	return m, true, nil
}

func (f *fakeRepo) Page(ctx context.Context, convID, before int64, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []message.Message{}
	all := f.msgs[convID]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		n, _ := parseID(all[i].ID)
		if before == 0 || n < before {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (f *fakeRepo) Since(ctx context.Context, convID, after int64, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []message.Message{}
	for _, m := range f.msgs[convID] {
		n, _ := parseID(m.ID)
		if n > after && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRepo) modify(convID, msgID int64, fn func(*message.Message) error) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.msgs[convID] {
		m := &f.msgs[convID][i]
		if m.ID != formatID(msgID) {
			continue
		}
		if err := fn(m); err != nil {
			return message.Message{}, err
		}
		return m.Clone(), nil
	}
	return message.Message{}, ErrMessageNotFound
}

func (f *fakeRepo) ToggleReaction(ctx context.Context, convID, msgID, userID int64, emoji string) (message.Message, error) {
	return f.modify(convID, msgID, func(m *message.Message) error {
		if m.Deleted {
			return ErrMessageDeleted
		}
		m.Reactions = message.ToggleReaction(m.Reactions, emoji, formatID(userID))
		return nil
	})
}

func (f *fakeRepo) Tombstone(ctx context.Context, convID, msgID, userID int64) (message.Message, error) {
	return f.modify(convID, msgID, func(m *message.Message) error {
		if m.SenderID != formatID(userID) {
			return ErrForbidden
		}
		*m = m.Tombstone()
		return nil
	})
}

func (f *fakeRepo) Clear(ctx context.Context, convID int64) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.msgs[convID]
	delete(f.msgs, convID)
	return removed, nil
}

func (f *fakeRepo) MarkRead(ctx context.Context, convID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.members[convID], userID) {
		return ErrNotParticipant
	}
	f.read[convID][userID] = time.Now()
	return nil
}

func (f *fakeRepo) SetTyping(ctx context.Context, convID, userID int64, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.members[convID], userID) {
		return ErrNotParticipant
	}
	f.typing[convID][userID] = typing
	return nil
}

func (f *fakeRepo) ApplyAction(ctx context.Context, convID, userID int64, a message.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.members[convID], userID) {
		return ErrNotParticipant
	}
	p, err := f.prefs[convID][userID].Apply(a)
	if err != nil {
		return ErrInvalidRequest
	}
	f.prefs[convID][userID] = p
	return nil
}

func (f *fakeRepo) Conversations(ctx context.Context, userID int64) ([]ConversationView, error) {
	return nil, nil
}

func (f *fakeRepo) Conversation(ctx context.Context, convID, userID int64) (ConversationView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[convID]
	if !ok {
		return ConversationView{}, ErrConversationGone
	}
	if !slices.Contains(members, userID) {
		return ConversationView{}, ErrNotParticipant
	}
	v := ConversationView{
		Conversation: message.Conversation{ID: formatID(convID), Type: message.Private},
		Preferences:  f.prefs[convID][userID],
	}
	for _, m := range members {
		v.Participants = append(v.Participants, formatID(m))
	}
	return v, nil
}

func (f *fakeRepo) FindOrCreatePrivate(ctx context.Context, a, b int64) (int64, bool, error) {
	if a == b {
		return 0, false, ErrInvalidRequest
	}
	f.mu.Lock()
	for convID, members := range f.members {
		if len(members) == 2 && slices.Contains(members, a) && slices.Contains(members, b) {
			f.mu.Unlock()
			return convID, false, nil
		}
	}
	f.mu.Unlock()
	return f.addConversation(a, b), true, nil
}

func (f *fakeRepo) CreateGroup(ctx context.Context, creator int64, name string, members []int64) (int64, error) {
	if name == "" || len(members) == 0 {
		return 0, ErrInvalidRequest
	}
	return f.addConversation(append([]int64{creator}, members...)...), nil
}

var _ Repo = (*fakeRepo)(nil)
