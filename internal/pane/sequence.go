package pane

import "vibez/internal/message"

// Sequence is the ordered message list of one pane plus an index from
// correlation id to position, so lookups during a merge are O(1).
//
// Positions in the index are absolute: slice index = position - base.
// Prepending lowers base instead of shifting every entry.
type Sequence struct {
	items []message.Message
	base  int
	index map[string]int
}

func NewSequence() *Sequence {
	return &Sequence{index: make(map[string]int)}
}

func (s *Sequence) Len() int { return len(s.items) }

func (s *Sequence) At(i int) message.Message { return s.items[i] }

// Lookup returns the slice index of the message with the given key.
func (s *Sequence) Lookup(key string) (int, bool) {
	pos, ok := s.index[key]
	if !ok {
		return 0, false
	}
	return pos - s.base, true
}

// FindID scans for a confirmed message id.
func (s *Sequence) FindID(id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Sequence) Append(m message.Message) {
	s.index[m.Key()] = s.base + len(s.items)
	s.items = append(s.items, m)
}

// Replace overwrites the entry at i.
func (s *Sequence) Replace(i int, m message.Message) {
	old := s.items[i].Key()
	if old != m.Key() {
		delete(s.index, old)
		s.index[m.Key()] = s.base + i
	}
	s.items[i] = m
}

// Prepend puts older messages (ascending) in front of the sequence.
// Messages whose key is already present replace the existing entry in
// place instead. It returns how many entries were added at the head.
func (s *Sequence) Prepend(older []message.Message) int {
	fresh := make([]message.Message, 0, len(older))
	for _, m := range older {
		if i, ok := s.Lookup(m.Key()); ok {
			s.Replace(i, m)
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	s.base -= len(fresh)
	for i, m := range fresh {
		s.index[m.Key()] = s.base + i
	}
	s.items = append(fresh, s.items...)
	return len(fresh)
}

// Remove drops the message with key. The index is rebuilt, which is
// linear but only happens on cancel and remote deletes.
func (s *Sequence) Remove(key string) bool {
	i, ok := s.Lookup(key)
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.base = 0
	clear(s.index)
	for j, m := range s.items {
		s.index[m.Key()] = j
	}
	return true
}

// Newest returns the newest confirmed message, scanning from the tail
// past optimistic entries.
func (s *Sequence) Newest() (message.Message, bool) {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Cursor != "" {
			return s.items[i], true
		}
	}
	return message.Message{}, false
}

// Snapshot copies the sequence for use outside the pane loop.
func (s *Sequence) Snapshot() []message.Message {
	out := make([]message.Message, len(s.items))
	for i, m := range s.items {
		out[i] = m.Clone()
	}
	return out
}
