package message

import (
	"errors"
	"slices"
	"time"
)

type ConversationType string

const (
	Private ConversationType = "private"
	Group   ConversationType = "group"
)

type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID           string               `json:"id"`
	Type         ConversationType     `json:"type"`
	Name         string               `json:"name,omitempty"`
	Participants []string             `json:"participants"`
	CreatedBy    string               `json:"createdBy,omitempty"`
	LastMessage  *LastMessage         `json:"lastMessage,omitempty"`
	LastRead     map[string]time.Time `json:"lastRead,omitempty"`
	Typing       []string             `json:"typing,omitempty"`
}

// UnreadCount is 1 when the last message is newer than the user's lastRead
// mark and was written by someone else, 0 otherwise.
//
// This is an approximation: only the denormalised lastMessage is compared,
// so five unseen messages still count as one. Callers (badges, list
// grouping) are written against these 0/1 semantics.
func UnreadCount(c Conversation, userID string) int {
	if c.LastMessage == nil || c.LastMessage.SenderID == userID {
		return 0
	}
	lastRead, ok := c.LastRead[userID]
	if !ok {
		return 1
	}
	if c.LastMessage.Timestamp.After(lastRead) {
		return 1
	}
	return 0
}

// SortByActivity orders conversations by last message time, newest first.
// Conversations without messages sink to the end.
func SortByActivity(cs []Conversation) {
	slices.SortStableFunc(cs, func(a, b Conversation) int {
		return activity(b).Compare(activity(a))
	})
}

func activity(c Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Timestamp
}

// TypingOthers returns who is composing, excluding userID.
func TypingOthers(c Conversation, userID string) []string {
	var out []string
	for _, id := range c.Typing {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Preferences are one member's own settings for a conversation. Other
// members never see them.
type Preferences struct {
	Favorite bool `json:"isFavorite,omitempty"`
	Archived bool `json:"isArchived,omitempty"`
	Muted    bool `json:"isMuted,omitempty"`
}

// Action changes a member's Preferences.
type Action string

const (
	ToggleFavorite Action = "toggleFavorite"
	Archive        Action = "archive"
	Unarchive      Action = "unarchive"
	ToggleMute     Action = "toggleMute"
)

var ErrUnknownAction = errors.New("unknown conversation action")

// Apply returns p with a applied.
func (p Preferences) Apply(a Action) (Preferences, error) {
	switch a {
	case ToggleFavorite:
		p.Favorite = !p.Favorite
	case Archive:
		p.Archived = true
	case Unarchive:
		p.Archived = false
	case ToggleMute:
		p.Muted = !p.Muted
	default:
		return p, ErrUnknownAction
	}
	return p, nil
}
