package chat

import (
	"errors"
	"strconv"

	"vibez/internal/message"
)

var (
	ErrNotParticipant   = errors.New("not a participant of this conversation")
	ErrConversationGone = errors.New("conversation not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageDeleted   = errors.New("message was deleted")
	ErrForbidden        = errors.New("only the sender may do this")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownUser      = errors.New("user not found")
)

// ---------------------------------------------
// 🗄️ API Models
// ---------------------------------------------

// ConversationView is a conversation plus the display names of its members
// and the viewer's own preferences.
type ConversationView struct {
	message.Conversation
	message.Preferences
	Members map[string]string `json:"members"`
}

type StartConversationRequest struct {
	TargetID int64 `json:"target_id,string"`
}

type StartConversationResponse struct {
	ID      int64 `json:"conversation_id,string"`
	Created bool  `json:"created"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type PageResponse struct {
	Messages []message.Message `json:"messages"` // newest first
	Next     message.Cursor    `json:"next,omitempty"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}

type ActionRequest struct {
	Action message.Action `json:"action"`
}

// ---------------------------------------------
// ⚡ Internal Hub Models
// ---------------------------------------------

// envelope is a fan-out payload routed to one conversation room.
type envelope struct {
	ConversationID string
	Payload        []byte
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
