package message

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyMessage = errors.New("message has no text and no attachment")
	ErrUnknownKind  = errors.New("unknown message kind")
)

// Status is the delivery state of a message as seen by its sender.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance returns next if it moves a confirmed message forward
// (sent -> delivered -> read), otherwise the current status.
func (s Status) Advance(next Status) Status {
	if s.rank() == 0 || next.rank() == 0 {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Confirmed reports whether the store has acknowledged the message.
func (s Status) Confirmed() bool { return s.rank() > 0 }

// DeletedText replaces the body of a tombstoned message.
const DeletedText = "This message was deleted."

// ---------------------------------------------
// 💬 Message
// ---------------------------------------------

type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        Content
	Timestamp      time.Time
	Status         Status
	Deleted        bool
	Reactions      []Reaction

	// Cursor is the store position of a confirmed record. Empty while optimistic.
	Cursor Cursor
}

// Key is the identity used for reconciliation. Confirmed records always
// carry a correlation id; the id is only a fallback for foreign records.
func (m Message) Key() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.text()
}

// Tombstone returns the message in its deleted form.
func (m Message) Tombstone() Message {
	m.Deleted = true
	m.Content = Text{Body: DeletedText}
	m.Reactions = nil
	return m
}

// Clone copies the mutable slices so the result can be handed out of an
// owning goroutine.
func (m Message) Clone() Message {
	if len(m.Reactions) > 0 {
		rs := make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			rs[i] = Reaction{Emoji: r.Emoji, Users: append([]string(nil), r.Users...), Count: r.Count}
		}
		m.Reactions = rs
	}
	return m
}

// ---------------------------------------------
// 🧩 Content variants
// ---------------------------------------------

type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
	KindReply Kind = "reply"
)

// Content is one of Text, Media or Reply.
type Content interface {
	Kind() Kind
	// Summary is the text stored as the conversation's last message.
	Summary() string
	text() string
}

type Text struct {
	Body string
}

func (Text) Kind() Kind        { return KindText }
func (t Text) Summary() string { return t.Body }
func (t Text) text() string    { return t.Body }

type File struct {
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration,omitempty"`
}

type Media struct {
	File    File
	Caption string
}

func (Media) Kind() Kind     { return KindMedia }
func (m Media) text() string { return m.Caption }

func (m Media) Summary() string {
	switch {
	case strings.HasPrefix(m.File.Type, "image/"):
		if m.Caption != "" {
			return m.Caption
		}
		return "Sent an image"
	case strings.HasPrefix(m.File.Type, "audio/"):
		return "Sent a voice note"
	case strings.HasPrefix(m.File.Type, "video/"):
		if m.Caption != "" {
			return m.Caption
		}
		return "Sent a video"
	}
	if m.Caption != "" {
		return m.Caption
	}
	return "Sent a file: " + m.File.Name
}

// ReplyRef points at the message or story being answered.
type ReplyRef struct {
	MessageID     string `json:"messageId,omitempty"`
	StoryID       string `json:"storyId,omitempty"`
	StoryMedia    string `json:"storyMedia,omitempty"`
	MessageText   string `json:"messageText"`
	MessageSender string `json:"messageSender"`
}

type Reply struct {
	Ref  ReplyRef
	Body string
}

func (Reply) Kind() Kind        { return KindReply }
func (r Reply) Summary() string { return r.Body }
func (r Reply) text() string    { return r.Body }

// Validate rejects content that would render as an empty bubble.
func Validate(c Content) error {
	switch v := c.(type) {
	case Text:
		if strings.TrimSpace(v.Body) == "" {
			return ErrEmptyMessage
		}
	case Reply:
		if strings.TrimSpace(v.Body) == "" {
			return ErrEmptyMessage
		}
	case Media:
		if v.File.URL == "" && v.File.Name == "" {
			return ErrEmptyMessage
		}
	case nil:
		return ErrEmptyMessage
	default:
		return ErrUnknownKind
	}
	return nil
}

// QuoteOf builds the reply reference shown above an answer to m.
func QuoteOf(m Message, senderName string) ReplyRef {
	if r, ok := m.Content.(Reply); ok {
		return r.Ref
	}
	text := m.Text()
	if text == "" {
		if _, ok := m.Content.(Media); ok {
			text = "Attachment"
		}
	}
	if senderName == "" {
		senderName = "Unknown User"
	}
	return ReplyRef{MessageID: m.ID, MessageText: text, MessageSender: senderName}
}
