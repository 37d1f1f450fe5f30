package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireMessage is the flat JSON shape shared by the REST API, the watch
// stream and the Redis fan-out channel.
type wireMessage struct {
	ID             string     `json:"id,omitempty"`
	CorrelationID  string     `json:"clientCorrelationId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	SenderID       string     `json:"senderId"`
	Kind           Kind       `json:"kind"`
	Text           string     `json:"text"`
	File           *File      `json:"file,omitempty"`
	ReplyTo        *ReplyRef  `json:"replyTo,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Status         Status     `json:"status,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	Cursor         Cursor     `json:"cursor,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Timestamp:      m.Timestamp,
		Status:         m.Status,
		Deleted:        m.Deleted,
		Reactions:      m.Reactions,
		Cursor:         m.Cursor,
	}
	if err := putContent(&w, m.Content); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c, err := contentOf(w)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             w.ID,
		CorrelationID:  w.CorrelationID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        c,
		Timestamp:      w.Timestamp,
		Status:         w.Status,
		Deleted:        w.Deleted,
		Reactions:      w.Reactions,
		Cursor:         w.Cursor,
	}
	return nil
}

// DraftJSON is the request body of a message write.
type DraftJSON struct {
	CorrelationID string    `json:"clientCorrelationId"`
	Kind          Kind      `json:"kind"`
	Text          string    `json:"text"`
	File          *File     `json:"file,omitempty"`
	ReplyTo       *ReplyRef `json:"replyTo,omitempty"`
}

func EncodeDraft(d Draft) (DraftJSON, error) {
	var w wireMessage
	if err := putContent(&w, d.Content); err != nil {
		return DraftJSON{}, err
	}
	return DraftJSON{CorrelationID: d.CorrelationID, Kind: w.Kind, Text: w.Text, File: w.File, ReplyTo: w.ReplyTo}, nil
}

// Content decodes the draft's variant.
func (d DraftJSON) Content() (Content, error) {
	return contentOf(wireMessage{Kind: d.Kind, Text: d.Text, File: d.File, ReplyTo: d.ReplyTo})
}

func putContent(w *wireMessage, c Content) error {
	switch v := c.(type) {
	case Text:
		w.Kind, w.Text = KindText, v.Body
	case Media:
		f := v.File
		w.Kind, w.Text, w.File = KindMedia, v.Caption, &f
	case Reply:
		ref := v.Ref
		w.Kind, w.Text, w.ReplyTo = KindReply, v.Body, &ref
	case nil:
		w.Kind = KindText
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, c)
	}
	return nil
}

func contentOf(w wireMessage) (Content, error) {
	switch w.Kind {
	case KindText, "":
		// Records written before kinds existed may carry a file or reply.
		if w.File != nil {
			return Media{File: *w.File, Caption: w.Text}, nil
		}
		if w.ReplyTo != nil {
			return Reply{Ref: *w.ReplyTo, Body: w.Text}, nil
		}
		return Text{Body: w.Text}, nil
	case KindMedia:
		if w.File == nil {
			return nil, fmt.Errorf("media message without file")
		}
		return Media{File: *w.File, Caption: w.Text}, nil
	case KindReply:
		if w.ReplyTo == nil {
			return nil, fmt.Errorf("reply message without replyTo")
		}
		return Reply{Ref: *w.ReplyTo, Body: w.Text}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
}
