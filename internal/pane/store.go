package pane

import (
	"context"
	"io"

	"vibez/internal/message"
)

// Store is the real-time document store a pane talks to.
type Store interface {
	// WriteMessage stores the message and the conversation's lastMessage
	// summary in one atomic write. The store assigns id, timestamp and
	// cursor and fans the record out to watchers.
	WriteMessage(ctx context.Context, conversationID string, d message.Draft) error

	// FetchPage returns up to limit messages strictly older than before,
	// newest first. An empty cursor starts at the newest message.
	FetchPage(ctx context.Context, conversationID string, before message.Cursor, limit int) (Page, error)

	// Watch delivers every change to messages newer than after, in store
	// order. The channel is closed when ctx ends or the subscription drops.
	Watch(ctx context.Context, conversationID string, after message.Cursor) (<-chan message.Batch, error)

	React(ctx context.Context, conversationID, messageID, emoji, userID string) error
	DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error
	MarkRead(ctx context.Context, conversationID, userID string) error
	SetTyping(ctx context.Context, conversationID, userID string, typing bool) error
}

type Page struct {
	Messages []message.Message // newest first
	Next     message.Cursor    // position of the oldest message in the page
}

// Attachment is a local file waiting to be uploaded.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	// Preview is shown in the optimistic bubble until the upload finishes.
	Preview string
	Open    func() (io.ReadCloser, error)
}

// Uploader sends attachment bytes to the media service. Cancelling ctx
// aborts the request. progress receives percentages in [0, 100].
type Uploader interface {
	Upload(ctx context.Context, a Attachment, progress func(percent float64)) (message.File, error)
}
