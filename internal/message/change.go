package message

// Cursor is an opaque position in a conversation's history. Only the store
// that produced it can interpret it.
type Cursor string

type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

type Change struct {
	Type    ChangeType `json:"type"`
	Message Message    `json:"message"`
}

// Batch is one delivery from a watch subscription, in store order.
type Batch struct {
	ConversationID string   `json:"conversationId"`
	Changes        []Change `json:"changes"`
}

// Draft is what a client hands to the store for a durable write.
type Draft struct {
	CorrelationID string
	SenderID      string
	Content       Content
}
