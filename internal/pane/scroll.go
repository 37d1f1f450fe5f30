package pane

import "vibez/internal/message"

// BottomThreshold is how close to the end the reader must be to count as
// following the conversation.
const BottomThreshold = 100

// Anchor pins the reader's position while older content is inserted above.
type Anchor struct {
	Offset int
	Height int
}

// Measure records the scroll offset and content height before a prepend.
func Measure(offset, height int) Anchor {
	return Anchor{Offset: offset, Height: height}
}

// Restore returns the offset that keeps the same content under the reader
// once the content has grown to newHeight.
func (a Anchor) Restore(newHeight int) int {
	off := a.Offset + (newHeight - a.Height)
	if off < 0 {
		return 0
	}
	return off
}

// Follow decides whether new messages pull the view to the bottom.
type Follow struct {
	Self      string
	Assistant string
	Threshold int

	AtBottom bool
	Unseen   int
}

func NewFollow(self, assistant string) *Follow {
	return &Follow{Self: self, Assistant: assistant, Threshold: BottomThreshold, AtBottom: true}
}

// Scrolled updates the at-bottom flag from the viewport geometry.
func (f *Follow) Scrolled(offset, contentHeight, visibleHeight int) {
	f.AtBottom = contentHeight-offset-visibleHeight < f.Threshold
	if f.AtBottom {
		f.Unseen = 0
	}
}

// Appended reports whether the view should snap to the newest message
// after msgs were appended. A message from the user or the assistant always
// pulls the view down. Other messages only count as unseen while the reader
// is scrolled away.
func (f *Follow) Appended(msgs ...message.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	snap := f.AtBottom
	for _, m := range msgs {
		if f.pulls(m) {
			snap = true
			break
		}
	}
	if snap {
		f.Unseen = 0
		f.AtBottom = true
		return true
	}
	f.Unseen += len(msgs)
	return false
}

func (f *Follow) pulls(m message.Message) bool {
	return m.SenderID == f.Self || (f.Assistant != "" && m.SenderID == f.Assistant)
}
