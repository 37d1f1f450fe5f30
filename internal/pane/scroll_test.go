package pane

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vibez/internal/message"
)

// top returns the offset of item i given per-item heights.
func top(heights []int, i int) int {
	off := 0
	for _, h := range heights[:i] {
		off += h
	}
	return off
}

func sum(heights []int) int { return top(heights, len(heights)) }

func TestAnchorKeepsViewedMessageInPlace(t *testing.T) {
	heights := []int{40, 120, 40, 80, 40, 200, 40, 60}
	viewed := 5
	offset := top(heights, viewed) - 30 // reader sees message 5 thirty units below the top
	a := Measure(offset, sum(heights))

	older := []int{40, 40, 300, 80, 40, 40, 40, 120, 40, 40, 40, 40, 40, 60, 40}
	grown := append(append([]int{}, older...), heights...)

	restored := a.Restore(sum(grown))
	before := top(heights, viewed) - offset
	after := top(grown, viewed+len(older)) - restored
	assert.Equal(t, before, after)
}

func TestAnchorNeverNegative(t *testing.T) {
	assert.Equal(t, 0, Measure(10, 500).Restore(100))
}

func TestFollow(t *testing.T) {
	f := NewFollow("me", "ai")
	other := message.Message{SenderID: "bob"}

	assert.True(t, f.Appended(other), "at bottom follows")

	f.Scrolled(0, 1000, 400)
	assert.False(t, f.AtBottom)
	assert.False(t, f.Appended(other, other))
	assert.Equal(t, 2, f.Unseen)

	assert.True(t, f.Appended(message.Message{SenderID: "ai"}))
	assert.Zero(t, f.Unseen)

	f.Scrolled(0, 1000, 400)
	f.Appended(other)
	f.Scrolled(550, 1000, 400)
	assert.True(t, f.AtBottom, "within threshold")
	assert.Zero(t, f.Unseen)

	assert.False(t, f.Appended())
}

func TestFollowMixedBatch(t *testing.T) {
	f := NewFollow("me", "ai")
	other := message.Message{SenderID: "bob"}
	mine := message.Message{SenderID: "me"}

	f.Scrolled(0, 1000, 400)
	assert.True(t, f.Appended(mine, other), "own message pulls the view down")
	assert.Zero(t, f.Unseen)

	f.Scrolled(0, 1000, 400)
	assert.True(t, f.Appended(other, mine))
	assert.Zero(t, f.Unseen, "nothing is left unseen once the view snaps")

	f.Scrolled(0, 1000, 400)
	assert.False(t, f.Appended(other, other, other))
	assert.Equal(t, 3, f.Unseen)
}
