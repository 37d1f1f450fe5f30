package id

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsOrderedAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	var prev int64
	for i := 0; i < 1000; i++ {
		s := New()
		require.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true

		n, err := strconv.ParseInt(s, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}
