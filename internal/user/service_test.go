package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewService(nil, "s3cret")
	tok, err := s.IssueToken(42, "alice")
	require.NoError(t, err)

	id, name, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "alice", name)

	other := NewService(nil, "different")
	_, _, err = other.ValidateToken(tok)
	assert.Error(t, err)

	_, _, err = s.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestRegisterValidatesInput(t *testing.T) {
	s := NewService(nil, "s3cret")
	_, err := s.Register(context.Background(), &RegisterRequest{Username: "  ", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Register(context.Background(), &RegisterRequest{Username: "bob"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
