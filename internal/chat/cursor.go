package chat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"vibez/internal/message"
)

const cursorPrefix = "m:"

// EncodeCursor wraps a message id so clients treat it as opaque.
func EncodeCursor(id int64) message.Cursor {
	return message.Cursor(base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(id, 10))))
}

// DecodeCursor returns 0 for the empty cursor.
func DecodeCursor(c message.Cursor) (int64, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return 0, fmt.Errorf("%w: cursor %q", ErrInvalidRequest, c)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: cursor %q", ErrInvalidRequest, c)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: cursor %q", ErrInvalidRequest, c)
	}
	return id, nil
}
