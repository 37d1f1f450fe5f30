package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"vibez/internal/message"
)

// Watch opens the conversation's change stream. The server first replays
// everything after the cursor, then streams live batches. The channel is
// closed when ctx ends or the connection drops; there is no reconnect.
func (c *Client) Watch(ctx context.Context, conversationID string, after message.Cursor) (<-chan message.Batch, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/conversations/" + url.PathEscape(conversationID)
	if after != "" {
		u.RawQuery = url.Values{"after": {string(after)}}.Encode()
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, res, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil {
			if res.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("watch: %w", ErrUnauthorized)
			}
			return nil, &APIError{Status: res.StatusCode, Message: "watch handshake rejected"}
		}
		return nil, fmt.Errorf("watch: %w", err)
	}

	out := make(chan message.Batch)
	go func() {
		defer close(out)
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("watch stream ended", zap.String("conversation_id", conversationID), zap.Error(err))
				}
				return
			}
			// The server may coalesce several batches into one frame.
			for _, line := range bytes.Split(frame, []byte{'\n'}) {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				var b message.Batch
				if err := json.Unmarshal(line, &b); err != nil {
					c.log.Warn("bad batch on watch stream", zap.Error(err))
					continue
				}
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
