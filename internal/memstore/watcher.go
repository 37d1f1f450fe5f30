package memstore

import (
	"context"
	"sync"

	"vibez/internal/message"
)

// watcher buffers batches so publishing under the store lock never blocks
// on a slow subscriber.
type watcher struct {
	conversationID string
	out            chan message.Batch

	mu    sync.Mutex
	queue []message.Batch
	wake  chan struct{}
}

func newWatcher(conversationID string) *watcher {
	return &watcher{
		conversationID: conversationID,
		out:            make(chan message.Batch),
		wake:           make(chan struct{}, 1),
	}
}

func (w *watcher) push(changes []message.Change) {
	w.mu.Lock()
	w.queue = append(w.queue, message.Batch{ConversationID: w.conversationID, Changes: changes})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, b := range pending {
			select {
			case w.out <- b:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}
