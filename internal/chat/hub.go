package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vibez/internal/message"
)

const (
	changesChannel = "vibez:changes"
	// maxPending bounds what a watcher may queue while its catch-up query runs.
	maxPending = 1024
)

var errHubStopped = errors.New("hub stopped")

// Hub routes change batches to the watchers of each conversation. Every
// instance publishes to Redis and every instance delivers what it reads
// back, so a watcher sees writes made through any instance.
type Hub struct {
	rooms      map[string]map[*Watcher]bool
	broadcast  chan envelope // From Redis -> Watchers
	Register   chan *Watcher // New watcher joins
	Unregister chan *Watcher // Watcher leaves
	ready      chan catchUp  // Catch-up done, switch watcher to live
	done       chan struct{}
	redis      *redis.Client
	log        *zap.Logger
	metrics    *Metrics
}

type catchUp struct {
	watcher *Watcher
	payload []byte
}

// NewHub creates a hub. With a nil Redis client batches are delivered only
// on this instance.
func NewHub(redisClient *redis.Client, log *zap.Logger, metrics *Metrics) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Watcher]bool),
		broadcast:  make(chan envelope, 256),
		Register:   make(chan *Watcher),
		Unregister: make(chan *Watcher),
		ready:      make(chan catchUp),
		done:       make(chan struct{}),
		redis:      redisClient,
		log:        log,
		metrics:    metrics,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case w := <-h.Register:
			room, ok := h.rooms[w.ConversationID]
			if !ok {
				room = make(map[*Watcher]bool)
				h.rooms[w.ConversationID] = room
			}
			room[w] = true
			h.metrics.Watchers.Inc()

		case w := <-h.Unregister:
			h.drop(w)

		case c := <-h.ready:
			w := c.watcher
			if !h.rooms[w.ConversationID][w] {
				continue
			}
			if c.payload != nil && !h.deliver(w, c.payload) {
				continue
			}
			for _, p := range w.pending {
				if !h.deliver(w, p) {
					break
				}
			}
			w.pending = nil
			w.live = true

		case env := <-h.broadcast:
			for w := range h.rooms[env.ConversationID] {
				if !w.live {
					if len(w.pending) >= maxPending {
						h.metrics.FanoutDropped.Inc()
						h.drop(w)
						continue
					}
					w.pending = append(w.pending, env.Payload)
					continue
				}
				h.deliver(w, env.Payload)
			}

		case <-ctx.Done():
			for _, room := range h.rooms {
				for w := range room {
					h.drop(w)
				}
			}
			return
		}
	}
}

// deliver queues payload on w or disconnects it if its buffer is full.
func (h *Hub) deliver(w *Watcher, payload []byte) bool {
	select {
	case w.Send <- payload:
		return true
	default:
		h.metrics.FanoutDropped.Inc()
		h.log.Warn("watcher too slow, disconnecting",
			zap.String("conversation_id", w.ConversationID), zap.Int64("user_id", w.UserID))
		h.drop(w)
		return false
	}
}

func (h *Hub) drop(w *Watcher) {
	room, ok := h.rooms[w.ConversationID]
	if !ok || !room[w] {
		return
	}
	delete(room, w)
	if len(room) == 0 {
		delete(h.rooms, w.ConversationID)
	}
	close(w.Send)
	h.metrics.Watchers.Dec()
}

// join registers w and returns false if the hub has stopped.
func (h *Hub) join(w *Watcher) bool {
	select {
	case h.Register <- w:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(w *Watcher) {
	select {
	case h.Unregister <- w:
	case <-h.done:
	}
}

// goLive hands the catch-up frame to the hub, which sends it ahead of any
// batch that arrived while it was being read.
func (h *Hub) goLive(w *Watcher, payload []byte) {
	select {
	case h.ready <- catchUp{watcher: w, payload: payload}:
	case <-h.done:
	}
}

// Publish fans a batch out to every instance.
func (h *Hub) Publish(ctx context.Context, b message.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return errHubStopped
	default:
	}
	if h.redis == nil {
		select {
		case h.broadcast <- envelope{ConversationID: b.ConversationID, Payload: data}:
			return nil
		case <-h.done:
			return errHubStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.redis.Publish(ctx, changesChannel, data).Err()
}

// SubscribeToRedis listens for batches published by any instance.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, changesChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var head struct {
				ConversationID string `json:"conversationId"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &head); err != nil {
				h.log.Warn("bad fan-out payload", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- envelope{ConversationID: head.ConversationID, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
