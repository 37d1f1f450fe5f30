package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vibez/internal/message"
	myMiddleware "vibez/internal/middleware"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Terminal clients send no Origin.
	},
}

type Handler struct {
	service *Service
	hub     *Hub
	log     *zap.Logger
}

func NewHandler(service *Service, hub *Hub, log *zap.Logger) *Handler {
	return &Handler{service: service, hub: hub, log: log}
}

// Routes mounts the conversation API on r, which must already authenticate.
// limit, if not nil, wraps every route that writes a message.
func (h *Handler) Routes(r chi.Router, limit func(http.Handler) http.Handler) {
	writes := r
	if limit != nil {
		writes = r.With(limit)
	}

	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.StartConversation)
	r.Post("/api/groups", h.CreateGroup)
	r.Get("/api/conversations/{id}", h.GetConversation)
	r.Get("/api/conversations/{id}/messages", h.GetMessages)
	writes.Post("/api/conversations/{id}/messages", h.SendMessage)
	r.Delete("/api/conversations/{id}/messages", h.ClearMessages)
	r.Post("/api/conversations/{id}/messages/{mid}/reactions", h.React)
	r.Delete("/api/conversations/{id}/messages/{mid}", h.DeleteMessage)
	r.Post("/api/conversations/{id}/read", h.MarkRead)
	r.Post("/api/conversations/{id}/typing", h.SetTyping)
	r.Post("/api/conversations/{id}/actions", h.ConversationAction)
	r.Get("/ws/conversations/{id}", h.ServeWatch)
}

// ---------------------------------------------
// 🧰 Helpers
// ---------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps service errors to status codes and logs the unexpected ones.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownUser):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrConversationGone), errors.Is(err, ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMessageDeleted):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

// caller returns the authenticated user and the conversation in the path.
func caller(r *http.Request) (userID, convID int64, err error) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		return 0, 0, ErrForbidden
	}
	convID, err = parseID(chi.URLParam(r, "id"))
	return userID, convID, err
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// ---------------------------------------------
// 👥 Conversations
// ---------------------------------------------

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	views, err := h.service.Conversations(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.Conversation(r.Context(), convID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StartConversation finds or creates the private chat with target_id.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req StartConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.StartPrivate(r.Context(), userID, req.TargetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.CreateGroup(r.Context(), userID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ---------------------------------------------
// 💬 Messages
// ---------------------------------------------

// GetMessages serves ?before=<cursor>&limit=<n>, newest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPageSize)
	}
	page, err := h.service.Page(r.Context(), convID, userID, message.Cursor(r.URL.Query().Get("before")), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req message.DraftJSON
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.service.SendMessage(r.Context(), convID, userID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgID, err := parseID(chi.URLParam(r, "mid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ReactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.service.React(r.Context(), convID, msgID, userID, req.Emoji)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgID, err := parseID(chi.URLParam(r, "mid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.service.DeleteMessage(r.Context(), convID, msgID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.service.Clear(r.Context(), convID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.MarkRead(r.Context(), convID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req TypingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetTyping(r.Context(), convID, userID, req.Typing); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConversationAction applies a favorite, archive or mute change for the
// caller only.
func (h *Handler) ConversationAction(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.ConversationAction(r.Context(), convID, userID, req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ---------------------------------------------
// 📡 Watch
// ---------------------------------------------

// ServeWatch streams change batches for one conversation. Messages after
// ?after=<cursor> are replayed first; live batches that arrive meanwhile
// are held by the hub and follow the replay.
func (h *Handler) ServeWatch(w http.ResponseWriter, r *http.Request) {
	userID, convID, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.member(r.Context(), convID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	after := message.Cursor(r.URL.Query().Get("after"))
	if _, err := DecodeCursor(after); err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	watcher := &Watcher{
		hub:            h.hub,
		conn:           conn,
		Send:           make(chan []byte, 256),
		UserID:         userID,
		ConversationID: formatID(convID),
		log:            h.log,
	}
	if !h.hub.join(watcher) {
		conn.Close()
		return
	}

	go watcher.writePump()
	go watcher.readPump()

	payload, err := h.service.CatchUp(r.Context(), convID, after)
	if err != nil {
		h.log.Error("watch catch-up failed", zap.Int64("conversation_id", convID), zap.Error(err))
		h.hub.leave(watcher)
		return
	}
	h.hub.goLive(watcher, payload)
}
