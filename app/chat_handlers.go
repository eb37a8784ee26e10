package groupchat

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/hub"
	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
)

type ChatHandler struct {
	messages     *store.MessageStore
	hub          *hub.Hub
	limiter      *limiterPool
	metrics      *Metrics
	historyLimit int
	logger       *slog.Logger
}

type HistoryResponse struct {
	Messages []core.ChatMessage `json:"messages"`
}

type SendResponse struct {
	Message *core.ChatMessage `json:"message"`
}

func (h *ChatHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomId")
	limit := h.historyLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return router.Errorf(http.StatusBadRequest, "limit %q must be a positive integer", s)
		}
		limit = n
	}

	messages, err := h.messages.RoomMessages(r.Context(), roomID, limit)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, HistoryResponse{Messages: messages})
}

// SendHandler persists a message and pushes it to the room. A resend with a
// client token that was already saved returns the stored copy without a push.
func (h *ChatHandler) SendHandler(w http.ResponseWriter, r *http.Request) error {
	session := SessionFromRequest(r)
	if !h.limiter.Allow(session.UserID) {
		h.metrics.rateLimited.Inc()
		return router.NewError(http.StatusTooManyRequests, "too many messages, slow down")
	}

	var req core.SendRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}

	msg, created, err := h.messages.SaveMessage(r.Context(), store.MessageCreateInput{
		RoomID:      req.RoomID,
		AuthorID:    session.UserID,
		Body:        req.Body,
		Kind:        req.Kind,
		ResourceID:  req.ResourceID,
		ReplyToID:   req.ReplyToID,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.metrics.messagesSent.WithLabelValues(string(msg.Kind)).Inc()
		if err := h.hub.Emit(msg.RoomID, core.NewMessageEvent, msg, ""); err != nil {
			h.logger.Warn("push new message", slog.String("error", err.Error()))
		}
	} else {
		h.metrics.duplicateSends.Inc()
	}
	return router.WriteJSON(w, status, SendResponse{Message: msg})
}
