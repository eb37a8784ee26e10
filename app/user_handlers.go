package groupchat

import (
	"fmt"
	"net/http"

	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
)

type UserHandler struct {
	store *store.UserStore
}

func NewUserHandler(store *store.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := SessionFromRequest(r)
	user, err := h.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("get user by id: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, user)
}
