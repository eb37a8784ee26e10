package groupchat

import (
	"net/http"

	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
)

type AuthHandler struct {
	users *store.UserStore
	auth  *store.AuthStore
}

func NewAuthHandler(users *store.UserStore, auth *store.AuthStore) *AuthHandler {
	return &AuthHandler{users: users, auth: auth}
}

type LoginPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) error {
	var user store.User
	if err := router.DecodeJSON(r, &user); err != nil {
		return err
	}
	if err := validate.Struct(user); err != nil {
		return router.NewError(http.StatusBadRequest, validationMessage(err))
	}

	created, err := h.users.CreateUser(r.Context(), user)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, created)
}

func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) error {
	var payload LoginPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return router.NewError(http.StatusBadRequest, validationMessage(err))
	}

	session, err := h.auth.NewSession(r.Context(), payload.Username, payload.Password)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, session)
}
