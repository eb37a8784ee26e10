package groupchat

import (
	"net/http"

	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
)

type ResourceHandler struct {
	store *store.ResourceStore
}

func NewResourceHandler(store *store.ResourceStore) *ResourceHandler {
	return &ResourceHandler{store: store}
}

type ResourceListResponse struct {
	Resources []store.Resource `json:"resources"`
}

func (h *ResourceHandler) CreateHandler(w http.ResponseWriter, r *http.Request) error {
	var input store.ResourceCreateInput
	if err := router.DecodeJSON(r, &input); err != nil {
		return err
	}
	input.OwnerID = SessionFromRequest(r).UserID

	res, err := h.store.CreateResource(r.Context(), input)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, res)
}

func (h *ResourceHandler) RoomResourcesHandler(w http.ResponseWriter, r *http.Request) error {
	resources, err := h.store.RoomResources(r.Context(), r.PathValue("roomId"))
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, ResourceListResponse{Resources: resources})
}
