// Package api exposes the HTTP collaborator surface over the store,
// registry and engine: room lifecycle, activity log access, share URLs
// and per-user timer history.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xhide341/morph-app-sub000/go/internal/engine"
	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/registry"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
)

type RoomHandler struct {
	store    store.ActivityStore
	engine   *engine.Engine
	registry *registry.Registry
	clock    clockwork.Clock
}

func NewRoomHandler(st store.ActivityStore, eng *engine.Engine, reg *registry.Registry, clock clockwork.Clock) *RoomHandler {
	return &RoomHandler{store: st, engine: eng, registry: reg, clock: clock}
}

// RegisterRoutes registers the collaborator REST routes.
func (h *RoomHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /room/create", h.handleCreateRoom)
	mux.HandleFunc("GET /room/{roomId}/info", h.handleRoomInfo)
	mux.HandleFunc("GET /room/{roomId}/users", h.handleListUsers)
	mux.HandleFunc("POST /room/{roomId}/users", h.handleAddUser)
	mux.HandleFunc("DELETE /room/{roomId}/users", h.handleRemoveUser)
	mux.HandleFunc("GET /room/{roomId}/activities", h.handleListActivities)
	mux.HandleFunc("POST /room/{roomId}/activities", h.handlePostActivity)
	mux.HandleFunc("POST /room/{roomId}/url", h.handlePutShareURL)
	mux.HandleFunc("GET /room/{roomId}/url", h.handleGetShareURL)
	mux.HandleFunc("GET /history/{userName}", h.handleListHistory)
	mux.HandleFunc("POST /history/{userName}", h.handlePostHistory)
}

func (h *RoomHandler) roomID(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID, err := models.NormalizeRoomID(r.PathValue("roomId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return roomID, true
}

func (h *RoomHandler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	roomID, err := models.NormalizeRoomID(body.RoomID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.store.UpsertRoomInfo(r.Context(), roomID, nil)
	if err != nil {
		h.storeFailure(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *RoomHandler) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	info, err := h.store.GetRoomInfo(r.Context(), roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		h.storeFailure(w, "get room info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *RoomHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Users(roomID))
}

type userCountResponse struct {
	UserCount  int    `json:"userCount"`
	LastActive string `json:"lastActive"`
}

func (h *RoomHandler) mutateUsers(w http.ResponseWriter, r *http.Request, delta int) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	var body struct {
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := models.ValidateUserName(body.UserName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now().UTC()
	info, err := h.store.UpsertRoomInfo(r.Context(), roomID, func(info *models.RoomInfo) {
		info.ActiveUsers += delta
		if info.ActiveUsers < 0 {
			info.ActiveUsers = 0
		}
		info.LastActive = now
	})
	if err != nil {
		h.storeFailure(w, "update room users", err)
		return
	}
	writeJSON(w, http.StatusOK, userCountResponse{
		UserCount:  info.ActiveUsers,
		LastActive: info.LastActive.Format(timeFormat),
	})
}

func (h *RoomHandler) handleAddUser(w http.ResponseWriter, r *http.Request) {
	h.mutateUsers(w, r, 1)
}

func (h *RoomHandler) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	h.mutateUsers(w, r, -1)
}

func (h *RoomHandler) handleListActivities(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	activities, err := h.store.List(r.Context(), roomID)
	if err != nil {
		h.storeFailure(w, "list activities", err)
		return
	}
	if activities == nil {
		activities = []models.RoomActivity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

func (h *RoomHandler) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	var activity models.RoomActivity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	stored, err := h.engine.CommitActivity(r.Context(), roomID, activity)
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.storeFailure(w, "commit activity", err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *RoomHandler) handlePutShareURL(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	if err := h.store.PutShareURL(r.Context(), roomID, body.URL); err != nil {
		h.storeFailure(w, "put share url", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": body.URL})
}

func (h *RoomHandler) handleGetShareURL(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	url, err := h.store.GetShareURL(r.Context(), roomID)
	if err != nil {
		h.storeFailure(w, "get share url", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *RoomHandler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userName := r.PathValue("userName")
	if err := models.ValidateUserName(userName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.ListHistory(r.Context(), userName)
	if err != nil {
		h.storeFailure(w, "list history", err)
		return
	}
	if records == nil {
		records = []models.TimerHistory{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *RoomHandler) handlePostHistory(w http.ResponseWriter, r *http.Request) {
	userName := r.PathValue("userName")
	if err := models.ValidateUserName(userName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var record models.TimerHistory
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	stored, err := h.store.AppendHistory(r.Context(), userName, record)
	if err != nil {
		h.storeFailure(w, "append history", err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *RoomHandler) storeFailure(w http.ResponseWriter, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("store operation failed")
	writeError(w, http.StatusInternalServerError, "storage failure")
}
