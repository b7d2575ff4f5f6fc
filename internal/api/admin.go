package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"netrax/internal/content"
	"netrax/internal/models"
	"netrax/internal/storage"
	"netrax/internal/ws"

	"go.uber.org/zap"
)

type AdminHandler struct {
	storage *storage.BboltStorage
	hub     *ws.Hub
	logger  *zap.SugaredLogger
}

func NewAdminHandler(storage *storage.BboltStorage, hub *ws.Hub, logger *zap.SugaredLogger) *AdminHandler {
	return &AdminHandler{storage: storage, hub: hub, logger: logger}
}

type AddParticipantRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddParticipantResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func (h *AdminHandler) AddParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		h.writeResponse(w, http.StatusBadRequest, AddParticipantResponse{Message: err.Error()})
		return
	}

	if _, err := h.storage.GetParticipant(req.Username); err == nil {
		h.writeResponse(w, http.StatusConflict, AddParticipantResponse{
			Message: fmt.Sprintf("Participant %s already exists", req.Username),
		})
		return
	} else if !errors.Is(err, models.ErrNotFound) {
		h.logger.Errorw("failed to look up participant", "username", req.Username, "error", err)
		h.writeResponse(w, http.StatusInternalServerError, AddParticipantResponse{Message: "Failed to create participant"})
		return
	}

	displayName := content.StripTags(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}
	p := models.Participant{
		Username:    req.Username,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
	}

	if err := h.storage.UpsertParticipant(p); err != nil {
		h.logger.Errorw("failed to create participant", "username", req.Username, "error", err)
		h.writeResponse(w, http.StatusInternalServerError, AddParticipantResponse{
			Message: fmt.Sprintf("Failed to create participant: %v", err),
		})
		return
	}

	h.hub.ParticipantAdded(p)
	h.logger.Infow("participant added", "username", p.Username)

	h.writeResponse(w, http.StatusOK, AddParticipantResponse{
		Success:     true,
		Username:    p.Username,
		DisplayName: p.DisplayName,
	})
}

func (h *AdminHandler) ListParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := h.storage.ListParticipants()
	if err != nil {
		h.logger.Errorw("failed to list participants", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(participants)
}

func (h *AdminHandler) writeResponse(w http.ResponseWriter, status int, resp AddParticipantResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warnw("failed to encode response", "error", err)
	}
}
