package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/effects"
)

// PresetsHandler handles saved user preset operations
type PresetsHandler struct {
	library *effects.Library
	logger  *zap.Logger
}

// NewPresetsHandler creates a new presets handler
func NewPresetsHandler(library *effects.Library, logger *zap.Logger) *PresetsHandler {
	return &PresetsHandler{library: library, logger: logger}
}

// PresetRequest is the request body for creating or updating a preset
type PresetRequest struct {
	Category    string         `json:"category"`
	Key         string         `json:"key,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Params      effects.Params `json:"params"`
}

// ListPresets returns the saved presets, optionally of one track
func (h *PresetsHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	track := effects.Track(r.URL.Query().Get("track"))
	if track != "" && track != effects.TrackAudio && track != effects.TrackVideo {
		respondError(w, http.StatusBadRequest, "track must be audio or video")
		return
	}

	presets := h.library.UserPresets(track)
	if presets == nil {
		presets = []effects.UserPreset{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"presets": presets,
	})
}

// CreatePreset saves a new preset. The key is generated from the name when omitted.
func (h *PresetsHandler) CreatePreset(w http.ResponseWriter, r *http.Request) {
	var req PresetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preset, err := h.library.Save(r.Context(), effects.UserPreset{
		Category:    strings.TrimSpace(req.Category),
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Params:      req.Params,
	})
	if err != nil {
		respondDomainError(w, h.logger, "failed to save preset", err)
		return
	}

	respondJSON(w, http.StatusCreated, preset)
}

// UpdatePreset replaces the name, description and parameters of a saved preset
func (h *PresetsHandler) UpdatePreset(w http.ResponseWriter, r *http.Request) {
	var req PresetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preset, err := h.library.Update(r.Context(), effects.UserPreset{
		Category:    chi.URLParam(r, "category"),
		Key:         chi.URLParam(r, "key"),
		Name:        req.Name,
		Description: req.Description,
		Params:      req.Params,
	})
	if err != nil {
		respondDomainError(w, h.logger, "failed to update preset", err)
		return
	}

	respondJSON(w, http.StatusOK, preset)
}

// DeletePreset removes a saved preset
func (h *PresetsHandler) DeletePreset(w http.ResponseWriter, r *http.Request) {
	if err := h.library.Delete(r.Context(), chi.URLParam(r, "category"), chi.URLParam(r, "key")); err != nil {
		respondDomainError(w, h.logger, "failed to delete preset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
