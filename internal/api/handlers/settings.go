// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/models"
)

// SettingsHandler handles HTTP requests for scan settings.
type SettingsHandler struct {
	store *models.SettingsStore
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(store *models.SettingsStore) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/", h.GetSettings)
	r.Put("/", h.UpdateSettings)
}

// GetSettings returns the current scan settings, defaults included.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Get(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("settings: failed to get settings")
		RespondError(w, http.StatusInternalServerError, "Failed to get settings")
		return
	}
	RespondJSON(w, http.StatusOK, settings)
}

// UpdateSettings replaces the scan settings. Edits do not affect a scan
// already running; the next scan picks them up.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.ScanSettings
	if !DecodeJSON(w, r, &settings) {
		return
	}

	if err := settings.Validate(); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Save(r.Context(), &settings); err != nil {
		log.Error().Err(err).Msg("settings: failed to save settings")
		RespondError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	log.Info().
		Str("mediaRoot", settings.MediaRoot).
		Int("maxWorkers", settings.MaxWorkers).
		Msg("settings: updated")
	RespondJSON(w, http.StatusOK, settings)
}
