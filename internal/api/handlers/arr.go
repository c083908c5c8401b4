// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/services/arr"
)

// ArrHandler handles HTTP requests for Sonarr and Radarr integration.
type ArrHandler struct {
	service *arr.Service
}

// NewArrHandler creates a new ArrHandler.
func NewArrHandler(service *arr.Service) *ArrHandler {
	return &ArrHandler{service: service}
}

func (h *ArrHandler) Routes(r chi.Router) {
	r.Post("/test", h.TestConnection)
	r.Post("/detect", h.DetectInstances)
}

// TestConnectionPayload is the request body for a connectivity test.
type TestConnectionPayload struct {
	App    string `json:"app"`
	URL    string `json:"url"`
	APIKey string `json:"apiKey"`
}

// TestConnection checks that an *arr instance is reachable with the given
// credentials. Always responds 200; the result carries success or failure so
// the settings dialog can render either without special-casing status codes.
func (h *ArrHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var payload TestConnectionPayload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	if _, err := arr.ParseApp(payload.App); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.URL == "" {
		RespondError(w, http.StatusBadRequest, "URL is required")
		return
	}

	status, err := h.service.TestConnection(r.Context(), payload.URL, payload.APIKey)
	if err != nil {
		log.Debug().Err(err).Str("app", payload.App).Str("url", payload.URL).
			Msg("arr: connection test failed")
		RespondJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"appName": status.AppName,
		"version": status.Version,
	})
}

// DetectInstances looks for Sonarr and Radarr containers on the local
// Docker host.
func (h *ArrHandler) DetectInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.service.DetectInstances(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("arr: autodetection failed")
		RespondError(w, http.StatusInternalServerError, "Failed to detect instances")
		return
	}
	RespondJSON(w, http.StatusOK, instances)
}
