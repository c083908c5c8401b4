// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/models"
	"github.com/redriva/redriva/internal/services/symlinkscan"
)

// ScansHandler handles HTTP requests for symlink scans.
type ScansHandler struct {
	service *symlinkscan.Service
}

// NewScansHandler creates a new ScansHandler.
func NewScansHandler(service *symlinkscan.Service) *ScansHandler {
	return &ScansHandler{service: service}
}

func (h *ScansHandler) Routes(r chi.Router) {
	r.Get("/directories", h.ListDirectories)
	r.Get("/history", h.History)
	r.Post("/", h.StartScan)
	r.Route("/{scanID}", func(r chi.Router) {
		r.Get("/", h.GetScan)
		r.Post("/cancel", h.CancelScan)
	})
}

// ListDirectories returns the candidate scan directories with symlink counts.
func (h *ScansHandler) ListDirectories(w http.ResponseWriter, r *http.Request) {
	dirs, err := h.service.Directories(r.Context())
	if err != nil {
		if errors.Is(err, symlinkscan.ErrConfiguration) {
			RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Error().Err(err).Msg("scans: failed to list directories")
		RespondError(w, http.StatusInternalServerError, "Failed to list directories")
		return
	}
	RespondJSON(w, http.StatusOK, dirs)
}

// StartScan launches a new scan. Responds 202 with the run id, or 409 when
// another scan is already active.
func (h *ScansHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req symlinkscan.StartRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	runID, err := h.service.StartScan(r.Context(), req)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusAccepted, map[string]int64{"scanId": runID})
	case errors.Is(err, symlinkscan.ErrScanInProgress):
		RespondError(w, http.StatusConflict, "A scan is already in progress")
	case errors.Is(err, symlinkscan.ErrValidation):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, symlinkscan.ErrConfiguration):
		RespondError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Error().Err(err).Msg("scans: failed to start scan")
		RespondError(w, http.StatusInternalServerError, "Failed to start scan")
	}
}

// GetScan returns the current snapshot of a run.
func (h *ScansHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseInt64Param(w, r, "scanID")
	if !ok {
		return
	}

	run, err := h.service.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			RespondError(w, http.StatusNotFound, "Scan not found")
			return
		}
		log.Error().Err(err).Int64("run", runID).Msg("scans: failed to get scan")
		RespondError(w, http.StatusInternalServerError, "Failed to get scan")
		return
	}
	RespondJSON(w, http.StatusOK, run)
}

// CancelScan requests cooperative cancellation of a run.
func (h *ScansHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseInt64Param(w, r, "scanID")
	if !ok {
		return
	}

	err := h.service.CancelRun(r.Context(), runID)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, models.ErrRunNotFound):
		RespondError(w, http.StatusNotFound, "Scan not found")
	case errors.Is(err, symlinkscan.ErrRunAlreadyFinished):
		RespondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Int64("run", runID).Msg("scans: failed to cancel scan")
		RespondError(w, http.StatusInternalServerError, "Failed to cancel scan")
	}
}

// History returns the most recent terminal runs, newest first.
func (h *ScansHandler) History(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.History(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("scans: failed to list history")
		RespondError(w, http.StatusInternalServerError, "Failed to list scan history")
		return
	}
	RespondJSON(w, http.StatusOK, runs)
}
