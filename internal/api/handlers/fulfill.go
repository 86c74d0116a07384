// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/mediahunt/internal/models"
	"github.com/autobrr/mediahunt/internal/services/fulfill"
)

// FulfillHandler triggers fulfillment runs and exposes run history.
type FulfillHandler struct {
	fulfill *fulfill.Service
	runs    *models.RunStore
}

func NewFulfillHandler(fulfillService *fulfill.Service, runs *models.RunStore) *FulfillHandler {
	return &FulfillHandler{fulfill: fulfillService, runs: runs}
}

func (h *FulfillHandler) Routes(r chi.Router) {
	r.Route("/fulfill", func(r chi.Router) {
		r.Post("/run", h.Run)
		r.Get("/last", h.Last)
	})
}

// Run executes one fulfillment pass synchronously and returns its summary.
// A concurrent run is rejected rather than queued.
func (h *FulfillHandler) Run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.fulfill.Run(r.Context())
	if err != nil {
		if errors.Is(err, fulfill.ErrRunInProgress) {
			RespondError(w, http.StatusConflict, "A fulfillment run is already in progress")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Fulfillment run failed")
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}

func (h *FulfillHandler) Last(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runs.Latest(r.Context())
	if err != nil {
		if errors.Is(err, models.ErrNoRuns) {
			RespondError(w, http.StatusNotFound, "No fulfillment runs recorded yet")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to load run history")
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}
