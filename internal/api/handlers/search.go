// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/services/search"
)

// SearchHandler streams query orchestrator events over SSE.
type SearchHandler struct {
	search *search.Service
}

func NewSearchHandler(searchService *search.Service) *SearchHandler {
	return &SearchHandler{search: searchService}
}

func (h *SearchHandler) Routes(r chi.Router) {
	r.Get("/search", h.Search)
}

// Search runs a fan-out query and streams each source's progress as
// server-sent events. The stream ends after the terminal complete event.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuery(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range h.search.Search(r.Context(), query) {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode search event")
			continue
		}

		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseQuery(r *http.Request) (search.Query, error) {
	q := search.Query{
		Title: strings.TrimSpace(r.URL.Query().Get("title")),
	}
	if q.Title == "" {
		return q, errMissingTitle
	}

	if raw := r.URL.Query().Get("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return q, errInvalidYear
		}
		q.Year = year
	}

	if raw := r.URL.Query().Get("season"); raw != "" {
		season, err := strconv.Atoi(raw)
		if err != nil || season < 1 {
			return q, errInvalidSeason
		}
		q.Season = season
		q.IsTV = true
	}

	if raw := r.URL.Query().Get("tv"); raw != "" {
		tv, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errInvalidTV
		}
		q.IsTV = tv
	}

	return q, nil
}

var (
	errMissingTitle  = &queryError{"title is required"}
	errInvalidYear   = &queryError{"year must be an integer"}
	errInvalidSeason = &queryError{"season must be a positive integer"}
	errInvalidTV     = &queryError{"tv must be a boolean"}
)

type queryError struct{ msg string }

func (e *queryError) Error() string { return e.msg }
