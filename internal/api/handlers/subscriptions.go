// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/mediahunt/internal/models"
)

// SubscriptionsHandler manages the missing-movie and missing-season records
// that drive fulfillment runs.
type SubscriptionsHandler struct {
	store *models.SubscriptionStore
}

func NewSubscriptionsHandler(store *models.SubscriptionStore) *SubscriptionsHandler {
	return &SubscriptionsHandler{store: store}
}

func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Route("/movies", func(r chi.Router) {
			r.Get("/", h.ListMovies)
			r.Post("/", h.UpsertMovie)
			r.Delete("/{id}", h.DeleteMovie)
		})
		r.Route("/tv-seasons", func(r chi.Router) {
			r.Get("/", h.ListTVSeasons)
			r.Post("/", h.UpsertTVSeason)
			r.Delete("/{id}", h.DeleteTVSeason)
		})
	})
}

func (h *SubscriptionsHandler) ListMovies(w http.ResponseWriter, r *http.Request) {
	movies, err := h.store.ListMovies(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to list movie subscriptions")
		return
	}
	RespondJSON(w, http.StatusOK, movies)
}

type upsertMovieRequest struct {
	Title string `json:"title"`
	Year  int    `json:"year"`
}

func (h *SubscriptionsHandler) UpsertMovie(w http.ResponseWriter, r *http.Request) {
	var req upsertMovieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		RespondError(w, http.StatusBadRequest, "Title is required")
		return
	}

	movie, err := h.store.UpsertMovie(r.Context(), req.Title, req.Year)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to save movie subscription")
		return
	}
	RespondJSON(w, http.StatusCreated, movie)
}

func (h *SubscriptionsHandler) DeleteMovie(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid subscription ID")
		return
	}

	if err := h.store.DeleteMovie(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrSubscriptionNotFound) {
			RespondError(w, http.StatusNotFound, "Movie subscription not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to delete movie subscription")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Movie subscription deleted"})
}

func (h *SubscriptionsHandler) ListTVSeasons(w http.ResponseWriter, r *http.Request) {
	seasons, err := h.store.ListTVSeasons(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to list season subscriptions")
		return
	}
	RespondJSON(w, http.StatusOK, seasons)
}

type upsertTVSeasonRequest struct {
	Title           string `json:"title"`
	Year            int    `json:"year"`
	Season          int    `json:"season"`
	MissingEpisodes []int  `json:"missingEpisodes"`
}

func (h *SubscriptionsHandler) UpsertTVSeason(w http.ResponseWriter, r *http.Request) {
	var req upsertTVSeasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		RespondError(w, http.StatusBadRequest, "Title is required")
		return
	}
	if req.Season < 1 {
		RespondError(w, http.StatusBadRequest, "Season must be a positive integer")
		return
	}
	if len(req.MissingEpisodes) == 0 {
		RespondError(w, http.StatusBadRequest, "At least one missing episode is required")
		return
	}
	for _, e := range req.MissingEpisodes {
		if e < 1 {
			RespondError(w, http.StatusBadRequest, "Episode numbers must be positive")
			return
		}
	}

	season, err := h.store.UpsertTVSeason(r.Context(), req.Title, req.Year, req.Season, req.MissingEpisodes)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to save season subscription")
		return
	}
	RespondJSON(w, http.StatusCreated, season)
}

func (h *SubscriptionsHandler) DeleteTVSeason(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid subscription ID")
		return
	}

	if err := h.store.DeleteTVSeason(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrSubscriptionNotFound) {
			RespondError(w, http.StatusNotFound, "Season subscription not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to delete season subscription")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Season subscription deleted"})
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
