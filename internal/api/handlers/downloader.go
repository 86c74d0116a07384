// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/downloader"
)

// DownloaderHandler exposes the active download backend: task listing,
// submission, bulk actions and magnet reconstruction.
type DownloaderHandler struct {
	backend downloader.Backend
}

func NewDownloaderHandler(backend downloader.Backend) *DownloaderHandler {
	return &DownloaderHandler{backend: backend}
}

func (h *DownloaderHandler) Routes(r chi.Router) {
	r.Route("/downloader", func(r chi.Router) {
		r.Post("/test", h.TestConnection)
		r.Route("/torrents", func(r chi.Router) {
			r.Get("/", h.ListTorrents)
			r.Post("/", h.AddTorrent)
			r.Post("/bulk-action", h.BulkAction)
		})
		r.Post("/magnet-links", h.MagnetLinks)
	})
}

func (h *DownloaderHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.TestConnection(r.Context()); err != nil {
		log.Error().Err(err).Str("backend", string(h.backend.Kind())).Msg("Backend connection test failed")
		RespondJSON(w, http.StatusOK, map[string]any{
			"backend":   h.backend.Kind(),
			"connected": false,
			"error":     err.Error(),
		})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"backend":   h.backend.Kind(),
		"connected": true,
	})
}

func (h *DownloaderHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.backend.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list torrents")
		RespondError(w, http.StatusInternalServerError, "Failed to list torrents")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"backend":  h.backend.Kind(),
		"torrents": tasks,
	})
}

// AddTorrentRequest carries either a magnet URI or base64-encoded torrent
// file contents, never both.
type AddTorrentRequest struct {
	MagnetURI   string `json:"magnetUri,omitempty"`
	TorrentData []byte `json:"torrentData,omitempty"`
	SavePath    string `json:"savePath,omitempty"`
	Paused      bool   `json:"paused,omitempty"`
}

func (h *DownloaderHandler) AddTorrent(w http.ResponseWriter, r *http.Request) {
	var req AddTorrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.backend.Add(r.Context(), downloader.AddRequest{
		MagnetURI:   req.MagnetURI,
		TorrentData: req.TorrentData,
		SavePath:    req.SavePath,
		Paused:      req.Paused,
	})
	if err != nil {
		if errors.Is(err, downloader.ErrDuplicateTask) {
			RespondJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": true})
			return
		}
		log.Error().Err(err).Msg("Failed to add torrent")
		RespondError(w, http.StatusInternalServerError, "Failed to add torrent")
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// BulkActionRequest applies one action to a set of task IDs.
type BulkActionRequest struct {
	IDs         []string `json:"ids"`
	Action      string   `json:"action"`
	DeleteFiles bool     `json:"deleteFiles,omitempty"`
}

// BulkActionResult reports the per-task outcome of a bulk action.
type BulkActionResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

var validBulkActions = []string{"start", "pause", "delete"}

func (h *DownloaderHandler) BulkAction(w http.ResponseWriter, r *http.Request) {
	var req BulkActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.IDs) == 0 {
		RespondError(w, http.StatusBadRequest, "No tasks selected")
		return
	}
	if !slices.Contains(validBulkActions, req.Action) {
		RespondError(w, http.StatusBadRequest, "Invalid action: "+req.Action)
		return
	}

	var results []downloader.OpResult
	switch req.Action {
	case "start":
		results = h.backend.Start(r.Context(), req.IDs)
	case "pause":
		results = h.backend.Pause(r.Context(), req.IDs)
	case "delete":
		results = h.backend.Delete(r.Context(), req.IDs, req.DeleteFiles)
	}

	out := make([]BulkActionResult, 0, len(results))
	for _, res := range results {
		item := BulkActionResult{ID: res.ID, OK: res.Err == nil}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		out = append(out, item)
	}
	RespondJSON(w, http.StatusOK, map[string]any{"results": out})
}

type magnetLinksRequest struct {
	IDs []string `json:"ids"`
}

func (h *DownloaderHandler) MagnetLinks(w http.ResponseWriter, r *http.Request) {
	var req magnetLinksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		RespondError(w, http.StatusBadRequest, "No tasks selected")
		return
	}
	for _, id := range req.IDs {
		if err := h.backend.ValidateID(id); err != nil {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	links, err := h.backend.MagnetLinks(r.Context(), req.IDs)
	if err != nil {
		if errors.Is(err, downloader.ErrUnsupported) {
			RespondError(w, http.StatusNotImplemented, "Backend does not support magnet reconstruction")
			return
		}
		if errors.Is(err, downloader.ErrTaskNotFound) {
			RespondError(w, http.StatusNotFound, "Task not found")
			return
		}
		log.Error().Err(err).Msg("Failed to build magnet links")
		RespondError(w, http.StatusInternalServerError, "Failed to build magnet links")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"magnets": links})
}
