// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/config"
	"github.com/autobrr/mediahunt/internal/database"
	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/downloader"
	"github.com/autobrr/mediahunt/internal/indexcache"
	"github.com/autobrr/mediahunt/internal/models"
	"github.com/autobrr/mediahunt/internal/ranking"
	"github.com/autobrr/mediahunt/internal/services/fulfill"
	"github.com/autobrr/mediahunt/internal/services/search"
)

type stubSource struct {
	name       string
	candidates []classify.Candidate
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, q search.Query) ([]classify.Candidate, error) {
	return s.candidates, nil
}

type stubBackend struct {
	tasks      []downloader.Task
	addErr     error
	addedID    string
	magnets    map[string]string
	magnetsErr error
	started    []string
}

func (s *stubBackend) Kind() downloader.Kind { return downloader.KindQBittorrent }

func (s *stubBackend) TestConnection(context.Context) error { return nil }

func (s *stubBackend) ValidateID(id string) error {
	if id == "" {
		return errors.New("empty task id")
	}
	return nil
}

func (s *stubBackend) Add(ctx context.Context, req downloader.AddRequest) (string, error) {
	if s.addErr != nil {
		return s.addedID, s.addErr
	}
	return s.addedID, nil
}

func (s *stubBackend) List(context.Context) ([]downloader.Task, error) { return s.tasks, nil }

func (s *stubBackend) Start(ctx context.Context, ids []string) []downloader.OpResult {
	s.started = ids
	results := make([]downloader.OpResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, downloader.OpResult{ID: id})
	}
	return results
}

func (s *stubBackend) Pause(ctx context.Context, ids []string) []downloader.OpResult { return nil }

func (s *stubBackend) Delete(ctx context.Context, ids []string, deleteFiles bool) []downloader.OpResult {
	return nil
}

func (s *stubBackend) MagnetLinks(ctx context.Context, ids []string) (map[string]string, error) {
	return s.magnets, s.magnetsErr
}

type testEnv struct {
	server  *Server
	router  http.Handler
	store   *models.SubscriptionStore
	backend *stubBackend
}

func newTestEnv(t *testing.T, sources ...*stubSource) *testEnv {
	t.Helper()

	cfg, err := config.New(t.TempDir())
	require.NoError(t, err)

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := indexcache.New(t.TempDir(), 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.name)
	}
	if len(names) == 0 {
		names = []string{"alpha"}
	}
	policy, err := ranking.NewPolicy(domain.RankingConfig{
		Sources:             names,
		PreferredResolution: "2160p",
		FallbackResolution:  "1080p",
	})
	require.NoError(t, err)

	searchSvc := search.NewService(cache, policy, domain.SearchConfig{Workers: 5}, nil)
	for _, s := range sources {
		searchSvc.Register(s)
	}

	backend := &stubBackend{addedID: "task-1"}
	store := models.NewSubscriptionStore(db)
	runs := models.NewRunStore(db)
	fulfillSvc := fulfill.NewService(searchSvc, store, runs, backend, nil, policy, nil, nil)

	server := NewServer(&Dependencies{
		Config:            cfg,
		Version:           "test",
		SearchService:     searchSvc,
		FulfillService:    fulfillSvc,
		SubscriptionStore: store,
		RunStore:          runs,
		Backend:           backend,
	})

	router, err := server.Handler()
	require.NoError(t, err)

	return &testEnv{server: server, router: router, store: store, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/subscriptions/movies", map[string]any{
		"title": "Dune Part Two",
		"year":  2024,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var movie models.MissingMovie
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &movie))
	assert.Equal(t, "Dune Part Two", movie.Title)
	require.NotZero(t, movie.ID)

	w = env.do(t, http.MethodGet, "/api/subscriptions/movies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var movies []models.MissingMovie
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &movies))
	require.Len(t, movies, 1)

	w = env.do(t, http.MethodDelete, "/api/subscriptions/movies/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/subscriptions/movies/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSeasonSubscriptionValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/subscriptions/tv-seasons", map[string]any{
		"title":           "Severance",
		"season":          0,
		"missingEpisodes": []int{1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/subscriptions/tv-seasons", map[string]any{
		"title":           "Severance",
		"season":          2,
		"missingEpisodes": []int{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/subscriptions/tv-seasons", map[string]any{
		"title":           "Severance",
		"year":            2025,
		"season":          2,
		"missingEpisodes": []int{3, 1, 2},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var season models.MissingTVSeason
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &season))
	assert.Equal(t, []int{1, 2, 3}, season.MissingEpisodes)
}

func TestSearchStreamsEvents(t *testing.T) {
	env := newTestEnv(t, &stubSource{
		name: "alpha",
		candidates: []classify.Candidate{
			{Title: "Dune Part Two 2160p", Link: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"},
		},
	})

	w := env.do(t, http.MethodGet, "/api/search?title=Dune+Part+Two&year=2024", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var statuses []string
	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event search.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		statuses = append(statuses, string(event.Status))
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, statuses)
	assert.Equal(t, "complete", statuses[len(statuses)-1])
	assert.Contains(t, statuses, "start")
	assert.Contains(t, statuses, "result")
}

func TestSearchRequiresTitle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFulfillLastWithoutRuns(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/fulfill/last", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFulfillRunThenLast(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/fulfill/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary models.RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Zero(t, summary.Fulfilled)

	w = env.do(t, http.MethodGet, "/api/fulfill/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDownloaderListTorrents(t *testing.T) {
	env := newTestEnv(t)
	env.backend.tasks = []downloader.Task{{ID: "abc", Name: "Dune", State: "downloading"}}

	w := env.do(t, http.MethodGet, "/api/downloader/torrents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Backend  string            `json:"backend"`
		Torrents []downloader.Task `json:"torrents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "qbittorrent", body.Backend)
	require.Len(t, body.Torrents, 1)
	assert.Equal(t, "Dune", body.Torrents[0].Name)
}

func TestDownloaderAddDuplicateTorrent(t *testing.T) {
	env := newTestEnv(t)
	env.backend.addErr = downloader.ErrDuplicateTask
	env.backend.addedID = "existing"

	w := env.do(t, http.MethodPost, "/api/downloader/torrents", map[string]any{
		"magnetUri": "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "existing", body["id"])
}

func TestBulkActionValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/downloader/torrents/bulk-action", map[string]any{
		"ids":    []string{},
		"action": "start",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/downloader/torrents/bulk-action", map[string]any{
		"ids":    []string{"abc"},
		"action": "recheck",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/downloader/torrents/bulk-action", map[string]any{
		"ids":    []string{"abc", "def"},
		"action": "start",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc", "def"}, env.backend.started)

	var body struct {
		Results []struct {
			ID string `json:"id"`
			OK bool   `json:"ok"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.True(t, body.Results[0].OK)
}

func TestMagnetLinksUnsupportedBackend(t *testing.T) {
	env := newTestEnv(t)
	env.backend.magnetsErr = downloader.ErrUnsupported

	w := env.do(t, http.MethodPost, "/api/downloader/magnet-links", map[string]any{
		"ids": []string{"abc"},
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestDownloaderTestEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/downloader/test", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["connected"])
}
