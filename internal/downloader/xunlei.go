// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/buildinfo"
	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/magnet"
)

// xunleiBackend drives a Xunlei remote-download device over its HTTP API.
// Add is a stateful sequence: authenticate, resolve the target device,
// list the files the magnet resolves to, deselect files under the
// configured size floor, then submit.
type xunleiBackend struct {
	cfg        domain.DownloaderConfig
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	deviceID string
}

func newXunlei(cfg domain.DownloaderConfig) (*xunleiBackend, error) {
	switch {
	case cfg.Host == "":
		return nil, fmt.Errorf("%w: downloader.host is required for xunlei", ErrConfigIncomplete)
	case cfg.Port <= 0:
		return nil, fmt.Errorf("%w: downloader.port is required for xunlei", ErrConfigIncomplete)
	case cfg.Username == "" || cfg.Password == "":
		return nil, fmt.Errorf("%w: downloader credentials are required for xunlei", ErrConfigIncomplete)
	case cfg.Device == "":
		return nil, fmt.Errorf("%w: downloader.device is required for xunlei", ErrConfigIncomplete)
	}

	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}
	minSize := cfg.MinFileSizeMB
	if minSize <= 0 {
		minSize = 5
	}
	cfg.MinFileSizeMB = minSize

	return &xunleiBackend{
		cfg:        cfg,
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

func (b *xunleiBackend) Kind() Kind { return KindXunlei }

func (b *xunleiBackend) ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("invalid task id: empty")
	}
	return nil
}

type xunleiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// post sends one authenticated API call. Auth endpoints pass token="".
func (b *xunleiBackend) post(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &TransportError{Backend: KindXunlei, Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: xunlei returned status %d", ErrAuthenticationFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Backend: KindXunlei, Op: path,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransportError{Backend: KindXunlei, Op: path, Err: err}
	}

	var env xunleiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &TransportError{Backend: KindXunlei, Op: path,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Code != 0 {
		return fmt.Errorf("xunlei %s failed: code %d: %s", path, env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &TransportError{Backend: KindXunlei, Op: path,
				Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

// session authenticates and resolves the configured device, caching both.
func (b *xunleiBackend) session(ctx context.Context) (token, deviceID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.deviceID != "" {
		return b.token, b.deviceID, nil
	}

	var login struct {
		Token string `json:"token"`
	}
	err = b.post(ctx, "/api/v1/auth/login", "", map[string]string{
		"username": b.cfg.Username,
		"password": b.cfg.Password,
	}, &login)
	if err != nil {
		return "", "", err
	}
	if login.Token == "" {
		return "", "", fmt.Errorf("%w: login returned no token", ErrAuthenticationFailed)
	}

	var devices struct {
		Devices []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Online bool   `json:"online"`
		} `json:"devices"`
	}
	if err := b.post(ctx, "/api/v1/devices", login.Token, map[string]any{}, &devices); err != nil {
		return "", "", err
	}

	for _, d := range devices.Devices {
		if d.Name != b.cfg.Device {
			continue
		}
		if !d.Online {
			return "", "", fmt.Errorf("xunlei device %q is offline", b.cfg.Device)
		}
		b.token = login.Token
		b.deviceID = d.ID
		return b.token, b.deviceID, nil
	}
	return "", "", fmt.Errorf("xunlei device %q not found", b.cfg.Device)
}

// call runs one device-scoped request, dropping the cached session on an
// auth failure so the next call logs in again.
func (b *xunleiBackend) call(ctx context.Context, path string, payload map[string]any, out any) error {
	token, deviceID, err := b.session(ctx)
	if err != nil {
		return err
	}
	payload["deviceId"] = deviceID
	if err := b.post(ctx, path, token, payload, out); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			b.mu.Lock()
			b.token, b.deviceID = "", ""
			b.mu.Unlock()
		}
		return err
	}
	return nil
}

func (b *xunleiBackend) TestConnection(ctx context.Context) error {
	_, _, err := b.session(ctx)
	return err
}

type xunleiFile struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// Add resolves the magnet on the device, drops files below the size floor
// and submits the task. Torrent blobs are converted to magnets first since
// the remote API only accepts URLs.
func (b *xunleiBackend) Add(ctx context.Context, req AddRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	magnetURI := req.MagnetURI
	if magnetURI == "" {
		uri, err := magnet.FromTorrent(req.TorrentData)
		if err != nil {
			return "", err
		}
		magnetURI = uri
	}

	var resolved struct {
		TaskName string       `json:"taskName"`
		Files    []xunleiFile `json:"files"`
	}
	err := b.call(ctx, "/api/v1/tasks/resolve", map[string]any{"url": magnetURI}, &resolved)
	if err != nil {
		return "", err
	}

	floor := int64(b.cfg.MinFileSizeMB) * 1 << 20
	selected := make([]int, 0, len(resolved.Files))
	for _, f := range resolved.Files {
		if f.Size < floor {
			continue
		}
		selected = append(selected, f.Index)
	}
	if len(resolved.Files) > 0 && len(selected) == 0 {
		// Everything under the floor usually means a fake or ad-stuffed
		// torrent, but a single tiny file can still be legitimate.
		log.Warn().Str("task", resolved.TaskName).Int("files", len(resolved.Files)).
			Msg("All files below size floor, submitting unfiltered")
		for _, f := range resolved.Files {
			selected = append(selected, f.Index)
		}
	}

	var submitted struct {
		TaskID    string `json:"taskId"`
		Duplicate bool   `json:"duplicate"`
	}
	err = b.call(ctx, "/api/v1/tasks", map[string]any{
		"url":           magnetURI,
		"name":          resolved.TaskName,
		"selectedFiles": selected,
		"savePath":      req.SavePath,
		"paused":        req.Paused,
	}, &submitted)
	if err != nil {
		return "", err
	}
	if submitted.Duplicate {
		return submitted.TaskID, ErrDuplicateTask
	}
	return submitted.TaskID, nil
}

type xunleiTask struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	Size      int64   `json:"size"`
	Speed     int64   `json:"speed"`
	SavePath  string  `json:"savePath"`
	CreatedAt int64   `json:"createdAt"`
}

func (b *xunleiBackend) List(ctx context.Context) ([]Task, error) {
	var out struct {
		Tasks []xunleiTask `json:"tasks"`
	}
	if err := b.call(ctx, "/api/v1/tasks/list", map[string]any{}, &out); err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		task := Task{
			ID:            t.ID,
			Name:          t.Name,
			State:         t.State,
			Progress:      t.Progress,
			Size:          t.Size,
			DownloadSpeed: t.Speed,
			SavePath:      t.SavePath,
		}
		if t.CreatedAt > 0 {
			task.AddedAt = time.Unix(t.CreatedAt, 0)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// bulkOp runs one API call per task ID so a single bad ID cannot fail the
// whole batch.
func (b *xunleiBackend) bulkOp(ctx context.Context, path string, ids []string, extra map[string]any) []OpResult {
	results := make([]OpResult, 0, len(ids))
	for _, id := range ids {
		if err := b.ValidateID(id); err != nil {
			results = append(results, OpResult{ID: id, Err: err})
			continue
		}

		payload := map[string]any{"taskId": id}
		for k, v := range extra {
			payload[k] = v
		}
		results = append(results, OpResult{ID: id, Err: b.call(ctx, path, payload, nil)})
	}
	return results
}

func (b *xunleiBackend) Start(ctx context.Context, ids []string) []OpResult {
	return b.bulkOp(ctx, "/api/v1/tasks/start", ids, nil)
}

func (b *xunleiBackend) Pause(ctx context.Context, ids []string) []OpResult {
	return b.bulkOp(ctx, "/api/v1/tasks/pause", ids, nil)
}

func (b *xunleiBackend) Delete(ctx context.Context, ids []string, deleteFiles bool) []OpResult {
	return b.bulkOp(ctx, "/api/v1/tasks/delete", ids, map[string]any{"deleteFiles": deleteFiles})
}

func (b *xunleiBackend) MagnetLinks(ctx context.Context, ids []string) (map[string]string, error) {
	return nil, fmt.Errorf("%w: xunlei does not expose magnet links", ErrUnsupported)
}
