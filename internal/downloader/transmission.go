// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/autobrr/mediahunt/internal/buildinfo"
	"github.com/autobrr/mediahunt/internal/domain"
)

// transmissionBackend speaks the Transmission JSON-RPC protocol directly.
// The session ID handshake (HTTP 409 + X-Transmission-Session-Id) is
// handled transparently with a single retry per call.
type transmissionBackend struct {
	cfg        domain.DownloaderConfig
	rpcURL     string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

const transmissionSessionHeader = "X-Transmission-Session-Id"

func newTransmission(cfg domain.DownloaderConfig) (*transmissionBackend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: downloader.host is required for transmission", ErrConfigIncomplete)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: downloader.port is required for transmission", ErrConfigIncomplete)
	}

	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}
	return &transmissionBackend{
		cfg:        cfg,
		rpcURL:     fmt.Sprintf("%s://%s:%d/transmission/rpc", scheme, cfg.Host, cfg.Port),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (b *transmissionBackend) Kind() Kind { return KindTransmission }

func (b *transmissionBackend) ValidateID(id string) error { return validateNumericID(id) }

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// call posts one RPC request, refreshing the session ID on a 409 and
// retrying once.
func (b *transmissionBackend) call(ctx context.Context, method string, args any, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.rpcURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", buildinfo.UserAgent)
		if b.cfg.Username != "" {
			req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
		}

		b.mu.Lock()
		if b.sessionID != "" {
			req.Header.Set(transmissionSessionHeader, b.sessionID)
		}
		b.mu.Unlock()

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return &TransportError{Backend: KindTransmission, Op: method, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusConflict:
			session := resp.Header.Get(transmissionSessionHeader)
			resp.Body.Close()
			if session == "" {
				return &TransportError{Backend: KindTransmission, Op: method,
					Err: fmt.Errorf("409 without %s header", transmissionSessionHeader)}
			}
			b.mu.Lock()
			b.sessionID = session
			b.mu.Unlock()
			continue

		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return fmt.Errorf("%w: transmission returned status %d", ErrAuthenticationFailed, resp.StatusCode)

		case http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			resp.Body.Close()
			if err != nil {
				return &TransportError{Backend: KindTransmission, Op: method, Err: err}
			}

			var rpcResp rpcResponse
			if err := json.Unmarshal(body, &rpcResp); err != nil {
				return &TransportError{Backend: KindTransmission, Op: method,
					Err: fmt.Errorf("decode response: %w", err)}
			}
			if rpcResp.Result != "success" {
				return fmt.Errorf("transmission %s failed: %s", method, rpcResp.Result)
			}
			if out != nil && len(rpcResp.Arguments) > 0 {
				if err := json.Unmarshal(rpcResp.Arguments, out); err != nil {
					return &TransportError{Backend: KindTransmission, Op: method,
						Err: fmt.Errorf("decode arguments: %w", err)}
				}
			}
			return nil

		default:
			resp.Body.Close()
			return &TransportError{Backend: KindTransmission, Op: method,
				Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
	}

	return &TransportError{Backend: KindTransmission, Op: method,
		Err: fmt.Errorf("session id handshake did not converge")}
}

func (b *transmissionBackend) TestConnection(ctx context.Context) error {
	var session struct {
		Version string `json:"version"`
	}
	return b.call(ctx, "session-get", nil, &session)
}

type transmissionTorrent struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	HashString  string  `json:"hashString"`
	Status      int     `json:"status"`
	PercentDone float64 `json:"percentDone"`
	TotalSize   int64   `json:"totalSize"`
	RateDown    int64   `json:"rateDownload"`
	RateUp      int64   `json:"rateUpload"`
	DownloadDir string  `json:"downloadDir"`
	AddedDate   int64   `json:"addedDate"`
	MagnetLink  string  `json:"magnetLink"`
}

var transmissionStates = map[int]string{
	0: "stopped",
	1: "check_wait",
	2: "checking",
	3: "download_wait",
	4: "downloading",
	5: "seed_wait",
	6: "seeding",
}

func (t transmissionTorrent) stateName() string {
	if name, ok := transmissionStates[t.Status]; ok {
		return name
	}
	return "unknown"
}

var torrentGetFields = []string{
	"id", "name", "hashString", "status", "percentDone",
	"totalSize", "rateDownload", "rateUpload", "downloadDir",
	"addedDate", "magnetLink",
}

func (b *transmissionBackend) fetch(ctx context.Context, ids []int64) ([]transmissionTorrent, error) {
	args := map[string]any{"fields": torrentGetFields}
	if ids != nil {
		args["ids"] = ids
	}
	var out struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	if err := b.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}

func (b *transmissionBackend) Add(ctx context.Context, req AddRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	args := map[string]any{"paused": req.Paused}
	if req.SavePath != "" {
		args["download-dir"] = req.SavePath
	}
	if req.MagnetURI != "" {
		args["filename"] = req.MagnetURI
	} else {
		args["metainfo"] = base64.StdEncoding.EncodeToString(req.TorrentData)
	}

	var out struct {
		Added     *transmissionTorrent `json:"torrent-added"`
		Duplicate *transmissionTorrent `json:"torrent-duplicate"`
	}
	if err := b.call(ctx, "torrent-add", args, &out); err != nil {
		return "", err
	}
	if out.Duplicate != nil {
		return strconv.FormatInt(out.Duplicate.ID, 10), ErrDuplicateTask
	}
	if out.Added == nil {
		return "", &TransportError{Backend: KindTransmission, Op: "torrent-add",
			Err: fmt.Errorf("response carries neither torrent-added nor torrent-duplicate")}
	}
	return strconv.FormatInt(out.Added.ID, 10), nil
}

func (b *transmissionBackend) List(ctx context.Context) ([]Task, error) {
	torrents, err := b.fetch(ctx, nil)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(torrents))
	for _, t := range torrents {
		task := Task{
			ID:            strconv.FormatInt(t.ID, 10),
			Name:          t.Name,
			State:         t.stateName(),
			Progress:      t.PercentDone,
			Size:          t.TotalSize,
			DownloadSpeed: t.RateDown,
			UploadSpeed:   t.RateUp,
			SavePath:      t.DownloadDir,
		}
		if t.AddedDate > 0 {
			task.AddedAt = time.Unix(t.AddedDate, 0)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (b *transmissionBackend) bulk(ctx context.Context, method string, ids []string, extraArgs map[string]any) []OpResult {
	results := make([]OpResult, 0, len(ids))
	numeric := make([]int64, 0, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := b.ValidateID(id); err != nil {
			results = append(results, OpResult{ID: id, Err: err})
			continue
		}
		n, _ := strconv.ParseInt(id, 10, 64)
		numeric = append(numeric, n)
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return results
	}

	args := map[string]any{"ids": numeric}
	for k, v := range extraArgs {
		args[k] = v
	}
	opErr := b.call(ctx, method, args, nil)
	for _, id := range valid {
		results = append(results, OpResult{ID: id, Err: opErr})
	}
	return results
}

func (b *transmissionBackend) Start(ctx context.Context, ids []string) []OpResult {
	return b.bulk(ctx, "torrent-start", ids, nil)
}

func (b *transmissionBackend) Pause(ctx context.Context, ids []string) []OpResult {
	return b.bulk(ctx, "torrent-stop", ids, nil)
}

func (b *transmissionBackend) Delete(ctx context.Context, ids []string, deleteFiles bool) []OpResult {
	return b.bulk(ctx, "torrent-remove", ids, map[string]any{"delete-local-data": deleteFiles})
}

func (b *transmissionBackend) MagnetLinks(ctx context.Context, ids []string) (map[string]string, error) {
	numeric := make([]int64, 0, len(ids))
	for _, id := range ids {
		if err := b.ValidateID(id); err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(id, 10, 64)
		numeric = append(numeric, n)
	}

	torrents, err := b.fetch(ctx, numeric)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]string, len(torrents))
	for _, t := range torrents {
		byID[strconv.FormatInt(t.ID, 10)] = t.MagnetLink
	}

	links := make(map[string]string, len(ids))
	for _, id := range ids {
		link, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		links[id] = link
	}
	return links, nil
}
