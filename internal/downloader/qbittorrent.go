// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/magnet"
)

var addTagsMinVersion = semver.MustParse("2.6.2")

const qbitTag = "mediahunt"

type qbitBackend struct {
	cfg domain.DownloaderConfig

	mu            sync.Mutex
	client        *qbt.Client
	webAPIVersion *semver.Version
}

func newQBittorrent(cfg domain.DownloaderConfig) (*qbitBackend, error) {
	switch {
	case cfg.Host == "":
		return nil, fmt.Errorf("%w: downloader.host is required for qbittorrent", ErrConfigIncomplete)
	case cfg.Port <= 0:
		return nil, fmt.Errorf("%w: downloader.port is required for qbittorrent", ErrConfigIncomplete)
	case cfg.Username == "" || cfg.Password == "":
		return nil, fmt.Errorf("%w: downloader credentials are required for qbittorrent", ErrConfigIncomplete)
	}
	return &qbitBackend{cfg: cfg}, nil
}

func (b *qbitBackend) Kind() Kind { return KindQBittorrent }

func (b *qbitBackend) ValidateID(id string) error { return validateHashID(id) }

func (b *qbitBackend) baseURL() string {
	scheme := "http"
	if b.cfg.UseHTTPS {
		scheme = "https"
	}
	if b.cfg.Port > 0 {
		return fmt.Sprintf("%s://%s:%d", scheme, b.cfg.Host, b.cfg.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, b.cfg.Host)
}

// ensureClient logs in on first use and caches the session. The WebAPI
// version is fetched once to gate optional features.
func (b *qbitBackend) ensureClient(ctx context.Context) (*qbt.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	client := qbt.NewClient(qbt.Config{
		Host:      b.baseURL(),
		Username:  b.cfg.Username,
		Password:  b.cfg.Password,
		BasicUser: b.cfg.BasicUser,
		BasicPass: b.cfg.BasicPass,
		Timeout:   60,
	})

	if err := client.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	if raw, err := client.GetWebAPIVersionCtx(ctx); err != nil {
		log.Warn().Err(err).Str("host", b.cfg.Host).Msg("Failed to read qBittorrent WebAPI version")
	} else if v, err := semver.NewVersion(raw); err != nil {
		log.Warn().Err(err).Str("version", raw).Msg("Unparseable qBittorrent WebAPI version")
	} else {
		b.webAPIVersion = v
	}

	b.client = client
	return client, nil
}

func (b *qbitBackend) supportsAddTags() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.webAPIVersion != nil && b.webAPIVersion.GreaterThanEqual(addTagsMinVersion)
}

func (b *qbitBackend) TestConnection(ctx context.Context) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.GetWebAPIVersionCtx(ctx); err != nil {
		return &TransportError{Backend: KindQBittorrent, Op: "test connection", Err: err}
	}
	return nil
}

func (b *qbitBackend) Add(ctx context.Context, req AddRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	hash, err := requestHash(req)
	if err != nil {
		return "", err
	}

	client, err := b.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	existing, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return "", &TransportError{Backend: KindQBittorrent, Op: "check existing", Err: err}
	}
	if len(existing) > 0 {
		return hash, ErrDuplicateTask
	}

	options := map[string]string{}
	if req.SavePath != "" {
		options["savepath"] = req.SavePath
	}
	if req.Paused {
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if b.supportsAddTags() {
		options["tags"] = qbitTag
	}

	if req.MagnetURI != "" {
		err = client.AddTorrentFromUrlCtx(ctx, req.MagnetURI, options)
	} else {
		err = client.AddTorrentFromMemoryCtx(ctx, req.TorrentData, options)
	}
	if err != nil {
		return "", &TransportError{Backend: KindQBittorrent, Op: "add torrent", Err: err}
	}
	return hash, nil
}

func (b *qbitBackend) List(ctx context.Context) ([]Task, error) {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, &TransportError{Backend: KindQBittorrent, Op: "list torrents", Err: err}
	}

	tasks := make([]Task, 0, len(torrents))
	for _, t := range torrents {
		task := Task{
			ID:            t.Hash,
			Name:          t.Name,
			State:         string(t.State),
			Progress:      t.Progress,
			Size:          t.Size,
			DownloadSpeed: t.DlSpeed,
			UploadSpeed:   t.UpSpeed,
			SavePath:      t.SavePath,
		}
		if t.AddedOn > 0 {
			task.AddedAt = time.Unix(t.AddedOn, 0)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// bulk runs one client call for every valid ID and fans the shared outcome
// back per ID.
func (b *qbitBackend) bulk(ctx context.Context, op string, ids []string, fn func(*qbt.Client, []string) error) []OpResult {
	results := make([]OpResult, 0, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := b.ValidateID(id); err != nil {
			results = append(results, OpResult{ID: id, Err: err})
			continue
		}
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return results
	}

	var opErr error
	client, err := b.ensureClient(ctx)
	if err != nil {
		opErr = err
	} else if err := fn(client, valid); err != nil {
		opErr = &TransportError{Backend: KindQBittorrent, Op: op, Err: err}
	}
	for _, id := range valid {
		results = append(results, OpResult{ID: id, Err: opErr})
	}
	return results
}

func (b *qbitBackend) Start(ctx context.Context, ids []string) []OpResult {
	return b.bulk(ctx, "resume", ids, func(c *qbt.Client, hashes []string) error {
		return c.ResumeCtx(ctx, hashes)
	})
}

func (b *qbitBackend) Pause(ctx context.Context, ids []string) []OpResult {
	return b.bulk(ctx, "pause", ids, func(c *qbt.Client, hashes []string) error {
		return c.PauseCtx(ctx, hashes)
	})
}

func (b *qbitBackend) Delete(ctx context.Context, ids []string, deleteFiles bool) []OpResult {
	return b.bulk(ctx, "delete", ids, func(c *qbt.Client, hashes []string) error {
		return c.DeleteTorrentsCtx(ctx, hashes, deleteFiles)
	})
}

func (b *qbitBackend) MagnetLinks(ctx context.Context, ids []string) (map[string]string, error) {
	for _, id := range ids {
		if err := b.ValidateID(id); err != nil {
			return nil, err
		}
	}

	client, err := b.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: ids})
	if err != nil {
		return nil, &TransportError{Backend: KindQBittorrent, Op: "fetch magnet links", Err: err}
	}

	names := make(map[string]string, len(torrents))
	for _, t := range torrents {
		names[t.Hash] = t.Name
	}

	links := make(map[string]string, len(ids))
	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		links[id] = magnet.Build(id, name, nil)
	}
	return links, nil
}

// requestHash derives the info-hash of an add request without contacting
// the backend.
func requestHash(req AddRequest) (string, error) {
	if req.MagnetURI != "" {
		return magnet.ExtractBTIH(req.MagnetURI)
	}
	uri, err := magnet.FromTorrent(req.TorrentData)
	if err != nil {
		return "", err
	}
	return magnet.ExtractBTIH(uri)
}
