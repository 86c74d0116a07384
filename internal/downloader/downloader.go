// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader abstracts the download clients a dispatch can target.
// All backends expose the same task-oriented surface so the fulfillment
// loop and the HTTP API never branch on the configured client.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/autobrr/mediahunt/internal/domain"
)

// Kind identifies a download backend implementation.
type Kind string

const (
	KindQBittorrent  Kind = "qbittorrent"
	KindTransmission Kind = "transmission"
	KindXunlei       Kind = "xunlei"
)

var (
	// ErrConfigIncomplete means the backend section is missing required
	// fields. Detected before any network traffic.
	ErrConfigIncomplete = errors.New("downloader configuration incomplete")

	// ErrAuthenticationFailed means the client rejected our credentials.
	ErrAuthenticationFailed = errors.New("downloader authentication failed")

	// ErrTaskNotFound means the referenced task ID does not exist on the
	// backend.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask means the torrent is already present on the
	// backend. Callers treat this as success.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrUnsupported marks an operation the backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by this downloader")
)

// TransportError wraps a network or protocol level failure talking to the
// backend. Fulfillment retries these; other errors abort the dispatch.
type TransportError struct {
	Backend Kind
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// IsRetryable reports whether err is a transient transport failure worth
// retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Task is a backend-neutral view of one download job.
type Task struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Progress      float64   `json:"progress"`
	Size          int64     `json:"size"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	SavePath      string    `json:"savePath,omitempty"`
	AddedAt       time.Time `json:"addedAt"`
}

// AddRequest describes one torrent to hand to the backend. Exactly one of
// MagnetURI or TorrentData must be set.
type AddRequest struct {
	MagnetURI   string
	TorrentData []byte
	SavePath    string
	Paused      bool
}

func (r AddRequest) validate() error {
	if (r.MagnetURI == "") == (len(r.TorrentData) == 0) {
		return errors.New("add request needs exactly one of magnet URI or torrent data")
	}
	return nil
}

// OpResult reports the outcome of a bulk operation for one task ID.
type OpResult struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// Backend is implemented by each supported download client.
type Backend interface {
	Kind() Kind

	// TestConnection verifies reachability and credentials.
	TestConnection(ctx context.Context) error

	// ValidateID rejects task IDs that cannot belong to this backend,
	// before any network round trip.
	ValidateID(id string) error

	// Add submits a torrent and returns the backend task ID.
	// ErrDuplicateTask is returned when the torrent already exists.
	Add(ctx context.Context, req AddRequest) (string, error)

	List(ctx context.Context) ([]Task, error)
	Start(ctx context.Context, ids []string) []OpResult
	Pause(ctx context.Context, ids []string) []OpResult
	Delete(ctx context.Context, ids []string, deleteFiles bool) []OpResult

	// MagnetLinks reconstructs magnet URIs for the given task IDs.
	MagnetLinks(ctx context.Context, ids []string) (map[string]string, error)
}

var infoHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

func validateHashID(id string) error {
	if !infoHashRe.MatchString(id) {
		return fmt.Errorf("invalid task id %q: expected 40-char lowercase hex info-hash", id)
	}
	return nil
}

func validateNumericID(id string) error {
	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid task id %q: expected positive integer", id)
	}
	return nil
}

// NewBackend builds the backend selected by cfg.Kind. Configuration is
// validated eagerly; connections are established lazily on first use.
func NewBackend(cfg domain.DownloaderConfig) (Backend, error) {
	switch Kind(cfg.Kind) {
	case KindQBittorrent:
		return newQBittorrent(cfg)
	case KindTransmission:
		return newTransmission(cfg)
	case KindXunlei:
		return newXunlei(cfg)
	default:
		return nil, fmt.Errorf("unknown downloader kind %q", cfg.Kind)
	}
}
