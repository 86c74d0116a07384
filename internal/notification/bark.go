// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notification pushes fulfillment events to the user. Failures are
// logged and absorbed; a missed push never fails a dispatch.
package notification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/buildinfo"
	"github.com/autobrr/mediahunt/internal/domain"
)

// Notifier delivers one title/body message.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Noop drops every message. Used when notifications are disabled.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) {}

// Bark pushes to a Bark server (api.day.app or self-hosted).
type Bark struct {
	serverURL  string
	deviceKey  string
	httpClient *http.Client
}

func NewBark(cfg domain.NotificationConfig) *Bark {
	return &Bark{
		serverURL:  strings.TrimRight(cfg.BarkServerURL, "/"),
		deviceKey:  cfg.BarkDeviceKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// New returns the configured notifier, or Noop when Bark is disabled or
// incomplete.
func New(cfg domain.NotificationConfig) Notifier {
	if !cfg.BarkEnabled {
		return Noop{}
	}
	if cfg.BarkServerURL == "" || cfg.BarkDeviceKey == "" {
		log.Warn().Msg("Bark notifications enabled but serverUrl or deviceKey missing, notifications disabled")
		return Noop{}
	}
	return NewBark(cfg)
}

func (b *Bark) Notify(ctx context.Context, title, body string) {
	endpoint := fmt.Sprintf("%s/%s/%s/%s",
		b.serverURL, b.deviceKey,
		url.PathEscape(title), url.PathEscape(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build Bark request")
		return
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("title", title).Msg("Bark push failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("title", title).Msg("Bark push rejected")
		return
	}
	log.Debug().Str("title", title).Msg("Bark push delivered")
}
