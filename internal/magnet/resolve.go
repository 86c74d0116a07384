// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// maxTorrentBytes caps how much of a response body is read when
	// fetching .torrent files. 20 MB is far beyond any sane metadata size.
	maxTorrentBytes = 20 << 20

	mirrorTimeout = 15 * time.Second
)

// mirrorURLs are public hash-indexed caches serving .torrent files for a
// given BTIH.
var mirrorURLs = []string{
	"https://itorrents.org/torrent/%s.torrent",
	"https://torrage.info/torrent.php?h=%s",
}

// DownloadError reports a non-success HTTP status while fetching torrent
// bytes.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("torrent download from %s returned status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited reports whether the failure was an HTTP 429.
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Resolver fetches .torrent bytes over HTTP, either from an arbitrary
// download URL or from public mirrors given only a magnet URI.
type Resolver struct {
	client    *http.Client
	userAgent string
	mirrors   []string
}

func NewResolver(userAgent string) *Resolver {
	return &Resolver{
		client:    &http.Client{Timeout: mirrorTimeout},
		userAgent: userAgent,
		mirrors:   mirrorURLs,
	}
}

// FromMagnet attempts a best-effort fetch of the .torrent bytes matching a
// magnet URI from public mirrors, trying each in order and returning the
// first body that is a valid bencoded dictionary. A nil byte slice with a
// nil error means no mirror could serve the hash; callers treat that as a
// cache miss, not a failure.
func (r *Resolver) FromMagnet(ctx context.Context, magnetURI string) ([]byte, error) {
	btih, err := ExtractBTIH(magnetURI)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(btih)

	for _, pattern := range r.mirrors {
		mirrorURL := fmt.Sprintf(pattern, upper)

		body, err := r.fetch(ctx, mirrorURL, "")
		if err != nil {
			log.Debug().Err(err).Str("mirror", mirrorURL).Msg("Torrent mirror fetch failed")
			continue
		}

		if !ValidTorrentBytes(body) {
			log.Debug().Str("mirror", mirrorURL).Msg("Torrent mirror returned non-bencode body")
			continue
		}

		return body, nil
	}

	return nil, nil
}

// Download fetches .torrent bytes from an arbitrary URL, sending a Referer
// header when the source requires one for anti-leech checks.
func (r *Resolver) Download(ctx context.Context, downloadURL, referer string) ([]byte, error) {
	body, err := r.fetch(ctx, downloadURL, referer)
	if err != nil {
		return nil, err
	}
	if !ValidTorrentBytes(body) {
		return nil, &MalformedTorrentError{Reason: fmt.Sprintf("response from %s is not a bencoded dictionary", downloadURL)}
	}
	return body, nil
}

func (r *Resolver) fetch(ctx context.Context, fetchURL, referer string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fetchURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{StatusCode: resp.StatusCode, URL: fetchURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", fetchURL, err)
	}
	if len(body) > maxTorrentBytes {
		return nil, fmt.Errorf("torrent from %s exceeds %d bytes", fetchURL, maxTorrentBytes)
	}

	return body, nil
}
