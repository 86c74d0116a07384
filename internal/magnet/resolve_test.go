// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverFromMagnet(t *testing.T) {
	torrentData, infoHash := testTorrent(t)
	magnetURI := "magnet:?xt=urn:btih:" + infoHash

	t.Run("second_mirror_serves_hash", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer failing.Close()

		serving := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(torrentData)
		}))
		defer serving.Close()

		r := NewResolver("test-agent")
		r.mirrors = []string{failing.URL + "/torrent/%s.torrent", serving.URL + "/torrent.php?h=%s"}

		body, err := r.FromMagnet(context.Background(), magnetURI)
		require.NoError(t, err)
		assert.Equal(t, torrentData, body)
	})

	t.Run("non_bencode_body_skipped", func(t *testing.T) {
		html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not found</html>"))
		}))
		defer html.Close()

		r := NewResolver("test-agent")
		r.mirrors = []string{html.URL + "/%s"}

		body, err := r.FromMagnet(context.Background(), magnetURI)
		require.NoError(t, err)
		assert.Nil(t, body)
	})

	t.Run("all_mirrors_fail", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer failing.Close()

		r := NewResolver("test-agent")
		r.mirrors = []string{failing.URL + "/%s", failing.URL + "/other/%s"}

		body, err := r.FromMagnet(context.Background(), magnetURI)
		require.NoError(t, err)
		assert.Nil(t, body)
	})

	t.Run("invalid_magnet", func(t *testing.T) {
		r := NewResolver("test-agent")
		_, err := r.FromMagnet(context.Background(), "magnet:?dn=nothing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, &InvalidMagnetError{}))
	})
}

func TestResolverDownload(t *testing.T) {
	torrentData, _ := testTorrent(t)

	t.Run("sends_referer", func(t *testing.T) {
		var gotReferer string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotReferer = r.Header.Get("Referer")
			w.Write(torrentData)
		}))
		defer srv.Close()

		r := NewResolver("test-agent")
		body, err := r.Download(context.Background(), srv.URL+"/file.torrent", "https://site.example/subject/1")
		require.NoError(t, err)
		assert.Equal(t, torrentData, body)
		assert.Equal(t, "https://site.example/subject/1", gotReferer)
	})

	t.Run("status_error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		r := NewResolver("test-agent")
		_, err := r.Download(context.Background(), srv.URL, "")
		require.Error(t, err)

		var dlErr *DownloadError
		require.True(t, errors.As(err, &dlErr))
		assert.True(t, dlErr.IsRateLimited())
	})

	t.Run("non_torrent_body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>login required</html>"))
		}))
		defer srv.Close()

		r := NewResolver("test-agent")
		_, err := r.Download(context.Background(), srv.URL, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, &MalformedTorrentError{}))
	})
}
