// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTorrent(t *testing.T) (data []byte, infoHashHex string) {
	t.Helper()

	info := map[string]any{
		"name":         "test.mkv",
		"length":       int64(1024),
		"piece length": int64(16384),
		"pieces":       "01234567890123456789",
	}
	torrent := map[string]any{
		"announce":      "http://tracker.example/announce",
		"announce-list": []any{[]any{"http://tracker.example/announce", "udp://backup.example:6969"}},
		"info":          info,
	}

	data, err := bencode.Marshal(torrent)
	require.NoError(t, err)

	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	sum := sha1.Sum(infoBytes)
	return data, hex.EncodeToString(sum[:])
}

func TestFromTorrent(t *testing.T) {
	data, wantHash := testTorrent(t)

	magnetURI, err := FromTorrent(data)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(magnetURI, "magnet:?xt=urn:btih:"))
	assert.Contains(t, magnetURI, "dn="+url.QueryEscape("test.mkv"))
	assert.Contains(t, magnetURI, "tr="+url.QueryEscape("http://tracker.example/announce"))
	assert.Contains(t, magnetURI, "tr="+url.QueryEscape("udp://backup.example:6969"))

	// The duplicated announce URL must appear only once.
	assert.Equal(t, 1, strings.Count(magnetURI, url.QueryEscape("http://tracker.example/announce")))

	got, err := ExtractBTIH(magnetURI)
	require.NoError(t, err)
	assert.Equal(t, wantHash, got)
}

func TestFromTorrentMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "garbage", data: []byte("not a torrent")},
		{name: "empty", data: nil},
		{name: "dict_without_info", data: []byte("d8:announce3:urle")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromTorrent(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, &MalformedTorrentError{}), "want MalformedTorrentError, got %v", err)
		})
	}
}

func TestExtractBTIH(t *testing.T) {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	hexHash := hex.EncodeToString(raw)
	b32Hash := base32.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		magnet  string
		want    string
		wantErr bool
	}{
		{name: "hex_lowercase", magnet: "magnet:?xt=urn:btih:" + hexHash, want: hexHash},
		{name: "hex_uppercase_normalized", magnet: "magnet:?xt=urn:btih:" + strings.ToUpper(hexHash), want: hexHash},
		{name: "base32", magnet: "magnet:?xt=urn:btih:" + b32Hash, want: hexHash},
		{name: "base32_lowercase", magnet: "magnet:?xt=urn:btih:" + strings.ToLower(b32Hash), want: hexHash},
		{name: "with_extra_params", magnet: "magnet:?xt=urn:btih:" + hexHash + "&dn=name&tr=http%3A%2F%2Ft", want: hexHash},
		{name: "missing_xt", magnet: "magnet:?dn=name", wantErr: true},
		{name: "wrong_scheme", magnet: "http://example.com", wantErr: true},
		{name: "bad_length", magnet: "magnet:?xt=urn:btih:abcdef", wantErr: true},
		{name: "forty_chars_not_hex", magnet: "magnet:?xt=urn:btih:" + strings.Repeat("z", 40), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBTIH(tt.magnet)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, &InvalidMagnetError{}), "want InvalidMagnetError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBTIHEncodingsAgree(t *testing.T) {
	// The same hash reached through hex and Base32 magnets must normalize
	// identically.
	raw := []byte("exactly twenty bytes")
	require.Len(t, raw, 20)

	hexMagnet := fmt.Sprintf("magnet:?xt=urn:btih:%s", hex.EncodeToString(raw))
	b32Magnet := fmt.Sprintf("magnet:?xt=urn:btih:%s", base32.StdEncoding.EncodeToString(raw))

	fromHex, err := ExtractBTIH(hexMagnet)
	require.NoError(t, err)
	fromB32, err := ExtractBTIH(b32Magnet)
	require.NoError(t, err)

	assert.Equal(t, fromHex, fromB32)
}

func TestValidTorrentBytes(t *testing.T) {
	data, _ := testTorrent(t)

	assert.True(t, ValidTorrentBytes(data))
	assert.False(t, ValidTorrentBytes(nil))
	assert.False(t, ValidTorrentBytes([]byte("<html>blocked</html>")))
	assert.False(t, ValidTorrentBytes([]byte("d8:announce")))
}
