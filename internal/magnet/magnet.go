// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magnet converts between magnet URIs and raw torrent metadata.
// All binary parsing lives here; orchestration code never touches bencode.
package magnet

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// MalformedTorrentError indicates torrent bytes that do not decode to a
// bencoded dictionary with an info key.
type MalformedTorrentError struct {
	Reason string
	Err    error
}

func (e *MalformedTorrentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed torrent: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed torrent: %s", e.Reason)
}

func (e *MalformedTorrentError) Unwrap() error { return e.Err }

func (e *MalformedTorrentError) Is(target error) bool {
	_, ok := target.(*MalformedTorrentError)
	return ok
}

// InvalidMagnetError indicates a magnet URI whose xt parameter is missing
// or carries an unusable BTIH.
type InvalidMagnetError struct {
	Reason string
}

func (e *InvalidMagnetError) Error() string {
	return fmt.Sprintf("invalid magnet: %s", e.Reason)
}

func (e *InvalidMagnetError) Is(target error) bool {
	_, ok := target.(*InvalidMagnetError)
	return ok
}

const btihPrefix = "urn:btih:"

// FromTorrent builds a magnet URI from raw .torrent bytes. The info hash is
// the SHA-1 of the canonically bencoded info dictionary, Base32-encoded in
// the URI. The display name and all announce URLs are carried over as dn
// and tr parameters.
func FromTorrent(data []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", &MalformedTorrentError{Reason: "bencode decode failed", Err: err}
	}
	if len(mi.InfoBytes) == 0 {
		return "", &MalformedTorrentError{Reason: "info dictionary absent"}
	}

	hash := mi.HashInfoBytes()
	btih := base32.StdEncoding.EncodeToString(hash.Bytes())

	var sb strings.Builder
	sb.WriteString("magnet:?xt=")
	sb.WriteString(btihPrefix)
	sb.WriteString(btih)

	if info, err := mi.UnmarshalInfo(); err == nil && info.Name != "" {
		sb.WriteString("&dn=")
		sb.WriteString(url.QueryEscape(info.Name))
	}

	for _, tracker := range trackers(mi) {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tracker))
	}

	return sb.String(), nil
}

// trackers flattens announce and announce-list into a deduplicated,
// order-preserving slice.
func trackers(mi *metainfo.MetaInfo) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, t := range tier {
			add(t)
		}
	}

	return out
}

// Build assembles a magnet URI from an already-known BTIH. The hash is
// emitted as-is, so callers pass whichever encoding they hold.
func Build(btih, name string, trackerURLs []string) string {
	var sb strings.Builder
	sb.WriteString("magnet:?xt=")
	sb.WriteString(btihPrefix)
	sb.WriteString(btih)
	if name != "" {
		sb.WriteString("&dn=")
		sb.WriteString(url.QueryEscape(name))
	}
	for _, tracker := range trackerURLs {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tracker))
	}
	return sb.String()
}

// ExtractBTIH parses the BTIH from a magnet URI, normalized to 40 lowercase
// hex characters. Both the 40-hex and the 32-Base32 encodings are accepted.
func ExtractBTIH(magnetURI string) (string, error) {
	u, err := url.Parse(magnetURI)
	if err != nil {
		return "", &InvalidMagnetError{Reason: "not a parseable URI"}
	}
	if u.Scheme != "magnet" {
		return "", &InvalidMagnetError{Reason: "scheme is not magnet"}
	}

	for _, xt := range u.Query()["xt"] {
		if !strings.HasPrefix(xt, btihPrefix) {
			continue
		}
		raw := xt[len(btihPrefix):]
		switch len(raw) {
		case 40:
			if _, err := hex.DecodeString(raw); err != nil {
				return "", &InvalidMagnetError{Reason: "40-char BTIH is not hex"}
			}
			return strings.ToLower(raw), nil
		case 32:
			decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(raw))
			if err != nil {
				return "", &InvalidMagnetError{Reason: "32-char BTIH is not Base32"}
			}
			return hex.EncodeToString(decoded), nil
		default:
			return "", &InvalidMagnetError{Reason: fmt.Sprintf("unsupported BTIH length %d", len(raw))}
		}
	}

	return "", &InvalidMagnetError{Reason: "no xt=urn:btih parameter"}
}

// ValidTorrentBytes reports whether body looks like a bencoded torrent
// dictionary: it must start with 'd' and round-trip through the decoder.
func ValidTorrentBytes(body []byte) bool {
	if len(body) == 0 || body[0] != 'd' {
		return false
	}
	var decoded any
	return bencode.Unmarshal(body, &decoded) == nil
}
