// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package classify turns raw candidate titles from site adapters into
// structured resolution, size and episode information. Classification is a
// pure function of the title string so cached results stay consistent.
package classify

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// ResolutionUnknown is the sentinel raw resolution for titles that
	// carry no recognizable resolution marker.
	ResolutionUnknown = "未知分辨率"

	// SizeUnknown is the sentinel for titles without a parseable size.
	SizeUnknown = "未知大小"
)

// Tier is a candidate's resolution tier relative to the configured
// preferred and fallback resolutions.
type Tier int

const (
	TierPreferred Tier = iota
	TierFallback
	TierOther
)

func (t Tier) String() string {
	switch t {
	case TierPreferred:
		return "preferred"
	case TierFallback:
		return "fallback"
	default:
		return "other"
	}
}

// TierFor maps a raw resolution string onto a tier given the configured
// preferred and fallback resolutions.
func TierFor(resolution, preferred, fallback string) Tier {
	switch {
	case resolution != ResolutionUnknown && strings.EqualFold(resolution, preferred):
		return TierPreferred
	case resolution != ResolutionUnknown && strings.EqualFold(resolution, fallback):
		return TierFallback
	default:
		return TierOther
	}
}

// EpisodeType describes what span of a season a TV candidate covers.
type EpisodeType int

const (
	EpisodeUnknown EpisodeType = iota
	EpisodeSingle
	EpisodeRange
	EpisodeFullSeason
)

func (t EpisodeType) String() string {
	switch t {
	case EpisodeSingle:
		return "single"
	case EpisodeRange:
		return "range"
	case EpisodeFullSeason:
		return "full_season"
	default:
		return "unknown"
	}
}

// EpisodeInfo is the parsed episode span of a TV candidate. End is nil for
// a full season with an unknown upper bound; callers must substitute the
// season's own upper bound when deciding eligibility.
type EpisodeInfo struct {
	Type  EpisodeType `json:"type"`
	Start int         `json:"start"`
	End   *int        `json:"end"`
}

// Covers reports whether episode e falls inside the span. seasonMax is the
// substitute upper bound used when End is unknown.
func (ei *EpisodeInfo) Covers(e, seasonMax int) bool {
	if ei == nil || ei.Type == EpisodeUnknown {
		return false
	}
	end := seasonMax
	if ei.End != nil {
		end = *ei.End
	}
	return ei.Start <= e && e <= end
}

// Classification is the result of classifying one raw title.
type Classification struct {
	Resolution string
	Size       string
	Episodes   *EpisodeInfo
}

var (
	resolutionRe = regexp.MustCompile(`(?i)\d{3,4}p`)
	fourKRe      = regexp.MustCompile(`(?i)4k`)
	sizeRe       = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(GB|MB|TB)`)

	// Episode patterns, tried in order. First match wins.
	episodeSpanRe = regexp.MustCompile(`(?i)(?:EP|第)(\d+)(?:\s*[-~]\s*(?:EP|第)?(\d+))?`)
	fullSeasonRe  = regexp.MustCompile(`全(\d+)`)
	bareFullRe    = regexp.MustCompile(`全`)
	updatedThruRe = regexp.MustCompile(`(?:更至|更新至)(\d+)集`)
)

// Classify parses a raw candidate title. For movie candidates the Episodes
// field is irrelevant and may be ignored by the caller.
func Classify(title string) Classification {
	return Classification{
		Resolution: ParseResolution(title),
		Size:       ParseSize(title),
		Episodes:   ParseEpisodes(title),
	}
}

// ParseResolution extracts the resolution string from a title. A literal
// NNNp/NNNNp marker wins, any "4K" marker maps to 2160p, anything else is
// unknown.
func ParseResolution(title string) string {
	if m := resolutionRe.FindString(title); m != "" {
		return strings.ToLower(m)
	}
	if fourKRe.MatchString(title) {
		return "2160p"
	}
	return ResolutionUnknown
}

// ParseSize extracts the first size marker ("12.3GB", "700 MB") from a
// title, normalized to an uppercase unit.
func ParseSize(title string) string {
	m := sizeRe.FindStringSubmatch(title)
	if m == nil {
		return SizeUnknown
	}
	return m[1] + strings.ToUpper(m[2])
}

// ParseEpisodes extracts the episode span of a TV candidate title. Titles
// that match none of the known patterns yield EpisodeUnknown; TV ranking
// drops those candidates.
func ParseEpisodes(title string) *EpisodeInfo {
	if m := episodeSpanRe.FindStringSubmatch(title); m != nil {
		start, _ := strconv.Atoi(m[1])
		if m[2] == "" {
			return &EpisodeInfo{Type: EpisodeSingle, Start: start, End: intPtr(start)}
		}
		end, _ := strconv.Atoi(m[2])
		if end < start {
			return &EpisodeInfo{Type: EpisodeUnknown}
		}
		if start == end {
			return &EpisodeInfo{Type: EpisodeSingle, Start: start, End: intPtr(end)}
		}
		return &EpisodeInfo{Type: EpisodeRange, Start: start, End: intPtr(end)}
	}

	if m := fullSeasonRe.FindStringSubmatch(title); m != nil {
		end, _ := strconv.Atoi(m[1])
		return &EpisodeInfo{Type: EpisodeFullSeason, Start: 1, End: intPtr(end)}
	}

	if bareFullRe.MatchString(title) {
		// "全" with no trailing count: full season, unknown upper bound.
		return &EpisodeInfo{Type: EpisodeFullSeason, Start: 1, End: nil}
	}

	if m := updatedThruRe.FindStringSubmatch(title); m != nil {
		end, _ := strconv.Atoi(m[1])
		return &EpisodeInfo{Type: EpisodeRange, Start: 1, End: intPtr(end)}
	}

	return &EpisodeInfo{Type: EpisodeUnknown}
}

func intPtr(v int) *int { return &v }
