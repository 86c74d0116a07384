// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/indexcache"
)

// ErrNoCandidateFound is returned when every source and tier has been
// exhausted for a target. The target stays pending for the next run.
var ErrNoCandidateFound = errors.New("no candidate found")

// AttemptSet tracks candidates that have already been selected and
// attempted within one run, keyed by (source, title, link, start, end).
// A marked candidate is never attempted again in the same run, even for a
// different episode it could also serve.
type AttemptSet struct {
	seen map[uint64]struct{}
}

func NewAttemptSet() *AttemptSet {
	return &AttemptSet{seen: make(map[uint64]struct{})}
}

func attemptKey(c classify.Candidate) uint64 {
	start, end := 0, 0
	if c.Episodes != nil {
		start = c.Episodes.Start
		if c.Episodes.End != nil {
			end = *c.Episodes.End
		} else {
			end = -1
		}
	}
	return xxhash.Sum64String(fmt.Sprintf("%s|%s|%s|%d|%d", c.Source, c.Title, c.Link, start, end))
}

// Mark records a candidate as attempted.
func (s *AttemptSet) Mark(c classify.Candidate) {
	s.seen[attemptKey(c)] = struct{}{}
}

// Seen reports whether a candidate was already attempted this run.
func (s *AttemptSet) Seen(c classify.Candidate) bool {
	_, ok := s.seen[attemptKey(c)]
	return ok
}

// tierOrder is the resolution tier priority for selection.
var tierOrder = []classify.Tier{classify.TierPreferred, classify.TierFallback, classify.TierOther}

// tvTypeOrder is the episode-type priority within a tier: a full season
// beats a range beats a single episode.
var tvTypeOrder = []classify.EpisodeType{classify.EpisodeFullSeason, classify.EpisodeRange, classify.EpisodeSingle}

// rankGroup sorts one (source, tier[, type]) group by descending
// prefer-keyword matches, then descending popularity. The sort is stable so
// otherwise-equal candidates keep insertion order.
func (p *Policy) rankGroup(cands []classify.Candidate) []classify.Candidate {
	out := append([]classify.Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := p.preferScore(out[i].Title), p.preferScore(out[j].Title)
		if si != sj {
			return si > sj
		}
		return out[i].Popularity > out[j].Popularity
	})
	return out
}

// eligible applies exclusion keywords, the optional filter expression and
// the attempted-set to one group.
func (p *Policy) eligible(cands []classify.Candidate, attempted *AttemptSet) []classify.Candidate {
	var out []classify.Candidate
	for _, c := range cands {
		if p.excluded(c.Title) {
			continue
		}
		if !p.passesFilter(c) {
			continue
		}
		if attempted != nil && attempted.Seen(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// MovieCandidates returns the full ranked candidate order for a movie
// target: sources in priority order, tiers Preferred, Fallback then Other
// within each source, tie-breaks within each group. The orchestrator
// consumes the order front to back, falling back on dispatch failure.
func (p *Policy) MovieCandidates(indexes map[string]*indexcache.Index, attempted *AttemptSet) []classify.Candidate {
	var out []classify.Candidate
	for _, source := range p.Sources {
		idx := indexes[source]
		if idx == nil {
			continue
		}
		for _, tier := range tierOrder {
			group := p.eligible(idx.Buckets[indexcache.MovieBucket(tier)], attempted)
			if len(group) == 0 {
				continue
			}
			out = append(out, p.rankGroup(group)...)
		}
	}
	return out
}

// SelectMovie returns the single best movie candidate or
// ErrNoCandidateFound.
func (p *Policy) SelectMovie(indexes map[string]*indexcache.Index, attempted *AttemptSet) (classify.Candidate, error) {
	ranked := p.MovieCandidates(indexes, attempted)
	if len(ranked) == 0 {
		return classify.Candidate{}, ErrNoCandidateFound
	}
	return ranked[0], nil
}

// EpisodeCandidates returns the ranked candidate order able to serve
// episode e of a season. seasonMax substitutes the upper bound for
// full-season candidates with an unknown end. Within each source, tiers are
// walked Preferred to Other and, inside a tier, full seasons beat ranges
// beat singles.
func (p *Policy) EpisodeCandidates(e, seasonMax int, indexes map[string]*indexcache.Index, attempted *AttemptSet) []classify.Candidate {
	var out []classify.Candidate
	for _, source := range p.Sources {
		idx := indexes[source]
		if idx == nil {
			continue
		}
		for _, tier := range tierOrder {
			for _, epType := range tvTypeOrder {
				group := p.eligible(idx.Buckets[indexcache.TVBucket(tier, epType)], attempted)

				var covering []classify.Candidate
				for _, c := range group {
					if c.Episodes.Covers(e, seasonMax) {
						covering = append(covering, c)
					}
				}
				if len(covering) == 0 {
					continue
				}
				out = append(out, p.rankGroup(covering)...)
			}
		}
	}
	return out
}

// SelectEpisode returns the single best candidate covering episode e or
// ErrNoCandidateFound.
func (p *Policy) SelectEpisode(e, seasonMax int, indexes map[string]*indexcache.Index, attempted *AttemptSet) (classify.Candidate, error) {
	ranked := p.EpisodeCandidates(e, seasonMax, indexes, attempted)
	if len(ranked) == 0 {
		return classify.Candidate{}, ErrNoCandidateFound
	}
	return ranked[0], nil
}

// CoveredEpisodes lists which of the still-missing episodes a candidate
// fulfills. A successful dispatch marks all of them done at once.
func CoveredEpisodes(c classify.Candidate, missing []int, seasonMax int) []int {
	var out []int
	for _, e := range missing {
		if c.Episodes.Covers(e, seasonMax) {
			out = append(out, e)
		}
	}
	return out
}

// BucketMovie groups classified movie candidates into index buckets for one
// source, dropping nothing: every candidate lands in its tier bucket.
func (p *Policy) BucketMovie(cands []classify.Candidate) map[string][]classify.Candidate {
	buckets := make(map[string][]classify.Candidate)
	for _, c := range cands {
		name := indexcache.MovieBucket(p.Tier(c.Resolution))
		buckets[name] = append(buckets[name], c)
	}
	return buckets
}

// BucketTV groups classified TV candidates into tier-and-type buckets for
// one source. Candidates with unparseable episode info are dropped; they
// can never be matched to a missing episode.
func (p *Policy) BucketTV(cands []classify.Candidate) map[string][]classify.Candidate {
	buckets := make(map[string][]classify.Candidate)
	for _, c := range cands {
		if c.Episodes == nil || c.Episodes.Type == classify.EpisodeUnknown {
			continue
		}
		name := indexcache.TVBucket(p.Tier(c.Resolution), c.Episodes.Type)
		buckets[name] = append(buckets[name], c)
	}
	return buckets
}
