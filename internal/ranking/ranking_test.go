// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ranking

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/indexcache"
)

func testPolicy(t *testing.T, mutate func(*domain.RankingConfig)) *Policy {
	t.Helper()
	cfg := domain.RankingConfig{
		Sources:             []string{"Alpha", "Beta"},
		PreferredResolution: "2160p",
		FallbackResolution:  "1080p",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPolicy(cfg)
	require.NoError(t, err)
	return p
}

func movieIndex(source string, buckets map[string][]classify.Candidate) *indexcache.Index {
	return &indexcache.Index{
		Key:     indexcache.Key{Title: "Movie", Year: 2024, Source: source},
		Buckets: buckets,
	}
}

func cand(source, title string, popularity int) classify.Candidate {
	c := classify.Candidate{Title: title, Link: "magnet:?xt=urn:btih:" + title, Source: source, Popularity: popularity}
	return c.Classified()
}

func TestNewPolicyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RankingConfig)
		field  string
	}{
		{name: "no_sources", mutate: func(c *domain.RankingConfig) { c.Sources = nil }, field: "sources"},
		{name: "no_preferred", mutate: func(c *domain.RankingConfig) { c.PreferredResolution = " " }, field: "preferredResolution"},
		{name: "no_fallback", mutate: func(c *domain.RankingConfig) { c.FallbackResolution = "" }, field: "fallbackResolution"},
		{name: "bad_filter_expr", mutate: func(c *domain.RankingConfig) { c.FilterExpr = "Popularity >" }, field: "filterExpr"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.RankingConfig{
				Sources:             []string{"Alpha"},
				PreferredResolution: "2160p",
				FallbackResolution:  "1080p",
			}
			tt.mutate(&cfg)

			_, err := NewPolicy(cfg)
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestMovieSourceAndTierPriority(t *testing.T) {
	p := testPolicy(t, nil)

	indexes := map[string]*indexcache.Index{
		// Alpha only has a fallback-tier candidate.
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierFallback): {cand("Alpha", "Movie 1080p", 10)},
		}),
		// Beta has a preferred-tier candidate, but Alpha outranks Beta.
		"Beta": movieIndex("Beta", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {cand("Beta", "Movie 2160p", 99)},
		}),
	}

	got, err := p.SelectMovie(indexes, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Source, "source priority outranks resolution tier across sources")

	// Within one source, preferred tier wins.
	indexes["Alpha"].Buckets[indexcache.MovieBucket(classify.TierPreferred)] = []classify.Candidate{cand("Alpha", "Movie 2160p remux", 1)}
	got, err = p.SelectMovie(indexes, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, "Movie 2160p remux", got.Title)
}

func TestTieBreakPreferKeywordsThenPopularity(t *testing.T) {
	p := testPolicy(t, func(c *domain.RankingConfig) {
		c.PreferKeywords = []string{"中字", "国语"}
	})

	plain := cand("Alpha", "Movie 2160p", 50)
	oneKeyword := cand("Alpha", "Movie 2160p 中字", 10)
	twoKeywords := cand("Alpha", "Movie 2160p 中字 国语", 1)

	indexes := map[string]*indexcache.Index{
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {plain, oneKeyword, twoKeywords},
		}),
	}

	ranked := p.MovieCandidates(indexes, NewAttemptSet())
	require.Len(t, ranked, 3)
	assert.Equal(t, twoKeywords.Title, ranked[0].Title)
	assert.Equal(t, oneKeyword.Title, ranked[1].Title)
	assert.Equal(t, plain.Title, ranked[2].Title)
}

func TestTieBreakPopularityAndStability(t *testing.T) {
	p := testPolicy(t, nil)

	first := cand("Alpha", "Movie 2160p groupA", 5)
	second := cand("Alpha", "Movie 2160p groupB", 5)
	popular := cand("Alpha", "Movie 2160p groupC", 9)

	indexes := map[string]*indexcache.Index{
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {first, second, popular},
		}),
	}

	ranked := p.MovieCandidates(indexes, NewAttemptSet())
	require.Len(t, ranked, 3)
	assert.Equal(t, popular.Title, ranked[0].Title, "higher popularity wins on equal keyword score")
	assert.Equal(t, first.Title, ranked[1].Title, "equal candidates keep insertion order")
	assert.Equal(t, second.Title, ranked[2].Title)
}

func TestExcludeKeywordsDisqualify(t *testing.T) {
	p := testPolicy(t, func(c *domain.RankingConfig) {
		c.ExcludeKeywords = []string{"HDR"}
		c.PreferKeywords = []string{"HDR"}
	})

	excluded := cand("Alpha", "Movie 2160p HDR", 100)
	kept := cand("Alpha", "Movie 2160p", 1)

	indexes := map[string]*indexcache.Index{
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {excluded, kept},
		}),
	}

	ranked := p.MovieCandidates(indexes, NewAttemptSet())
	require.Len(t, ranked, 1)
	assert.Equal(t, kept.Title, ranked[0].Title, "an excluded candidate is never selected even when top-ranked")
}

func TestFilterExpression(t *testing.T) {
	p := testPolicy(t, func(c *domain.RankingConfig) {
		c.FilterExpr = "Popularity >= 10"
	})

	indexes := map[string]*indexcache.Index{
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {
				cand("Alpha", "Movie 2160p weak", 3),
				cand("Alpha", "Movie 2160p strong", 20),
			},
		}),
	}

	ranked := p.MovieCandidates(indexes, NewAttemptSet())
	require.Len(t, ranked, 1)
	assert.Equal(t, "Movie 2160p strong", ranked[0].Title)
}

func TestAttemptSetSkipsSeenCandidates(t *testing.T) {
	p := testPolicy(t, nil)
	attempted := NewAttemptSet()

	best := cand("Alpha", "Movie 2160p best", 10)
	next := cand("Alpha", "Movie 2160p next", 5)

	indexes := map[string]*indexcache.Index{
		"Alpha": movieIndex("Alpha", map[string][]classify.Candidate{
			indexcache.MovieBucket(classify.TierPreferred): {best, next},
		}),
	}

	got, err := p.SelectMovie(indexes, attempted)
	require.NoError(t, err)
	assert.Equal(t, best.Title, got.Title)

	attempted.Mark(got)

	got, err = p.SelectMovie(indexes, attempted)
	require.NoError(t, err)
	assert.Equal(t, next.Title, got.Title)

	attempted.Mark(got)

	_, err = p.SelectMovie(indexes, attempted)
	assert.ErrorIs(t, err, ErrNoCandidateFound)
}

func tvIndex(p *Policy, source string, cands ...classify.Candidate) *indexcache.Index {
	return &indexcache.Index{
		Key:     indexcache.Key{Title: "Show", Year: 2024, Season: 1, Source: source},
		Buckets: p.BucketTV(cands),
	}
}

func TestEpisodeTypePriorityWithinTier(t *testing.T) {
	p := testPolicy(t, nil)

	single := cand("Alpha", "Show 2160p 第3集", 99)
	rng := cand("Alpha", "Show 2160p 第1-5集", 50)
	full := cand("Alpha", "Show 2160p 全12集", 1)

	indexes := map[string]*indexcache.Index{
		"Alpha": tvIndex(p, "Alpha", single, rng, full),
	}

	got, err := p.SelectEpisode(3, 12, indexes, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, full.Title, got.Title, "full season outranks range and single in the same tier")
}

func TestEpisodeTierBeatsType(t *testing.T) {
	p := testPolicy(t, nil)

	fullFallback := cand("Alpha", "Show 1080p 全12集", 99)
	singlePreferred := cand("Alpha", "Show 2160p 第3集", 1)

	indexes := map[string]*indexcache.Index{
		"Alpha": tvIndex(p, "Alpha", fullFallback, singlePreferred),
	}

	got, err := p.SelectEpisode(3, 12, indexes, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, singlePreferred.Title, got.Title, "a preferred-tier single beats a fallback-tier full season")
}

func TestEpisodeCoverage(t *testing.T) {
	p := testPolicy(t, nil)

	rng := cand("Alpha", "Show 2160p 第3-7集", 10)
	openFull := cand("Alpha", "Show 2160p 全集", 5)

	indexes := map[string]*indexcache.Index{
		"Alpha": tvIndex(p, "Alpha", rng, openFull),
	}

	// Episode 8 is outside the range but inside the open-ended full season
	// capped at the season's own upper bound.
	got, err := p.SelectEpisode(8, 12, indexes, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, openFull.Title, got.Title)

	// Episode 13 is beyond the substitute upper bound.
	_, err = p.SelectEpisode(13, 12, indexes, NewAttemptSet())
	assert.ErrorIs(t, err, ErrNoCandidateFound)
}

func TestUnknownEpisodeCandidatesDropped(t *testing.T) {
	p := testPolicy(t, nil)

	// No parseable episode info on a TV candidate: it must never surface.
	buckets := p.BucketTV([]classify.Candidate{cand("Alpha", "Show 2160p WEB-DL", 10)})
	assert.Empty(t, buckets)
}

func TestPartialSourceFailureIsolation(t *testing.T) {
	p := testPolicy(t, nil)

	// Alpha timed out: no index at all. Selection must equal what Beta
	// alone would produce, with no error.
	beta := movieIndex("Beta", map[string][]classify.Candidate{
		indexcache.MovieBucket(classify.TierPreferred): {cand("Beta", "Movie 2160p", 7)},
	})

	withFailure := map[string]*indexcache.Index{"Beta": beta}
	betaOnly := map[string]*indexcache.Index{"Beta": beta}

	a, err := p.SelectMovie(withFailure, NewAttemptSet())
	require.NoError(t, err)
	b, err := p.SelectMovie(betaOnly, NewAttemptSet())
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestCoveredEpisodes(t *testing.T) {
	full := cand("Beta", "Show 2160p 全5集", 1)
	rng := cand("Beta", "Show 2160p 第2-3集", 1)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, CoveredEpisodes(full, []int{1, 2, 3, 4, 5}, 5))
	assert.Equal(t, []int{2, 3}, CoveredEpisodes(rng, []int{1, 2, 3, 4, 5}, 5))
	assert.Empty(t, CoveredEpisodes(rng, []int{1, 4, 5}, 5))
}
