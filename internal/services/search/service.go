// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search fans a query out across the enabled sources, classifies
// what comes back and lands the results in the index cache.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/indexcache"
	"github.com/autobrr/mediahunt/internal/metrics"
	"github.com/autobrr/mediahunt/internal/ranking"
)

// Query identifies one searchable target.
type Query struct {
	Title  string `json:"title"`
	Year   int    `json:"year"`
	Season int    `json:"season"`
	IsTV   bool   `json:"isTv"`
}

func (q Query) String() string {
	if q.IsTV {
		return fmt.Sprintf("%s (%d) S%02d", q.Title, q.Year, q.Season)
	}
	return fmt.Sprintf("%s (%d)", q.Title, q.Year)
}

// Status is the lifecycle stage an Event reports.
type Status string

const (
	StatusStart      Status = "start"
	StatusCacheFound Status = "cache_found"
	StatusNoCache    Status = "no_cache"
	StatusProgress   Status = "progress"
	StatusResult     Status = "result"
	StatusError      Status = "error"
	StatusComplete   Status = "complete"
)

// Event is one incremental emission from a running search. Events for a
// source arrive in lifecycle order but sources interleave freely; whoever
// finishes first reports first.
type Event struct {
	Status     Status               `json:"status"`
	Source     string               `json:"source,omitempty"`
	Candidates []classify.Candidate `json:"candidates,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// Source is one site adapter. Implementations return raw candidates; the
// service owns classification and caching.
type Source interface {
	Name() string
	Search(ctx context.Context, q Query) ([]classify.Candidate, error)
}

// Service coordinates the fan-out.
type Service struct {
	cache   *indexcache.Cache
	policy  *ranking.Policy
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *metrics.Manager

	mu      sync.RWMutex
	sources map[string]Source
}

func NewService(cache *indexcache.Cache, policy *ranking.Policy, cfg domain.SearchConfig, m *metrics.Manager) *Service {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 5
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		cache:   cache,
		policy:  policy,
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		metrics: m,
		sources: make(map[string]Source),
	}
}

// Register adds a site adapter. Adapters for sources missing from the
// ranked source list are ignored at search time.
func (s *Service) Register(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Name()] = src
}

// enabledSources returns the registered adapters in ranked-source order.
func (s *Service) enabledSources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Source, 0, len(s.policy.Sources))
	for _, name := range s.policy.Sources {
		if src, ok := s.sources[name]; ok {
			out = append(out, src)
		} else {
			log.Warn().Str("source", name).Msg("Ranked source has no registered adapter")
		}
	}
	return out
}

// Search runs the fan-out and streams events until the channel closes.
// One failed source emits an error event and an empty result; it never
// cancels the others.
func (s *Service) Search(ctx context.Context, q Query) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		sources := s.enabledSources()
		if len(sources) == 0 {
			emit(ctx, events, Event{Status: StatusError, Message: "no sources configured"})
			emit(ctx, events, Event{Status: StatusComplete})
			return
		}

		var wg sync.WaitGroup
		for _, src := range sources {
			wg.Add(1)
			go func(src Source) {
				defer wg.Done()
				s.searchSource(ctx, src, q, events)
			}(src)
		}
		wg.Wait()
		emit(ctx, events, Event{Status: StatusComplete})
	}()

	return events
}

// emit delivers an event unless the caller is gone. A cancelled context
// unblocks every producer so an abandoned stream tears down instead of
// leaking goroutines parked on the channel.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) searchSource(ctx context.Context, src Source, q Query, events chan<- Event) {
	name := src.Name()
	if !emit(ctx, events, Event{Status: StatusStart, Source: name}) {
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		emit(ctx, events, Event{Status: StatusError, Source: name, Message: "search cancelled"})
		return
	}
	defer s.sem.Release(1)

	key := indexcache.Key{Title: q.Title, Year: q.Year, Season: q.Season, Source: name}
	if idx, fresh, err := s.cache.Fetch(key); err == nil && fresh {
		if s.metrics != nil {
			s.metrics.CacheHitsTotal.Inc()
			s.metrics.SearchesTotal.WithLabelValues(name, "cache").Inc()
		}
		if !emit(ctx, events, Event{Status: StatusCacheFound, Source: name}) {
			return
		}
		emit(ctx, events, Event{Status: StatusResult, Source: name, Candidates: idx.Candidates()})
		return
	}
	if !emit(ctx, events, Event{Status: StatusNoCache, Source: name}) {
		return
	}
	if s.metrics != nil {
		s.metrics.CacheMissesTotal.Inc()
	}

	idx, err := s.refreshSource(ctx, src, key, q)
	if err != nil {
		log.Warn().Err(err).Str("source", name).Str("query", q.String()).Msg("Source search failed")
		if s.metrics != nil {
			s.metrics.SearchErrorsTotal.WithLabelValues(name).Inc()
			s.metrics.SearchesTotal.WithLabelValues(name, "error").Inc()
		}
		if !emit(ctx, events, Event{Status: StatusError, Source: name, Message: err.Error()}) {
			return
		}
		emit(ctx, events, Event{Status: StatusResult, Source: name, Candidates: nil})
		return
	}

	if s.metrics != nil {
		s.metrics.SearchesTotal.WithLabelValues(name, "ok").Inc()
	}
	emit(ctx, events, Event{Status: StatusResult, Source: name, Candidates: idx.Candidates()})
}

// refreshSource fetches, classifies and stores one source's index.
// Concurrent refreshes of the same key collapse into one fetch.
func (s *Service) refreshSource(ctx context.Context, src Source, key indexcache.Key, q Query) (*indexcache.Index, error) {
	return s.cache.Refresh(key, func() (*indexcache.Index, error) {
		taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		raw, err := src.Search(taskCtx, q)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", src.Name(), err)
		}

		cands := make([]classify.Candidate, 0, len(raw))
		for _, c := range raw {
			if !titleMatches(q.Title, c.Title) {
				continue
			}
			c.Source = src.Name()
			cands = append(cands, c.Classified())
		}

		var buckets map[string][]classify.Candidate
		if q.IsTV {
			buckets = s.policy.BucketTV(cands)
		} else {
			buckets = s.policy.BucketMovie(cands)
		}

		idx := &indexcache.Index{Key: key, FetchedAt: time.Now(), Ordered: cands, Buckets: buckets}
		if err := s.cache.Store(idx); err != nil {
			return nil, err
		}
		return idx, nil
	})
}

// FreshIndexes ensures every enabled source has a fresh index for q and
// returns them keyed by source name. Individual source failures are
// logged and skipped; the call errors only when no source delivered.
func (s *Service) FreshIndexes(ctx context.Context, q Query) (map[string]*indexcache.Index, error) {
	sources := s.enabledSources()
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		indexes = make(map[string]*indexcache.Index)
		lastErr error
	)

	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			key := indexcache.Key{Title: q.Title, Year: q.Year, Season: q.Season, Source: src.Name()}
			idx, err := s.refreshSource(ctx, src, key, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("source", src.Name()).Msg("Index refresh failed")
				lastErr = err
				return
			}
			indexes[src.Name()] = idx
		}(src)
	}
	wg.Wait()

	if len(indexes) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all sources failed: %w", lastErr)
	}
	return indexes, nil
}

// SourceNames lists the ranked sources that have adapters, in rank order.
func (s *Service) SourceNames() []string {
	sources := s.enabledSources()
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.Name())
	}
	return names
}

// RegisteredNames lists every registered adapter, sorted.
func (s *Service) RegisteredNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// titleMatches guards against sources returning unrelated hits. The raw
// title is checked for containment first; failing that the release name
// is parsed and fuzzy-compared against the target.
func titleMatches(target, title string) bool {
	t := normalizeTitle(target)
	if t == "" {
		return true
	}
	if strings.Contains(normalizeTitle(title), t) {
		return true
	}

	parsed := rls.ParseString(title)
	if parsed.Title == "" {
		return false
	}
	p := normalizeTitle(parsed.Title)
	if strings.Contains(p, t) || strings.Contains(t, p) {
		return true
	}
	// Loose last resort for transliterated or reordered titles. The rank
	// threshold keeps random subsequence hits out.
	return fuzzy.MatchNormalizedFold(t, p) && fuzzy.RankMatchNormalizedFold(t, p) < 10
}

func normalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	for _, drop := range []string{"'", "’", "‘", "`", ":"} {
		title = strings.ReplaceAll(title, drop, "")
	}
	title = strings.ReplaceAll(title, "-", " ")
	title = strings.ReplaceAll(title, ".", " ")
	return strings.Join(strings.Fields(title), " ")
}
