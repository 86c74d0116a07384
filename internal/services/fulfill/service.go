// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fulfill walks the subscription backlog and turns missing movies
// and episodes into download tasks.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/classify"
	"github.com/autobrr/mediahunt/internal/downloader"
	"github.com/autobrr/mediahunt/internal/indexcache"
	"github.com/autobrr/mediahunt/internal/magnet"
	"github.com/autobrr/mediahunt/internal/metrics"
	"github.com/autobrr/mediahunt/internal/models"
	"github.com/autobrr/mediahunt/internal/notification"
	"github.com/autobrr/mediahunt/internal/ranking"
	"github.com/autobrr/mediahunt/internal/services/search"
)

// ErrRunInProgress is returned when a sweep is started while another one
// is still running.
var ErrRunInProgress = errors.New("fulfillment run already in progress")

// target states
const (
	outcomeFulfilled = "fulfilled"
	outcomePartial   = "partial"
	outcomeFailed    = "failed"
)

const (
	dispatchAttempts = 3
	dispatchDelay    = 2 * time.Second
)

// Service runs fulfillment sweeps. Targets are processed sequentially:
// movies first, then TV seasons with episodes ascending, so dispatches
// never race on backend rate limits or subscription rows.
type Service struct {
	search   *search.Service
	store    *models.SubscriptionStore
	runs     *models.RunStore
	backend  downloader.Backend
	resolver *magnet.Resolver
	policy   *ranking.Policy
	notifier notification.Notifier
	metrics  *metrics.Manager

	running sync.Mutex
}

func NewService(
	searchSvc *search.Service,
	store *models.SubscriptionStore,
	runs *models.RunStore,
	backend downloader.Backend,
	resolver *magnet.Resolver,
	policy *ranking.Policy,
	notifier notification.Notifier,
	m *metrics.Manager,
) *Service {
	if notifier == nil {
		notifier = notification.Noop{}
	}
	return &Service{
		search:   searchSvc,
		store:    store,
		runs:     runs,
		backend:  backend,
		resolver: resolver,
		policy:   policy,
		notifier: notifier,
		metrics:  m,
	}
}

// Run executes one sweep over all subscription targets and records a run
// summary. Only one sweep runs at a time.
func (s *Service) Run(ctx context.Context) (*models.RunSummary, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	started := time.Now()
	runID, err := s.runs.Begin(ctx, started)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.FulfillRunsTotal.Inc()
	}

	var details []models.RunDetail

	movies, err := s.store.ListMovies(ctx)
	if err != nil {
		s.abortRun(runID, err)
		return nil, err
	}
	for _, movie := range movies {
		details = append(details, s.fulfillMovie(ctx, movie))
	}

	seasons, err := s.store.ListTVSeasons(ctx)
	if err != nil {
		s.abortRun(runID, err)
		return nil, err
	}
	for _, season := range seasons {
		details = append(details, s.fulfillSeason(ctx, season))
	}

	var fulfilled, partial, failed int
	for _, d := range details {
		switch d.Outcome {
		case outcomeFulfilled:
			fulfilled++
		case outcomePartial:
			partial++
		default:
			failed++
		}
	}

	finished := time.Now()
	if err := s.runs.Finish(ctx, runID, finished, fulfilled, partial, failed, details); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.FulfillRunDuration.Observe(finished.Sub(started).Seconds())
	}

	finishedAt := finished
	summary := &models.RunSummary{
		ID:         runID,
		StartedAt:  started,
		FinishedAt: &finishedAt,
		Fulfilled:  fulfilled,
		Partial:    partial,
		Failed:     failed,
		Details:    details,
	}
	log.Info().
		Int("fulfilled", fulfilled).
		Int("partial", partial).
		Int("failed", failed).
		Dur("took", finished.Sub(started)).
		Msg("Fulfillment run finished")
	return summary, nil
}

// abortRun closes a run row that failed before any targets were swept,
// so the last-run endpoint never reports it as still in progress. It
// uses a fresh context because the caller's may already be cancelled.
func (s *Service) abortRun(runID int64, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	details := []models.RunDetail{{Outcome: outcomeFailed, Error: cause.Error()}}
	if err := s.runs.Finish(ctx, runID, time.Now(), 0, 0, 1, details); err != nil {
		log.Error().Err(err).Int64("runID", runID).Msg("Failed to close aborted fulfillment run")
	}
}

func (s *Service) fulfillMovie(ctx context.Context, movie models.MissingMovie) models.RunDetail {
	targetName := fmt.Sprintf("movie:%s (%d)", movie.Title, movie.Year)
	detail := models.RunDetail{Target: targetName, Outcome: outcomeFailed}

	indexes, err := s.search.FreshIndexes(ctx, search.Query{Title: movie.Title, Year: movie.Year})
	if err != nil {
		detail.Error = err.Error()
		return detail
	}

	attempted := ranking.NewAttemptSet()
	for {
		cand, err := s.policy.SelectMovie(indexes, attempted)
		if err != nil {
			if detail.Error == "" {
				detail.Error = err.Error()
			}
			return detail
		}
		attempted.Mark(cand)

		if _, err := s.dispatch(ctx, cand); err != nil {
			log.Warn().Err(err).Str("target", targetName).Str("candidate", cand.Title).
				Msg("Dispatch failed, trying next candidate")
			detail.Error = err.Error()
			continue
		}

		if err := s.store.DeleteMovie(ctx, movie.ID); err != nil {
			detail.Error = fmt.Sprintf("dispatched but record not cleared: %v", err)
			return detail
		}
		detail.Outcome = outcomeFulfilled
		detail.Source = cand.Source
		detail.Title = cand.Title
		detail.Error = ""
		s.notify(ctx, movie.Title, fmt.Sprintf("%s (%s, %s)", cand.Title, cand.Resolution, cand.Source))
		return detail
	}
}

func (s *Service) fulfillSeason(ctx context.Context, season models.MissingTVSeason) models.RunDetail {
	targetName := fmt.Sprintf("tv:%s (%d) S%02d", season.Title, season.Year, season.Season)
	detail := models.RunDetail{Target: targetName, Outcome: outcomeFailed}

	indexes, err := s.search.FreshIndexes(ctx, search.Query{
		Title: season.Title, Year: season.Year, Season: season.Season, IsTV: true,
	})
	if err != nil {
		detail.Error = err.Error()
		return detail
	}

	missing := append([]int(nil), season.MissingEpisodes...)
	sort.Ints(missing)
	seasonMax := season.SeasonMax()

	attempted := ranking.NewAttemptSet()
	var fulfilledEps []int
	var lastErr string
	recordDeleted := false

	for len(missing) > 0 {
		e := missing[0]

		covered, err := s.fulfillEpisode(ctx, targetName, e, seasonMax, missing, indexes, attempted, &season)
		if err != nil {
			lastErr = err.Error()
			// This episode is exhausted; move on to the next one.
			missing = missing[1:]
			continue
		}

		fulfilledEps = append(fulfilledEps, covered.episodes...)
		missing = subtract(missing, covered.episodes)
		if covered.recordDeleted {
			recordDeleted = true
			break
		}
	}

	sort.Ints(fulfilledEps)
	detail.Episodes = fulfilledEps
	detail.Error = lastErr
	switch {
	case recordDeleted:
		detail.Outcome = outcomeFulfilled
		detail.Error = ""
	case len(fulfilledEps) > 0:
		detail.Outcome = outcomePartial
	}
	return detail
}

type coverage struct {
	episodes      []int
	recordDeleted bool
}

// fulfillEpisode keeps selecting and dispatching candidates for episode e
// until one sticks or the candidate space is exhausted. A winning Range or
// FullSeason candidate fulfills every missing episode it spans in one
// persistence write.
func (s *Service) fulfillEpisode(
	ctx context.Context,
	targetName string,
	e, seasonMax int,
	missing []int,
	indexes map[string]*indexcache.Index,
	attempted *ranking.AttemptSet,
	season *models.MissingTVSeason,
) (coverage, error) {
	for {
		cand, err := s.policy.SelectEpisode(e, seasonMax, indexes, attempted)
		if err != nil {
			return coverage{}, fmt.Errorf("episode %d: %w", e, err)
		}
		attempted.Mark(cand)

		if _, err := s.dispatch(ctx, cand); err != nil {
			log.Warn().Err(err).Str("target", targetName).Int("episode", e).
				Str("candidate", cand.Title).Msg("Dispatch failed, trying next candidate")
			continue
		}

		covered := ranking.CoveredEpisodes(cand, missing, seasonMax)
		if len(covered) == 0 {
			covered = []int{e}
		}
		_, deleted, err := s.store.RemoveEpisodes(ctx, season.ID, covered)
		if err != nil {
			return coverage{}, fmt.Errorf("episode %d dispatched but state not updated: %w", e, err)
		}

		s.notify(ctx, season.Title,
			fmt.Sprintf("S%02d %s: %s (%s)", season.Season, episodeSpan(covered), cand.Title, cand.Source))
		return coverage{episodes: covered, recordDeleted: deleted}, nil
	}
}

// dispatch hands one candidate to the backend. The work runs in its own
// goroutine with the result coming back on a dedicated channel so a stuck
// backend call cannot outlive the caller's context.
func (s *Service) dispatch(ctx context.Context, cand classify.Candidate) (string, error) {
	type result struct {
		taskID string
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		taskID, err := s.dispatchCandidate(ctx, cand)
		resultCh <- result{taskID: taskID, err: err}
	}()

	select {
	case r := <-resultCh:
		if s.metrics != nil {
			outcome := "ok"
			if r.err != nil {
				outcome = "error"
			}
			s.metrics.DispatchesTotal.WithLabelValues(string(s.backend.Kind()), outcome).Inc()
		}
		return r.taskID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) dispatchCandidate(ctx context.Context, cand classify.Candidate) (string, error) {
	req, err := s.resolveLink(ctx, cand)
	if err != nil {
		return "", err
	}

	taskID, err := retry.DoWithData(
		func() (string, error) {
			return s.backend.Add(ctx, req)
		},
		retry.Attempts(dispatchAttempts),
		retry.Delay(dispatchDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(downloader.IsRetryable),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, downloader.ErrDuplicateTask) {
		log.Debug().Str("candidate", cand.Title).Msg("Torrent already present on backend")
		return taskID, nil
	}
	return taskID, err
}

// resolveLink turns a candidate link into something the backend accepts.
// Magnets pass through; HTTP links are downloaded as .torrent blobs with
// the candidate's referer when the site needs one.
func (s *Service) resolveLink(ctx context.Context, cand classify.Candidate) (downloader.AddRequest, error) {
	link := strings.TrimSpace(cand.Link)
	switch {
	case strings.HasPrefix(link, "magnet:"):
		s.countResolution("magnet")
		return downloader.AddRequest{MagnetURI: link}, nil

	case strings.HasPrefix(link, "http://"), strings.HasPrefix(link, "https://"):
		data, err := s.resolver.Download(ctx, link, cand.RefererURL)
		if err != nil {
			s.countResolution("error")
			return downloader.AddRequest{}, fmt.Errorf("resolve torrent link: %w", err)
		}
		s.countResolution("download")
		return downloader.AddRequest{TorrentData: data}, nil

	default:
		return downloader.AddRequest{}, fmt.Errorf("unusable candidate link %q", link)
	}
}

func (s *Service) countResolution(outcome string) {
	if s.metrics != nil {
		s.metrics.TorrentResolvedFrom.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) notify(ctx context.Context, title, body string) {
	if s.metrics != nil {
		s.metrics.NotificationsSent.Inc()
	}
	s.notifier.Notify(ctx, "Download started: "+title, body)
}

func subtract(set, remove []int) []int {
	drop := make(map[int]struct{}, len(remove))
	for _, e := range remove {
		drop[e] = struct{}{}
	}
	out := set[:0]
	for _, e := range set {
		if _, ok := drop[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func episodeSpan(eps []int) string {
	if len(eps) == 0 {
		return ""
	}
	if len(eps) == 1 {
		return fmt.Sprintf("EP%d", eps[0])
	}
	return fmt.Sprintf("EP%d-%d", eps[0], eps[len(eps)-1])
}
