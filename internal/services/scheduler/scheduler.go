// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs fulfillment sweeps on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/domain"
	"github.com/autobrr/mediahunt/internal/services/fulfill"
)

type Scheduler struct {
	fulfill  *fulfill.Service
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(fulfillSvc *fulfill.Service, cfg domain.SchedulerConfig) *Scheduler {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{fulfill: fulfillSvc, interval: interval}
}

// Start launches the loop. The first sweep is jittered so a fleet of
// restarts does not hammer the sources at the same instant.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	log.Debug().Dur("interval", s.interval).Msg("Starting fulfillment scheduler")
	defer log.Debug().Msg("Fulfillment scheduler stopped")

	jitter := time.Duration(rand.Int63n(int64(s.interval / 10)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.fulfill.Run(ctx); err != nil && !errors.Is(err, fulfill.ErrRunInProgress) {
			log.Error().Err(err).Msg("Scheduled fulfillment run failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
