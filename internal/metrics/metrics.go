// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Manager owns the registry and the counters the engine increments.
type Manager struct {
	registry *prometheus.Registry

	SearchesTotal       *prometheus.CounterVec
	SearchErrorsTotal   *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	DispatchesTotal     *prometheus.CounterVec
	FulfillRunsTotal    prometheus.Counter
	FulfillRunDuration  prometheus.Histogram
	NotificationsSent   prometheus.Counter
	TorrentResolvedFrom *prometheus.CounterVec
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Manager{
		registry: registry,
		SearchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahunt_searches_total",
			Help: "Search tasks executed, by source and status.",
		}, []string{"source", "status"}),
		SearchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahunt_search_errors_total",
			Help: "Search tasks that failed, by source.",
		}, []string{"source"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediahunt_index_cache_hits_total",
			Help: "Index cache lookups served fresh.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediahunt_index_cache_misses_total",
			Help: "Index cache lookups that required a refresh.",
		}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahunt_dispatches_total",
			Help: "Download dispatches, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		FulfillRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediahunt_fulfill_runs_total",
			Help: "Fulfillment sweeps executed.",
		}),
		FulfillRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediahunt_fulfill_run_duration_seconds",
			Help:    "Wall time of one fulfillment sweep.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediahunt_notifications_sent_total",
			Help: "Notification pushes attempted.",
		}),
		TorrentResolvedFrom: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediahunt_torrent_resolutions_total",
			Help: "Magnet-to-torrent resolutions, by mirror outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.SearchesTotal, m.SearchErrorsTotal,
		m.CacheHitsTotal, m.CacheMissesTotal,
		m.DispatchesTotal, m.FulfillRunsTotal, m.FulfillRunDuration,
		m.NotificationsSent, m.TorrentResolvedFrom,
	)
	return m
}

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes the registry on its own listener, kept off the API port.
type Server struct {
	manager *Manager
	host    string
	port    int
}

func NewServer(manager *Manager, host string, port int) *Server {
	return &Server{manager: manager, host: host, port: port}
}

func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.manager.Handler())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
