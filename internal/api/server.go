// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mediahunt/internal/api/handlers"
	"github.com/autobrr/mediahunt/internal/config"
	"github.com/autobrr/mediahunt/internal/downloader"
	"github.com/autobrr/mediahunt/internal/models"
	"github.com/autobrr/mediahunt/internal/services/fulfill"
	"github.com/autobrr/mediahunt/internal/services/search"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	searchService     *search.Service
	fulfillService    *fulfill.Service
	subscriptionStore *models.SubscriptionStore
	runStore          *models.RunStore
	backend           downloader.Backend
}

type Dependencies struct {
	Config            *config.AppConfig
	Version           string
	SearchService     *search.Service
	FulfillService    *fulfill.Service
	SubscriptionStore *models.SubscriptionStore
	RunStore          *models.RunStore
	Backend           downloader.Backend
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:            log.Logger.With().Str("module", "api").Logger(),
		config:            deps.Config,
		version:           deps.Version,
		searchService:     deps.SearchService,
		fulfillService:    deps.FulfillService,
		subscriptionStore: deps.SubscriptionStore,
		runStore:          deps.RunStore,
		backend:           deps.Backend,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}
	clickableURL := fmt.Sprintf("http://%s%s", host, s.config.Config.BaseURL)

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: %s", clickableURL)

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	searchHandler := handlers.NewSearchHandler(s.searchService)
	subscriptionsHandler := handlers.NewSubscriptionsHandler(s.subscriptionStore)
	fulfillHandler := handlers.NewFulfillHandler(s.fulfillService, s.runStore)
	downloaderHandler := handlers.NewDownloaderHandler(s.backend)

	baseURL := strings.TrimSuffix(s.config.Config.BaseURL, "/")
	if baseURL == "" {
		s.mountRoutes(r, searchHandler, subscriptionsHandler, fulfillHandler, downloaderHandler)
	} else {
		r.Route(baseURL, func(r chi.Router) {
			s.mountRoutes(r, searchHandler, subscriptionsHandler, fulfillHandler, downloaderHandler)
		})
	}

	return r, nil
}

func (s *Server) mountRoutes(
	r chi.Router,
	searchHandler *handlers.SearchHandler,
	subscriptionsHandler *handlers.SubscriptionsHandler,
	fulfillHandler *handlers.FulfillHandler,
	downloaderHandler *handlers.DownloaderHandler,
) {
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		searchHandler.Routes(r)
		subscriptionsHandler.Routes(r)
		fulfillHandler.Routes(r)
		downloaderHandler.Routes(r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, s.version)
}
