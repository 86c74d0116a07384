// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/mediahunt/internal/api"
	"github.com/autobrr/mediahunt/internal/buildinfo"
	"github.com/autobrr/mediahunt/internal/config"
	"github.com/autobrr/mediahunt/internal/database"
	"github.com/autobrr/mediahunt/internal/downloader"
	"github.com/autobrr/mediahunt/internal/indexcache"
	"github.com/autobrr/mediahunt/internal/magnet"
	"github.com/autobrr/mediahunt/internal/metrics"
	"github.com/autobrr/mediahunt/internal/models"
	"github.com/autobrr/mediahunt/internal/notification"
	"github.com/autobrr/mediahunt/internal/ranking"
	"github.com/autobrr/mediahunt/internal/services/fulfill"
	"github.com/autobrr/mediahunt/internal/services/scheduler"
	"github.com/autobrr/mediahunt/internal/services/search"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "mediahunt",
		Short: "Resource discovery and download orchestration for movies and TV",
		Long: `mediahunt - finds movie and TV releases across configured sources,
ranks them against a configurable policy and hands the winners to a
download client.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/mediahunt/ or %APPDATA%\\mediahunt\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and index cache (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mediahunt",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/mediahunt/config.toml
- Windows: %APPDATA%\mediahunt\config.toml

You can specify either a directory path or a direct file path:
- Directory: mediahunt generate-config --config-dir /path/to/config/
- File: mediahunt generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("MEDIAHUNT__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("MEDIAHUNT__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting mediahunt")

	// Initialize database
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize stores
	subscriptionStore := models.NewSubscriptionStore(db)
	runStore := models.NewRunStore(db)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager()
	}

	// Ranking policy is validated once; a broken policy is a config error
	policy, err := ranking.NewPolicy(cfg.Config.Ranking)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid ranking configuration")
	}

	freshness := time.Duration(cfg.Config.Search.FreshnessMinutes) * time.Minute
	cache, err := indexcache.New(cfg.GetIndexDir(), freshness)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize index cache")
	}
	defer cache.Close()

	searchService := search.NewService(cache, policy, cfg.Config.Search, metricsManager)

	// Initialize download backend; configuration is validated here, the
	// first network call happens lazily
	backend, err := downloader.NewBackend(cfg.Config.Downloader)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid downloader configuration")
	}

	resolver := magnet.NewResolver(buildinfo.UserAgent)
	notifier := notification.New(cfg.Config.Notification)

	fulfillService := fulfill.NewService(
		searchService,
		subscriptionStore,
		runStore,
		backend,
		resolver,
		policy,
		notifier,
		metricsManager,
	)

	sched := scheduler.New(fulfillService, cfg.Config.Scheduler)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer func() {
		schedulerCancel()
		sched.Stop()
	}()

	// Start server in goroutine
	httpServer := api.NewServer(&api.Dependencies{
		Config:            cfg,
		Version:           buildinfo.Version,
		SearchService:     searchService,
		FulfillService:    fulfillService,
		SubscriptionStore: subscriptionStore,
		RunStore:          runStore,
		Backend:           backend,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
		if cfg.Config.Scheduler.Enabled {
			sched.Start(schedulerCtx)
		}
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		// Start metrics server on separate port
		go func() {
			metricsServer := metrics.NewServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Start profiling server if enabled
	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
