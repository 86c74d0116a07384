// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the application configuration, populated from the TOML config
// file with environment variable overrides.
type Config struct {
	Version string `mapstructure:"-"`

	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	BaseURL       string `mapstructure:"baseUrl"`
	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	DataDir       string `mapstructure:"dataDir"`
	PprofEnabled  bool   `mapstructure:"pprofEnabled"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	Search       SearchConfig       `mapstructure:"search"`
	Ranking      RankingConfig      `mapstructure:"ranking"`
	Downloader   DownloaderConfig   `mapstructure:"downloader"`
	Notification NotificationConfig `mapstructure:"notification"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// SearchConfig controls the query fan-out and index cache.
type SearchConfig struct {
	Workers          int `mapstructure:"workers"`
	TimeoutSeconds   int `mapstructure:"timeoutSeconds"`
	FreshnessMinutes int `mapstructure:"freshnessMinutes"`
}

// RankingConfig is the raw, file-level form of the ranking policy. It is
// validated and frozen into a ranking.Policy once per orchestrator run.
type RankingConfig struct {
	Sources             []string `mapstructure:"sources"`
	PreferredResolution string   `mapstructure:"preferredResolution"`
	FallbackResolution  string   `mapstructure:"fallbackResolution"`
	ExcludeKeywords     []string `mapstructure:"excludeKeywords"`
	PreferKeywords      []string `mapstructure:"preferKeywords"`
	FilterExpr          string   `mapstructure:"filterExpr"`
}

// DownloaderConfig selects and configures the active download backend.
// Required fields differ per kind and are validated by the downloader
// package before any network call.
type DownloaderConfig struct {
	Kind      string `mapstructure:"kind"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	UseHTTPS  bool   `mapstructure:"useHttps"`
	BasicUser string `mapstructure:"basicUser"`
	BasicPass string `mapstructure:"basicPass"`

	// Xunlei remote-device backend only.
	Device        string `mapstructure:"device"`
	MinFileSizeMB int    `mapstructure:"minFileSizeMb"`
}

// NotificationConfig configures the Bark push hook fired after a
// successful dispatch.
type NotificationConfig struct {
	BarkEnabled   bool   `mapstructure:"barkEnabled"`
	BarkServerURL string `mapstructure:"barkServerUrl"`
	BarkDeviceKey string `mapstructure:"barkDeviceKey"`
}

// SchedulerConfig controls the periodic refresh-and-fulfill loop.
type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"intervalMinutes"`
}
