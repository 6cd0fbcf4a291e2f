package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	offlineworker "github.com/always-cache/offline-worker"
	hostrules "github.com/always-cache/offline-worker/pkg/host-rules"
	"github.com/always-cache/offline-worker/push"
)

type Config struct {
	App     string `yaml:"app"`
	Version string `yaml:"version"`
	// Public origin of the site, used for cache keys.
	Origin string `yaml:"origin"`
	// Server answering same-origin requests. Defaults to the origin itself.
	Upstream string `yaml:"upstream"`
	// Directory served as the site instead of an upstream.
	StaticDir      string          `yaml:"staticDir"`
	Manifest       []string        `yaml:"manifest"`
	OfflinePage    string          `yaml:"offlinePage"`
	FontHosts      hostrules.Rules `yaml:"fontHosts"`
	TelemetryHosts hostrules.Rules `yaml:"telemetryHosts"`
	FetchTimeout   string          `yaml:"fetchTimeout"`
	SyncTag        string          `yaml:"syncTag"`
	SyncInterval   string          `yaml:"syncInterval"`
	Push           push.Options    `yaml:"push"`
}

// EnvOverrides are read from the environment and win over the config file.
type EnvOverrides struct {
	App          string `env:"OFFLINE_WORKER_APP"`
	Version      string `env:"OFFLINE_WORKER_VERSION"`
	Origin       string `env:"OFFLINE_WORKER_ORIGIN"`
	Upstream     string `env:"OFFLINE_WORKER_UPSTREAM"`
	StaticDir    string `env:"OFFLINE_WORKER_STATIC_DIR"`
	FetchTimeout string `env:"OFFLINE_WORKER_FETCH_TIMEOUT"`
	SyncInterval string `env:"OFFLINE_WORKER_SYNC_INTERVAL"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}

	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	override(&config.App, overrides.App)
	override(&config.Version, overrides.Version)
	override(&config.Origin, overrides.Origin)
	override(&config.Upstream, overrides.Upstream)
	override(&config.StaticDir, overrides.StaticDir)
	override(&config.FetchTimeout, overrides.FetchTimeout)
	override(&config.SyncInterval, overrides.SyncInterval)

	if config.App == "" {
		config.App = "offline-worker"
	}
	if config.Push.Title == "" {
		config.Push.Title = config.App
	}
	if config.Push.DefaultBody == "" {
		config.Push.DefaultBody = "New update from " + config.Push.Title
	}
	if config.Push.Vibrate == nil {
		config.Push.Vibrate = []int{200, 100, 200}
	}
	return config, nil
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// workerConfig creates the config of one worker version.
// Storage, network and the ambient parts are added by the caller.
func (c Config) workerConfig() (offlineworker.Config, error) {
	timeout, err := parseDuration(c.FetchTimeout)
	if err != nil {
		return offlineworker.Config{}, fmt.Errorf("fetchTimeout: %w", err)
	}
	return offlineworker.Config{
		App:            c.App,
		Version:        c.Version,
		Origin:         c.Origin,
		Manifest:       c.Manifest,
		OfflinePage:    c.OfflinePage,
		FontHosts:      c.FontHosts,
		TelemetryHosts: c.TelemetryHosts,
		FetchTimeout:   timeout,
		SyncTag:        c.SyncTag,
	}, nil
}
