package offlineworker

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-worker/cache"
	hostrules "github.com/always-cache/offline-worker/pkg/host-rules"
	"github.com/always-cache/offline-worker/queue"
)

const (
	DefaultSyncTag     = "sync-forms"
	DefaultOfflinePage = "/offline.html"
)

var (
	DefaultFontHosts = hostrules.Hosts(
		"fonts.googleapis.com",
		"fonts.gstatic.com",
	)
	DefaultTelemetryHosts = hostrules.Hosts(
		"www.google-analytics.com",
		"*.google-analytics.com",
		"www.googletagmanager.com",
		"stats.g.doubleclick.net",
	)
)

// Config is everything one worker version needs.
// Nothing is read from package state, so tests can inject any version and manifest.
type Config struct {
	// Name prefix of every cache generation this worker owns.
	App string
	// Version of the worker. Bumping it is the only way to invalidate old generations.
	Version string
	// Origin of the site, e.g. `https://www.example.com`.
	Origin string
	// Paths fetched and cached at install time. All of them must succeed.
	Manifest []string
	// Document served to navigations that fail while offline, if it is cached.
	OfflinePage string
	// Hosts served stale-while-revalidate.
	FontHosts hostrules.Rules
	// Hosts whose requests are never cached and never fail.
	TelemetryHosts hostrules.Rules
	// Upper bound of every network fetch. Zero means no bound.
	FetchTimeout time.Duration
	// Tag of the background sync that replays queued submissions.
	SyncTag string
	// Storage for cache generations. Shared by all versions of the worker.
	Storage cache.Storage
	// Outbox of submissions replayed on sync. Optional.
	Queue queue.Queue
	// Network used for all fetches. An HTTPFetcher is used if nil.
	Network Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Optional.
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.App == "" {
		return fmt.Errorf("app name is required")
	}
	c.Version = strings.TrimPrefix(strings.TrimSpace(c.Version), "v")
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative")
	}
	if c.OfflinePage == "" {
		c.OfflinePage = DefaultOfflinePage
	}
	if c.FontHosts == nil {
		c.FontHosts = DefaultFontHosts
	}
	if c.TelemetryHosts == nil {
		c.TelemetryHosts = DefaultTelemetryHosts
	}
	if c.SyncTag == "" {
		c.SyncTag = DefaultSyncTag
	}
	if c.Network == nil {
		c.Network = NewHTTPFetcher(nil)
	}
	return nil
}
