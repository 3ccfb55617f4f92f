package ringside

import (
	"log/slog"
	"time"
)

// Config defines client configuration.
type Config struct {
	// Path is the file path for the local SQLite database.
	// Empty runs the client fully in memory.
	Path string

	// LicenseID scopes sync pulls and favorites to one license.
	LicenseID string

	// ManifestPath, when set, loads a YAML manifest on open and folds it
	// into this config: tables, TTLs, prefetch priorities, realtime flags.
	ManifestPath string

	// TableTTLs overrides the cache freshness window per table.
	TableTTLs map[string]time.Duration

	// PrefetchPriorities schedules warm-up fetches on open, keyed by table.
	PrefetchPriorities map[string]int

	// Cache configures the entry cache.
	Cache EntryCacheConfig

	// Sync configures replica synchronization.
	Sync SyncConfig

	// Prefetch configures the prefetch scheduler.
	Prefetch PrefetchConfig

	// Realtime configures the realtime reconciler.
	Realtime RealtimeConfig

	// Remote configures the HTTP remote source.
	// Ignored when RemoteSource is set.
	Remote HTTPSourceConfig

	// Feed configures the websocket event feed.
	// Ignored when EventSource is set or Feed.URL is empty.
	Feed WSFeedConfig

	// Crypto configures encryption of snapshot blobs and backups.
	Crypto CryptoConfig

	// Backup configures replica backups. A nil Target disables backups.
	Backup BackupConfig

	// RemoteSource overrides the HTTP remote source, mainly for tests.
	RemoteSource RemoteSource

	// EventSource overrides the websocket feed, mainly for tests.
	EventSource EventSource

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger
}

// SyncConfig groups replica synchronization settings.
type SyncConfig struct {
	// Tables are registered on the replica set in order; syncs run and
	// report in this order.
	Tables []string

	// Timeout bounds the foreground wait of SyncAll; the run continues in
	// the background when it elapses.
	// Default: 30 seconds.
	Timeout time.Duration

	// Interval is how often auto-sync runs.
	// Default: 5 minutes.
	Interval time.Duration

	// AutoSync runs SyncAll on the interval and after reconnects.
	AutoSync bool
}

// RealtimeConfig groups realtime reconciliation settings.
type RealtimeConfig struct {
	// Enabled starts the reconciler when the client opens.
	Enabled bool

	// Tables to watch. Defaults to Sync.Tables.
	Tables []string

	// Debounce is the quiet window before a change burst triggers one full
	// revalidation.
	// Default: 1.5 seconds, clamped to 1-2 seconds.
	Debounce time.Duration
}

// DefaultConfig returns a Config with sensible defaults for a client
// persisting to path.
func DefaultConfig(path string) Config {
	return Config{
		Path:  path,
		Cache: DefaultEntryCacheConfig(),
		Sync: SyncConfig{
			Timeout:  defaultSyncTimeout,
			Interval: 5 * time.Minute,
		},
		Prefetch: DefaultPrefetchConfig(),
		Realtime: RealtimeConfig{
			Debounce: defaultDebounce,
		},
	}
}

// normalize clamps zero values to their defaults. Component constructors
// normalize their own configs; this covers only what Open consumes directly.
func (c *Config) normalize() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = defaultSyncTimeout
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if len(c.Realtime.Tables) == 0 {
		c.Realtime.Tables = append([]string(nil), c.Sync.Tables...)
	}
}
