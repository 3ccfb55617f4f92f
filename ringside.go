package ringside

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Client is the device-side data layer: an entry cache with resource views,
// offline-first table replicas, a prefetch scheduler, and an optional
// realtime reconciler, all over one local store and one remote source.
//
// A Client is safe for concurrent use. Close stops background work and
// releases the local store.
type Client struct {
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cache     *EntryCache
	signals   *SignalHub
	resources *resourceRegistry
	remote    RemoteSource
	feed      EventSource
	wsFeed    *WSFeed // set when the client owns the feed connection
	prefetch  *Prefetcher
	recon     *Reconciler
	enc       *Encryptor

	blobs BlobStore
	kv    KVStore
	rows  RowStore

	mu      sync.Mutex
	closed  bool
	cancels []func()

	// The replica set is built on first use so opening a client stays cheap
	// even when persisted tables are large.
	replicaMu   sync.Mutex
	replicaInit chan struct{}
	replicas    *ReplicaSet
	replicaErr  error

	backupMu sync.Mutex
	backup   *BackupManager

	favMu sync.Mutex
	favs  map[string]*Favorites
}

// Open opens a client. path is the local SQLite database file; when both
// path and cfg.Path are empty the client runs fully in memory. Persisted
// replica tables are restored lazily by the first Replicas call.
func Open(path string, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = path
	}
	if cfg.ManifestPath != "" {
		manifest, err := LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		manifest.apply(&cfg)
	}
	cfg.normalize()

	enc, err := NewEncryptor(cfg.Crypto)
	if err != nil {
		return nil, err
	}

	var (
		blobs BlobStore
		kv    KVStore
		rows  RowStore
	)
	if cfg.Path != "" {
		store, err := NewSQLiteStore(DefaultSQLiteStoreConfig(cfg.Path))
		if err != nil {
			return nil, err
		}
		blobs, kv, rows = store, store, store
	} else {
		store := NewMemoryStore()
		blobs, kv, rows = store, store, store
	}

	remote := cfg.RemoteSource
	if remote == nil && cfg.Remote.BaseURL != "" {
		src, err := NewHTTPSource(cfg.Remote)
		if err != nil {
			_ = blobs.Close()
			return nil, err
		}
		remote = src
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		enc:    enc,
		blobs:  blobs,
		kv:     kv,
		rows:   rows,
		remote: remote,
		favs:   make(map[string]*Favorites),
	}
	c.signals = NewSignalHub(c.logger)
	c.cache = NewEntryCache(cfg.Cache)
	c.resources = newResourceRegistry()
	c.prefetch = NewPrefetcher(cfg.Prefetch, c.cache, c.logger)

	c.feed = cfg.EventSource
	if c.feed == nil && cfg.Feed.URL != "" {
		feedCfg := cfg.Feed
		feedCfg.Signals = c.signals
		feedCfg.Logger = c.logger
		wf, err := NewWSFeed(feedCfg)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.feed = wf
		c.wsFeed = wf
	}

	if cfg.Realtime.Enabled {
		if c.feed == nil {
			_ = c.Close()
			return nil, errors.New("realtime requires an event source or a feed URL")
		}
		rs, err := c.Replicas(ctx)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		recon, err := NewReconciler(ReconcilerConfig{
			Tables:     cfg.Realtime.Tables,
			Debounce:   cfg.Realtime.Debounce,
			Source:     c.feed,
			Cache:      c.cache,
			Replicas:   rs,
			Revalidate: func(table string) { c.resources.refetchTable(table) },
			Logger:     c.logger,
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := recon.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		c.recon = recon
	}

	if cfg.Sync.AutoSync {
		c.wg.Add(1)
		go c.autoSyncLoop()
		c.cancels = append(c.cancels, c.signals.OnOnline(func() {
			c.spawn(func() { c.autoSync("reconnect") })
		}))
	}

	for table, priority := range cfg.PrefetchPriorities {
		c.prefetchTable(table, priority)
	}

	c.logger.Info("client opened",
		"path", cfg.Path,
		"tables", len(cfg.Sync.Tables),
		"auto_sync", cfg.Sync.AutoSync,
		"realtime", cfg.Realtime.Enabled)
	return c, nil
}

// Close stops background work, closes the feed and replica set, and closes
// the local store. Calls after the first return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	c.cancel()
	for _, cancel := range cancels {
		cancel()
	}

	if c.recon != nil {
		c.recon.Close()
	}
	if c.wsFeed != nil {
		c.wsFeed.Close()
	}
	if c.prefetch != nil {
		c.prefetch.Close()
	}
	c.wg.Wait()

	c.replicaMu.Lock()
	rs := c.replicas
	c.replicaMu.Unlock()
	if rs != nil {
		rs.Close()
	}

	// blobs, kv and rows share one store; closing it once is enough.
	err := c.blobs.Close()
	c.logger.Info("client closed")
	return err
}

// spawn runs fn on a tracked goroutine unless the client is closing.
func (c *Client) spawn(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Replicas returns the replica set, building it and restoring persisted
// tables on the first call. Concurrent first callers share a single build;
// the outcome is memoized, success or failure.
func (c *Client) Replicas(ctx context.Context) (*ReplicaSet, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c.replicaMu.Lock()
	if c.replicaInit == nil {
		c.replicaInit = make(chan struct{})
		go c.buildReplicas()
	}
	ready := c.replicaInit
	c.replicaMu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}

	c.replicaMu.Lock()
	defer c.replicaMu.Unlock()
	return c.replicas, c.replicaErr
}

func (c *Client) buildReplicas() {
	rs, err := NewReplicaSet(ReplicaSetConfig{
		LicenseID:     c.config.LicenseID,
		Tables:        c.config.Sync.Tables,
		Timeout:       c.config.Sync.Timeout,
		Remote:        c.remote,
		RowStore:      c.rows,
		Blobs:         c.blobs,
		KV:            c.kv,
		Signals:       c.signals,
		Encryptor:     c.enc,
		OnTableSynced: func(table string) { c.resources.refetchTable(table) },
		Logger:        c.logger,
	})
	if err == nil {
		if loadErr := rs.loadPersisted(c.ctx); loadErr != nil {
			rs.Close()
			rs, err = nil, loadErr
		}
	}

	c.replicaMu.Lock()
	c.replicas, c.replicaErr = rs, err
	close(c.replicaInit)
	c.replicaMu.Unlock()
}

// SyncAll pulls every registered table. An empty params.LicenseID falls back
// to the client's configured license. See ReplicaSet.SyncAll for report and
// timeout semantics.
func (c *Client) SyncAll(ctx context.Context, params SyncParams) (*SyncReport, error) {
	rs, err := c.Replicas(ctx)
	if err != nil {
		return nil, err
	}
	if params.LicenseID == "" {
		params.LicenseID = c.config.LicenseID
	}
	return rs.SyncAll(ctx, params)
}

// TableRows declares a resource over a replica table's rows, keyed by table
// with the table's configured TTL. Each call builds a fresh resource; the
// caller owns its Close.
func (c *Client) TableRows(table string) *Resource[[]Row] {
	return NewResource(c, CacheKey(table, "rows"), func(ctx context.Context) ([]Row, error) {
		rs, err := c.Replicas(ctx)
		if err != nil {
			return nil, err
		}
		return rs.Rows(ctx, table)
	}, ResourceOptions{TTL: c.tableTTL(table), Name: table})
}

// Prefetch queues a warm-up fetch of a table's rows at the given priority.
func (c *Client) Prefetch(table string, priority int) error {
	return c.prefetch.Schedule(PrefetchTask{
		Key:      CacheKey(table, "rows"),
		TTL:      c.tableTTL(table),
		Priority: priority,
		Fetch: func(ctx context.Context) (any, error) {
			rs, err := c.Replicas(ctx)
			if err != nil {
				return nil, err
			}
			return rs.Rows(ctx, table)
		},
	})
}

func (c *Client) prefetchTable(table string, priority int) {
	if err := c.Prefetch(table, priority); err != nil {
		c.logger.Warn("prefetch not scheduled", "table", table, "err", err)
	}
}

func (c *Client) tableTTL(table string) time.Duration {
	if ttl, ok := c.config.TableTTLs[table]; ok && ttl > 0 {
		return ttl
	}
	return 0 // entry cache applies its default
}

// Favorites returns the favorites set scoped to a license and trial,
// creating the handle on first use. An empty licenseID falls back to the
// client's configured license.
func (c *Client) Favorites(licenseID, trialID string) *Favorites {
	if licenseID == "" {
		licenseID = c.config.LicenseID
	}
	key := favoritesKey(licenseID, trialID)

	c.favMu.Lock()
	defer c.favMu.Unlock()
	f, ok := c.favs[key]
	if !ok {
		f = NewFavorites(c.kv, licenseID, trialID, c.logger)
		c.favs[key] = f
	}
	return f
}

// Backups returns the backup manager, building it on first call. Backups
// require Backup.Target in the config and force the replica set to load.
func (c *Client) Backups(ctx context.Context) (*BackupManager, error) {
	if c.config.Backup.Target == nil {
		return nil, errors.New("backups are not configured")
	}

	c.backupMu.Lock()
	defer c.backupMu.Unlock()
	if c.backup != nil {
		return c.backup, nil
	}

	rs, err := c.Replicas(ctx)
	if err != nil {
		return nil, err
	}
	bm, err := NewBackupManager(c.config.Backup, rs, c.kv, c.enc, c.logger)
	if err != nil {
		return nil, err
	}
	c.backup = bm
	return bm, nil
}

// Cache returns the entry cache.
func (c *Client) Cache() *EntryCache {
	return c.cache
}

// Signals returns the connectivity and focus hub. Host applications call
// its Notify methods from platform lifecycle hooks.
func (c *Client) Signals() *SignalHub {
	return c.signals
}

// Prefetcher returns the prefetch scheduler.
func (c *Client) Prefetcher() *Prefetcher {
	return c.prefetch
}

// Feed returns the realtime event source, or nil when none is configured.
func (c *Client) Feed() EventSource {
	return c.feed
}

func (c *Client) autoSyncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.autoSync("interval")
		}
	}
}

// autoSync runs one SyncAll pass, tolerating overlap and offline periods.
func (c *Client) autoSync(reason string) {
	if !c.signals.Online() {
		return
	}
	rs, err := c.Replicas(c.ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			c.logger.Warn("auto sync unavailable", "reason", reason, "err", err)
		}
		return
	}

	report, err := rs.SyncAll(c.ctx, SyncParams{LicenseID: c.config.LicenseID})
	var partial *PartialSyncError
	switch {
	case err == nil:
		c.logger.Debug("auto sync complete", "reason", reason, "tables", len(report.Results))
	case errors.Is(err, ErrSyncRunning):
	case errors.Is(err, ErrSyncTimeout):
		c.logger.Info("sync continuing in background", "reason", reason)
	case errors.As(err, &partial):
		c.logger.Warn("auto sync finished with failures",
			"reason", reason, "failed", len(partial.Failed))
	default:
		c.logger.Warn("auto sync failed", "reason", reason, "err", err)
	}
}

// ClientStats aggregates per-component statistics.
type ClientStats struct {
	Cache    EntryCacheStats      `json:"cache"`
	Prefetch PrefetchStats        `json:"prefetch"`
	Realtime *ReconcilerStats     `json:"realtime,omitempty"`
	Feed     *FeedStats           `json:"feed,omitempty"`
	Tables   map[string]SyncState `json:"tables,omitempty"`
	LastSync *SyncReport          `json:"last_sync,omitempty"`
}

// Stats returns a point-in-time snapshot across all components. Replica
// fields stay empty until the replica set has been built.
func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		Cache:    c.cache.Stats(),
		Prefetch: c.prefetch.Stats(),
	}
	if c.recon != nil {
		s := c.recon.Stats()
		stats.Realtime = &s
	}
	if c.wsFeed != nil {
		s := c.wsFeed.Stats()
		stats.Feed = &s
	}

	c.replicaMu.Lock()
	rs := c.replicas
	c.replicaMu.Unlock()
	if rs != nil {
		stats.Tables = rs.States()
		stats.LastSync = rs.LastReport()
	}
	return stats
}
