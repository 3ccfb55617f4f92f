// Package ringside provides an offline-first cache, prefetch, and
// synchronization engine for trial-day clients at dog-sport events.
//
// Ringside keeps a durable local replica of the tables a scoring or
// spectator app needs (classes, entries, results), serves every read from
// that replica or from an in-memory TTL cache, and treats the network as an
// optimization: stale data is returned synchronously while a background
// revalidation runs, remote pushes are reconciled into the cache as they
// arrive, and a venue with no signal degrades the app instead of breaking it.
//
// # Basic Usage
//
// Open a client with default configuration:
//
//	c, err := ringside.Open("trial.db", ringside.DefaultConfig("trial.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
// Declare a stale-while-revalidate resource and read it:
//
//	classes := ringside.NewResource(c, ringside.CacheKey("classes", trialID),
//	    func(ctx context.Context) ([]ringside.Row, error) {
//	        rs, err := c.Replicas(ctx)
//	        if err != nil {
//	            return nil, err
//	        }
//	        return rs.Rows(ctx, "classes")
//	    }, ringside.ResourceOptions{TTL: time.Minute})
//	snap := classes.Get() // cached data immediately, even if stale
//
// Synchronize every registered table, tolerating per-table failure:
//
//	rs, _ := c.Replicas(ctx)
//	report, err := rs.SyncAll(ctx, ringside.SyncParams{LicenseID: "akc-4417"})
//
// # Features
//
// Caching & Reads:
//   - In-memory TTL cache with LRU bounding and at-most-one in-flight
//     fetch per key (shared dedupe for reads and prefetches)
//   - Stale-while-revalidate resources with refetch on start, focus,
//     and reconnect, plus manual refresh
//   - Monotonic apply ordering so stale fetches never clobber newer data
//
// Replication:
//   - One local table per entity type with per-table sync state
//   - Partial-failure sync reports in table registration order
//   - Bounded sync that keeps running in the background on timeout
//   - Offline-first read path backed by SQLite, file, or memory storage
//
// Realtime:
//   - WebSocket change feed with automatic reconnect
//   - Optimistic in-place patches for confident update events
//   - Trailing debounce that coalesces event bursts into one revalidation
//
// Durability & Ops:
//   - Snapshot backups with snappy compression and optional AES-256-GCM
//     encryption, locally or to S3-compatible object storage
//   - Declarative YAML sync manifest
//   - Retry with exponential backoff and a circuit breaker on remote calls
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := ringside.Config{
//	    Path: "trial.db",
//	    Sync: ringside.SyncConfig{
//	        Timeout: 20 * time.Second,
//	    },
//	    Realtime: ringside.RealtimeConfig{
//	        Debounce: 1500 * time.Millisecond,
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults.
package ringside
