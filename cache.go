package ringside

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// EntryCacheConfig configures the in-memory entry cache.
type EntryCacheConfig struct {
	// MaxEntries bounds the cache; least-recently-used entries are evicted.
	// Default: 4096
	MaxEntries int `json:"max_entries"`

	// DefaultTTL applies to writes that do not carry their own TTL.
	// Default: 60s
	DefaultTTL time.Duration `json:"default_ttl"`

	// MaxStaleAge is how long past expiry an entry may linger before write
	// paths discard it. Reads never drop entries: stale data is still data.
	// Default: 1h
	MaxStaleAge time.Duration `json:"max_stale_age"`
}

// DefaultEntryCacheConfig returns sensible defaults.
func DefaultEntryCacheConfig() EntryCacheConfig {
	return EntryCacheConfig{
		MaxEntries:  4096,
		DefaultTTL:  60 * time.Second,
		MaxStaleAge: time.Hour,
	}
}

// Value is a cache read together with its staleness metadata.
type Value struct {
	Data      any
	FetchedAt time.Time
	ExpiresAt time.Time
	// Stale is true once the entry has outlived its TTL. Stale values are
	// still returned; consumers decide whether to revalidate.
	Stale bool
}

// EntryCacheStats contains cache statistics.
type EntryCacheStats struct {
	Entries     int     `json:"entries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Invalidated int64   `json:"invalidated"`
	Patches     int64   `json:"patches"`
	Discarded   int64   `json:"discarded"`
	InFlight    int64   `json:"in_flight"`
}

type cacheEntry struct {
	key         string
	table       string
	data        any
	fetchedAt   time.Time
	expiresAt   time.Time
	seq         uint64
	accessCount int64
	lastAccess  time.Time
	// patched records realtime patch times per "rowID\x00field" so a fetch
	// that was already in flight when a patch landed does not regress it.
	patched map[string]time.Time
}

// EntryCache is a TTL cache with at-most-one in-flight fetch per key.
// Expired entries are returned to readers flagged stale rather than dropped,
// and all mutation goes through Set, GetOrFetch, Patch, and the invalidation
// methods; nothing a caller receives aliases cache-owned state.
type EntryCache struct {
	config EntryCacheConfig

	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	accessOrder []string // for LRU eviction
	tableIndex  map[string]map[string]bool
	watchers    map[string]map[int64]func()

	group    singleflight.Group
	seq      atomic.Uint64
	watchSeq atomic.Int64

	hitCount     atomic.Int64
	missCount    atomic.Int64
	evictCount   atomic.Int64
	invalidCount atomic.Int64
	patchCount   atomic.Int64
	discardCount atomic.Int64
	inFlight     atomic.Int64
}

// NewEntryCache creates a new entry cache.
func NewEntryCache(cfg EntryCacheConfig) *EntryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.MaxStaleAge <= 0 {
		cfg.MaxStaleAge = time.Hour
	}
	return &EntryCache{
		config:     cfg,
		entries:    make(map[string]*cacheEntry),
		tableIndex: make(map[string]map[string]bool),
		watchers:   make(map[string]map[int64]func()),
	}
}

// Get returns the cached data for key. Data is returned even when the entry
// has expired; use Lookup when the staleness flag matters.
func (ec *EntryCache) Get(key string) (any, bool) {
	v, ok := ec.Lookup(key)
	if !ok {
		return nil, false
	}
	return v.Data, true
}

// Lookup returns the cached value with staleness metadata. An expired entry
// is a hit with Stale set, not a miss.
func (ec *EntryCache) Lookup(key string) (Value, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	entry, ok := ec.entries[key]
	if !ok {
		ec.missCount.Add(1)
		return Value{}, false
	}

	now := time.Now()
	entry.accessCount++
	entry.lastAccess = now
	ec.promoteLocked(key)
	ec.hitCount.Add(1)

	return Value{
		Data:      entry.data,
		FetchedAt: entry.fetchedAt,
		ExpiresAt: entry.expiresAt,
		Stale:     now.After(entry.expiresAt),
	}, true
}

// Fresh reports whether key is cached and within its TTL.
func (ec *EntryCache) Fresh(key string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	entry, ok := ec.entries[key]
	return ok && time.Now().Before(entry.expiresAt)
}

// Set stores data under key with the given TTL (zero means the default).
// Set is a full write: it supersedes earlier fetches and patch records.
func (ec *EntryCache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ec.config.DefaultTTL
	}
	seq := ec.seq.Add(1)

	ec.mu.Lock()
	ec.storeLocked(key, data, ttl, seq, time.Now(), nil)
	fns := ec.watcherFnsLocked(key)
	ec.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// GetOrFetch returns fresh cached data for key, or runs fetch to produce it.
// Concurrent callers for the same key share a single in-flight fetch and all
// receive the same result; a failed fetch is returned to every waiter and
// leaves nothing behind, so the next call starts clean. The fetch runs with
// the initiating caller's context; if that caller cancels mid-flight the
// whole flight fails with its context error and nothing is written.
func (ec *EntryCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := ec.Lookup(key); ok && !v.Stale {
		return v.Data, nil
	}
	return ec.Refetch(ctx, key, ttl, fetch)
}

// Refetch runs fetch regardless of freshness, joining any flight already in
// progress for key. Manual refresh and realtime revalidation use it to
// bypass the TTL shortcut.
func (ec *EntryCache) Refetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if ttl <= 0 {
		ttl = ec.config.DefaultTTL
	}

	data, err, _ := ec.group.Do(key, func() (any, error) {
		ec.inFlight.Add(1)
		defer ec.inFlight.Add(-1)

		startSeq := ec.seq.Load()
		startedAt := time.Now()

		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return ec.applyFetch(key, data, ttl, startSeq, startedAt), nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// applyFetch stores a completed fetch while honoring apply ordering: a full
// write that landed after the fetch started wins outright, and fields
// patched after the fetch started are re-applied over the fetched payload.
func (ec *EntryCache) applyFetch(key string, data any, ttl time.Duration, startSeq uint64, startedAt time.Time) any {
	seq := ec.seq.Add(1)

	ec.mu.Lock()

	if entry, ok := ec.entries[key]; ok && entry.seq > startSeq {
		ec.discardCount.Add(1)
		ec.mu.Unlock()
		return entry.data
	}

	var carried map[string]time.Time
	if entry, ok := ec.entries[key]; ok && len(entry.patched) > 0 {
		data = overlayPatchedFields(data, entry.data, entry.patched, startedAt)
		carried = make(map[string]time.Time)
		for pk, t := range entry.patched {
			if t.After(startedAt) {
				carried[pk] = t
			}
		}
		if len(carried) == 0 {
			carried = nil
		}
	}

	ec.storeLocked(key, data, ttl, seq, time.Now(), carried)
	fns := ec.watcherFnsLocked(key)
	ec.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return data
}

// Patch applies a field-level update to the row with rowID inside every
// cached entry scoped to table. Entries holding a Row, *Row, or []Row are
// patched copy-on-write; anything else is left alone (the caller falls back
// to revalidation). Returns the number of entries patched.
func (ec *EntryCache) Patch(table, rowID string, fields map[string]any, at time.Time) int {
	if len(fields) == 0 || rowID == "" {
		return 0
	}
	atMilli := at.UnixMilli()

	ec.mu.Lock()
	var notify []func()
	patched := 0
	for key := range ec.tableIndex[table] {
		entry := ec.entries[key]
		if entry == nil {
			continue
		}
		next, ok := patchData(entry.data, rowID, fields, atMilli)
		if !ok {
			continue
		}
		entry.data = next
		if entry.patched == nil {
			entry.patched = make(map[string]time.Time, len(fields))
		}
		for f := range fields {
			entry.patched[rowID+patchKeySep+f] = at
		}
		patched++
		notify = append(notify, ec.watcherFnsLocked(key)...)
	}
	ec.mu.Unlock()

	if patched > 0 {
		ec.patchCount.Add(int64(patched))
	}
	for _, fn := range notify {
		fn()
	}
	return patched
}

// Invalidate removes a single key.
func (ec *EntryCache) Invalidate(key string) {
	ec.mu.Lock()
	_, ok := ec.entries[key]
	if ok {
		ec.removeLocked(key)
		ec.invalidCount.Add(1)
	}
	fns := ec.watcherFnsLocked(key)
	ec.mu.Unlock()

	if ok {
		for _, fn := range fns {
			fn()
		}
	}
}

// InvalidateTable removes every entry scoped to table and returns the count.
func (ec *EntryCache) InvalidateTable(table string) int {
	ec.mu.Lock()
	keys, ok := ec.tableIndex[table]
	if !ok {
		ec.mu.Unlock()
		return 0
	}
	count := 0
	var notify []func()
	for key := range keys {
		ec.removeLocked(key)
		notify = append(notify, ec.watcherFnsLocked(key)...)
		count++
	}
	delete(ec.tableIndex, table)
	ec.mu.Unlock()

	ec.invalidCount.Add(int64(count))
	for _, fn := range notify {
		fn()
	}
	return count
}

// Clear drops every entry.
func (ec *EntryCache) Clear() {
	ec.mu.Lock()
	count := int64(len(ec.entries))
	ec.entries = make(map[string]*cacheEntry)
	ec.accessOrder = nil
	ec.tableIndex = make(map[string]map[string]bool)
	ec.mu.Unlock()
	ec.invalidCount.Add(count)
}

// Watch registers fn to run after any mutation of key. The returned cancel
// func unregisters it; both are safe to call from any goroutine. fn runs
// outside cache locks and must re-read via Lookup for current data.
func (ec *EntryCache) Watch(key string, fn func()) (cancel func()) {
	id := ec.watchSeq.Add(1)

	ec.mu.Lock()
	if ec.watchers[key] == nil {
		ec.watchers[key] = make(map[int64]func())
	}
	ec.watchers[key][id] = fn
	ec.mu.Unlock()

	return func() {
		ec.mu.Lock()
		if m, ok := ec.watchers[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(ec.watchers, key)
			}
		}
		ec.mu.Unlock()
	}
}

// Entries returns the number of cached entries.
func (ec *EntryCache) Entries() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return len(ec.entries)
}

// Stats returns cache statistics.
func (ec *EntryCache) Stats() EntryCacheStats {
	ec.mu.RLock()
	entries := len(ec.entries)
	ec.mu.RUnlock()

	hits := ec.hitCount.Load()
	misses := ec.missCount.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return EntryCacheStats{
		Entries:     entries,
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		Evictions:   ec.evictCount.Load(),
		Invalidated: ec.invalidCount.Load(),
		Patches:     ec.patchCount.Load(),
		Discarded:   ec.discardCount.Load(),
		InFlight:    ec.inFlight.Load(),
	}
}

func (ec *EntryCache) storeLocked(key string, data any, ttl time.Duration, seq uint64, now time.Time, patched map[string]time.Time) {
	ec.dropDecayedLocked(now)
	for len(ec.entries) >= ec.config.MaxEntries {
		if !ec.evictOneLocked() {
			break
		}
	}

	if old, ok := ec.entries[key]; ok {
		old.data = data
		old.fetchedAt = now
		old.expiresAt = now.Add(ttl)
		old.seq = seq
		old.patched = patched
		ec.promoteLocked(key)
		return
	}

	table := keyTable(key)
	ec.entries[key] = &cacheEntry{
		key:       key,
		table:     table,
		data:      data,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
		seq:       seq,
		patched:   patched,
	}
	ec.accessOrder = append(ec.accessOrder, key)
	if _, ok := ec.tableIndex[table]; !ok {
		ec.tableIndex[table] = make(map[string]bool)
	}
	ec.tableIndex[table][key] = true
}

func (ec *EntryCache) evictOneLocked() bool {
	if len(ec.accessOrder) == 0 {
		return false
	}
	ec.removeLocked(ec.accessOrder[0])
	ec.evictCount.Add(1)
	return true
}

func (ec *EntryCache) dropDecayedLocked(now time.Time) {
	cutoff := now.Add(-ec.config.MaxStaleAge)
	for key, entry := range ec.entries {
		if entry.expiresAt.Before(cutoff) {
			ec.removeLocked(key)
			ec.evictCount.Add(1)
		}
	}
}

func (ec *EntryCache) removeLocked(key string) {
	entry, ok := ec.entries[key]
	if !ok {
		return
	}
	delete(ec.entries, key)

	for i, k := range ec.accessOrder {
		if k == key {
			ec.accessOrder = append(ec.accessOrder[:i], ec.accessOrder[i+1:]...)
			break
		}
	}

	if keys, ok := ec.tableIndex[entry.table]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(ec.tableIndex, entry.table)
		}
	}
}

func (ec *EntryCache) promoteLocked(key string) {
	for i, k := range ec.accessOrder {
		if k == key {
			ec.accessOrder = append(ec.accessOrder[:i], ec.accessOrder[i+1:]...)
			ec.accessOrder = append(ec.accessOrder, key)
			return
		}
	}
}

func (ec *EntryCache) watcherFnsLocked(key string) []func() {
	m := ec.watchers[key]
	if len(m) == 0 {
		return nil
	}
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}

const patchKeySep = "\x00"

// patchData applies fields to the row with rowID inside data, copy-on-write.
// It understands Row, *Row, and []Row payloads and reports whether a
// matching row was found.
func patchData(data any, rowID string, fields map[string]any, atMilli int64) (any, bool) {
	switch v := data.(type) {
	case Row:
		if v.ID != rowID {
			return data, false
		}
		out := patchRow(v, fields, atMilli)
		return out, true
	case *Row:
		if v == nil || v.ID != rowID {
			return data, false
		}
		out := patchRow(*v, fields, atMilli)
		return &out, true
	case []Row:
		for i := range v {
			if v[i].ID != rowID {
				continue
			}
			rows := cloneRows(v)
			rows[i] = patchRow(rows[i], fields, atMilli)
			return rows, true
		}
		return data, false
	}
	return data, false
}

func patchRow(r Row, fields map[string]any, atMilli int64) Row {
	out := r.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		out.Fields[k] = v
	}
	if atMilli > out.UpdatedAt {
		out.UpdatedAt = atMilli
	}
	return out
}

// overlayPatchedFields re-applies onto fetched every field of current that
// was patched after the fetch started, so an in-flight revalidation cannot
// regress a more recent realtime observation.
func overlayPatchedFields(fetched, current any, patched map[string]time.Time, since time.Time) any {
	out := fetched
	for pk, t := range patched {
		if !t.After(since) {
			continue
		}
		rowID, field, ok := strings.Cut(pk, patchKeySep)
		if !ok {
			continue
		}
		val, ok := lookupField(current, rowID, field)
		if !ok {
			continue
		}
		out, _ = patchData(out, rowID, map[string]any{field: val}, t.UnixMilli())
	}
	return out
}

func lookupField(data any, rowID, field string) (any, bool) {
	switch v := data.(type) {
	case Row:
		if v.ID == rowID {
			return v.Field(field)
		}
	case *Row:
		if v != nil && v.ID == rowID {
			return v.Field(field)
		}
	case []Row:
		for _, r := range v {
			if r.ID == rowID {
				return r.Field(field)
			}
		}
	}
	return nil, false
}
