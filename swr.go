package ringside

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Fetcher loads the value behind a resource from the replica or the network.
type Fetcher[T any] func(ctx context.Context) (T, error)

// ResourceOptions configures a Resource. The zero value keeps the default
// behavior: fetch when the resource is created, refetch on focus and on
// reconnect, cache-default TTL.
type ResourceOptions struct {
	// TTL is the freshness window for fetched data. Zero uses the cache
	// default.
	TTL time.Duration

	DisableInitialFetch     bool
	DisableFocusRefetch     bool
	DisableReconnectRefetch bool

	// Name labels the resource in logs. Defaults to the cache key.
	Name string
}

// Snapshot is one observation of a resource: the freshest known data plus
// the metadata rendered alongside it. Err never replaces Data; a failed
// revalidation keeps the last good value and reports the failure here.
type Snapshot[T any] struct {
	Data       T
	HasData    bool
	Stale      bool
	Refreshing bool
	Err        error
	FetchedAt  time.Time
}

// Resource is a stale-while-revalidate read handle over one cache key.
// Get returns synchronously with whatever is cached, stale included, and
// lets revalidation catch up in the background; subscribers are notified on
// every change.
type Resource[T any] struct {
	cache    *EntryCache
	signals  *SignalHub
	registry *resourceRegistry
	logger   *slog.Logger
	baseCtx  context.Context

	key   string
	name  string
	fetch Fetcher[T]
	ttl   time.Duration

	mu         sync.Mutex
	refreshing bool
	lastErr    error
	subs       map[int64]func(Snapshot[T])
	cancels    []func()
	closed     bool

	subSeq   atomic.Int64
	inFlight atomic.Bool
}

// NewResource declares a resource on the client. Unless disabled via
// options, construction kicks an initial background fetch and registers the
// resource for focus and reconnect refetches. Close releases all of it.
func NewResource[T any](c *Client, key string, fetch Fetcher[T], opts ResourceOptions) *Resource[T] {
	name := opts.Name
	if name == "" {
		name = key
	}
	r := &Resource[T]{
		cache:    c.cache,
		signals:  c.signals,
		registry: c.resources,
		logger:   c.logger,
		baseCtx:  c.ctx,
		key:      key,
		name:     name,
		fetch:    fetch,
		ttl:      opts.TTL,
		subs:     make(map[int64]func(Snapshot[T])),
	}

	r.cancels = append(r.cancels, c.cache.Watch(key, r.notifySubs))
	r.cancels = append(r.cancels, c.resources.register(key, func() { r.start(true) }))
	if !opts.DisableFocusRefetch {
		r.cancels = append(r.cancels, c.signals.OnFocus(func() { r.start(false) }))
	}
	if !opts.DisableReconnectRefetch {
		r.cancels = append(r.cancels, c.signals.OnOnline(func() { r.start(false) }))
	}
	if !opts.DisableInitialFetch {
		r.start(false)
	}
	return r
}

// Get returns the current snapshot without blocking. Cached data comes back
// immediately even when expired; a stale or missing entry triggers one
// background revalidation through the shared dedupe.
func (r *Resource[T]) Get() Snapshot[T] {
	snap := r.buildSnapshot()
	if !snap.HasData || snap.Stale {
		r.start(false)
	}
	return snap
}

// Wait blocks until the resource has data, fetching if necessary. Unlike
// Get it propagates the fetch error to the caller.
func (r *Resource[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	data, err := r.cache.GetOrFetch(ctx, r.key, r.ttl, r.runFetch)
	if err != nil {
		r.logFetchErr(err)
		return zero, err
	}
	v, ok := data.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s: unexpected type %T", r.key, data)
	}
	return v, nil
}

// Refresh refetches regardless of freshness and blocks until done. The
// snapshot's Refreshing flag is set for the duration so callers can render
// a pull-to-refresh spinner distinct from the initial load.
func (r *Resource[T]) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.refreshing = true
	r.mu.Unlock()
	r.notifySubs()

	_, err := r.cache.Refetch(ctx, r.key, r.ttl, r.runFetch)

	r.mu.Lock()
	r.refreshing = false
	r.mu.Unlock()
	if err != nil {
		r.logFetchErr(err)
	}
	r.notifySubs()
	return err
}

// Subscribe registers fn to receive a snapshot on every change, starting
// with the current one before Subscribe returns.
func (r *Resource[T]) Subscribe(fn func(Snapshot[T])) (cancel func()) {
	id := r.subSeq.Add(1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	r.subs[id] = fn
	r.mu.Unlock()

	fn(r.buildSnapshot())

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Key returns the cache key the resource reads.
func (r *Resource[T]) Key() string { return r.key }

// Close unregisters the resource from the cache, the signal hub, and the
// revalidation registry. The cached entry itself is left in place.
func (r *Resource[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancels := r.cancels
	r.cancels = nil
	r.subs = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// start kicks one background fetch unless one is already running for this
// resource. force bypasses the freshness shortcut.
func (r *Resource[T]) start(force bool) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.inFlight.Store(false)
		var err error
		if force {
			_, err = r.cache.Refetch(r.baseCtx, r.key, r.ttl, r.runFetch)
		} else {
			_, err = r.cache.GetOrFetch(r.baseCtx, r.key, r.ttl, r.runFetch)
		}
		if err != nil {
			r.logFetchErr(err)
			r.notifySubs()
		}
	}()
}

// runFetch adapts the typed fetcher for the cache and records the error
// state before the result lands, so watcher notifications triggered by the
// cache write already see it cleared.
func (r *Resource[T]) runFetch(ctx context.Context) (any, error) {
	v, err := r.fetch(ctx)

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Resource[T]) buildSnapshot() Snapshot[T] {
	snap := Snapshot[T]{}
	if v, ok := r.cache.Lookup(r.key); ok {
		if data, match := v.Data.(T); match {
			snap.Data = data
			snap.HasData = true
			snap.Stale = v.Stale
			snap.FetchedAt = v.FetchedAt
		}
	}
	r.mu.Lock()
	snap.Refreshing = r.refreshing
	snap.Err = r.lastErr
	r.mu.Unlock()
	return snap
}

func (r *Resource[T]) notifySubs() {
	snap := r.buildSnapshot()

	r.mu.Lock()
	fns := make([]func(Snapshot[T]), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (r *Resource[T]) logFetchErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.logger.Warn("resource fetch failed", "resource", r.name, "key", r.key, "error", err)
}

// resourceRegistry tracks live resources by cache key so the realtime
// reconciler can force refetches for every resource scoped to a table.
type resourceRegistry struct {
	mu    sync.Mutex
	seq   int64
	byKey map[string]map[int64]func()
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{byKey: make(map[string]map[int64]func())}
}

func (rr *resourceRegistry) register(key string, refetch func()) (cancel func()) {
	rr.mu.Lock()
	rr.seq++
	id := rr.seq
	if rr.byKey[key] == nil {
		rr.byKey[key] = make(map[int64]func())
	}
	rr.byKey[key][id] = refetch
	rr.mu.Unlock()

	return func() {
		rr.mu.Lock()
		if m, ok := rr.byKey[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(rr.byKey, key)
			}
		}
		rr.mu.Unlock()
	}
}

// refetchTable fires the refetch hook of every resource whose key is scoped
// to table and returns how many were triggered.
func (rr *resourceRegistry) refetchTable(table string) int {
	rr.mu.Lock()
	var fns []func()
	for key, m := range rr.byKey {
		if keyTable(key) != table {
			continue
		}
		for _, fn := range m {
			fns = append(fns, fn)
		}
	}
	rr.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
