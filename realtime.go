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

// Debounce bounds for burst revalidation.
const (
	defaultDebounce = 1500 * time.Millisecond
	minDebounce     = 1 * time.Second
	maxDebounce     = 2 * time.Second
)

// ChangeType identifies the kind of row change carried by a ChangeEvent.
type ChangeType uint8

const (
	ChangeInsert ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is one row-level change pushed by the realtime feed. Before
// and After carry the row images when the feed provides them; At is the
// event time in unix milliseconds.
type ChangeEvent struct {
	Table  string     `json:"table"`
	Type   ChangeType `json:"type"`
	Before *Row       `json:"before,omitempty"`
	After  *Row       `json:"after,omitempty"`
	At     int64      `json:"at"`
}

// patchable reports whether the event carries enough context to patch local
// data in place: an update with both row images, matching ids, and a
// non-empty after image. Anything less falls back to full revalidation.
func (e ChangeEvent) patchable() bool {
	return e.Type == ChangeUpdate &&
		e.Before != nil && e.After != nil &&
		e.Before.ID != "" && e.Before.ID == e.After.ID &&
		len(e.After.Fields) > 0
}

// EventSource delivers row change events for a table. Subscribe returns a
// cancel function that stops delivery; implementations must not call fn
// after cancel returns.
type EventSource interface {
	Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (func(), error)
}

// ReconcilerState tracks the reconciler's subscription lifecycle.
type ReconcilerState uint8

const (
	// ReconcilerIdle means Start has not been called.
	ReconcilerIdle ReconcilerState = iota
	// ReconcilerSubscribing means table subscriptions are being set up.
	ReconcilerSubscribing
	// ReconcilerLive means events are flowing.
	ReconcilerLive
	// ReconcilerClosed means the reconciler has been shut down.
	ReconcilerClosed
)

func (s ReconcilerState) String() string {
	switch s {
	case ReconcilerIdle:
		return "idle"
	case ReconcilerSubscribing:
		return "subscribing"
	case ReconcilerLive:
		return "live"
	case ReconcilerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReconcilerStats is a snapshot of reconciler counters.
type ReconcilerStats struct {
	Events        int64           `json:"events"`
	Patched       int64           `json:"patched"`
	Revalidations int64           `json:"revalidations"`
	Dropped       int64           `json:"dropped"`
	State         ReconcilerState `json:"state"`
}

// ReconcilerConfig configures a realtime reconciler.
type ReconcilerConfig struct {
	// Tables to subscribe to.
	Tables []string `json:"tables"`

	// Debounce is the quiet window after a burst of unpatchable events
	// before one full revalidation fires. Default: 1.5s, clamped to 1-2s.
	Debounce time.Duration `json:"debounce"`

	// Source delivers change events. Required.
	Source EventSource `json:"-"`

	// Cache receives optimistic row patches.
	Cache *EntryCache `json:"-"`

	// Replicas receives optimistic row patches and revalidation pulls.
	Replicas *ReplicaSet `json:"-"`

	// Revalidate, when set, is invoked once per debounce window with the
	// table that changed. Used to refresh dependent resources.
	Revalidate func(table string) `json:"-"`

	Logger *slog.Logger `json:"-"`
}

// Reconciler applies realtime change events to local data. Confident
// updates patch the cache and replica in place with no network traffic;
// everything else coalesces into one debounced full revalidation per table.
type Reconciler struct {
	config ReconcilerConfig
	logger *slog.Logger

	mu      sync.Mutex
	state   ReconcilerState
	baseCtx context.Context
	cancels []func()
	timers  map[string]*time.Timer

	events        atomic.Int64
	patched       atomic.Int64
	revalidations atomic.Int64
	dropped       atomic.Int64
}

// NewReconciler creates a reconciler. Call Start to begin receiving events.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Source == nil {
		return nil, errors.New("reconciler requires an event source")
	}
	for _, table := range config.Tables {
		if err := ValidateTableName(table); err != nil {
			return nil, fmt.Errorf("reconciler table %q: %w", table, err)
		}
	}
	if config.Debounce == 0 {
		config.Debounce = defaultDebounce
	}
	if config.Debounce < minDebounce {
		config.Debounce = minDebounce
	}
	if config.Debounce > maxDebounce {
		config.Debounce = maxDebounce
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Reconciler{
		config: config,
		logger: config.Logger,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Start subscribes to every configured table on the event source. The
// context is retained for revalidation pulls triggered by later events.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case ReconcilerClosed:
		r.mu.Unlock()
		return ErrClosed
	case ReconcilerSubscribing, ReconcilerLive:
		r.mu.Unlock()
		return errors.New("reconciler already started")
	}
	r.state = ReconcilerSubscribing
	r.mu.Unlock()

	var cancels []func()
	for _, table := range r.config.Tables {
		cancel, err := r.config.Source.Subscribe(ctx, table, r.handle)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			r.mu.Lock()
			r.state = ReconcilerIdle
			r.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", table, err)
		}
		cancels = append(cancels, cancel)
	}

	r.mu.Lock()
	if r.state == ReconcilerClosed {
		r.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		return ErrClosed
	}
	r.cancels = cancels
	r.baseCtx = ctx
	r.state = ReconcilerLive
	r.mu.Unlock()

	r.logger.Debug("reconciler live", "tables", len(r.config.Tables))
	return nil
}

// State returns the current lifecycle state.
func (r *Reconciler) State() ReconcilerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of reconciler counters.
func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Events:        r.events.Load(),
		Patched:       r.patched.Load(),
		Revalidations: r.revalidations.Load(),
		Dropped:       r.dropped.Load(),
		State:         r.State(),
	}
}

// Close unsubscribes from the event source and stops pending debounce
// timers; a scheduled revalidation never fires after Close.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.state == ReconcilerClosed {
		r.mu.Unlock()
		return
	}
	r.state = ReconcilerClosed
	cancels := r.cancels
	r.cancels = nil
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// handle is the subscription callback for every table.
func (r *Reconciler) handle(ev ChangeEvent) {
	r.mu.Lock()
	closed := r.state == ReconcilerClosed
	r.mu.Unlock()
	if closed {
		r.dropped.Add(1)
		return
	}

	r.events.Add(1)

	if ev.patchable() {
		r.applyPatch(ev)
		return
	}
	r.scheduleRevalidate(ev.Table)
}

// applyPatch folds a confident update into the cache and replica in place.
func (r *Reconciler) applyPatch(ev ChangeEvent) {
	at := time.UnixMilli(ev.At)
	if ev.At == 0 {
		at = time.Now()
	}

	if r.config.Cache != nil {
		r.config.Cache.Patch(ev.Table, ev.After.ID, ev.After.Fields, at)
	}

	if r.config.Replicas != nil {
		if t, ok := r.config.Replicas.Table(ev.Table); ok {
			row := ev.After.Clone()
			if row.UpdatedAt == 0 {
				row.UpdatedAt = at.UnixMilli()
			}
			t.Upsert([]Row{row})
		}
	}

	r.patched.Add(1)
	r.logger.Debug("applied realtime patch", "table", ev.Table, "id", ev.After.ID)
}

// scheduleRevalidate arms the table's trailing debounce timer. Every new
// event during the window pushes the deadline out, so a burst ends in
// exactly one revalidation.
func (r *Reconciler) scheduleRevalidate(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReconcilerClosed {
		return
	}
	if t, ok := r.timers[table]; ok {
		t.Stop()
	}
	r.timers[table] = time.AfterFunc(r.config.Debounce, func() {
		r.revalidate(table)
	})
}

// revalidate runs one full refresh for a table: re-pull the replica, then
// refresh dependent resources.
func (r *Reconciler) revalidate(table string) {
	r.mu.Lock()
	if r.state == ReconcilerClosed {
		r.mu.Unlock()
		return
	}
	delete(r.timers, table)
	ctx := r.baseCtx
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	r.revalidations.Add(1)
	r.logger.Debug("revalidating after change burst", "table", table)

	if r.config.Replicas != nil {
		if err := r.config.Replicas.Resync(ctx, table); err != nil {
			r.logger.Warn("revalidation pull failed", "table", table, "err", err)
		}
	}
	if r.config.Revalidate != nil {
		r.config.Revalidate(table)
	}
}
