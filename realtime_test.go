package ringside

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestChangeEventPatchable(t *testing.T) {
	before := &Row{ID: "e1", UpdatedAt: 10}
	after := &Row{ID: "e1", UpdatedAt: 20, Fields: map[string]any{"score": 95}}

	cases := []struct {
		name string
		ev   ChangeEvent
		want bool
	}{
		{"update with both images", ChangeEvent{Type: ChangeUpdate, Before: before, After: after}, true},
		{"insert", ChangeEvent{Type: ChangeInsert, Before: before, After: after}, false},
		{"delete", ChangeEvent{Type: ChangeDelete, Before: before, After: after}, false},
		{"missing before", ChangeEvent{Type: ChangeUpdate, After: after}, false},
		{"missing after", ChangeEvent{Type: ChangeUpdate, Before: before}, false},
		{"id mismatch", ChangeEvent{Type: ChangeUpdate, Before: &Row{ID: "e2"}, After: after}, false},
		{"empty after fields", ChangeEvent{Type: ChangeUpdate, Before: before, After: &Row{ID: "e1"}}, false},
	}
	for _, tc := range cases {
		if got := tc.ev.patchable(); got != tc.want {
			t.Errorf("%s: patchable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// newReconcilerFixture wires a reconciler over an in-memory feed, a warm
// cache entry, and a replica table holding one row.
func newReconcilerFixture(t *testing.T, cfg ReconcilerConfig) (*Reconciler, *ChannelFeed, *EntryCache, *ReplicaSet, *fakeRemote) {
	t.Helper()
	feed := NewChannelFeed()
	cache := NewEntryCache(DefaultEntryCacheConfig())

	remote := newFakeRemote()
	rs, err := NewReplicaSet(ReplicaSetConfig{
		Tables: []string{"entries"},
		Remote: remote,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("replica set: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	entries, _ := rs.Table("entries")
	entries.Upsert([]Row{testRow("e1", 10, map[string]any{"dog": "Rex", "score": 0})})
	cache.Set(CacheKey("entries", "all"), entries.All(), time.Minute)

	cfg.Tables = []string{"entries"}
	cfg.Source = feed
	cfg.Cache = cache
	cfg.Replicas = rs
	cfg.Logger = discardLogger()
	r, err := NewReconciler(cfg)
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	t.Cleanup(r.Close)
	return r, feed, cache, rs, remote
}

func TestReconcilerAppliesPatchInPlace(t *testing.T) {
	r, feed, cache, rs, remote := newReconcilerFixture(t, ReconcilerConfig{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	feed.Publish(ChangeEvent{
		Table:  "entries",
		Type:   ChangeUpdate,
		Before: &Row{ID: "e1", UpdatedAt: 10},
		After:  &Row{ID: "e1", UpdatedAt: 20, Fields: map[string]any{"score": 95}},
		At:     time.Now().UnixMilli(),
	})

	data, ok := cache.Get(CacheKey("entries", "all"))
	if !ok {
		t.Fatalf("expected cache entry to survive the patch")
	}
	rows := data.([]Row)
	if len(rows) != 1 || rows[0].Fields["score"] != 95 {
		t.Fatalf("expected cached row patched, got %+v", rows)
	}
	if rows[0].Fields["dog"] != "Rex" {
		t.Fatalf("expected untouched fields kept, got %+v", rows)
	}

	entries, _ := rs.Table("entries")
	got, ok := entries.Get("e1")
	if !ok || got.Fields["score"] != 95 {
		t.Fatalf("expected replica row patched, got %+v", got)
	}

	stats := r.Stats()
	if stats.Patched != 1 || stats.Revalidations != 0 {
		t.Fatalf("expected one patch and no revalidation, got %+v", stats)
	}
	if n := remote.fetchCount("entries"); n != 0 {
		t.Fatalf("expected no network traffic for a patch, got %d fetches", n)
	}
}

func TestReconcilerDebounceCoalescesBurst(t *testing.T) {
	var revalidated atomic.Int32
	r, feed, _, rs, remote := newReconcilerFixture(t, ReconcilerConfig{
		Debounce:   time.Second,
		Revalidate: func(string) { revalidated.Add(1) },
	})
	remote.set("entries", testRow("e1", 30, map[string]any{"dog": "Rex", "score": 100}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Inserts carry no before image, so none of these can patch in place.
	for i := 0; i < 20; i++ {
		feed.Publish(ChangeEvent{Table: "entries", Type: ChangeInsert})
	}

	waitUntil(t, 3*time.Second, func() bool { return revalidated.Load() == 1 })

	// The window has fired; no further revalidation may follow.
	time.Sleep(1200 * time.Millisecond)
	if n := revalidated.Load(); n != 1 {
		t.Fatalf("expected the burst coalesced into one revalidation, got %d", n)
	}
	if n := remote.fetchCount("entries"); n != 1 {
		t.Fatalf("expected one revalidation pull, got %d", n)
	}

	entries, _ := rs.Table("entries")
	if got, ok := entries.Get("e1"); !ok || got.Fields["score"] != 100 {
		t.Fatalf("expected revalidation to pull fresh rows, got %+v", got)
	}
}

func TestReconcilerNewEventExtendsWindow(t *testing.T) {
	var revalidated atomic.Int32
	r, feed, _, _, _ := newReconcilerFixture(t, ReconcilerConfig{
		Debounce:   2 * time.Second,
		Revalidate: func(string) { revalidated.Add(1) },
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	feed.Publish(ChangeEvent{Table: "entries", Type: ChangeInsert})
	time.Sleep(time.Second)
	feed.Publish(ChangeEvent{Table: "entries", Type: ChangeInsert})

	// 1.2s after the first event the original window would have 0.8s left,
	// but the second event pushed the deadline out to 3s.
	time.Sleep(1200 * time.Millisecond)
	if n := revalidated.Load(); n != 0 {
		t.Fatalf("expected the second event to extend the quiet window, got %d revalidations", n)
	}

	waitUntil(t, 3*time.Second, func() bool { return revalidated.Load() == 1 })
}

func TestReconcilerCloseCancelsPendingRevalidation(t *testing.T) {
	var revalidated atomic.Int32
	r, feed, _, _, remote := newReconcilerFixture(t, ReconcilerConfig{
		Debounce:   time.Second,
		Revalidate: func(string) { revalidated.Add(1) },
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	feed.Publish(ChangeEvent{Table: "entries", Type: ChangeInsert})
	r.Close()

	time.Sleep(1300 * time.Millisecond)
	if n := revalidated.Load(); n != 0 {
		t.Fatalf("expected pending revalidation canceled by close, got %d", n)
	}
	if n := remote.fetchCount("entries"); n != 0 {
		t.Fatalf("expected no pull after close, got %d", n)
	}
}

func TestReconcilerLifecycle(t *testing.T) {
	r, _, _, _, _ := newReconcilerFixture(t, ReconcilerConfig{})
	if got := r.State(); got != ReconcilerIdle {
		t.Fatalf("expected idle before start, got %v", got)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := r.State(); got != ReconcilerLive {
		t.Fatalf("expected live after start, got %v", got)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("expected second start rejected")
	}

	r.Close()
	if got := r.State(); got != ReconcilerClosed {
		t.Fatalf("expected closed, got %v", got)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	// Events arriving during teardown are counted, not applied.
	r.handle(ChangeEvent{Table: "entries", Type: ChangeInsert})
	if stats := r.Stats(); stats.Dropped != 1 {
		t.Fatalf("expected dropped event counted, got %+v", stats)
	}
}

func TestNewReconcilerValidation(t *testing.T) {
	if _, err := NewReconciler(ReconcilerConfig{}); err == nil {
		t.Fatalf("expected missing source rejected")
	}
	if _, err := NewReconciler(ReconcilerConfig{Source: NewChannelFeed(), Tables: []string{"no table"}}); err == nil {
		t.Fatalf("expected invalid table name rejected")
	}

	r, err := NewReconciler(ReconcilerConfig{Source: NewChannelFeed(), Debounce: 10 * time.Second})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	if r.config.Debounce != maxDebounce {
		t.Fatalf("expected debounce clamped to %v, got %v", maxDebounce, r.config.Debounce)
	}
}
