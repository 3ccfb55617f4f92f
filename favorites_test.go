package ringside

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// hookKV wraps a KV store with a gate on reads and injectable failures.
type hookKV struct {
	KVStore

	mu       sync.Mutex
	getGate  chan struct{}
	getErr   error
	setErr   error
	getCalls int
	setCalls int
}

func (h *hookKV) GetValue(ctx context.Context, key string) (string, bool, error) {
	h.mu.Lock()
	gate := h.getGate
	err := h.getErr
	h.getCalls++
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	if err != nil {
		return "", false, err
	}
	return h.KVStore.GetValue(ctx, key)
}

func (h *hookKV) SetValue(ctx context.Context, key, value string) error {
	h.mu.Lock()
	err := h.setErr
	h.setCalls++
	h.mu.Unlock()

	if err != nil {
		return err
	}
	return h.KVStore.SetValue(ctx, key, value)
}

func (h *hookKV) reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getCalls
}

func (h *hookKV) writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setCalls
}

func TestFavoritesToggleAndPersist(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()
	fav := NewFavorites(kv, "akc-4417", "t-9", discardLogger())

	if err := fav.Toggle(ctx, "3"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !fav.IsFavorite("3") {
		t.Fatalf("expected 3 favorited")
	}
	if v, ok, _ := kv.GetValue(ctx, favoritesKey("akc-4417", "t-9")); !ok || v != `["3"]` {
		t.Fatalf("expected persisted set, got %q", v)
	}

	if err := fav.Toggle(ctx, "3"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if fav.IsFavorite("3") || fav.Len() != 0 {
		t.Fatalf("expected 3 removed")
	}
	if v, _, _ := kv.GetValue(ctx, favoritesKey("akc-4417", "t-9")); v != `[]` {
		t.Fatalf("expected empty persisted set, got %q", v)
	}
}

func TestFavoritesScopedPerLicenseAndTrial(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()
	a := NewFavorites(kv, "akc-4417", "t-1", discardLogger())
	b := NewFavorites(kv, "akc-4417", "t-2", discardLogger())

	if err := a.Toggle(ctx, "7"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := b.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.IsFavorite("7") {
		t.Fatalf("expected trials isolated")
	}
	if a.Key() == b.Key() {
		t.Fatalf("expected distinct storage keys")
	}
}

func TestFavoritesTogglePair(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	kv := &hookKV{KVStore: store}
	fav := NewFavorites(kv, "l1", "t1", discardLogger())
	if err := fav.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	writesBefore := kv.writes()
	if err := fav.TogglePair(ctx, "5", "9"); err != nil {
		t.Fatalf("toggle pair: %v", err)
	}
	if !fav.IsFavorite("5") || !fav.IsFavorite("9") {
		t.Fatalf("expected both sides favorited, got %v", fav.All())
	}
	if got := kv.writes() - writesBefore; got != 1 {
		t.Fatalf("expected one persist for the pair, got %d", got)
	}
	if v, _, _ := store.GetValue(ctx, fav.Key()); v != `["5","9"]` {
		t.Fatalf("expected pair persisted together, got %q", v)
	}

	// Off together.
	if err := fav.TogglePair(ctx, "5", "9"); err != nil {
		t.Fatalf("toggle pair: %v", err)
	}
	if fav.Len() != 0 {
		t.Fatalf("expected pair removed, got %v", fav.All())
	}

	// A half-favorited pair converges to one state instead of swapping.
	if err := fav.Toggle(ctx, "9"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := fav.TogglePair(ctx, "5", "9"); err != nil {
		t.Fatalf("toggle pair: %v", err)
	}
	if !fav.IsFavorite("5") || !fav.IsFavorite("9") {
		t.Fatalf("expected half pair converged on, got %v", fav.All())
	}
}

func TestFavoritesWriteWaitsForLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.SetValue(ctx, favoritesKey("l1", "t1"), `["5","9"]`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gate := make(chan struct{})
	kv := &hookKV{KVStore: store, getGate: gate}
	fav := NewFavorites(kv, "l1", "t1", discardLogger())

	done := make(chan error, 1)
	go func() { done <- fav.Toggle(ctx, "3") }()

	// The toggle must not apply while the persisted set is still loading.
	select {
	case err := <-done:
		t.Fatalf("toggle completed before load: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("toggle: %v", err)
	}

	got := fav.All()
	if len(got) != 3 || got[0] != "3" || got[1] != "5" || got[2] != "9" {
		t.Fatalf("expected toggle applied on top of the persisted set, got %v", got)
	}
	if v, _, _ := store.GetValue(ctx, fav.Key()); v != `["3","5","9"]` {
		t.Fatalf("expected persisted union, got %q", v)
	}
}

func TestFavoritesConcurrentLoadsShareOneRead(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	kv := &hookKV{KVStore: NewMemoryStore(), getGate: gate}
	fav := NewFavorites(kv, "l1", "t1", discardLogger())

	errs := make(chan error, 2)
	go func() { errs <- fav.Load(ctx) }()
	go func() { errs <- fav.Load(ctx) }()

	waitUntil(t, time.Second, func() bool { return fav.State() == FavoritesLoading })
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if kv.reads() != 1 {
		t.Fatalf("expected one shared read, got %d", kv.reads())
	}
}

func TestFavoritesLoadFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	kv := &hookKV{KVStore: NewMemoryStore(), getErr: errors.New("disk gone")}
	fav := NewFavorites(kv, "l1", "t1", discardLogger())

	if err := fav.Load(ctx); err == nil {
		t.Fatalf("expected load failure surfaced")
	}
	if fav.State() != FavoritesFailed {
		t.Fatalf("expected failed state, got %v", fav.State())
	}

	kv.mu.Lock()
	kv.getErr = nil
	kv.mu.Unlock()
	if err := fav.Load(ctx); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if fav.State() != FavoritesLoaded {
		t.Fatalf("expected loaded state, got %v", fav.State())
	}
}

func TestFavoritesPersistFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	kv := &hookKV{KVStore: store, setErr: errors.New("disk full")}
	fav := NewFavorites(kv, "l1", "t1", discardLogger())

	if err := fav.Toggle(ctx, "3"); err != nil {
		t.Fatalf("expected persist failure swallowed, got %v", err)
	}
	if !fav.IsFavorite("3") {
		t.Fatalf("expected in-memory set intact")
	}
	if _, ok, _ := store.GetValue(ctx, fav.Key()); ok {
		t.Fatalf("expected nothing persisted")
	}

	// The next successful persist writes the full set through.
	kv.mu.Lock()
	kv.setErr = nil
	kv.mu.Unlock()
	if err := fav.Toggle(ctx, "5"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if v, _, _ := store.GetValue(ctx, fav.Key()); v != `["3","5"]` {
		t.Fatalf("expected full set persisted, got %q", v)
	}
}

func TestFavoritesCorruptedDataSurfaces(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()
	if err := kv.SetValue(ctx, favoritesKey("l1", "t1"), "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fav := NewFavorites(kv, "l1", "t1", discardLogger())
	err := fav.Load(ctx)
	if err == nil || !strings.Contains(err.Error(), "corrupted") {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestFavoritesAbsentKeyLoadsEmpty(t *testing.T) {
	fav := NewFavorites(NewMemoryStore(), "l1", "t1", discardLogger())
	if err := fav.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if fav.Len() != 0 || fav.State() != FavoritesLoaded {
		t.Fatalf("expected empty loaded set")
	}
}
