package ringside

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// FavoritesState tracks the load lifecycle of a favorites set.
type FavoritesState uint8

const (
	// FavoritesNotLoaded means the persisted set has not been read yet.
	FavoritesNotLoaded FavoritesState = iota
	// FavoritesLoading means the initial read is in flight.
	FavoritesLoading
	// FavoritesLoaded means the in-memory set mirrors storage.
	FavoritesLoaded
	// FavoritesFailed means the initial read failed; Load can be retried.
	FavoritesFailed
)

func (s FavoritesState) String() string {
	switch s {
	case FavoritesNotLoaded:
		return "not_loaded"
	case FavoritesLoading:
		return "loading"
	case FavoritesLoaded:
		return "loaded"
	case FavoritesFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// favoritesKey builds the storage key for one license and trial.
func favoritesKey(licenseID, trialID string) string {
	return fmt.Sprintf("favorites_%s_%s", licenseID, trialID)
}

// Favorites is the favorite-entry set for one license and trial, persisted
// as a JSON array in the KV store. Writes are gated on the initial load:
// a toggle that arrives before the persisted set has been read waits for
// the read and applies on top of it, so persisting can never shrink the
// set that was on disk.
type Favorites struct {
	key    string
	kv     KVStore
	logger *slog.Logger

	mu      sync.Mutex
	state   FavoritesState
	ids     map[string]bool
	loaded  chan struct{}
	loadErr error
}

// NewFavorites creates the favorites handle for a license and trial.
// The persisted set is not read until Load or the first mutation.
func NewFavorites(kv KVStore, licenseID, trialID string, logger *slog.Logger) *Favorites {
	if logger == nil {
		logger = slog.Default()
	}
	return &Favorites{
		key:    favoritesKey(licenseID, trialID),
		kv:     kv,
		logger: logger,
		ids:    make(map[string]bool),
	}
}

// Key returns the storage key backing this set.
func (f *Favorites) Key() string { return f.key }

// State returns the load state.
func (f *Favorites) State() FavoritesState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Load reads the persisted set once. Concurrent callers share a single
// read and all return when it completes. An absent key loads as an empty
// set. After a failure, Load can be called again to retry.
func (f *Favorites) Load(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case FavoritesLoaded:
		f.mu.Unlock()
		return nil

	case FavoritesLoading:
		ch := f.loaded
		f.mu.Unlock()
		select {
		case <-ch:
			f.mu.Lock()
			err := f.loadErr
			f.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.state = FavoritesLoading
	ch := make(chan struct{})
	f.loaded = ch
	f.mu.Unlock()

	ids, err := f.read(ctx)

	f.mu.Lock()
	if err != nil {
		f.state = FavoritesFailed
		f.loadErr = err
	} else {
		f.state = FavoritesLoaded
		f.loadErr = nil
		f.ids = ids
	}
	close(ch)
	f.mu.Unlock()

	return err
}

func (f *Favorites) read(ctx context.Context) (map[string]bool, error) {
	v, ok, err := f.kv.GetValue(ctx, f.key)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	if !ok || v == "" {
		return ids, nil
	}

	var list []string
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		return nil, fmt.Errorf("favorites %s corrupted: %w", f.key, err)
	}
	for _, id := range list {
		ids[id] = true
	}
	return ids, nil
}

// IsFavorite reports whether id is in the set. Before the initial load
// completes it reports false.
func (f *Favorites) IsFavorite(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

// All returns the favorite ids, sorted.
func (f *Favorites) All() []string {
	f.mu.Lock()
	out := make([]string, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	f.mu.Unlock()

	sort.Strings(out)
	return out
}

// Len returns the number of favorites.
func (f *Favorites) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// Toggle flips one id and persists the result. A toggle arriving before the
// initial load completes waits for the load first.
func (f *Favorites) Toggle(ctx context.Context, id string) error {
	return f.mutate(ctx, func(ids map[string]bool) {
		setID(ids, id, !ids[id])
	})
}

// TogglePair flips id and pairedID to the same target state in one mutation
// and one persist. The target is the opposite of id's current state, so a
// half-favorited pair converges instead of swapping sides.
func (f *Favorites) TogglePair(ctx context.Context, id, pairedID string) error {
	return f.mutate(ctx, func(ids map[string]bool) {
		target := !ids[id]
		setID(ids, id, target)
		if pairedID != "" && pairedID != id {
			setID(ids, pairedID, target)
		}
	})
}

func setID(ids map[string]bool, id string, on bool) {
	if on {
		ids[id] = true
	} else {
		delete(ids, id)
	}
}

// mutate enforces the load-before-write gate, applies fn, and persists. A
// persist failure is logged and swallowed: the in-memory set stays
// authoritative and the next successful persist writes it through.
func (f *Favorites) mutate(ctx context.Context, fn func(map[string]bool)) error {
	if err := f.Load(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	fn(f.ids)
	list := make([]string, 0, len(f.ids))
	for id := range f.ids {
		list = append(list, id)
	}
	f.mu.Unlock()

	sort.Strings(list)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}

	if err := f.kv.SetValue(ctx, f.key, string(data)); err != nil {
		f.logger.Error("failed to persist favorites", "key", f.key, "err", err)
	}
	return nil
}
