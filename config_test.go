package ringside

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("trial.db")
	if cfg.Path != "trial.db" {
		t.Fatalf("expected path carried, got %q", cfg.Path)
	}
	if cfg.Cache.MaxEntries == 0 || cfg.Cache.DefaultTTL == 0 {
		t.Fatalf("expected cache defaults, got %+v", cfg.Cache)
	}
	if cfg.Sync.Timeout != defaultSyncTimeout {
		t.Fatalf("expected default sync timeout, got %v", cfg.Sync.Timeout)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Fatalf("expected default sync interval, got %v", cfg.Sync.Interval)
	}
	if cfg.Prefetch.Workers == 0 || cfg.Prefetch.QueueSize == 0 {
		t.Fatalf("expected prefetch defaults, got %+v", cfg.Prefetch)
	}
	if cfg.Realtime.Debounce != defaultDebounce {
		t.Fatalf("expected default debounce, got %v", cfg.Realtime.Debounce)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{
		Sync: SyncConfig{Tables: []string{"classes", "entries"}},
	}
	cfg.normalize()

	if cfg.Logger == nil {
		t.Fatalf("expected default logger")
	}
	if cfg.Sync.Timeout != defaultSyncTimeout {
		t.Fatalf("expected zero timeout clamped, got %v", cfg.Sync.Timeout)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Fatalf("expected zero interval clamped, got %v", cfg.Sync.Interval)
	}
	if len(cfg.Realtime.Tables) != 2 || cfg.Realtime.Tables[0] != "classes" {
		t.Fatalf("expected realtime tables defaulted to sync tables, got %v", cfg.Realtime.Tables)
	}
}

func TestConfigNormalizeKeepsExplicitRealtimeTables(t *testing.T) {
	cfg := Config{
		Sync:     SyncConfig{Tables: []string{"classes", "entries"}},
		Realtime: RealtimeConfig{Tables: []string{"entries"}},
	}
	cfg.normalize()

	if len(cfg.Realtime.Tables) != 1 || cfg.Realtime.Tables[0] != "entries" {
		t.Fatalf("expected explicit realtime tables kept, got %v", cfg.Realtime.Tables)
	}
}
