package ringside

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond every 5ms until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

// setupTestClient opens an in-memory client over a fake remote with the
// given tables registered for sync.
func setupTestClient(t *testing.T, remote RemoteSource, tables ...string) *Client {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.Logger = discardLogger()
	cfg.RemoteSource = remote
	cfg.Sync.Tables = tables
	c, err := Open("", cfg)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// fakeRemote serves canned rows per table and records fetch traffic.
type fakeRemote struct {
	mu     sync.Mutex
	rows   map[string][]Row
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
	params map[string]FetchParams
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:   make(map[string][]Row),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
		params: make(map[string]FetchParams),
	}
}

func (f *fakeRemote) set(table string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = rows
}

func (f *fakeRemote) fail(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[table] = err
}

func (f *fakeRemote) delay(table string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[table] = d
}

func (f *fakeRemote) fetchCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[table]
}

func (f *fakeRemote) lastParams(table string) FetchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[table]
}

func (f *fakeRemote) FetchTable(ctx context.Context, table string, params FetchParams) ([]Row, error) {
	f.mu.Lock()
	f.calls[table]++
	f.params[table] = params
	err := f.errs[table]
	rows := cloneRows(f.rows[table])
	delay := f.delays[table]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *fakeRemote) FetchRow(ctx context.Context, table, id string) (Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows[table] {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return Row{}, fmt.Errorf("row %s/%s: %w", table, id, ErrKeyNotFound)
}

var _ RemoteSource = (*fakeRemote)(nil)

func testRow(id string, updatedAt int64, fields map[string]any) Row {
	return Row{ID: id, Fields: fields, UpdatedAt: updatedAt}
}
