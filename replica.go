package ringside

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// defaultSyncTimeout bounds the foreground wait of SyncAll.
const defaultSyncTimeout = 30 * time.Second

// SyncState describes where a table replica is in its sync lifecycle.
type SyncState uint8

const (
	// SyncNotStarted means the table has never been synced.
	SyncNotStarted SyncState = iota
	// SyncRunning means a sync for the table is in flight.
	SyncRunning
	// SyncSynced means the last sync completed successfully.
	SyncSynced
	// SyncFailed means the last sync failed; rows from the previous
	// successful sync remain readable.
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncNotStarted:
		return "not_started"
	case SyncRunning:
		return "syncing"
	case SyncSynced:
		return "synced"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Table is the in-memory replica of one remote table. All methods are safe
// for concurrent use; returned rows are copies.
type Table struct {
	name string

	mu           sync.RWMutex
	rows         map[string]Row
	state        SyncState
	lastSyncedAt time.Time
	lastErr      error
}

func newTable(name string) *Table {
	return &Table{name: name, rows: make(map[string]Row)}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Len returns the number of rows currently replicated.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Get returns a copy of the row with the given id.
func (t *Table) Get(id string) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[id]
	if !ok {
		return Row{}, false
	}
	return r.Clone(), true
}

// All returns copies of every row, sorted by id.
func (t *Table) All() []Row {
	t.mu.RLock()
	out := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r.Clone())
	}
	t.mu.RUnlock()

	sortRows(out)
	return out
}

// Upsert merges rows into the replica. An incoming row only overwrites an
// existing one when it is at least as recent; tombstones remove rows.
func (t *Table) Upsert(rows []Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		if r.Deleted {
			delete(t.rows, r.ID)
			continue
		}
		if existing, ok := t.rows[r.ID]; ok {
			t.rows[r.ID] = mergeRow(existing, r)
		} else {
			t.rows[r.ID] = r.Clone()
		}
	}
}

// Remove deletes a row from the replica.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, id)
}

// replaceAll swaps the full row set, dropping tombstoned rows.
func (t *Table) replaceAll(rows []Row) {
	next := make(map[string]Row, len(rows))
	for _, r := range rows {
		if r.Deleted {
			continue
		}
		next[r.ID] = r.Clone()
	}

	t.mu.Lock()
	t.rows = next
	t.mu.Unlock()
}

// State returns the table's sync state.
func (t *Table) State() SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastSyncedAt returns when the table last completed a sync, or the zero
// time if it never has.
func (t *Table) LastSyncedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSyncedAt
}

// LastErr returns the error from the most recent failed sync, if any.
func (t *Table) LastErr() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *Table) setState(s SyncState, err error) {
	t.mu.Lock()
	t.state = s
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Table) markSynced(at time.Time) {
	t.mu.Lock()
	t.state = SyncSynced
	t.lastSyncedAt = at
	t.lastErr = nil
	t.mu.Unlock()
}

// SyncParams controls a replica sync run.
type SyncParams struct {
	// LicenseID scopes the pull to one license's data.
	LicenseID string `json:"license_id"`
	// ForceFull pulls complete tables and replaces local rows instead of
	// merging deltas since the last sync.
	ForceFull bool `json:"force_full"`
}

// SyncResult reports the outcome of one table's sync.
type SyncResult struct {
	Table    string        `json:"table"`
	Success  bool          `json:"success"`
	Rows     int           `json:"rows"`
	Err      string        `json:"err,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SyncReport summarizes a sync run across all registered tables. Results
// appear in registration order; when the run outlived the foreground wait,
// InBackground is true and Results holds only the tables finished so far.
type SyncReport struct {
	Results      []SyncResult `json:"results"`
	Started      time.Time    `json:"started"`
	Finished     time.Time    `json:"finished"`
	InBackground bool         `json:"in_background"`
}

// Partial reports whether any table failed.
func (r *SyncReport) Partial() bool {
	for _, res := range r.Results {
		if !res.Success {
			return true
		}
	}
	return false
}

// Failed returns the names of the tables that failed, in report order.
func (r *SyncReport) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if !res.Success {
			names = append(names, res.Table)
		}
	}
	return names
}

// ReplicaSetConfig configures a ReplicaSet.
type ReplicaSetConfig struct {
	// LicenseID scopes every pull to one license's data.
	LicenseID string `json:"license_id"`

	// Tables are registered in order; syncs run and report in this order.
	Tables []string `json:"tables"`

	// Timeout bounds the foreground wait of SyncAll. When it elapses the
	// run keeps going in the background. Default: 30s.
	Timeout time.Duration `json:"timeout"`

	// Remote supplies table data. Required.
	Remote RemoteSource `json:"-"`

	// RowStore persists rows individually when available (SQLite, memory).
	RowStore RowStore `json:"-"`

	// Blobs persists snapshot blobs when RowStore is nil.
	Blobs BlobStore `json:"-"`

	// KV stores per-table sync watermarks for incremental pulls.
	KV KVStore `json:"-"`

	// Signals gates the network fallback of Rows on connectivity.
	Signals *SignalHub `json:"-"`

	// Encryptor, when set, seals snapshot blobs.
	Encryptor *Encryptor `json:"-"`

	// OnTableSynced is invoked after a table finishes a successful sync,
	// outside the table lock. Used to revalidate dependent resources.
	OnTableSynced func(table string) `json:"-"`

	Logger *slog.Logger `json:"-"`
}

// ReplicaSet is the ordered collection of table replicas for one client.
// Reads are served from memory; SyncAll pulls from the remote source and
// persists through the configured storage backend.
type ReplicaSet struct {
	config  ReplicaSetConfig
	remote  RemoteSource
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.RWMutex
	order       []string
	tables      map[string]*Table
	syncRunning bool
	lastReport  *SyncReport

	runWG sync.WaitGroup
}

// NewReplicaSet creates a replica set and registers config.Tables in order.
// It does not touch storage; call loadPersisted (via Client.Replicas) or
// SyncAll to populate tables.
func NewReplicaSet(config ReplicaSetConfig) (*ReplicaSet, error) {
	if config.Remote == nil {
		return nil, errors.New("replica set requires a remote source")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultSyncTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &ReplicaSet{
		config:  config,
		remote:  config.Remote,
		logger:  config.Logger,
		baseCtx: ctx,
		cancel:  cancel,
		tables:  make(map[string]*Table),
	}

	for _, name := range config.Tables {
		if err := rs.Register(name); err != nil {
			cancel()
			return nil, err
		}
	}
	return rs, nil
}

// Register adds a table to the replica set. Registration order determines
// sync order and report order. Registering an existing table is a no-op.
func (rs *ReplicaSet) Register(name string) error {
	if err := ValidateTableName(name); err != nil {
		return fmt.Errorf("register table %q: %w", name, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.tables[name]; ok {
		return nil
	}
	rs.tables[name] = newTable(name)
	rs.order = append(rs.order, name)
	return nil
}

// Tables returns the registered table names in registration order.
func (rs *ReplicaSet) Tables() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]string(nil), rs.order...)
}

// Table returns the replica for a registered table.
func (rs *ReplicaSet) Table(name string) (*Table, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	t, ok := rs.tables[name]
	return t, ok
}

// States returns the sync state of every registered table.
func (rs *ReplicaSet) States() map[string]SyncState {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]SyncState, len(rs.tables))
	for name, t := range rs.tables {
		out[name] = t.State()
	}
	return out
}

// LastReport returns the report of the most recently finished sync run.
func (rs *ReplicaSet) LastReport() *SyncReport {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.lastReport
}

// SyncAll pulls every registered table in registration order. A failed table
// is recorded in the report and does not abort the run. The foreground wait
// is bounded by the configured timeout: if the run is still going when it
// elapses, SyncAll returns the results collected so far with
// InBackground set and ErrSyncTimeout, while the run continues on the
// client's lifetime context and stores its final report for LastReport.
//
// Returns ErrSyncRunning if a run is already in progress. A completed run
// with failed tables returns the full report alongside a *PartialSyncError.
func (rs *ReplicaSet) SyncAll(ctx context.Context, params SyncParams) (*SyncReport, error) {
	rs.mu.Lock()
	if rs.syncRunning {
		rs.mu.Unlock()
		return nil, ErrSyncRunning
	}
	rs.syncRunning = true
	order := append([]string(nil), rs.order...)
	rs.mu.Unlock()

	if params.LicenseID == "" {
		params.LicenseID = rs.config.LicenseID
	}

	started := time.Now()
	done := make(chan struct{})
	var detached atomic.Bool

	var resMu sync.Mutex
	results := make([]SyncResult, 0, len(order))

	rs.runWG.Add(1)
	go func() {
		defer rs.runWG.Done()
		defer close(done)

		for _, name := range order {
			if rs.baseCtx.Err() != nil {
				break
			}
			res, _ := rs.syncTable(rs.baseCtx, name, params)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
		}

		final := &SyncReport{
			Results:  append([]SyncResult(nil), results...),
			Started:  started,
			Finished: time.Now(),
		}

		rs.mu.Lock()
		rs.syncRunning = false
		rs.lastReport = final
		rs.mu.Unlock()

		if detached.Load() {
			rs.logger.Info("background sync finished",
				"tables", len(final.Results),
				"failed", len(final.Failed()),
				"duration", final.Finished.Sub(final.Started))
		}
	}()

	timer := time.NewTimer(rs.config.Timeout)
	defer timer.Stop()

	select {
	case <-done:
		report := &SyncReport{
			Results:  append([]SyncResult(nil), results...),
			Started:  started,
			Finished: time.Now(),
		}
		if report.Partial() {
			return report, newPartialSyncError(report)
		}
		return report, nil

	case <-timer.C:
		detached.Store(true)
		return rs.partialReport(&resMu, &results, started), ErrSyncTimeout

	case <-ctx.Done():
		detached.Store(true)
		return rs.partialReport(&resMu, &results, started), ctx.Err()
	}
}

func (rs *ReplicaSet) partialReport(resMu *sync.Mutex, results *[]SyncResult, started time.Time) *SyncReport {
	resMu.Lock()
	snapshot := append([]SyncResult(nil), (*results)...)
	resMu.Unlock()

	return &SyncReport{
		Results:      snapshot,
		Started:      started,
		Finished:     time.Now(),
		InBackground: true,
	}
}

// syncTable pulls one table, merges it into memory, persists it, and marks
// it synced. Returns the result entry for the sync report together with the
// underlying error, if any.
func (rs *ReplicaSet) syncTable(ctx context.Context, name string, params SyncParams) (SyncResult, error) {
	start := time.Now()

	t, ok := rs.Table(name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrTableUnknown, name)
		return SyncResult{Table: name, Err: err.Error(), Duration: time.Since(start)}, err
	}

	t.setState(SyncRunning, nil)

	fetch := FetchParams{LicenseID: params.LicenseID}
	if !params.ForceFull {
		if at := t.LastSyncedAt(); !at.IsZero() {
			fetch.Since = at.UnixMilli()
		}
	}

	rows, err := rs.remote.FetchTable(ctx, name, fetch)
	if err != nil {
		t.setState(SyncFailed, err)
		rs.logger.Warn("table sync failed", "table", name, "err", err)
		return SyncResult{Table: name, Err: err.Error(), Duration: time.Since(start)}, err
	}

	syncedAt := time.Now()
	if params.ForceFull {
		t.replaceAll(rows)
	} else {
		t.Upsert(rows)
	}

	if err := rs.persistTable(ctx, t, rows, params.ForceFull); err != nil {
		t.setState(SyncFailed, err)
		rs.logger.Warn("table persist failed", "table", name, "err", err)
		return SyncResult{Table: name, Rows: len(rows), Err: err.Error(), Duration: time.Since(start)}, err
	}

	t.markSynced(syncedAt)
	rs.saveWatermark(ctx, name, syncedAt)

	rs.logger.Debug("table synced",
		"table", name, "rows", len(rows), "full", params.ForceFull,
		"duration", time.Since(start))

	if rs.config.OnTableSynced != nil {
		rs.config.OnTableSynced(name)
	}

	return SyncResult{Table: name, Success: true, Rows: len(rows), Duration: time.Since(start)}, nil
}

// persistTable writes a table's rows through the storage backend: row-level
// deltas when a RowStore is available, a full snapshot blob otherwise.
func (rs *ReplicaSet) persistTable(ctx context.Context, t *Table, fetched []Row, full bool) error {
	switch {
	case rs.config.RowStore != nil:
		if full {
			if err := rs.config.RowStore.PurgeTable(ctx, t.name); err != nil {
				return err
			}
			return rs.config.RowStore.UpsertRows(ctx, t.name, t.All())
		}

		var upserts []Row
		for _, r := range fetched {
			if r.Deleted {
				if err := rs.config.RowStore.DeleteRow(ctx, t.name, r.ID); err != nil {
					return err
				}
				continue
			}
			upserts = append(upserts, r)
		}
		if len(upserts) == 0 {
			return nil
		}
		return rs.config.RowStore.UpsertRows(ctx, t.name, upserts)

	case rs.config.Blobs != nil:
		data, err := encodeSnapshot(t.name, t.All(), rs.config.Encryptor)
		if err != nil {
			return err
		}
		return rs.config.Blobs.Write(ctx, replicaBlobKey(t.name), data)

	default:
		return nil
	}
}

// loadPersisted restores every registered table from storage. A table that
// fails to load is logged and left empty; the next sync repopulates it.
func (rs *ReplicaSet) loadPersisted(ctx context.Context) error {
	for _, name := range rs.Tables() {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, ok := rs.Table(name)
		if !ok {
			continue
		}

		rows, err := rs.loadRows(ctx, name)
		if err != nil {
			rs.logger.Warn("failed to restore table", "table", name, "err", err)
			continue
		}
		if rows != nil {
			t.replaceAll(rows)
		}

		if at, ok := rs.loadWatermark(ctx, name); ok {
			t.markSynced(at)
		}
	}
	return nil
}

func (rs *ReplicaSet) loadRows(ctx context.Context, name string) ([]Row, error) {
	switch {
	case rs.config.RowStore != nil:
		return rs.config.RowStore.LoadRows(ctx, name)

	case rs.config.Blobs != nil:
		data, err := rs.config.Blobs.Read(ctx, replicaBlobKey(name))
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		doc, err := decodeSnapshot(data, rs.config.Encryptor)
		if err != nil {
			return nil, err
		}
		return doc.Rows, nil

	default:
		return nil, nil
	}
}

// Rows is the offline-first read path: local rows win; an empty table falls
// back to a one-shot pull only when the client is online. Offline with no
// local rows returns an empty slice, not an error.
func (rs *ReplicaSet) Rows(ctx context.Context, table string) ([]Row, error) {
	t, ok := rs.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableUnknown, table)
	}

	if rows := t.All(); len(rows) > 0 {
		return rows, nil
	}

	if rs.config.Signals != nil && !rs.config.Signals.Online() {
		return []Row{}, nil
	}

	if _, err := rs.syncTable(ctx, table, SyncParams{LicenseID: rs.config.LicenseID}); err != nil {
		return nil, err
	}
	return t.All(), nil
}

// Resync pulls a single table outside a full sync run, merging deltas since
// its last sync. Used by the realtime reconciler's revalidation path.
func (rs *ReplicaSet) Resync(ctx context.Context, table string) error {
	_, err := rs.syncTable(ctx, table, SyncParams{LicenseID: rs.config.LicenseID})
	return err
}

// Close stops any background sync run and waits for it to finish.
func (rs *ReplicaSet) Close() {
	rs.cancel()
	rs.runWG.Wait()
}

func replicaBlobKey(table string) string {
	return "replica/" + table + ".snap"
}

func watermarkKey(table string) string {
	return "sync_watermark_" + table
}

func (rs *ReplicaSet) saveWatermark(ctx context.Context, table string, at time.Time) {
	if rs.config.KV == nil {
		return
	}
	v := strconv.FormatInt(at.UnixMilli(), 10)
	if err := rs.config.KV.SetValue(ctx, watermarkKey(table), v); err != nil {
		rs.logger.Warn("failed to save sync watermark", "table", table, "err", err)
	}
}

func (rs *ReplicaSet) loadWatermark(ctx context.Context, table string) (time.Time, bool) {
	if rs.config.KV == nil {
		return time.Time{}, false
	}
	v, ok, err := rs.config.KV.GetValue(ctx, watermarkKey(table))
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
