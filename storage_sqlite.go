package ringside

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (default: WAL)
	JournalMode string

	// Synchronous sets the synchronous flag (default: NORMAL)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration for a store at path.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore is the primary on-device durable store. Replica rows, snapshot
// blobs, and the small KV flags share one database file, which keeps a
// trial's working set inspectable with standard SQLite tools. It implements
// BlobStore, KVStore, and RowStore.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	blobGet  *sql.Stmt
	blobPut  *sql.Stmt
	blobDel  *sql.Stmt
	blobHas  *sql.Stmt
	rowPut   *sql.Stmt
	rowDel   *sql.Stmt
	rowsLoad *sql.Stmt
	kvGet    *sql.Stmt
	kvPut    *sql.Stmt
	kvDel    *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a SQLite store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "ringside.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Snapshot and backup blob storage (BlobStore interface)
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		-- Replica table rows (RowStore interface)
		CREATE TABLE IF NOT EXISTS replica_rows (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL,  -- JSON encoded fields
			updated_at INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tbl, id)
		);

		-- Small flags and preference sets (KVStore interface)
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_replica_rows_updated ON replica_rows(tbl, updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.blobGet, `SELECT data FROM blobs WHERE key = ?`},
		{&s.blobPut, `INSERT OR REPLACE INTO blobs (key, data, updated_at) VALUES (?, ?, ?)`},
		{&s.blobDel, `DELETE FROM blobs WHERE key = ?`},
		{&s.blobHas, `SELECT 1 FROM blobs WHERE key = ? LIMIT 1`},
		{&s.rowPut, `INSERT OR REPLACE INTO replica_rows (tbl, id, doc, updated_at, deleted) VALUES (?, ?, ?, ?, ?)`},
		{&s.rowDel, `DELETE FROM replica_rows WHERE tbl = ? AND id = ?`},
		{&s.rowsLoad, `SELECT id, doc, updated_at, deleted FROM replica_rows WHERE tbl = ? ORDER BY id`},
		{&s.kvGet, `SELECT value FROM kv WHERE key = ?`},
		{&s.kvPut, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`},
		{&s.kvDel, `DELETE FROM kv WHERE key = ?`},
	}

	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", st.query, err)
		}
		*st.target = prepared
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.blobGet.QueryRowContext(ctx, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, newStorageError("read", key, err)
	}
	return data, nil
}

func (s *SQLiteStore) Write(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.blobPut.ExecContext(ctx, key, data, time.Now().UnixMilli()); err != nil {
		return newStorageError("write", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.blobDel.ExecContext(ctx, key); err != nil {
		return newStorageError("delete", key, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, newStorageError("list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newStorageError("list", prefix, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.blobHas.QueryRowContext(ctx, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("exists", key, err)
	}
	return true, nil
}

// UpsertRows writes rows transactionally so a partially applied sync batch
// can never be observed after a crash.
func (s *SQLiteStore) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("upsert rows", table, err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.rowPut)
	for _, r := range rows {
		doc, err := json.Marshal(r.Fields)
		if err != nil {
			return newStorageError("encode row", table+"/"+r.ID, err)
		}
		deleted := 0
		if r.Deleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx, table, r.ID, string(doc), r.UpdatedAt, deleted); err != nil {
			return newStorageError("upsert rows", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStorageError("upsert rows", table, err)
	}
	return nil
}

func (s *SQLiteStore) LoadRows(ctx context.Context, table string) ([]Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.rowsLoad.QueryContext(ctx, table)
	if err != nil {
		return nil, newStorageError("load rows", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r       Row
			doc     string
			deleted int
		)
		if err := rows.Scan(&r.ID, &doc, &r.UpdatedAt, &deleted); err != nil {
			return nil, newStorageError("load rows", table, err)
		}
		if err := json.Unmarshal([]byte(doc), &r.Fields); err != nil {
			return nil, newStorageError("decode row", table+"/"+r.ID, err)
		}
		r.Deleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRow(ctx context.Context, table string, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.rowDel.ExecContext(ctx, table, id); err != nil {
		return newStorageError("delete row", table+"/"+id, err)
	}
	return nil
}

func (s *SQLiteStore) PurgeTable(ctx context.Context, table string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM replica_rows WHERE tbl = ?`, table); err != nil {
		return newStorageError("purge table", table, err)
	}
	return nil
}

func (s *SQLiteStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	var value string
	err := s.kvGet.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, newStorageError("get value", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetValue(ctx context.Context, key string, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.kvPut.ExecContext(ctx, key, value); err != nil {
		return newStorageError("set value", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteValue(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.kvDel.ExecContext(ctx, key); err != nil {
		return newStorageError("delete value", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListValues(ctx context.Context, prefix string) (map[string]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, newStorageError("list values", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, newStorageError("list values", prefix, err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("list values", prefix, err)
	}
	return out, nil
}

// Close closes prepared statements and the underlying database. It is
// idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.blobGet, s.blobPut, s.blobDel, s.blobHas,
		s.rowPut, s.rowDel, s.rowsLoad,
		s.kvGet, s.kvPut, s.kvDel,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

var (
	_ BlobStore = (*SQLiteStore)(nil)
	_ KVStore   = (*SQLiteStore)(nil)
	_ RowStore  = (*SQLiteStore)(nil)
)
