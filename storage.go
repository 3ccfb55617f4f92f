package ringside

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore is the interface replica snapshots, backups, and other durable
// blobs are written through. Implementations cover the local filesystem,
// SQLite, in-memory (tests), and S3-compatible object storage, so the same
// persistence code serves a tablet at a venue and a backup bucket.
type BlobStore interface {
	// Read returns the blob stored under key, or ErrKeyNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores a blob under key, replacing any previous value.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// KVStore holds small synchronous string values: favorites sets, last-sync
// markers, feature flags. Kept separate from BlobStore because callers treat
// these as cheap single-row reads, not payloads.
type KVStore interface {
	// GetValue returns the value and whether the key is present.
	GetValue(ctx context.Context, key string) (string, bool, error)

	// SetValue stores a value under key.
	SetValue(ctx context.Context, key string, value string) error

	// DeleteValue removes a key. Removing a missing key is not an error.
	DeleteValue(ctx context.Context, key string) error

	// ListValues returns every key/value pair whose key starts with prefix.
	ListValues(ctx context.Context, prefix string) (map[string]string, error)
}

// RowStore is the row-level persistence fast path for replica tables.
// Backends that implement it (SQLite) get incremental upserts; everything
// else falls back to whole-table snapshot blobs.
type RowStore interface {
	// UpsertRows inserts or replaces rows in a table.
	UpsertRows(ctx context.Context, table string, rows []Row) error

	// LoadRows returns every persisted row of a table.
	LoadRows(ctx context.Context, table string) ([]Row, error)

	// DeleteRow removes one row. Removing a missing row is not an error.
	DeleteRow(ctx context.Context, table string, id string) error

	// PurgeTable removes every row of a table.
	PurgeTable(ctx context.Context, table string) error
}

// MemoryStore keeps everything in process memory. It implements BlobStore,
// KVStore, and RowStore and is the default when a client is opened without
// a path, which is what tests and previews use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	kv    map[string]string
	rows  map[string]map[string]Row
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		kv:    make(map[string]string),
		rows:  make(map[string]map[string]Row),
	}
}

func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.blobs[key]
	return ok, nil
}

func (m *MemoryStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) SetValue(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = value
	return nil
}

func (m *MemoryStore) DeleteValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) ListValues(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for k, v := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertRows(ctx context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.rows[table]
	if !ok {
		t = make(map[string]Row, len(rows))
		m.rows[table] = t
	}
	for _, r := range rows {
		t[r.ID] = r.Clone()
	}
	return nil
}

func (m *MemoryStore) LoadRows(ctx context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.rows[table]
	out := make([]Row, 0, len(t))
	for _, r := range t {
		out = append(out, r.Clone())
	}
	sortRows(out)
	return out, nil
}

func (m *MemoryStore) DeleteRow(ctx context.Context, table string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.rows[table]; ok {
		delete(t, id)
	}
	return nil
}

func (m *MemoryStore) PurgeTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, table)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// FileStore implements BlobStore on a local directory, one file per key.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a truncated snapshot behind.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed blob store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &FileStore{baseDir: filepath.Clean(absDir)}, nil
}

// safePath resolves key inside the base directory, rejecting traversal out
// of it.
func (f *FileStore) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.Clean(key)))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: path escapes store directory")
	}
	return resolved, nil
}

func (f *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (f *FileStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(f.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, err
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileStore) Close() error {
	return nil
}

var (
	_ BlobStore = (*MemoryStore)(nil)
	_ KVStore   = (*MemoryStore)(nil)
	_ RowStore  = (*MemoryStore)(nil)
	_ BlobStore = (*FileStore)(nil)
)
