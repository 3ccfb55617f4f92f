package ringside

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupTimeLayout names backups sortably: backup_20260301T142500Z.
const backupTimeLayout = "20060102T150405Z"

// BackupConfig configures replica backups.
type BackupConfig struct {
	// Target is the blob store backups are written to (file, S3).
	// Nil disables backups.
	Target BlobStore

	// Prefix namespaces backup keys on the target. Default: "backups".
	Prefix string

	// Retain is the number of backups to keep; older ones are pruned after
	// each successful backup. 0 keeps everything.
	Retain int

	// Encrypt seals backup blobs with the client's encryptor.
	Encrypt bool
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Tables    []string  `json:"tables"`
	Rows      int       `json:"rows"`
	Keys      int       `json:"keys"`
	Encrypted bool      `json:"encrypted"`
}

// backupManifest is the JSON document stored at <prefix>/<name>/manifest.
// It stays unencrypted so backups can be listed without the key.
type backupManifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Tables    []string  `json:"tables"`
	Rows      int       `json:"rows"`
	Keys      int       `json:"keys"`
	Encrypted bool      `json:"encrypted"`
}

// BackupManager snapshots the local replica to a blob store and restores
// from it: every table's rows, plus favorites and sync watermarks.
type BackupManager struct {
	config   BackupConfig
	replicas *ReplicaSet
	kv       KVStore
	enc      *Encryptor
	logger   *slog.Logger

	mu sync.Mutex
}

// NewBackupManager creates a backup manager. The encryptor is only used
// when the config enables encryption.
func NewBackupManager(config BackupConfig, replicas *ReplicaSet, kv KVStore, enc *Encryptor, logger *slog.Logger) (*BackupManager, error) {
	if config.Target == nil {
		return nil, errors.New("backup target is required")
	}
	if replicas == nil {
		return nil, errors.New("backup requires a replica set")
	}
	if config.Prefix == "" {
		config.Prefix = "backups"
	}
	if !config.Encrypt {
		enc = nil
	}
	if config.Encrypt && enc == nil {
		return nil, errors.New("backup encryption enabled but no encryptor configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BackupManager{
		config:   config,
		replicas: replicas,
		kv:       kv,
		enc:      enc,
		logger:   logger,
	}, nil
}

// Backup snapshots every replica table and the client's KV state into one
// named archive, then prunes old backups past the retention count.
func (bm *BackupManager) Backup(ctx context.Context) (BackupInfo, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	createdAt := time.Now().UTC()
	name := "backup_" + createdAt.Format(backupTimeLayout)
	tables := bm.replicas.Tables()

	var totalRows int
	for _, table := range tables {
		t, ok := bm.replicas.Table(table)
		if !ok {
			continue
		}
		rows := t.All()

		data, err := encodeSnapshot(table, rows, bm.enc)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("backup table %s: %w", table, err)
		}
		if err := bm.config.Target.Write(ctx, bm.key(name, "table_"+table), data); err != nil {
			return BackupInfo{}, fmt.Errorf("backup table %s: %w", table, err)
		}
		totalRows += len(rows)
	}

	entries, err := bm.captureKV(ctx)
	if err != nil {
		return BackupInfo{}, err
	}
	if len(entries) > 0 {
		blob, err := encodeKVEntries(entries, bm.enc)
		if err != nil {
			return BackupInfo{}, fmt.Errorf("backup kv: %w", err)
		}
		if err := bm.config.Target.Write(ctx, bm.key(name, "kv"), blob); err != nil {
			return BackupInfo{}, fmt.Errorf("backup kv: %w", err)
		}
	}

	manifest := backupManifest{
		Version:   1,
		CreatedAt: createdAt,
		Tables:    tables,
		Rows:      totalRows,
		Keys:      len(entries),
		Encrypted: bm.enc != nil,
	}
	data, err := json.Marshal(&manifest)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("backup manifest: %w", err)
	}
	if err := bm.config.Target.Write(ctx, bm.key(name, "manifest"), data); err != nil {
		return BackupInfo{}, fmt.Errorf("backup manifest: %w", err)
	}

	bm.pruneLocked(ctx)

	bm.logger.Info("backup complete",
		"name", name, "tables", len(tables), "rows", totalRows, "keys", len(entries))

	return BackupInfo{
		Name:      name,
		CreatedAt: createdAt,
		Tables:    tables,
		Rows:      totalRows,
		Keys:      len(entries),
		Encrypted: bm.enc != nil,
	}, nil
}

// captureKV collects the KV entries worth carrying across devices:
// favorites sets and per-table sync watermarks.
func (bm *BackupManager) captureKV(ctx context.Context) (map[string]string, error) {
	if bm.kv == nil {
		return nil, nil
	}

	entries := make(map[string]string)
	for _, prefix := range []string{"favorites_", "sync_watermark_"} {
		vals, err := bm.kv.ListValues(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("backup kv %s: %w", prefix, err)
		}
		for k, v := range vals {
			entries[k] = v
		}
	}
	return entries, nil
}

// Restore replaces the replica tables and KV entries with the contents of a
// named backup, verifying checksums, and re-persists everything locally.
func (bm *BackupManager) Restore(ctx context.Context, name string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	data, err := bm.config.Target.Read(ctx, bm.key(name, "manifest"))
	if err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	var manifest backupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("restore %s: manifest corrupted: %w", name, err)
	}

	for _, table := range manifest.Tables {
		blob, err := bm.config.Target.Read(ctx, bm.key(name, "table_"+table))
		if err != nil {
			return fmt.Errorf("restore %s table %s: %w", name, table, err)
		}
		doc, err := decodeSnapshot(blob, bm.enc)
		if err != nil {
			return fmt.Errorf("restore %s table %s: %w", name, table, err)
		}

		if err := bm.replicas.Register(table); err != nil {
			return fmt.Errorf("restore %s table %s: %w", name, table, err)
		}
		t, _ := bm.replicas.Table(table)
		t.replaceAll(doc.Rows)
		if err := bm.replicas.persistTable(ctx, t, doc.Rows, true); err != nil {
			return fmt.Errorf("restore %s table %s: %w", name, table, err)
		}
	}

	if manifest.Keys > 0 && bm.kv != nil {
		blob, err := bm.config.Target.Read(ctx, bm.key(name, "kv"))
		if err != nil {
			return fmt.Errorf("restore %s kv: %w", name, err)
		}
		entries, err := decodeKVEntries(blob, bm.enc)
		if err != nil {
			return fmt.Errorf("restore %s kv: %w", name, err)
		}
		for k, v := range entries {
			if err := bm.kv.SetValue(ctx, k, v); err != nil {
				return fmt.Errorf("restore %s kv %s: %w", name, k, err)
			}
		}
	}

	bm.logger.Info("restore complete",
		"name", name, "tables", len(manifest.Tables), "rows", manifest.Rows)
	return nil
}

// RestoreLatest restores the most recent backup.
func (bm *BackupManager) RestoreLatest(ctx context.Context) error {
	backups, err := bm.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errors.New("no backups found")
	}
	return bm.Restore(ctx, backups[len(backups)-1].Name)
}

// ListBackups returns the stored backups, oldest first.
func (bm *BackupManager) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	keys, err := bm.config.Target.List(ctx, bm.config.Prefix+"/")
	if err != nil {
		return nil, err
	}

	var infos []BackupInfo
	for _, key := range keys {
		if !strings.HasSuffix(key, "/manifest") {
			continue
		}
		data, err := bm.config.Target.Read(ctx, key)
		if err != nil {
			bm.logger.Warn("unreadable backup manifest", "key", key, "err", err)
			continue
		}
		var manifest backupManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			bm.logger.Warn("corrupted backup manifest", "key", key, "err", err)
			continue
		}

		name := strings.TrimSuffix(strings.TrimPrefix(key, bm.config.Prefix+"/"), "/manifest")
		infos = append(infos, BackupInfo{
			Name:      name,
			CreatedAt: manifest.CreatedAt,
			Tables:    manifest.Tables,
			Rows:      manifest.Rows,
			Keys:      manifest.Keys,
			Encrypted: manifest.Encrypted,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// DeleteBackup removes every blob of a named backup.
func (bm *BackupManager) DeleteBackup(ctx context.Context, name string) error {
	keys, err := bm.config.Target.List(ctx, bm.key(name, ""))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := bm.config.Target.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// pruneLocked deletes the oldest backups past the retention count. Failures
// are logged, not fatal: the new backup already succeeded.
func (bm *BackupManager) pruneLocked(ctx context.Context) {
	if bm.config.Retain <= 0 {
		return
	}

	backups, err := bm.ListBackups(ctx)
	if err != nil {
		bm.logger.Warn("backup prune: list failed", "err", err)
		return
	}
	if len(backups) <= bm.config.Retain {
		return
	}

	for _, old := range backups[:len(backups)-bm.config.Retain] {
		if err := bm.DeleteBackup(ctx, old.Name); err != nil {
			bm.logger.Warn("backup prune failed", "name", old.Name, "err", err)
			continue
		}
		bm.logger.Debug("pruned old backup", "name", old.Name)
	}
}

func (bm *BackupManager) key(name, part string) string {
	return bm.config.Prefix + "/" + name + "/" + part
}
