package ringside

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// newBackupFixture builds a synced replica set over two tables plus a KV
// store carrying a favorites set, ready to be backed up.
func newBackupFixture(t *testing.T) (*ReplicaSet, *MemoryStore) {
	t.Helper()
	remote := newFakeRemote()
	remote.set("classes", testRow("c1", 10, map[string]any{"name": "Novice A"}))
	remote.set("entries",
		testRow("e1", 20, map[string]any{"dog": "Rex"}),
		testRow("e2", 21, map[string]any{"dog": "Pip"}))

	store := NewMemoryStore()
	rs, err := NewReplicaSet(ReplicaSetConfig{
		Tables:   []string{"classes", "entries"},
		Remote:   remote,
		RowStore: store,
		KV:       store,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("replica set: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	if _, err := rs.SyncAll(context.Background(), SyncParams{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := store.SetValue(context.Background(), "favorites_l1_t1", `["5","9"]`); err != nil {
		t.Fatalf("seed favorites: %v", err)
	}
	return rs, store
}

// newRestoreTarget builds an empty replica set and KV store to restore into.
func newRestoreTarget(t *testing.T) (*ReplicaSet, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	rs, err := NewReplicaSet(ReplicaSetConfig{
		Remote:   newFakeRemote(),
		RowStore: store,
		KV:       store,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("replica set: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs, store
}

func TestBackupRestoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	rs, kv := newBackupFixture(t)
	target := NewMemoryStore()

	bm, err := NewBackupManager(BackupConfig{Target: target}, rs, kv, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	info, err := bm.Backup(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasPrefix(info.Name, "backup_") {
		t.Fatalf("expected sortable backup name, got %q", info.Name)
	}
	if info.Rows != 3 || info.Encrypted {
		t.Fatalf("expected 3 plain rows, got %+v", info)
	}
	if info.Keys == 0 {
		t.Fatalf("expected kv entries captured, got %+v", info)
	}

	freshRS, freshKV := newRestoreTarget(t)
	restorer, err := NewBackupManager(BackupConfig{Target: target}, freshRS, freshKV, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := restorer.Restore(ctx, info.Name); err != nil {
		t.Fatalf("restore: %v", err)
	}

	entries, ok := freshRS.Table("entries")
	if !ok {
		t.Fatalf("expected restore to register entries")
	}
	rows := entries.All()
	if len(rows) != 2 || rows[0].ID != "e1" || rows[0].Fields["dog"] != "Rex" {
		t.Fatalf("expected entries restored, got %+v", rows)
	}
	if v, ok, _ := freshKV.GetValue(ctx, "favorites_l1_t1"); !ok || v != `["5","9"]` {
		t.Fatalf("expected favorites restored, got %q (present=%v)", v, ok)
	}
}

func TestBackupEncryptedRoundtrip(t *testing.T) {
	ctx := context.Background()
	rs, kv := newBackupFixture(t)
	target := NewMemoryStore()

	enc, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "handler-pass"})
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	bm, err := NewBackupManager(BackupConfig{Target: target, Encrypt: true}, rs, kv, enc, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	info, err := bm.Backup(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !info.Encrypted {
		t.Fatalf("expected encrypted backup, got %+v", info)
	}

	blob, err := target.Read(ctx, "backups/"+info.Name+"/table_entries")
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if bytes.Contains(blob, []byte("Rex")) {
		t.Fatalf("expected ciphertext blob, found plaintext field value")
	}

	// Restore on a different device: a fresh encryptor from the same
	// password must open the blobs via their embedded salt.
	otherEnc, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "handler-pass"})
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	freshRS, freshKV := newRestoreTarget(t)
	restorer, err := NewBackupManager(BackupConfig{Target: target, Encrypt: true}, freshRS, freshKV, otherEnc, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := restorer.Restore(ctx, info.Name); err != nil {
		t.Fatalf("restore: %v", err)
	}
	classes, _ := freshRS.Table("classes")
	if rows := classes.All(); len(rows) != 1 || rows[0].Fields["name"] != "Novice A" {
		t.Fatalf("expected classes restored, got %+v", rows)
	}

	// Without the key the encrypted blobs must not decode.
	plainRS, plainKV := newRestoreTarget(t)
	plain, err := NewBackupManager(BackupConfig{Target: target}, plainRS, plainKV, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := plain.Restore(ctx, info.Name); err == nil {
		t.Fatalf("expected keyless restore rejected")
	}
}

func TestBackupManagerValidation(t *testing.T) {
	rs, kv := newBackupFixture(t)

	if _, err := NewBackupManager(BackupConfig{}, rs, kv, nil, discardLogger()); err == nil {
		t.Fatalf("expected missing target rejected")
	}
	if _, err := NewBackupManager(BackupConfig{Target: NewMemoryStore()}, nil, kv, nil, discardLogger()); err == nil {
		t.Fatalf("expected missing replica set rejected")
	}
	if _, err := NewBackupManager(BackupConfig{Target: NewMemoryStore(), Encrypt: true}, rs, kv, nil, discardLogger()); err == nil {
		t.Fatalf("expected encryption without encryptor rejected")
	}
}

func TestBackupRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	rs, kv := newBackupFixture(t)
	target := NewMemoryStore()

	// Seed two older backups; their names sort before anything created now.
	stale := `{"version":1,"created_at":"2020-01-01T00:00:00Z","tables":[],"rows":0,"keys":0}`
	for _, name := range []string{"backup_20200101T000000Z", "backup_20200102T000000Z"} {
		if err := target.Write(ctx, "backups/"+name+"/manifest", []byte(stale)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	bm, err := NewBackupManager(BackupConfig{Target: target, Retain: 2}, rs, kv, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if _, err := bm.Backup(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	backups, err := bm.ListBackups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected retention of 2, got %d", len(backups))
	}
	if backups[0].Name != "backup_20200102T000000Z" {
		t.Fatalf("expected oldest backup pruned, got %+v", backups)
	}
}

func TestRestoreLatest(t *testing.T) {
	ctx := context.Background()
	rs, kv := newBackupFixture(t)
	target := NewMemoryStore()

	bm, err := NewBackupManager(BackupConfig{Target: target}, rs, kv, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := bm.RestoreLatest(ctx); err == nil {
		t.Fatalf("expected empty target rejected")
	}

	if _, err := bm.Backup(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	freshRS, freshKV := newRestoreTarget(t)
	restorer, err := NewBackupManager(BackupConfig{Target: target}, freshRS, freshKV, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := restorer.RestoreLatest(ctx); err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if entries, ok := freshRS.Table("entries"); !ok || len(entries.All()) != 2 {
		t.Fatalf("expected latest backup restored")
	}
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	rs, kv := newBackupFixture(t)
	target := NewMemoryStore()

	bm, err := NewBackupManager(BackupConfig{Target: target}, rs, kv, nil, discardLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	info, err := bm.Backup(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	if err := bm.DeleteBackup(ctx, info.Name); err != nil {
		t.Fatalf("delete: %v", err)
	}
	backups, err := bm.ListBackups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 0 {
		t.Fatalf("expected no backups after delete, got %+v", backups)
	}
	if ok, _ := target.Exists(ctx, "backups/"+info.Name+"/manifest"); ok {
		t.Fatalf("expected manifest blob removed")
	}
}
