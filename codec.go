package ringside

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

const (
	snapshotMagic   = "RSNP"
	snapshotVersion = 1

	snapshotFlagEncrypted = 0x01
)

// snapshotDoc is the persisted form of a table replica: the full row set
// plus enough metadata to verify integrity on load.
type snapshotDoc struct {
	Version  int    `json:"version"`
	Table    string `json:"table"`
	Count    int    `json:"count"`
	SavedAt  int64  `json:"saved_at"`
	Checksum string `json:"checksum"`
	Rows     []Row  `json:"rows"`
}

// kvDoc is the persisted form of the KV entries captured in a backup:
// favorites sets and sync watermarks.
type kvDoc struct {
	Version  int               `json:"version"`
	SavedAt  int64             `json:"saved_at"`
	Checksum string            `json:"checksum"`
	Entries  map[string]string `json:"entries"`
}

// encodeSnapshot serializes a table's rows into a framed blob:
// magic || version || flags || snappy(JSON), optionally sealed by enc.
// The embedded checksum covers the document with the checksum field empty.
func encodeSnapshot(table string, rows []Row, enc *Encryptor) ([]byte, error) {
	doc := snapshotDoc{
		Version: snapshotVersion,
		Table:   table,
		Count:   len(rows),
		SavedAt: time.Now().UnixMilli(),
		Rows:    rows,
	}

	sum, err := docChecksum(&doc, &doc.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum snapshot: %w", err)
	}
	doc.Checksum = sum

	payload, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return frameBlob(payload, enc)
}

// decodeSnapshot parses a blob written by encodeSnapshot and verifies its
// checksum. Returns ErrChecksumMismatch when the payload does not match.
func decodeSnapshot(data []byte, enc *Encryptor) (*snapshotDoc, error) {
	payload, err := unframeBlob(data, enc)
	if err != nil {
		return nil, err
	}

	var doc snapshotDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	expected := doc.Checksum
	sum, err := docChecksum(&doc, &doc.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum snapshot: %w", err)
	}
	if sum != expected {
		return nil, fmt.Errorf("snapshot %s: %w", doc.Table, ErrChecksumMismatch)
	}

	return &doc, nil
}

// encodeKVEntries serializes backup KV entries with the same framing as
// table snapshots.
func encodeKVEntries(entries map[string]string, enc *Encryptor) ([]byte, error) {
	doc := kvDoc{
		Version: snapshotVersion,
		SavedAt: time.Now().UnixMilli(),
		Entries: entries,
	}

	sum, err := docChecksum(&doc, &doc.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum kv blob: %w", err)
	}
	doc.Checksum = sum

	payload, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal kv blob: %w", err)
	}
	return frameBlob(payload, enc)
}

// decodeKVEntries parses a blob written by encodeKVEntries.
func decodeKVEntries(data []byte, enc *Encryptor) (map[string]string, error) {
	payload, err := unframeBlob(data, enc)
	if err != nil {
		return nil, err
	}

	var doc kvDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kv blob: %w", err)
	}

	expected := doc.Checksum
	sum, err := docChecksum(&doc, &doc.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum kv blob: %w", err)
	}
	if sum != expected {
		return nil, fmt.Errorf("kv blob: %w", ErrChecksumMismatch)
	}

	return doc.Entries, nil
}

// frameBlob compresses a payload and prepends the frame header:
// magic || version || flags. When enc is set, the compressed body is sealed
// and the encrypted flag recorded.
func frameBlob(payload []byte, enc *Encryptor) ([]byte, error) {
	body := snappy.Encode(nil, payload)

	var flags byte
	if enc != nil {
		sealed, err := enc.Seal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt blob: %w", err)
		}
		body = sealed
		flags |= snapshotFlagEncrypted
	}

	out := make([]byte, 0, len(snapshotMagic)+2+len(body))
	out = append(out, snapshotMagic...)
	out = append(out, snapshotVersion, flags)
	return append(out, body...), nil
}

// unframeBlob validates the frame header, decrypts when flagged, and
// decompresses the payload.
func unframeBlob(data []byte, enc *Encryptor) ([]byte, error) {
	headerLen := len(snapshotMagic) + 2
	if len(data) < headerLen {
		return nil, fmt.Errorf("blob too short: %d bytes", len(data))
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("not a snapshot blob")
	}
	if v := data[len(snapshotMagic)]; v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}
	flags := data[len(snapshotMagic)+1]
	body := data[headerLen:]

	if flags&snapshotFlagEncrypted != 0 {
		if enc == nil {
			return nil, fmt.Errorf("blob is encrypted but encryption is not configured")
		}
		plain, err := enc.Open(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt blob: %w", err)
		}
		body = plain
	}

	payload, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return payload, nil
}

// docChecksum computes a hex SHA-256 over a document's canonical JSON with
// its checksum field cleared. The field is restored before returning.
func docChecksum(doc any, checksumField *string) (string, error) {
	saved := *checksumField
	*checksumField = ""
	data, err := json.Marshal(doc)
	*checksumField = saved
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}
