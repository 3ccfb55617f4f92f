package ringside

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Row is the engine's generic projection of one synced entity: a class, an
// entry, a result line. Rows are treated as immutable values; every
// component that needs to change one clones it first, so a Row handed to a
// caller is never mutated underneath them.
type Row struct {
	// ID is the stable entity identifier assigned by the backend.
	ID string `json:"id"`
	// Fields holds the entity payload keyed by column name.
	Fields map[string]any `json:"fields,omitempty"`
	// UpdatedAt is the server-side modification time in Unix milliseconds.
	// It drives most-recent-wins merging between replica versions.
	UpdatedAt int64 `json:"updated_at"`
	// Deleted marks a tombstone received from the backend.
	Deleted bool `json:"deleted,omitempty"`
}

// Field returns the named payload value and whether it is present.
func (r Row) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the row. The Fields map is copied one level
// deep, which is sufficient because payload values are JSON scalars, slices,
// or maps that the engine never mutates in place.
func (r Row) Clone() Row {
	out := r
	out.Fields = cloneFields(r.Fields)
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// mergeRow resolves two versions of the same entity, keeping the more
// recently updated one. Ties go to the incoming version so that a re-synced
// row always lands.
func mergeRow(existing, incoming Row) Row {
	if existing.UpdatedAt > incoming.UpdatedAt {
		return existing
	}
	return incoming
}

// sortRows orders rows by ID in place so table listings are deterministic.
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}

// cloneRows returns a deep copy of a row slice.
func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// keySeparator joins the table prefix and scope parts of a cache key.
// Reconciler patching and prefix invalidation rely on it.
const keySeparator = ":"

// maxLiteralKeyLen is the longest key stored verbatim; anything longer is
// collapsed to a digest so keys stay usable as map keys and log fields.
const maxLiteralKeyLen = 160

// CacheKey builds a cache key under a table's prefix, e.g.
// CacheKey("entries", trialID, "ring1") -> "entries:t42:ring1". Keys that
// would grow unwieldy are collapsed to a sha256 digest while keeping the
// table prefix intact, so prefix matching still works.
func CacheKey(table string, parts ...string) string {
	if len(parts) == 0 {
		return table
	}
	key := table + keySeparator + strings.Join(parts, keySeparator)
	if len(key) <= maxLiteralKeyLen {
		return key
	}
	hash := sha256.Sum256([]byte(key))
	return table + keySeparator + fmt.Sprintf("%x", hash[:16])
}

// keyTable extracts the table prefix from a cache key.
func keyTable(key string) string {
	if i := strings.Index(key, keySeparator); i >= 0 {
		return key[:i]
	}
	return key
}

// tablePrefix returns the prefix that matches every cache key scoped to a
// table, including the bare table key itself.
func tablePrefix(table string) string {
	return table + keySeparator
}
