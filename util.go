package ringside

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Validation errors
var (
	ErrInvalidTableName = errors.New("invalid table name")
	ErrInvalidRowID     = errors.New("invalid row id")
)

// tableNameRegex validates table names: alphanumeric and underscores,
// starting with a letter or underscore. Table names end up in cache keys,
// blob paths and API URLs, so they are kept deliberately narrow.
var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxTableNameLen is the maximum allowed table name length
const maxTableNameLen = 128

// maxRowIDLen is the maximum allowed row id length
const maxRowIDLen = 256

// ValidateTableName validates a replica table name.
func ValidateTableName(name string) error {
	if name == "" {
		return ErrInvalidTableName
	}
	if len(name) > maxTableNameLen {
		return ErrInvalidTableName
	}
	// Check for path traversal attempts
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return ErrInvalidTableName
	}
	if !tableNameRegex.MatchString(name) {
		return ErrInvalidTableName
	}
	return nil
}

// ValidateRowID validates a row identifier.
func ValidateRowID(id string) error {
	if id == "" {
		return ErrInvalidRowID
	}
	if len(id) > maxRowIDLen {
		return ErrInvalidRowID
	}
	// Check for control characters
	for _, r := range id {
		if r < 32 {
			return ErrInvalidRowID
		}
	}
	return nil
}
