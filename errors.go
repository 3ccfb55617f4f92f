package ringside

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for the ringside package.
var (
	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrKeyNotFound is returned when a storage key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTableUnknown is returned when an operation names an unregistered table.
	ErrTableUnknown = errors.New("table is not registered")

	// ErrSyncRunning is returned when a sync is requested while one is in flight.
	ErrSyncRunning = errors.New("sync already running")

	// ErrSyncTimeout is returned when a bounded sync exceeds its time
	// allowance. The run keeps going in the background; the report returned
	// alongside carries the results collected so far.
	ErrSyncTimeout = errors.New("sync timed out, continuing in background")

	// ErrNotLoaded is returned when a favorites set is used before its
	// initial load has been started.
	ErrNotLoaded = errors.New("favorites not loaded")

	// ErrChecksumMismatch is returned when a snapshot fails verification.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

	// ErrFeedClosed is returned when subscribing on a closed realtime feed.
	ErrFeedClosed = errors.New("realtime feed is closed")
)

// NetworkError describes a failed call to the remote trial-data API.
type NetworkError struct {
	// Op names the failed operation, e.g. "fetch table".
	Op string
	// URL is the request target.
	URL string
	// Status is the HTTP status code, or 0 for transport-level failures.
	Status int
	Cause  error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Cause != nil:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.Status, e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Cause)
	}
	return fmt.Sprintf("%s %s: network failure", e.Op, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is worth repeating. Transport-level
// failures, 5xx responses, and 429 rate limiting are; other HTTP statuses
// indicate a request that will fail the same way again.
func (e *NetworkError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 || e.Status == 429
}

// newNetworkError creates a new NetworkError.
func newNetworkError(op, url string, status int, cause error) *NetworkError {
	return &NetworkError{Op: op, URL: url, Status: status, Cause: cause}
}

// StorageError describes a failure in the durable local store or a backup
// target.
type StorageError struct {
	// Op names the failed operation, e.g. "write", "load rows".
	Op string
	// Key is the storage key or table involved, if any.
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("storage %s [%s]: %v", e.Op, e.Key, e.Cause)
		}
		return fmt.Sprintf("storage %s [%s]", e.Op, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage %s", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// newStorageError creates a new StorageError.
func newStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}

// PartialSyncError reports the tables that failed during a sync run that
// still completed for the others. The full per-table breakdown lives in the
// SyncReport returned alongside it.
type PartialSyncError struct {
	Failed []SyncResult
}

func (e *PartialSyncError) Error() string {
	names := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		names[i] = r.Table
	}
	return fmt.Sprintf("sync finished with %d failed table(s): %s",
		len(e.Failed), strings.Join(names, ", "))
}

// newPartialSyncError collects the failed results from a finished report.
func newPartialSyncError(report *SyncReport) *PartialSyncError {
	var failed []SyncResult
	for _, r := range report.Results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return &PartialSyncError{Failed: failed}
}
