package ringside

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestHTTPSource(t *testing.T, handler http.Handler) (*HTTPSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPSourceConfig(srv.URL)
	cfg.Retry = fastRetryConfig(3)
	src, err := NewHTTPSource(cfg)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	return src, srv
}

func TestHTTPSourceFetchTable(t *testing.T) {
	var gotPath, gotQuery string
	src, _ := newTestHTTPSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rows":[{"id":"e1","updated_at":20,"fields":{"dog":"Rex"}},{"id":"e2","updated_at":21,"fields":{"dog":"Pip"}}]}`))
	}))

	rows, err := src.FetchTable(context.Background(), "entries", FetchParams{
		LicenseID: "akc-4417",
		TrialID:   "t-9",
		Since:     1234,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/api/v1/tables/entries/rows" {
		t.Fatalf("expected table endpoint, got %q", gotPath)
	}
	if gotQuery != "license_id=akc-4417&since=1234&trial_id=t-9" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(rows) != 2 || rows[0].ID != "e1" || rows[0].Fields["dog"] != "Rex" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	if _, err := src.FetchTable(context.Background(), "no such table", FetchParams{}); err == nil {
		t.Fatalf("expected invalid table name rejected before the request")
	}
}

func TestHTTPSourceFetchRow(t *testing.T) {
	src, _ := newTestHTTPSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tables/entries/rows/e1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id":"e1","updated_at":20,"fields":{"dog":"Rex"}}`))
	}))

	row, err := src.FetchRow(context.Background(), "entries", "e1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if row.ID != "e1" || row.UpdatedAt != 20 {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestHTTPSourceGzipResponse(t *testing.T) {
	src, _ := newTestHTTPSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			t.Errorf("expected gzip accepted, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"rows":[{"id":"c1","updated_at":5}]}`))
		gz.Close()
	}))

	rows, err := src.FetchTable(context.Background(), "classes", FetchParams{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "c1" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestHTTPSourceBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"rows":[]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPSourceConfig(srv.URL)
	cfg.Retry = fastRetryConfig(1)
	cfg.Token = func(ctx context.Context) (string, error) { return "tok-123", nil }
	src, err := NewHTTPSource(cfg)
	if err != nil {
		t.Fatalf("source: %v", err)
	}

	if _, err := src.FetchTable(context.Background(), "classes", FetchParams{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}

	cfg.Token = func(ctx context.Context) (string, error) { return "", errors.New("vault sealed") }
	src, err = NewHTTPSource(cfg)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if _, err := src.FetchTable(context.Background(), "classes", FetchParams{}); err == nil {
		t.Fatalf("expected token resolution failure surfaced")
	}
}

func TestHTTPSourceRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTestHTTPSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"rows":[{"id":"r1","updated_at":1}]}`))
	}))

	rows, err := src.FetchTable(context.Background(), "results", FetchParams{})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if len(rows) != 1 || calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d (rows %+v)", calls.Load(), rows)
	}
}

func TestHTTPSourceDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTestHTTPSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such table", http.StatusNotFound)
	}))

	_, err := src.FetchTable(context.Background(), "bogus_table", FetchParams{})
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 network error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for a 404, got %d", calls.Load())
	}
}

func TestHTTPSourceRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPSource(HTTPSourceConfig{}); err == nil {
		t.Fatalf("expected missing base URL rejected")
	}
}
