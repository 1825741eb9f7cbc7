package assetcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	layererrors "Strata/pkg/errors"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.wav":
			w.Write([]byte("RIFF-data"))
		case "/gone.wav":
			http.Error(w, "gone", http.StatusGone)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStore(t *testing.T) {
	srv := newServer(t)
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := c.Store(context.Background(), srv.URL+"/ok.wav", "job-42")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if filepath.Base(path) != "job-42.wav" {
		t.Errorf("path = %s, want job-42.wav", path)
	}
	if path != c.Path("job-42") {
		t.Errorf("Store path %s differs from Path %s", path, c.Path("job-42"))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "RIFF-data" {
		t.Errorf("cached content = %q, %v", data, err)
	}
	if !c.Has("job-42") {
		t.Error("Has should report the cached job")
	}
}

func TestStoreIsIdempotent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("RIFF-data"))
	}))
	t.Cleanup(srv.Close)
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := c.Store(context.Background(), srv.URL+"/ok.wav", "job-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Store(context.Background(), srv.URL+"/ok.wav", "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("re-download produced a different path: %s vs %s", first, second)
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	entries, _ := os.ReadDir(c.Dir())
	if len(entries) != 1 {
		t.Errorf("cache holds %d files, want 1", len(entries))
	}
}

func TestStoreFailures(t *testing.T) {
	srv := newServer(t)
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		url  string
		job  string
	}{
		{"non-200", srv.URL + "/gone.wav", "job-a"},
		{"not found", srv.URL + "/missing.wav", "job-b"},
		{"transport", "http://127.0.0.1:1/x.wav", "job-c"},
		{"empty job", srv.URL + "/ok.wav", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Store(context.Background(), tt.url, tt.job)
			if !errors.Is(err, layererrors.ErrDownload) {
				t.Errorf("err = %v, want ErrDownload", err)
			}
			if tt.job != "" && c.Has(tt.job) {
				t.Error("failed download must not leave a file behind")
			}
		})
	}
}

func TestRemove(t *testing.T) {
	srv := newServer(t)
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(context.Background(), srv.URL+"/ok.wav", "job-r"); err != nil {
		t.Fatal(err)
	}

	if err := c.Remove("job-r"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Has("job-r") {
		t.Error("asset still cached after Remove")
	}
	if err := c.Remove("job-r"); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}

func TestPathSanitisesJobID(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	p := c.Path("../../etc/passwd")
	if filepath.Dir(p) != c.Dir() {
		t.Errorf("Path escaped the cache dir: %s", p)
	}
}
