package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

type fakeLookup struct {
	byName map[string]*store.Worktree
}

func (f *fakeLookup) FindWorktreeByName(name string) (*store.Worktree, error) {
	wt, ok := f.byName[name]
	if !ok {
		return nil, orcherr.NewNotFound("worktree", name)
	}
	return wt, nil
}

func newFakeLookup() *fakeLookup { return &fakeLookup{byName: map[string]*store.Worktree{}} }

func TestServeHTTPRejectsInvalidName(t *testing.T) {
	h := New(newFakeLookup())
	req := httptest.NewRequest(http.MethodGet, "/wt/Not_Valid/api/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if _, ok := rec.Header()["X-Worktree-Name"]; !ok {
		t.Fatalf("expected X-Worktree-Name header even on validation failure (empty is acceptable content but header must be set)")
	}
}

func TestServeHTTPReturnsJSON503WhenNotRunning(t *testing.T) {
	lookup := newFakeLookup()
	lookup.byName["feature-x"] = &store.Worktree{ID: "w1", Name: "feature-x", Status: store.StatusStopped}
	h := New(lookup)

	req := httptest.NewRequest(http.MethodGet, "/wt/feature-x/api/epics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json for an /api/ subpath", ct)
	}
	if rec.Header().Get("X-Worktree-Name") != "feature-x" {
		t.Fatalf("missing X-Worktree-Name header")
	}
	var body errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Message == "" {
		t.Fatalf("expected a non-empty message")
	}
}

func TestServeHTTPReturnsHTML503ForBrowserPaths(t *testing.T) {
	lookup := newFakeLookup()
	lookup.byName["feature-x"] = &store.Worktree{ID: "w1", Name: "feature-x", Status: store.StatusStopped}
	h := New(lookup)

	req := httptest.NewRequest(http.MethodGet, "/wt/feature-x/dashboard", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content-type = %q, want text/html", ct)
	}
}

func TestServeHTTPProxiesToRunningContainer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/epics" {
			t.Errorf("backend received path %q, want /api/epics", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	lookup := newFakeLookup()
	wt := &store.Worktree{ID: "w1", Name: "feature-x", Status: store.StatusRunning}
	wt.ContainerPort.Int64, wt.ContainerPort.Valid = int64(port), true
	lookup.byName["feature-x"] = wt
	h := New(lookup)

	req := httptest.NewRequest(http.MethodGet, "/wt/feature-x/api/epics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Worktree-Name") != "feature-x" {
		t.Fatalf("missing X-Worktree-Name header on proxied response")
	}
}
