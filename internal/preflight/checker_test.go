package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchestrator/devchain/internal/store"
)

func newTestChecker(t *testing.T) (*Checker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "devchain.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := New(st, 4317)
	c.enabledEnv = func() string { return "" }
	return c, st
}

func TestCheckDevchainAccessCreatesDirectoryWhenMissing(t *testing.T) {
	dir := t.TempDir()
	result := checkDevchainAccess(dir)
	if result.Status != StatusPass {
		t.Fatalf("status = %v, message = %q", result.Status, result.Message)
	}
	if info, err := os.Stat(filepath.Join(dir, ".devchain")); err != nil || !info.IsDir() {
		t.Fatalf(".devchain was not created: %v", err)
	}
}

func TestCheckProviderBinaryFailsWhenBinPathEmpty(t *testing.T) {
	c, _ := newTestChecker(t)
	provider := &store.Provider{Name: "claude"}
	result := c.checkProviderBinary(provider)
	if result.Status != StatusFail {
		t.Fatalf("status = %v, want fail", result.Status)
	}
}

func TestCheckProviderOptionsFlagsUnparseableString(t *testing.T) {
	c, st := newTestChecker(t)
	project, err := st.EnsureProject("demo", t.TempDir())
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	provider, err := st.EnsureProvider("claude", "/usr/bin/claude")
	if err != nil {
		t.Fatalf("EnsureProvider: %v", err)
	}
	if _, err := st.EnsureProfile(project.ID, "broken", provider.ID, `--flag "unterminated`); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}

	results := c.checkProviderOptions(provider)
	if len(results) != 1 || results[0].Status != StatusFail {
		t.Fatalf("results = %+v, want one failing check", results)
	}
}

func TestRunCachesReportUntilInvalidated(t *testing.T) {
	c, _ := newTestChecker(t)
	projectPath := t.TempDir()

	if _, err := c.Run(context.Background(), projectPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sentinel := Report{Status: StatusWarn, Checks: []CheckResult{{Name: "sentinel"}}}
	c.mu.Lock()
	c.cache[projectPath] = cacheEntry{report: sentinel, expiresAt: time.Now().Add(time.Minute)}
	c.mu.Unlock()

	cached, err := c.Run(context.Background(), projectPath)
	if err != nil {
		t.Fatalf("Run (cached): %v", err)
	}
	if len(cached.Checks) != 1 || cached.Checks[0].Name != "sentinel" {
		t.Fatalf("expected the cached sentinel report to be returned untouched, got %+v", cached)
	}

	c.InvalidateProject(projectPath)
	fresh, err := c.Run(context.Background(), projectPath)
	if err != nil {
		t.Fatalf("Run (after invalidate): %v", err)
	}
	if len(fresh.Checks) == 1 && fresh.Checks[0].Name == "sentinel" {
		t.Fatal("expected InvalidateProject to force recomputation past the cached sentinel")
	}
}
