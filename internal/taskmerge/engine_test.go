package taskmerge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/orchestrator/devchain/internal/store"
)

func newContainerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/epics", func(w http.ResponseWriter, r *http.Request) {
		writeItems(w, []sourceEpic{
			{ID: "e1", Title: "Root epic", StatusID: "s1", AgentID: "a1"},
			{ID: "e2", Title: "Child epic", StatusID: "s1", AgentID: "a1", ParentID: "e1"},
			{ID: "e3", Title: "Orphan epic", StatusID: "s2", AgentID: "a2", ParentID: "missing-parent"},
		})
	})
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		writeItems(w, []sourceAgent{
			{ID: "a1", DisplayName: "Agent One"},
			{ID: "a2", DisplayName: "Agent Two"},
		})
	})
	mux.HandleFunc("/api/statuses", func(w http.ResponseWriter, r *http.Request) {
		writeItems(w, []sourceStatus{
			{ID: "s1", Label: "Done", Color: "#00ff00"},
		})
	})
	mux.HandleFunc("/api/agent-profiles", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/profiles", func(w http.ResponseWriter, r *http.Request) {
		writeItems(w, []sourceProfile{})
	})
	return httptest.NewServer(mux)
}

func writeItems[T any](w http.ResponseWriter, items []T) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listResponse[T]{Items: items})
}

func newTestEngine(t *testing.T, mode string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, mode, t.TempDir(), "main"), st
}

func createMergeableWorktree(t *testing.T, st *store.Store, srv *httptest.Server) *store.Worktree {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	w := &store.Worktree{
		Name:           "feature-merge",
		BranchName:     "feature-merge",
		BaseBranch:     "main",
		RepoPath:       "/tmp/repo",
		WorktreePath:   "/tmp/repo/.devchain/worktrees/feature-merge",
		RuntimeType:    store.RuntimeContainer,
		OwnerProjectID: "proj-1",
		Status:         store.StatusRunning,
	}
	w.ContainerPort.Int64, w.ContainerPort.Valid = int64(port), true
	w.DevchainProjectID.String, w.DevchainProjectID.Valid = "source-project", true
	created, err := st.CreateWorktree(w)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	return created
}

func TestMergeTasksFromContainerInsertsDedupRows(t *testing.T) {
	srv := newContainerServer(t)
	defer srv.Close()
	engine, st := newTestEngine(t, "normal")
	w := createMergeableWorktree(t, st, srv)

	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err != nil {
		t.Fatalf("MergeTasksFromContainer: %v", err)
	}

	epics, err := st.ListMergedEpics(w.ID)
	if err != nil {
		t.Fatalf("ListMergedEpics: %v", err)
	}
	if len(epics) != 3 {
		t.Fatalf("len(epics) = %d, want 3", len(epics))
	}
	agents, err := st.ListMergedAgents(w.ID)
	if err != nil {
		t.Fatalf("ListMergedAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len(agents) = %d, want 2", len(agents))
	}
}

func TestMergeTasksFromContainerIsIdempotent(t *testing.T) {
	srv := newContainerServer(t)
	defer srv.Close()
	engine, st := newTestEngine(t, "normal")
	w := createMergeableWorktree(t, st, srv)

	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err != nil {
		t.Fatalf("first MergeTasksFromContainer: %v", err)
	}
	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err != nil {
		t.Fatalf("second MergeTasksFromContainer: %v", err)
	}

	epics, err := st.ListMergedEpics(w.ID)
	if err != nil {
		t.Fatalf("ListMergedEpics: %v", err)
	}
	if len(epics) != 3 {
		t.Fatalf("len(epics) after re-merge = %d, want 3 (no duplicates)", len(epics))
	}
}

func TestMergeTasksFromContainerRejectsMissingContainerPort(t *testing.T) {
	_, st := newTestEngine(t, "normal")
	w, err := st.CreateWorktree(&store.Worktree{
		Name: "no-port", BranchName: "no-port", BaseBranch: "main",
		RepoPath: "/tmp/repo", WorktreePath: "/tmp/repo/.devchain/worktrees/no-port",
		RuntimeType: store.RuntimeProcess, OwnerProjectID: "proj-1", Status: store.StatusRunning,
	})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	engine := New(st, "normal", t.TempDir(), "main")
	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err == nil {
		t.Fatalf("expected precondition error for missing container port")
	}
}

func TestImportToMainProjectResolvesTopologyAndOrphans(t *testing.T) {
	srv := newContainerServer(t)
	defer srv.Close()
	engine, st := newTestEngine(t, "main")
	w := createMergeableWorktree(t, st, srv)

	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err != nil {
		t.Fatalf("MergeTasksFromContainer: %v", err)
	}

	projectID, err := st.EnsureMainProject("main", engine.repoPath)
	if err != nil {
		t.Fatalf("EnsureMainProject: %v", err)
	}
	mainEpics, err := st.ListMainEpicsByMergedFrom(projectID, w.ID)
	if err != nil {
		t.Fatalf("ListMainEpicsByMergedFrom: %v", err)
	}
	if len(mainEpics) != 3 {
		t.Fatalf("len(mainEpics) = %d, want 3", len(mainEpics))
	}

	root, ok := mainEpics["e1"]
	if !ok || root.ParentID.Valid {
		t.Fatalf("expected root epic e1 with no parent, got %+v ok=%v", root, ok)
	}
	child, ok := mainEpics["e2"]
	if !ok || !child.ParentID.Valid || child.ParentID.String != root.ID {
		t.Fatalf("expected e2 parented to e1's main id, got %+v", child)
	}
	orphan, ok := mainEpics["e3"]
	if !ok || orphan.ParentID.Valid {
		t.Fatalf("expected orphan epic e3 with null parent, got %+v", orphan)
	}
	marker, ok := store.ExtractMergedFrom(orphan.Data)
	if !ok || !marker.UnresolvedParent {
		t.Fatalf("expected unresolvedParent=true marker on orphan, got %+v ok=%v", marker, ok)
	}
}

func TestImportToMainProjectIsIdempotent(t *testing.T) {
	srv := newContainerServer(t)
	defer srv.Close()
	engine, st := newTestEngine(t, "main")
	w := createMergeableWorktree(t, st, srv)

	if err := engine.MergeTasksFromContainer(context.Background(), w.ID); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if err := engine.importToMainProject(context.Background(), w.ID, w.Name); err != nil {
		t.Fatalf("second importToMainProject: %v", err)
	}

	projectID, err := st.EnsureMainProject("main", engine.repoPath)
	if err != nil {
		t.Fatalf("EnsureMainProject: %v", err)
	}
	mainEpics, err := st.ListMainEpicsByMergedFrom(projectID, w.ID)
	if err != nil {
		t.Fatalf("ListMainEpicsByMergedFrom: %v", err)
	}
	if len(mainEpics) != 3 {
		t.Fatalf("len(mainEpics) after re-import = %d, want 3 (no duplicates)", len(mainEpics))
	}
}
