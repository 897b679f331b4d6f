package store

import (
	"database/sql"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetWorktree(t *testing.T) {
	s := openTestStore(t)

	w := &Worktree{
		Name:           "feature-auth",
		BranchName:     "feature-auth",
		BaseBranch:     "main",
		RepoPath:       "/repo",
		WorktreePath:   "/repo/.devchain/worktrees/feature-auth",
		RuntimeType:    RuntimeContainer,
		OwnerProjectID: "p1",
		Status:         StatusCreating,
	}
	created, err := s.CreateWorktree(w)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetWorktreeByName("p1", "feature-auth")
	if err != nil {
		t.Fatalf("GetWorktreeByName: %v", err)
	}
	if got.ID != created.ID || got.Status != StatusCreating {
		t.Fatalf("unexpected row: %+v", got)
	}

	_, err = s.CreateWorktree(&Worktree{
		Name: "feature-auth", BranchName: "x", BaseBranch: "main",
		RepoPath: "/repo", WorktreePath: "/x", RuntimeType: RuntimeProcess, OwnerProjectID: "p1",
	})
	if err == nil {
		t.Fatalf("expected conflict on duplicate (ownerProjectId, name)")
	}
}

func TestUpdateWorktreeStampsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	w, err := s.CreateWorktree(&Worktree{
		Name: "wt", BranchName: "wt", BaseBranch: "main", RepoPath: "/r",
		WorktreePath: "/r/wt", RuntimeType: RuntimeProcess, OwnerProjectID: "p1",
	})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	originalUpdatedAt := w.UpdatedAt

	running := StatusRunning
	if err := s.UpdateWorktree(w.ID, WorktreePatch{Status: &running}); err != nil {
		t.Fatalf("UpdateWorktree: %v", err)
	}
	got, err := s.GetWorktreeByID(w.ID)
	if err != nil {
		t.Fatalf("GetWorktreeByID: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
	if !got.UpdatedAt.After(originalUpdatedAt) && got.UpdatedAt != originalUpdatedAt {
		t.Fatalf("expected updatedAt to be stamped")
	}
}

func TestInsertMergedEpicIdempotent(t *testing.T) {
	s := openTestStore(t)
	e := &MergedEpic{WorktreeID: "w1", SourceEpicID: "epic-1", Title: "Epic 1", StatusLabel: "To Do", StatusColor: "#000"}
	inserted, err := s.InsertMergedEpicIfAbsent(e)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	e2 := &MergedEpic{WorktreeID: "w1", SourceEpicID: "epic-1", Title: "Epic 1 (dup)", StatusLabel: "Done", StatusColor: "#111"}
	inserted, err = s.InsertMergedEpicIfAbsent(e2)
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v, want inserted=false", inserted, err)
	}
	rows, err := s.ListMergedEpics("w1")
	if err != nil {
		t.Fatalf("ListMergedEpics: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
}

func TestCreateSessionAndGetActiveByAgent(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession(&Session{AgentID: "a1", TmuxSessionID: "tmux-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	active, err := s.GetActiveSessionByAgent("a1")
	if err != nil {
		t.Fatalf("GetActiveSessionByAgent: %v", err)
	}
	if active.TmuxSessionID != "tmux-1" {
		t.Fatalf("unexpected session: %+v", active)
	}
}

func TestEventLogAndHandlerRecords(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertEvent("session.started", `{"sessionId":"s1"}`, sql.NullString{})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := s.InsertHandlerRecord(&HandlerRecord{EventID: id, Handler: "audit-log", Status: HandlerSuccess}); err != nil {
		t.Fatalf("InsertHandlerRecord: %v", err)
	}
	n, err := s.HandlerCountForEvent(id)
	if err != nil {
		t.Fatalf("HandlerCountForEvent: %v", err)
	}
	if n != 1 {
		t.Fatalf("HandlerCountForEvent = %d, want 1", n)
	}
}
