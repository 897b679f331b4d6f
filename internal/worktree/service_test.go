package worktree

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/orchestrator/devchain/internal/events"
	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/store"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.local",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.local",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(dir+"/README.md", []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

type fakeRuntime struct {
	startErr  error
	healthErr error
	stopErr   error
	stopped   bool
}

func (f *fakeRuntime) Start(ctx context.Context, w *store.Worktree) (string, int, error) {
	return "", 0, f.startErr
}
func (f *fakeRuntime) Stop(ctx context.Context, w *store.Worktree) error {
	f.stopped = true
	return f.stopErr
}
func (f *fakeRuntime) WaitHealthy(ctx context.Context, w *store.Worktree, timeout time.Duration) error {
	return f.healthErr
}

type fakeMerger struct {
	called  bool
	mergeID string
	err     error
}

func (f *fakeMerger) MergeTasksFromContainer(ctx context.Context, worktreeID string) error {
	f.called = true
	f.mergeID = worktreeID
	return f.err
}

func newTestService(t *testing.T, repo string, rt Runtime, merger TaskMerger) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	git := gitrunner.NewRunner(repo)
	t.Cleanup(git.Close)
	bus := events.NewBus(st, events.NewHub())
	runtimes := map[store.RuntimeType]Runtime{store.RuntimeProcess: rt}
	return New(Config{RepoPath: repo}, st, git, bus, runtimes, merger)
}

func TestCreateStartsRunning(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	svc := newTestService(t, repo, &fakeRuntime{}, &fakeMerger{})

	w, err := svc.Create(context.Background(), CreateRequest{
		Name: "feature-auth", BranchName: "feature-auth", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", w.Status)
	}
}

func TestCreateMarksErrorOnRuntimeFailure(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	rt := &fakeRuntime{startErr: context.DeadlineExceeded}
	svc := newTestService(t, repo, rt, &fakeMerger{})

	_, err := svc.Create(context.Background(), CreateRequest{
		Name: "feature-bad", BranchName: "feature-bad", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err == nil {
		t.Fatalf("expected error from runtime Start failure")
	}

	w, getErr := svc.store.GetWorktreeByName("proj-1", "feature-bad")
	if getErr != nil {
		t.Fatalf("GetWorktreeByName: %v", getErr)
	}
	if w.Status != store.StatusError {
		t.Fatalf("status = %q, want error", w.Status)
	}
	if !w.ErrorMessage.Valid {
		t.Fatalf("expected error message to be recorded")
	}
}

func TestMergeRunsTaskMergerBeforeGitMerge(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	merger := &fakeMerger{}
	svc := newTestService(t, repo, &fakeRuntime{}, merger)
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateRequest{
		Name: "feature-merge", BranchName: "feature-merge", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(w.WorktreePath+"/feature.txt", []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}
	add := exec.Command("git", "add", ".")
	add.Dir = w.WorktreePath
	if out, err := add.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	commit := exec.Command("git", "-c", "user.email=test@test.local", "-c", "user.name=test", "commit", "-m", "feature work")
	commit.Dir = w.WorktreePath
	if out, err := commit.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}

	merged, err := svc.Merge(ctx, w.ID)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.Status != store.StatusMerged {
		t.Fatalf("status = %q, want merged", merged.Status)
	}
	if !merged.MergeCommit.Valid || merged.MergeCommit.String == "" {
		t.Fatalf("expected merge commit to be recorded")
	}
	if !merger.called || merger.mergeID != w.ID {
		t.Fatalf("expected task merger to run for worktree %q, got called=%v id=%q", w.ID, merger.called, merger.mergeID)
	}
}

func TestMergeRejectsDirtyWorkingTree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	svc := newTestService(t, repo, &fakeRuntime{}, &fakeMerger{})
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateRequest{
		Name: "feature-dirty", BranchName: "feature-dirty", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(w.WorktreePath+"/scratch.txt", []byte("uncommitted"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Merge(ctx, w.ID); err == nil {
		t.Fatalf("expected precondition error for dirty working tree")
	}
}

func TestDeleteRemovesRowAndWorktree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	rt := &fakeRuntime{}
	svc := newTestService(t, repo, rt, &fakeMerger{})
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateRequest{
		Name: "feature-del", BranchName: "feature-del", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(ctx, w.ID, true, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !rt.stopped {
		t.Fatalf("expected runtime Stop to be called for running worktree")
	}
	if _, err := svc.store.GetWorktreeByID(w.ID); err == nil {
		t.Fatalf("expected worktree row to be gone after delete")
	}
}

func TestDeleteRejectsWhileMerging(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	svc := newTestService(t, repo, &fakeRuntime{}, &fakeMerger{})
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateRequest{
		Name: "feature-locked", BranchName: "feature-locked", BaseBranch: "main",
		OwnerProjectID: "proj-1", RuntimeType: store.RuntimeProcess,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	merging := store.StatusMerging
	if err := svc.store.UpdateWorktree(w.ID, store.WorktreePatch{Status: &merging}); err != nil {
		t.Fatalf("UpdateWorktree: %v", err)
	}

	if err := svc.Delete(ctx, w.ID, false, false); err == nil {
		t.Fatalf("expected precondition error deleting a merging worktree")
	}
}
