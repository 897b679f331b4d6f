// Package worktree implements the worktree lifecycle service (spec
// §4.3): the state machine driving create/start/stop/merge/rebase/
// delete over a git worktree plus its attached container or host
// process. Grounded on the teacher's executor.WorktreeManager for the
// pooling and orphan-cleanup idioms, generalized from a single
// pilot-managed checkout to a full durable state machine backed by
// internal/store.
package worktree

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/events"
	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

// TaskMerger extracts epics/agents from a worktree's container before
// its branch is merged. Implemented by internal/taskmerge.Engine; kept
// as a narrow interface here so this package never imports taskmerge
// (the dependency runs the other way: taskmerge reads worktree rows
// straight from the store).
type TaskMerger interface {
	MergeTasksFromContainer(ctx context.Context, worktreeID string) error
}

// Runtime provisions and health-checks a worktree's attached process or
// container. Implemented by ContainerRuntime (docker-backed) and
// ProcessRuntime (host process slot).
type Runtime interface {
	// Start provisions (if needed) and starts the runtime for w,
	// returning the containerId/port to persist (empty for process
	// runtimes).
	Start(ctx context.Context, w *store.Worktree) (containerID string, port int, err error)
	// Stop stops the runtime gracefully then forcibly.
	Stop(ctx context.Context, w *store.Worktree) error
	// WaitHealthy blocks until the runtime reports healthy or the
	// bounded timeout elapses.
	WaitHealthy(ctx context.Context, w *store.Worktree, timeout time.Duration) error
}

// Config configures the lifecycle service.
type Config struct {
	RepoPath          string
	HealthWaitTimeout time.Duration
	PoolSize          int
}

// Service is the worktree lifecycle service.
type Service struct {
	cfg     Config
	store   *store.Store
	git     *gitrunner.Runner
	bus     *events.Bus
	runtime map[store.RuntimeType]Runtime
	merger  TaskMerger
	pool    *Pool
}

// New constructs a Service. runtimes maps runtime type to its
// provisioner; merger is consulted during Merge.
func New(cfg Config, st *store.Store, git *gitrunner.Runner, bus *events.Bus, runtimes map[store.RuntimeType]Runtime, merger TaskMerger) *Service {
	if cfg.HealthWaitTimeout == 0 {
		cfg.HealthWaitTimeout = 30 * time.Second
	}
	s := &Service{cfg: cfg, store: st, git: git, bus: bus, runtime: runtimes, merger: merger}
	if cfg.PoolSize > 0 {
		s.pool = NewPool(cfg.PoolSize, git, cfg.RepoPath)
	}
	return s
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name           string
	BranchName     string
	BaseBranch     string
	OwnerProjectID string
	RuntimeType    store.RuntimeType
	TemplateSlug   string
}

// Create adds a git worktree, provisions its runtime, and transitions
// it through creating → running (or → error on any failure), per spec
// §4.3.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Worktree, error) {
	w := &store.Worktree{
		ID:             uuid.NewString(),
		Name:           req.Name,
		BranchName:     req.BranchName,
		BaseBranch:     req.BaseBranch,
		RepoPath:       s.cfg.RepoPath,
		WorktreePath:   gitrunner.WorktreesRoot(s.cfg.RepoPath) + "/" + req.Name,
		RuntimeType:    req.RuntimeType,
		OwnerProjectID: req.OwnerProjectID,
		Status:         store.StatusCreating,
	}
	if req.TemplateSlug != "" {
		w.TemplateSlug.String, w.TemplateSlug.Valid = req.TemplateSlug, true
	}

	w, err := s.store.CreateWorktree(w)
	if err != nil {
		return nil, err
	}

	if _, err := s.git.CreateWorktree(ctx, w.Name, w.BranchName, w.BaseBranch, w.RepoPath, w.WorktreePath); err != nil {
		s.markError(ctx, w, err)
		return nil, err
	}

	rt, ok := s.runtime[req.RuntimeType]
	if !ok {
		err := orcherr.NewValidation("runtimeType", "no runtime registered for %q", req.RuntimeType)
		s.markError(ctx, w, err)
		return nil, err
	}
	containerID, port, err := rt.Start(ctx, w)
	if err != nil {
		s.markError(ctx, w, err)
		return nil, err
	}
	if err := rt.WaitHealthy(ctx, w, s.cfg.HealthWaitTimeout); err != nil {
		s.markError(ctx, w, err)
		return nil, err
	}

	running := store.StatusRunning
	patch := store.WorktreePatch{Status: &running}
	if containerID != "" {
		patch.ContainerID = &containerID
		port64 := int64(port)
		patch.ContainerPort = &port64
	}
	if err := s.store.UpdateWorktree(w.ID, patch); err != nil {
		return nil, err
	}

	s.emitActivity(ctx, w.ID, w.OwnerProjectID, "started")
	return s.store.GetWorktreeByID(w.ID)
}

// Start transitions a stopped or errored worktree back to running.
func (s *Service) Start(ctx context.Context, id string) (*store.Worktree, error) {
	w, err := s.store.GetWorktreeByID(id)
	if err != nil {
		return nil, err
	}
	if w.Status != store.StatusStopped && w.Status != store.StatusError {
		return nil, orcherr.NewPrecondition("WRONG_STATUS", "start requires status stopped or error, got %q", w.Status)
	}

	rt, ok := s.runtime[w.RuntimeType]
	if !ok {
		return nil, orcherr.NewValidation("runtimeType", "no runtime registered for %q", w.RuntimeType)
	}
	containerID, port, err := rt.Start(ctx, w)
	if err != nil {
		s.markError(ctx, w, err)
		return nil, err
	}
	if err := rt.WaitHealthy(ctx, w, s.cfg.HealthWaitTimeout); err != nil {
		s.markError(ctx, w, err)
		return nil, err
	}

	running := store.StatusRunning
	patch := store.WorktreePatch{Status: &running}
	if containerID != "" {
		patch.ContainerID = &containerID
		port64 := int64(port)
		patch.ContainerPort = &port64
	}
	if err := s.store.UpdateWorktree(id, patch); err != nil {
		return nil, err
	}
	s.emitActivity(ctx, id, w.OwnerProjectID, "started")
	return s.store.GetWorktreeByID(id)
}

// Stop gracefully (then forcibly) stops a running worktree's runtime.
func (s *Service) Stop(ctx context.Context, id string) (*store.Worktree, error) {
	w, err := s.store.GetWorktreeByID(id)
	if err != nil {
		return nil, err
	}
	if w.Status != store.StatusRunning {
		return nil, orcherr.NewPrecondition("WRONG_STATUS", "stop requires status running, got %q", w.Status)
	}
	if rt, ok := s.runtime[w.RuntimeType]; ok {
		if err := rt.Stop(ctx, w); err != nil {
			return nil, orcherr.NewExternal("worktree.Stop", id, err)
		}
	}
	stopped := store.StatusStopped
	if err := s.store.UpdateWorktree(id, store.WorktreePatch{Status: &stopped}); err != nil {
		return nil, err
	}
	s.emitActivity(ctx, id, w.OwnerProjectID, "stopped")
	return s.store.GetWorktreeByID(id)
}

// Merge requires a running worktree with a clean working tree. It pulls
// epics/agents from the container via the task-merge engine before
// altering any branch, then executes the merge and records the result.
func (s *Service) Merge(ctx context.Context, id string) (*store.Worktree, error) {
	w, err := s.store.GetWorktreeByID(id)
	if err != nil {
		return nil, err
	}
	if w.Status != store.StatusRunning {
		return nil, orcherr.NewPrecondition("WRONG_STATUS", "merge requires status running, got %q", w.Status)
	}
	treeStatus, err := s.git.WorkingTreeStatus(ctx, w.WorktreePath)
	if err != nil {
		return nil, err
	}
	if !treeStatus.Clean {
		return nil, orcherr.NewPrecondition("DIRTY_WORKING_TREE", "worktree %q has uncommitted changes", w.Name)
	}

	merging := store.StatusMerging
	if err := s.store.UpdateWorktree(id, store.WorktreePatch{Status: &merging}); err != nil {
		return nil, err
	}

	if s.merger != nil {
		if err := s.merger.MergeTasksFromContainer(ctx, id); err != nil {
			return nil, fmt.Errorf("task-merge before branch merge: %w", err)
		}
	}

	result, mergeErr := s.git.ExecuteMerge(ctx, w.RepoPath, w.BranchName, w.BaseBranch, fmt.Sprintf("Merge worktree %s into %s", w.Name, w.BaseBranch))
	if mergeErr != nil {
		errored := store.StatusError
		errMsg := mergeErr.Error()
		conflicts := joinConflicts(result.Conflicts)
		_ = s.store.UpdateWorktree(id, store.WorktreePatch{Status: &errored, ErrorMessage: &errMsg, MergeConflicts: &conflicts})
		s.emitActivity(ctx, id, w.OwnerProjectID, "errored")
		return nil, mergeErr
	}

	merged := store.StatusMerged
	if err := s.store.UpdateWorktree(id, store.WorktreePatch{Status: &merged, MergeCommit: &result.MergeCommit}); err != nil {
		return nil, err
	}
	if _, err := s.bus.Publish(ctx, "orchestrator.worktree.merged", map[string]any{
		"worktreeId":  id,
		"mergeCommit": result.MergeCommit,
	}, ""); err != nil {
		logging.WithWorktree(id).Warn("failed to publish merged event", "error", err)
	}
	s.emitActivity(ctx, id, w.OwnerProjectID, "merged")
	return s.store.GetWorktreeByID(id)
}

// Rebase rebases a running worktree's branch onto its base, keeping
// status running either way and reporting conflicts via the error.
func (s *Service) Rebase(ctx context.Context, id string) error {
	w, err := s.store.GetWorktreeByID(id)
	if err != nil {
		return err
	}
	if w.Status != store.StatusRunning {
		return orcherr.NewPrecondition("WRONG_STATUS", "rebase requires status running, got %q", w.Status)
	}
	_, err = s.git.ExecuteRebase(ctx, w.RepoPath, w.BranchName, w.BaseBranch)
	return err
}

// Delete stops the runtime (best-effort), removes the git worktree and
// optionally its branch, then deletes the store row. Never allowed
// while status is merging.
func (s *Service) Delete(ctx context.Context, id string, deleteBranch, force bool) error {
	w, err := s.store.GetWorktreeByID(id)
	if err != nil {
		return err
	}
	if w.Status == store.StatusMerging {
		return orcherr.NewPrecondition("MERGING", "worktree %q cannot be deleted while merging", w.Name)
	}

	if w.Status == store.StatusRunning {
		if rt, ok := s.runtime[w.RuntimeType]; ok {
			if err := rt.Stop(ctx, w); err != nil {
				// best-effort: logged, deletion proceeds regardless (SPEC_FULL open question 2).
				logging.WithWorktree(id).Warn("runtime stop failed during delete, proceeding anyway", "error", err)
			}
		}
	}

	if err := s.git.RemoveWorktree(ctx, w.WorktreePath, w.RepoPath, force); err != nil {
		return err
	}
	if deleteBranch {
		if err := s.git.DeleteBranch(ctx, w.BranchName, w.RepoPath, force); err != nil {
			logging.WithWorktree(id).Warn("branch delete failed during worktree delete", "error", err)
		}
	}
	if err := s.store.RemoveWorktree(id); err != nil {
		return err
	}
	s.emitActivity(ctx, id, w.OwnerProjectID, "deleted")
	return nil
}

func (s *Service) markError(ctx context.Context, w *store.Worktree, cause error) {
	errored := store.StatusError
	msg := cause.Error()
	if err := s.store.UpdateWorktree(w.ID, store.WorktreePatch{Status: &errored, ErrorMessage: &msg}); err != nil {
		logging.WithWorktree(w.ID).Error("failed to persist error status", "error", err)
	}
	s.emitActivity(ctx, w.ID, w.OwnerProjectID, "errored")
}

func (s *Service) emitActivity(ctx context.Context, worktreeID, ownerProjectID, activityType string) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, "orchestrator.worktree.activity", map[string]any{
		"worktreeId":     worktreeID,
		"ownerProjectId": ownerProjectID,
		"type":           activityType,
	}, ""); err != nil {
		logging.WithWorktree(worktreeID).Warn("failed to publish activity event", "error", err)
	}
}

func joinConflicts(conflicts []string) string {
	out := ""
	for i, c := range conflicts {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
