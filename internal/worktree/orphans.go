package worktree

import (
	"context"

	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/store"
)

// CleanupOrphans reconciles the store's worktree rows against what `git
// worktree list` actually reports. Containers are not inspected or
// removed. Rows in status merging are left alone. An orphan is either a store row whose
// on-disk worktree no longer exists (removed out of band) or an
// on-disk worktree with no matching store row (left behind by a crash
// mid-Create). Grounded on the teacher's CleanupOrphanedWorktrees sweep
// in executor.WorktreeManager.
func (s *Service) CleanupOrphans(ctx context.Context) (removedRows int, prunedPaths int, err error) {
	rows, err := s.store.ListWorktrees()
	if err != nil {
		return 0, 0, err
	}
	onDisk, err := s.git.ListWorktrees(ctx, s.cfg.RepoPath)
	if err != nil {
		return 0, 0, err
	}
	onDiskPaths := make(map[string]bool, len(onDisk))
	for _, w := range onDisk {
		onDiskPaths[w.Path] = true
	}

	for _, row := range rows {
		if row.Status == store.StatusMerging {
			continue
		}
		if !onDiskPaths[row.WorktreePath] {
			logging.WithWorktree(row.ID).Warn("removing store row for worktree missing on disk", "path", row.WorktreePath)
			if err := s.store.RemoveWorktree(row.ID); err != nil {
				logging.WithWorktree(row.ID).Error("failed to remove orphaned row", "error", err)
				continue
			}
			removedRows++
		}
	}

	rowPaths := make(map[string]bool, len(rows))
	for _, row := range rows {
		rowPaths[row.WorktreePath] = true
	}
	for _, w := range onDisk {
		if w.Path == s.cfg.RepoPath || rowPaths[w.Path] {
			continue
		}
		if err := s.git.RemoveWorktree(ctx, w.Path, s.cfg.RepoPath, true); err != nil {
			logging.WithComponent("worktree-orphans").Warn("failed to prune untracked worktree", "path", w.Path, "error", err)
			continue
		}
		prunedPaths++
	}

	return removedRows, prunedPaths, nil
}
