// Package gitrunner serializes every git invocation against a given
// repository through a single FIFO queue, the orchestrator's baseline
// for git correctness (git does not tolerate concurrent index writes
// against the same repo). Grounded on the teacher's
// internal/executor.GitOperations and WorktreeManager: one exec.Command
// per operation, cwd set to the repo path, errors wrapped with the
// failing command plus combined stderr/stdout.
package gitrunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/orchestrator/devchain/internal/orcherr"
)

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), orcherr.NewExternal("git "+strings.Join(args, " "), dir, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// CreateWorktree adds a new git worktree at worktreePath (or, if empty,
// <WorktreesRoot>/<name>) checking out a new branch branchName from
// baseBranch. Name, branchName and baseBranch are all validated before
// any subprocess runs.
func (r *Runner) CreateWorktree(ctx context.Context, name, branchName, baseBranch, repoPath, worktreePath string) (WorktreeHandle, error) {
	return enqueue(r, func() (WorktreeHandle, error) {
		if err := ValidateWorktreeName(name); err != nil {
			return WorktreeHandle{}, err
		}
		if err := ValidateRefName(branchName); err != nil {
			return WorktreeHandle{}, err
		}
		if err := ValidateRefName(baseBranch); err != nil {
			return WorktreeHandle{}, err
		}
		if worktreePath == "" {
			worktreePath = WorktreesRoot(repoPath) + string(os.PathSeparator) + name
		}
		if err := os.MkdirAll(WorktreesRoot(repoPath), 0755); err != nil {
			return WorktreeHandle{}, orcherr.NewExternal("mkdir worktrees root", WorktreesRoot(repoPath), err)
		}
		if _, err := run(ctx, repoPath, "worktree", "add", "-B", branchName, worktreePath, baseBranch); err != nil {
			return WorktreeHandle{}, err
		}
		return WorktreeHandle{Name: name, Path: worktreePath, Branch: branchName}, nil
	})
}

// RemoveWorktree removes the worktree at nameOrPath. force passes
// --force to tolerate a dirty working tree or locked worktree.
func (r *Runner) RemoveWorktree(ctx context.Context, nameOrPath, repoPath string, force bool) error {
	_, err := enqueue(r, func() (struct{}, error) {
		args := []string{"worktree", "remove"}
		if force {
			args = append(args, "--force")
		}
		args = append(args, "--", nameOrPath)
		if _, err := run(ctx, repoPath, args...); err != nil {
			return struct{}{}, err
		}
		if _, err := run(ctx, repoPath, "worktree", "prune"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// ListWorktrees parses `git worktree list --porcelain`.
func (r *Runner) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeRecord, error) {
	return enqueue(r, func() ([]WorktreeRecord, error) {
		out, err := run(ctx, repoPath, "worktree", "list", "--porcelain")
		if err != nil {
			return nil, err
		}
		return parseWorktreePorcelain(out), nil
	})
}

func parseWorktreePorcelain(out string) []WorktreeRecord {
	var records []WorktreeRecord
	var cur *WorktreeRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				records = append(records, *cur)
			}
			cur = &WorktreeRecord{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		case line == "bare":
			if cur != nil {
				cur.Bare = true
			}
		case strings.HasPrefix(line, "locked"):
			if cur != nil {
				cur.Locked = true
			}
		case strings.HasPrefix(line, "prunable"):
			if cur != nil {
				cur.Prunable = true
			}
		}
	}
	if cur != nil {
		records = append(records, *cur)
	}
	return records
}

// ListBranches lists local branch names, returning an empty slice
// (not an error) when the repository has no commits yet.
func (r *Runner) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	return enqueue(r, func() ([]string, error) {
		out, err := run(ctx, repoPath, "branch", "--format=%(refname:short)")
		if err != nil {
			if strings.Contains(out, "not a valid object name") {
				return []string{}, nil
			}
			return nil, err
		}
		var names []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
		return names, nil
	})
}

// DeleteBranch deletes branch name, always passing "--" before the ref
// so a leading dash in a malformed name can never be parsed as a flag.
func (r *Runner) DeleteBranch(ctx context.Context, name, repoPath string, force bool) error {
	_, err := enqueue(r, func() (struct{}, error) {
		if err := ValidateRefName(name); err != nil {
			return struct{}{}, err
		}
		flag := "-d"
		if force {
			flag = "-D"
		}
		_, err := run(ctx, repoPath, "branch", flag, "--", name)
		return struct{}{}, err
	})
	return err
}

// BranchStatus reports commits ahead/behind between base and branch
// using `rev-list --left-right --count`.
func (r *Runner) BranchStatus(ctx context.Context, repoPath, base, branch string) (BranchStatus, error) {
	return enqueue(r, func() (BranchStatus, error) {
		out, err := run(ctx, repoPath, "rev-list", "--left-right", "--count", base+"..."+branch)
		if err != nil {
			return BranchStatus{}, err
		}
		fields := strings.Fields(strings.TrimSpace(out))
		if len(fields) != 2 {
			return BranchStatus{}, orcherr.NewExternal("git rev-list", repoPath, fmt.Errorf("unexpected output: %q", out))
		}
		behind, _ := strconv.Atoi(fields[0])
		ahead, _ := strconv.Atoi(fields[1])
		return BranchStatus{CommitsAhead: ahead, CommitsBehind: behind}, nil
	})
}

// ChangeSummary parses `diff --stat` totals for path relative to baseRef.
func (r *Runner) ChangeSummary(ctx context.Context, path, baseRef string) (ChangeSummary, error) {
	if baseRef == "" {
		baseRef = "HEAD"
	}
	return enqueue(r, func() (ChangeSummary, error) {
		out, err := run(ctx, path, "diff", "--stat", baseRef)
		if err != nil {
			return ChangeSummary{}, err
		}
		return parseDiffStat(out), nil
	})
}

func parseDiffStat(out string) ChangeSummary {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 {
		return ChangeSummary{}
	}
	summary := lines[len(lines)-1]
	var cs ChangeSummary
	parts := strings.Split(summary, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(part, "file"):
			cs.FilesChanged = n
		case strings.Contains(part, "insertion"):
			cs.Insertions = n
		case strings.Contains(part, "deletion"):
			cs.Deletions = n
		}
	}
	return cs
}

// WorkingTreeStatus runs `git status --porcelain` in repoPath.
func (r *Runner) WorkingTreeStatus(ctx context.Context, repoPath string) (WorkingTreeStatus, error) {
	return enqueue(r, func() (WorkingTreeStatus, error) {
		out, err := run(ctx, repoPath, "status", "--porcelain")
		if err != nil {
			return WorkingTreeStatus{}, err
		}
		trimmed := strings.TrimSpace(out)
		return WorkingTreeStatus{Clean: trimmed == "", Output: out}, nil
	})
}

// PreviewMerge performs a dry-run conflict check via merge-base +
// merge-tree, touching neither the index nor HEAD.
func (r *Runner) PreviewMerge(ctx context.Context, repoPath, source, target string) (MergePreview, error) {
	return enqueue(r, func() (MergePreview, error) {
		base, err := run(ctx, repoPath, "merge-base", target, source)
		if err != nil {
			return MergePreview{}, err
		}
		base = strings.TrimSpace(base)
		out, err := run(ctx, repoPath, "merge-tree", base, target, source)
		if err != nil {
			return MergePreview{}, err
		}
		conflicts := parseMergeTreeConflicts(out)
		return MergePreview{
			MergeBase:    base,
			HasConflicts: len(conflicts) > 0,
			Conflicts:    conflicts,
			Output:       out,
		}, nil
	})
}

func parseMergeTreeConflicts(out string) []string {
	var conflicts []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "changed in both") || strings.Contains(line, "CONFLICT") {
			conflicts = append(conflicts, strings.TrimSpace(line))
		}
	}
	return conflicts
}

// ExecuteMerge checks out target, merges source into it with --no-ff
// (always producing an explicit merge commit), and restores whatever
// branch was checked out before the call — even on failure. On
// conflict, the in-progress merge is aborted and the conflicting paths
// are returned via MergeResult.Conflicts.
func (r *Runner) ExecuteMerge(ctx context.Context, repoPath, source, target, message string) (MergeResult, error) {
	return enqueue(r, func() (MergeResult, error) {
		previous, err := run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return MergeResult{}, err
		}
		previous = strings.TrimSpace(previous)
		defer func() {
			_, _ = run(ctx, repoPath, "checkout", previous)
		}()

		if _, err := run(ctx, repoPath, "checkout", target); err != nil {
			return MergeResult{}, err
		}

		args := []string{"merge", "--no-ff", source}
		if message != "" {
			args = append(args, "-m", message)
		}
		out, mergeErr := run(ctx, repoPath, args...)
		if mergeErr != nil {
			conflictsOut, _ := run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
			_, _ = run(ctx, repoPath, "merge", "--abort")
			return MergeResult{Conflicts: splitLines(conflictsOut)}, orcherr.NewExternal("git merge", repoPath, fmt.Errorf("%s", strings.TrimSpace(out)))
		}

		sha, err := run(ctx, repoPath, "rev-parse", "HEAD")
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{MergeCommit: strings.TrimSpace(sha)}, nil
	})
}

// ExecuteRebase rebases source onto target, symmetric to ExecuteMerge:
// on conflict the in-progress rebase is aborted.
func (r *Runner) ExecuteRebase(ctx context.Context, repoPath, source, target string) (RebaseResult, error) {
	return enqueue(r, func() (RebaseResult, error) {
		previous, err := run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return RebaseResult{}, err
		}
		previous = strings.TrimSpace(previous)
		defer func() {
			_, _ = run(ctx, repoPath, "checkout", previous)
		}()

		if _, err := run(ctx, repoPath, "checkout", source); err != nil {
			return RebaseResult{}, err
		}

		out, rebaseErr := run(ctx, repoPath, "rebase", target)
		if rebaseErr != nil {
			conflictsOut, _ := run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
			_, _ = run(ctx, repoPath, "rebase", "--abort")
			return RebaseResult{Conflicts: splitLines(conflictsOut)}, orcherr.NewExternal("git rebase", repoPath, fmt.Errorf("%s", strings.TrimSpace(out)))
		}
		return RebaseResult{}, nil
	})
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
