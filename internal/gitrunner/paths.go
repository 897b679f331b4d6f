package gitrunner

import (
	"os"
	"path/filepath"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// ResolveRepoRoot resolves the repository root the way the runner does
// when a caller passes no explicit path: when DEVCHAIN_MODE=main,
// REPO_ROOT must be set and must exist; otherwise the current working
// directory is used.
func ResolveRepoRoot() (string, error) {
	if os.Getenv("DEVCHAIN_MODE") == "main" {
		root := os.Getenv("REPO_ROOT")
		if root == "" {
			return "", orcherr.NewValidation("REPO_ROOT", "required when DEVCHAIN_MODE=main")
		}
		if _, err := os.Stat(root); err != nil {
			return "", orcherr.NewValidation("REPO_ROOT", "does not exist: %s", root)
		}
		return root, nil
	}
	return os.Getwd()
}

// WorktreesRoot returns WORKTREES_ROOT if set, else
// <repoRoot>/.devchain/worktrees.
func WorktreesRoot(repoRoot string) string {
	if v := os.Getenv("WORKTREES_ROOT"); v != "" {
		return v
	}
	return filepath.Join(repoRoot, ".devchain", "worktrees")
}

// WorktreesDataRoot returns WORKTREES_DATA_ROOT if set, else
// <repoRoot>/.devchain/worktrees-data.
func WorktreesDataRoot(repoRoot string) string {
	if v := os.Getenv("WORKTREES_DATA_ROOT"); v != "" {
		return v
	}
	return filepath.Join(repoRoot, ".devchain", "worktrees-data")
}
