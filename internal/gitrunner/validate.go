package gitrunner

import (
	"regexp"
	"strings"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// worktreeNameRE is a conservative allow-list: lowercase letters,
// digits, and hyphens, matching how a branch name is turned into a
// filesystem-safe worktree directory slug.
var worktreeNameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidateWorktreeName rejects anything that isn't a conservative
// filesystem-safe slug.
func ValidateWorktreeName(name string) error {
	if !worktreeNameRE.MatchString(name) {
		return orcherr.NewValidation("name", "must match %s", worktreeNameRE.String())
	}
	return nil
}

// refNameInvalidSubstrings lists the sequences git-check-ref-format
// forbids anywhere in a ref name ("..", "~", "^", ":", "?", "*", "[",
// "\", "@{"), plus a space. ValidateRefName checks the leading/trailing,
// bare "@", and control-character rules separately.
var refNameInvalidSubstrings = []string{"..", "~", "^", ":", "?", "*", "[", "\\", "@{", " "}

// ValidateRefName applies git's own ref-name rules, conservatively.
func ValidateRefName(name string) error {
	if name == "" {
		return orcherr.NewValidation("ref", "must not be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return orcherr.NewValidation("ref", "must not start with '-' or '/'")
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return orcherr.NewValidation("ref", "must not end with '/', '.', or '.lock'")
	}
	if name == "@" {
		return orcherr.NewValidation("ref", "must not be '@'")
	}
	for _, bad := range refNameInvalidSubstrings {
		if strings.Contains(name, bad) {
			return orcherr.NewValidation("ref", "must not contain %q", bad)
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return orcherr.NewValidation("ref", "must not contain control characters")
		}
	}
	return nil
}
