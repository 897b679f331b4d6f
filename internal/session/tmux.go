package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// Multiplexer is the subset of tmux session management the launcher
// depends on, grounded on the `other_examples` gastown refinery
// manager's own tmux wrapper (NewTmux/HasSession/
// NewSessionWithCommand/KillSession) generalized to an interface so
// tests can substitute a fake.
type Multiplexer interface {
	HasSession(ctx context.Context, name string) (bool, error)
	NewSessionWithCommand(ctx context.Context, name, workDir string, argv []string) error
	SendPaste(ctx context.Context, name, text string) error
	SendEnter(ctx context.Context, name string) error
	KillSession(ctx context.Context, name string) error
}

// Tmux shells out to the real tmux binary.
type Tmux struct{}

// NewTmux constructs a Tmux.
func NewTmux() *Tmux { return &Tmux{} }

func run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), orcherr.NewExternal("tmux "+strings.Join(args, " "), "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// HasSession reports whether a session named name currently exists.
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, orcherr.NewExternal("tmux has-session", name, err)
	}
	return true, nil
}

// NewSessionWithCommand creates a detached session running argv[0]
// with the remaining elements as its arguments, cwd set to workDir.
// Creating the session with the command already attached avoids the
// send-keys race the gastown reference calls out explicitly (a
// send-keys issued before the shell prompt is ready can be swallowed).
//
// The alternate screen is disabled right after creation so a provider
// that uses it (full-screen redraws) doesn't wipe its own scrollback
// out from under tmux's capture-pane/copy-mode.
func (t *Tmux) NewSessionWithCommand(ctx context.Context, name, workDir string, argv []string) error {
	args := append([]string{"new-session", "-d", "-s", name, "-c", workDir}, argv...)
	if _, err := run(ctx, args...); err != nil {
		return err
	}
	_, err := run(ctx, "set-window-option", "-t", name, "alternate-screen", "off")
	return err
}

// SendPaste submits text via bracketed-paste mode: tmux's set-buffer
// plus paste-buffer -p, so the provider CLI's line editor receives it
// as a single logical submission regardless of embedded newlines (spec
// §4.7's "send argv then paste prompt" separation).
func (t *Tmux) SendPaste(ctx context.Context, name, text string) error {
	bufName := "devchain-prompt-" + name
	if _, err := run(ctx, "set-buffer", "-b", bufName, text); err != nil {
		return err
	}
	defer func() { _, _ = run(context.Background(), "delete-buffer", "-b", bufName) }()
	time.Sleep(250 * time.Millisecond)
	_, err := run(ctx, "paste-buffer", "-b", bufName, "-t", name, "-p")
	return err
}

// SendEnter sends a literal Enter keystroke, submitting whatever was
// pasted.
func (t *Tmux) SendEnter(ctx context.Context, name string) error {
	_, err := run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// KillSession destroys the session, tolerating one that is already
// gone.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	has, err := t.HasSession(ctx, name)
	if err != nil || !has {
		return nil
	}
	_, err = run(ctx, "kill-session", "-t", name)
	return err
}
