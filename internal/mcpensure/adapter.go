// Package mcpensure reconciles a provider's MCP server list to contain
// exactly one devchain entry (spec §4.8), coalescing concurrent calls
// for the same (provider, project) pair through a singleflight group.
package mcpensure

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/orchestrator/devchain/internal/orcherr"
)

const devchainAlias = "devchain"

// MCPEntry is one row from a provider's `mcp list` output.
type MCPEntry struct {
	Alias     string
	Endpoint  string
	Transport string
}

// Adapter is one provider's MCP CLI surface (spec §4.8's table:
// Claude/Codex/Gemini each implement add/list/remove plus their own
// list-output grammar).
type Adapter interface {
	Name() string
	Add(ctx context.Context, binPath, alias, endpoint string) error
	List(ctx context.Context, binPath string) ([]MCPEntry, error)
	Remove(ctx context.Context, binPath, alias string) error
}

func runAdapterCommand(ctx context.Context, binPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), orcherr.NewExternal("mcp "+strings.Join(args, " "), binPath, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// ClaudeAdapter drives `claude mcp ...`.
type ClaudeAdapter struct{}

func (ClaudeAdapter) Name() string { return "claude" }

func (ClaudeAdapter) Add(ctx context.Context, binPath, alias, endpoint string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "add", "--transport", "http", alias, endpoint)
	return err
}

func (ClaudeAdapter) Remove(ctx context.Context, binPath, alias string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "remove", alias)
	return err
}

// claudeListLineRE matches "alias: endpoint (transport)" rows, skipping
// header/blank lines that don't match.
var claudeListLineRE = regexp.MustCompile(`^(\S+):\s+(\S+)\s+\(([^)]+)\)`)

func (ClaudeAdapter) List(ctx context.Context, binPath string) ([]MCPEntry, error) {
	out, err := runAdapterCommand(ctx, binPath, "mcp", "list")
	if err != nil {
		return nil, err
	}
	return ClaudeAdapter{}.parseList(out)
}

// parseList applies the list-output grammar without shelling out, so
// it can be exercised directly by tests.
func (ClaudeAdapter) parseList(out string) ([]MCPEntry, error) {
	var entries []MCPEntry
	for _, line := range strings.Split(out, "\n") {
		m := claudeListLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		entries = append(entries, MCPEntry{Alias: m[1], Endpoint: m[2], Transport: m[3]})
	}
	return entries, nil
}

// CodexAdapter drives `codex mcp ...`.
type CodexAdapter struct{}

func (CodexAdapter) Name() string { return "codex" }

func (CodexAdapter) Add(ctx context.Context, binPath, alias, endpoint string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "add", "--url", endpoint, alias)
	return err
}

func (CodexAdapter) Remove(ctx context.Context, binPath, alias string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "remove", alias)
	return err
}

func (CodexAdapter) List(ctx context.Context, binPath string) ([]MCPEntry, error) {
	out, err := runAdapterCommand(ctx, binPath, "mcp", "list")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	var entries []MCPEntry
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, MCPEntry{Alias: fields[0], Endpoint: fields[1]})
	}
	return entries, nil
}

// GeminiAdapter drives `gemini mcp ...`, analogous to Codex (spec
// §4.8's table marks Gemini "analogous" with no further detail).
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string { return "gemini" }

func (GeminiAdapter) Add(ctx context.Context, binPath, alias, endpoint string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "add", "--url", endpoint, alias)
	return err
}

func (GeminiAdapter) Remove(ctx context.Context, binPath, alias string) error {
	_, err := runAdapterCommand(ctx, binPath, "mcp", "remove", alias)
	return err
}

func (GeminiAdapter) List(ctx context.Context, binPath string) ([]MCPEntry, error) {
	out, err := runAdapterCommand(ctx, binPath, "mcp", "list")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	var entries []MCPEntry
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, MCPEntry{Alias: fields[0], Endpoint: fields[1]})
	}
	return entries, nil
}

// AdapterFor returns the adapter for a normalized provider name, or
// nil if unknown.
func AdapterFor(name string) Adapter {
	switch name {
	case "claude":
		return ClaudeAdapter{}
	case "codex":
		return CodexAdapter{}
	case "gemini":
		return GeminiAdapter{}
	default:
		return nil
	}
}
