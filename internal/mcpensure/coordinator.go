package mcpensure

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

// Outcome reports what EnsureMCP did.
type Outcome string

const (
	OutcomeAlreadyConfigured Outcome = "already_configured"
	OutcomeFixedMismatch     Outcome = "fixed_mismatch"
	OutcomeAdded             Outcome = "added"
)

// CacheInvalidator is the narrow slice of the preflight checker's cache
// the coordinator needs to bust after a successful reconciliation (spec
// §4.8 step 8), kept as a local interface to avoid importing
// internal/preflight.
type CacheInvalidator interface {
	InvalidateProject(projectPath string)
}

// Coordinator reconciles provider MCP registrations. Lock coalescing
// mirrors internal/worktree.DockerAvailabilityChecker's
// singleflight.Group usage, generalized from one global key to one key
// per (providerId, projectPath).
type Coordinator struct {
	store      *store.Store
	group      singleflight.Group
	preflight  CacheInvalidator
	mcpPort    int
	adapterFor func(name string) Adapter
}

// New constructs a Coordinator. mcpPort is the local port devchain's
// own MCP server listens on (spec §4.8: "http://127.0.0.1:<PORT>/mcp").
func New(st *store.Store, preflight CacheInvalidator, mcpPort int) *Coordinator {
	return &Coordinator{store: st, preflight: preflight, mcpPort: mcpPort, adapterFor: AdapterFor}
}

func (c *Coordinator) expectedEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", c.mcpPort)
}

// EnsureMCP runs spec §4.8's reconciliation algorithm for providerID,
// optionally scoped to projectPath, coalescing concurrent callers that
// share the same (providerID, projectPath) key.
func (c *Coordinator) EnsureMCP(ctx context.Context, providerID, projectPath string) (Outcome, error) {
	key := providerID + ":" + projectPathKey(projectPath)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.ensureLocked(ctx, providerID, projectPath)
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func projectPathKey(projectPath string) string {
	if projectPath == "" {
		return "global"
	}
	return projectPath
}

func (c *Coordinator) ensureLocked(ctx context.Context, providerID, projectPath string) (Outcome, error) {
	if projectPath != "" {
		if err := c.validateProjectPath(projectPath); err != nil {
			return "", err
		}
	}

	provider, err := c.store.GetProviderByID(providerID)
	if err != nil {
		return "", err
	}
	if !provider.BinPath.Valid || provider.BinPath.String == "" {
		return "", orcherr.NewPrecondition("PROVIDER_BIN_MISSING", "provider %q has no binPath configured", provider.Name)
	}
	name := store.AdapterNameFor(provider.Name)
	adapter := c.adapterFor(name)
	if adapter == nil {
		return "", orcherr.NewPrecondition("UNSUPPORTED_PROVIDER", "no MCP adapter for provider %q", provider.Name)
	}

	entries, err := adapter.List(ctx, provider.BinPath.String)
	if err != nil {
		return "", err
	}
	expected := c.expectedEndpoint()

	var existing *MCPEntry
	for i := range entries {
		if entries[i].Alias == devchainAlias {
			existing = &entries[i]
			break
		}
	}

	var outcome Outcome
	switch {
	case existing != nil && existing.Endpoint == expected:
		outcome = OutcomeAlreadyConfigured
	case existing != nil:
		if err := adapter.Remove(ctx, provider.BinPath.String, devchainAlias); err != nil {
			return "", err
		}
		if err := adapter.Add(ctx, provider.BinPath.String, devchainAlias, expected); err != nil {
			return "", err
		}
		outcome = OutcomeFixedMismatch
	default:
		if err := adapter.Add(ctx, provider.BinPath.String, devchainAlias, expected); err != nil {
			return "", err
		}
		outcome = OutcomeAdded
	}

	if outcome != OutcomeAlreadyConfigured {
		if err := c.store.UpdateProviderMCP(provider.ID, expected); err != nil {
			logging.WithComponent("mcpensure").Warn("failed to record provider MCP metadata", "provider", providerID, "error", err)
		}
	}

	if name == "claude" && projectPath != "" {
		if err := mergeClaudeSettings(projectPath); err != nil {
			logging.WithComponent("mcpensure").Warn("failed to merge claude local settings", "project", projectPath, "error", err)
		}
	}

	if c.preflight != nil {
		c.preflight.InvalidateProject(projectPath)
	}
	return outcome, nil
}

// validateProjectPath enforces spec §4.8's safety rule: absolute, no
// ".." segment after normalization, and matches a registered project's
// rootPath exactly.
func (c *Coordinator) validateProjectPath(projectPath string) error {
	if !filepath.IsAbs(projectPath) {
		return orcherr.NewValidation("projectPath", "must be an absolute path")
	}
	clean := filepath.Clean(projectPath)
	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if seg == ".." {
			return orcherr.NewValidation("projectPath", "must not contain a %q segment", "..")
		}
	}
	if _, err := c.store.GetProjectByRootPath(clean); err != nil {
		return orcherr.NewValidation("projectPath", "does not match any registered project's rootPath")
	}
	return nil
}
