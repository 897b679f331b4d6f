package mcpensure

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/orchestrator/devchain/internal/orcherr"
)

const mcpAllowEntry = "mcp__devchain"

type claudeLocalSettings struct {
	Permissions claudePermissions `json:"permissions"`
}

type claudePermissions struct {
	Allow []string `json:"allow"`
}

// mergeClaudeSettings adds mcp__devchain to projectPath's
// .claude/settings.local.json allow-list, creating the directory and
// file as needed (spec §4.8 step 7). Best-effort: callers log rather
// than fail the request on error.
func mergeClaudeSettings(projectPath string) error {
	dir := filepath.Join(projectPath, ".claude")
	path := filepath.Join(dir, "settings.local.json")

	var settings claudeLocalSettings
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &settings); jsonErr != nil {
			return orcherr.NewExternal("mcpensure.mergeClaudeSettings.parse", path, jsonErr)
		}
	case os.IsNotExist(err):
		// no existing settings file; start fresh
	default:
		return orcherr.NewExternal("mcpensure.mergeClaudeSettings.read", path, err)
	}

	for _, entry := range settings.Permissions.Allow {
		if entry == mcpAllowEntry {
			return nil
		}
	}
	settings.Permissions.Allow = append(settings.Permissions.Allow, mcpAllowEntry)
	sort.Strings(settings.Permissions.Allow)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return orcherr.NewExternal("mcpensure.mergeClaudeSettings.mkdir", dir, err)
	}
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return orcherr.NewExternal("mcpensure.mergeClaudeSettings.marshal", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return orcherr.NewExternal("mcpensure.mergeClaudeSettings.write", path, err)
	}
	return nil
}
