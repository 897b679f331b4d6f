package session

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type claudeUserConfig struct {
	AutoCompactEnabled *bool `json:"autoCompactEnabled"`
}

// claudeConfigPath returns Claude's user-level config file path,
// overridable for tests.
var claudeConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude.json")
}

// claudeAutoCompactEnabled reads Claude's user-level config and reports
// whether auto-compact is enabled. A missing or malformed file is
// treated as disabled rather than an error, since the gate only needs
// to fire when the setting is affirmatively on (spec §4.7 step 4).
func claudeAutoCompactEnabled() bool {
	data, err := os.ReadFile(claudeConfigPath())
	if err != nil {
		return false
	}
	var cfg claudeUserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false
	}
	return cfg.AutoCompactEnabled != nil && *cfg.AutoCompactEnabled
}
