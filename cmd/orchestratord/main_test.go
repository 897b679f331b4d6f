package main

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/orchestrator/devchain/internal/config"
)

func TestApplyEnvOverridesAppliesSetValuesOnly(t *testing.T) {
	for _, key := range []string{"DEVCHAIN_MODE", "PORT", "WORKTREES_ROOT", "WORKTREES_DATA_ROOT", "TEMPLATES_DIR", "WORKTREES_DOCKER_AVAILABILITY_TTL_MS", "REPO_ROOT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := config.DefaultConfig()
	wantPort := cfg.HTTP.Port
	applyEnvOverrides(cfg)
	if cfg.HTTP.Port != wantPort {
		t.Fatalf("port changed with no env set: got %d, want %d", cfg.HTTP.Port, wantPort)
	}

	t.Setenv("DEVCHAIN_MODE", "main")
	t.Setenv("PORT", "4500")
	cfg = config.DefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Mode != "main" {
		t.Fatalf("Mode = %q, want main", cfg.Mode)
	}
	if cfg.HTTP.Port != 4500 {
		t.Fatalf("HTTP.Port = %d, want 4500", cfg.HTTP.Port)
	}
}

func TestApplyEnvOverridesRepoRootOnlyFillsEmptyDefaults(t *testing.T) {
	t.Setenv("REPO_ROOT", "/repo")
	cfg := config.DefaultConfig()
	cfg.Worktrees.Root = ""
	cfg.Worktrees.DataRoot = ""
	applyEnvOverrides(cfg)
	if cfg.Worktrees.Root != "/repo/.devchain/worktrees" {
		t.Fatalf("Worktrees.Root = %q", cfg.Worktrees.Root)
	}
	if cfg.Worktrees.DataRoot != "/repo/.devchain/worktrees-data" {
		t.Fatalf("Worktrees.DataRoot = %q", cfg.Worktrees.DataRoot)
	}

	cfg2 := config.DefaultConfig()
	cfg2.Worktrees.Root = "/already/set"
	applyEnvOverrides(cfg2)
	if cfg2.Worktrees.Root != "/already/set" {
		t.Fatalf("REPO_ROOT override clobbered an explicit Worktrees.Root: %q", cfg2.Worktrees.Root)
	}
}

func TestValidateEnvRequiresExistingRepoRootInMainMode(t *testing.T) {
	os.Unsetenv("REPO_ROOT")
	cfg := config.DefaultConfig()
	cfg.Mode = "main"
	if err := validateEnv(cfg); err == nil {
		t.Fatal("expected an error when REPO_ROOT is unset in main mode")
	}

	t.Setenv("REPO_ROOT", "/does/not/exist/hopefully")
	if err := validateEnv(cfg); err == nil {
		t.Fatal("expected an error when REPO_ROOT does not exist")
	}

	t.Setenv("REPO_ROOT", t.TempDir())
	if err := validateEnv(cfg); err != nil {
		t.Fatalf("validateEnv with a valid REPO_ROOT: %v", err)
	}
}

func TestValidateEnvRejectsEmptyEnabledProvidersEntry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = "normal"
	t.Setenv("ENABLED_PROVIDERS", "claude,,codex")
	if err := validateEnv(cfg); err == nil {
		t.Fatal("expected an error for an empty ENABLED_PROVIDERS entry")
	}
}

func TestAsEnvValidationErrorUnwrapsWrappedErrors(t *testing.T) {
	inner := &envValidationError{err: errors.New("bad env")}
	wrapped := fmt.Errorf("run: %w", inner)

	var target *envValidationError
	if !asEnvValidationError(wrapped, &target) {
		t.Fatal("expected asEnvValidationError to find the wrapped envValidationError")
	}
	if target != inner {
		t.Fatalf("target = %v, want %v", target, inner)
	}

	if asEnvValidationError(errors.New("plain"), &target) {
		t.Fatal("expected asEnvValidationError to return false for an unrelated error")
	}
}
