// Package preflight implements the readiness probe described in the
// session launcher's step 5: a cached, per-projectPath check of tmux,
// provider binaries/options, provider MCP status, and .devchain
// writability, grounded on the teacher's executor/preflight.go check
// list generalized from a fixed slice to a named, cacheable registry.
package preflight

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestrator/devchain/internal/mcpensure"
	"github.com/orchestrator/devchain/internal/session"
	"github.com/orchestrator/devchain/internal/store"
)

// CheckStatus is shared verbatim with internal/session.PreflightRunner
// so Checker satisfies that interface without an adapter shim.
type CheckStatus = session.CheckStatus

const (
	StatusPass CheckStatus = session.CheckPass
	StatusWarn CheckStatus = session.CheckWarn
	StatusFail CheckStatus = session.CheckFail
)

const cacheTTL = 60 * time.Second

// CheckResult is one named check's outcome.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Details map[string]any
}

// Report is the full readiness probe result for one projectPath.
type Report struct {
	Status CheckStatus
	Checks []CheckResult
}

type cacheEntry struct {
	report    Report
	expiresAt time.Time
}

// Checker runs and caches readiness probes.
type Checker struct {
	store         *store.Store
	mcpPort       int
	enabledEnv    func() string
	resolveBinary func(name string) (string, bool)

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Checker. mcpPort feeds the same expected MCP
// endpoint mcpensure.Coordinator reconciles against.
func New(st *store.Store, mcpPort int) *Checker {
	return &Checker{
		store:         st,
		mcpPort:       mcpPort,
		enabledEnv:    func() string { return os.Getenv("ENABLED_PROVIDERS") },
		resolveBinary: resolveBinaryOnPath,
		cache:         make(map[string]cacheEntry),
	}
}

func resolveBinaryOnPath(name string) (string, bool) {
	path, err := exec.LookPath(name)
	return path, err == nil
}

// InvalidateProject drops projectPath's cached report, forcing the
// next Run to recompute it (spec §4.8 step 8).
func (c *Checker) InvalidateProject(projectPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, projectPath)
}

// Run returns projectPath's cached report if fresh, else recomputes
// and caches it for cacheTTL.
func (c *Checker) Run(ctx context.Context, projectPath string) (Report, error) {
	c.mu.Lock()
	entry, ok := c.cache[projectPath]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.report, nil
	}

	report, err := c.compute(ctx, projectPath)
	if err != nil {
		return Report{}, err
	}
	c.mu.Lock()
	c.cache[projectPath] = cacheEntry{report: report, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
	return report, nil
}

// ProviderMCPStatus runs (or reuses) projectPath's report and returns
// the one named provider's MCP check status, satisfying
// session.PreflightRunner.
func (c *Checker) ProviderMCPStatus(ctx context.Context, projectPath, providerName string) (CheckStatus, error) {
	report, err := c.Run(ctx, projectPath)
	if err != nil {
		return StatusFail, err
	}
	want := "mcp:" + store.AdapterNameFor(providerName)
	for _, check := range report.Checks {
		if check.Name == want {
			return check.Status, nil
		}
	}
	return StatusFail, nil
}

func (c *Checker) compute(ctx context.Context, projectPath string) (Report, error) {
	var checks []CheckResult
	checks = append(checks, checkTmux(ctx))
	providerChecks, err := c.checkProviders(ctx)
	if err != nil {
		return Report{}, err
	}
	checks = append(checks, providerChecks...)
	if projectPath != "" {
		checks = append(checks, checkDevchainAccess(projectPath))
	}

	overall := StatusPass
	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			overall = StatusFail
		case StatusWarn:
			if overall != StatusFail {
				overall = StatusWarn
			}
		}
	}
	return Report{Status: overall, Checks: checks}, nil
}

var tmuxVersionRE = regexp.MustCompile(`(\d+)\.(\d+)`)

func checkTmux(ctx context.Context) CheckResult {
	out, err := exec.CommandContext(ctx, "tmux", "-V").CombinedOutput()
	if err != nil {
		return CheckResult{Name: "tmux", Status: StatusFail, Message: "tmux is not installed or not on PATH"}
	}
	m := tmuxVersionRE.FindStringSubmatch(string(out))
	if m == nil {
		return CheckResult{Name: "tmux", Status: StatusWarn, Message: "could not parse tmux version from " + strings.TrimSpace(string(out))}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major < 2 || (major == 2 && minor < 6) {
		return CheckResult{Name: "tmux", Status: StatusWarn, Message: "tmux " + m[0] + " is older than the recommended 2.6"}
	}
	return CheckResult{Name: "tmux", Status: StatusPass, Message: "tmux " + m[0]}
}

func (c *Checker) enabledProviderSet() map[string]bool {
	raw := c.enabledEnv()
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set[store.AdapterNameFor(name)] = true
		}
	}
	return set
}

func (c *Checker) checkProviders(ctx context.Context) ([]CheckResult, error) {
	providers, err := c.store.ListProviders()
	if err != nil {
		return nil, err
	}
	enabled := c.enabledProviderSet()

	var checks []CheckResult
	for _, provider := range providers {
		name := store.AdapterNameFor(provider.Name)
		if enabled != nil && !enabled[name] {
			continue
		}
		checks = append(checks, c.checkProviderBinary(provider))
		checks = append(checks, c.checkProviderOptions(provider)...)
		checks = append(checks, c.checkProviderMCP(ctx, provider))
	}
	return checks, nil
}

func (c *Checker) checkProviderBinary(provider *store.Provider) CheckResult {
	name := "binary:" + store.AdapterNameFor(provider.Name)
	if !provider.BinPath.Valid || provider.BinPath.String == "" {
		return CheckResult{Name: name, Status: StatusFail, Message: provider.Name + " has no configured binPath"}
	}
	binPath := provider.BinPath.String
	var ok bool
	if filepath.IsAbs(binPath) {
		ok = isExecutable(binPath)
	} else {
		_, ok = c.resolveBinary(binPath)
	}
	if !ok {
		return CheckResult{Name: name, Status: StatusFail, Message: provider.Name + "'s binary is not accessible: " + binPath}
	}
	return CheckResult{Name: name, Status: StatusPass, Message: provider.Name + " binary available"}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func (c *Checker) checkProviderOptions(provider *store.Provider) []CheckResult {
	profiles, err := c.store.ListProfilesByProvider(provider.ID)
	if err != nil {
		return []CheckResult{{Name: "options:" + store.AdapterNameFor(provider.Name), Status: StatusFail, Message: err.Error()}}
	}
	var checks []CheckResult
	for _, profile := range profiles {
		name := "options:" + profile.ID
		if !profile.Options.Valid || profile.Options.String == "" {
			continue
		}
		if _, err := session.ParseOptions(profile.Options.String); err != nil {
			checks = append(checks, CheckResult{Name: name, Status: StatusFail, Message: "profile " + profile.Name + ": " + err.Error()})
			continue
		}
		checks = append(checks, CheckResult{Name: name, Status: StatusPass, Message: "profile " + profile.Name + " options parse cleanly"})
	}
	return checks
}

func (c *Checker) checkProviderMCP(ctx context.Context, provider *store.Provider) CheckResult {
	name := "mcp:" + store.AdapterNameFor(provider.Name)
	if !provider.BinPath.Valid || provider.BinPath.String == "" {
		return CheckResult{Name: name, Status: StatusFail, Message: provider.Name + " has no configured binPath"}
	}
	adapter := mcpensure.AdapterFor(store.AdapterNameFor(provider.Name))
	if adapter == nil {
		return CheckResult{Name: name, Status: StatusWarn, Message: "no MCP adapter for " + provider.Name}
	}
	entries, err := adapter.List(ctx, provider.BinPath.String)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: err.Error()}
	}
	expected := "http://127.0.0.1:" + strconv.Itoa(c.mcpPort) + "/mcp"
	for _, entry := range entries {
		if entry.Alias == "devchain" {
			if entry.Endpoint == expected {
				return CheckResult{Name: name, Status: StatusPass, Message: "devchain MCP registered"}
			}
			return CheckResult{Name: name, Status: StatusWarn, Message: "devchain MCP points at " + entry.Endpoint + ", expected " + expected}
		}
	}
	return CheckResult{Name: name, Status: StatusWarn, Message: "devchain MCP not registered"}
}

func checkDevchainAccess(projectPath string) CheckResult {
	dir := filepath.Join(projectPath, ".devchain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "devchain-access", Status: StatusFail, Message: err.Error()}
	}
	probe := filepath.Join(dir, ".preflight-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "devchain-access", Status: StatusFail, Message: "not writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "devchain-access", Status: StatusPass, Message: ".devchain is writable"}
}
