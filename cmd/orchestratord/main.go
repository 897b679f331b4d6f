package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/orchestrator/devchain/internal/config"
	"github.com/orchestrator/devchain/internal/events"
	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/mcpensure"
	"github.com/orchestrator/devchain/internal/overview"
	"github.com/orchestrator/devchain/internal/preflight"
	"github.com/orchestrator/devchain/internal/proxy"
	"github.com/orchestrator/devchain/internal/session"
	"github.com/orchestrator/devchain/internal/store"
	"github.com/orchestrator/devchain/internal/taskmerge"
	"github.com/orchestrator/devchain/internal/worktree"
)

var version = "0.1.0"

// envValidationError marks a failure that should exit 2 (environment
// validation) rather than 1 (fatal startup error), per spec §6's exit
// code table.
type envValidationError struct{ err error }

func (e *envValidationError) Error() string { return e.err.Error() }
func (e *envValidationError) Unwrap() error { return e.err }

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestratord",
		Short: "Runs the devchain orchestrator core",
		Long:  `orchestratord manages git worktrees, task-merge imports, agent sessions, and the realtime event stream for a set of attached projects. There are no subcommands: the single entry point starts the core and serves until terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.devchain/config.yaml)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var envErr *envValidationError
		if asEnvValidationError(err, &envErr) {
			fmt.Fprintln(os.Stderr, envErr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func asEnvValidationError(err error, target **envValidationError) bool {
	for err != nil {
		if e, ok := err.(*envValidationError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func run(ctx context.Context) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := validateEnv(cfg); err != nil {
		return &envValidationError{err: err}
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.WithComponent("orchestratord")
	log.Info("starting", "version", version, "mode", cfg.Mode)

	dataPath := os.Getenv("DEVCHAIN_DATA_PATH")
	if dataPath == "" {
		dataPath = cfg.Worktrees.DataRoot
	}
	st, err := store.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	for _, p := range cfg.Projects {
		if _, err := st.EnsureProject(p.Name, p.Path); err != nil {
			log.Warn("failed to register configured project", "project", p.Name, "error", err)
		}
	}
	for _, p := range cfg.Providers {
		if _, err := st.EnsureProvider(p.Name, p.BinPath); err != nil {
			log.Warn("failed to register configured provider", "provider", p.Name, "error", err)
		}
	}

	git := gitrunner.NewRunner(cfg.Worktrees.Root)
	hub := events.NewHub()
	bus := events.NewBus(st, hub)
	if err := bus.StartRetentionSweep(ctx); err != nil {
		log.Warn("failed to start event retention sweep", "error", err)
	}

	runtimes, err := buildRuntimes(cfg, st)
	if err != nil {
		log.Warn("docker runtime unavailable; container worktrees will fail to start", "error", err)
	}

	merger := taskmerge.New(st, cfg.Mode, os.Getenv("REPO_ROOT"), "main")
	wtSvc := worktree.New(worktree.Config{
		RepoPath:          cfg.Worktrees.Root,
		HealthWaitTimeout: time.Duration(cfg.Worktrees.HealthWaitSeconds) * time.Second,
		PoolSize:          cfg.Worktrees.PoolSize,
	}, st, git, bus, runtimes, merger)
	orphanSweep := startOrphanSweep(ctx, wtSvc, log)
	defer orphanSweep.Stop()

	overviewCache := overview.NewCache(st, git)

	preflightChecker := preflight.New(st, cfg.HTTP.Port)
	if os.Getenv("SKIP_PREFLIGHT") == "1" {
		preflightChecker = nil
	}

	mcpCoordinator := mcpensure.New(st, preflightCacheInvalidator(preflightChecker), cfg.HTTP.Port)

	launcher := session.New(st, session.NewTmux(), preflightRunner(preflightChecker), mcpCoordinator, bus)

	proxyHandler := proxy.New(st)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/wt/", proxyHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("listening", "addr", addr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	core := &coreServices{overview: overviewCache, launcher: launcher, worktrees: wtSvc}
	defer func() {
		log.Info("core shutdown",
			"worktree_service", core.worktrees != nil,
			"session_launcher", core.launcher != nil,
			"overview_cache", core.overview != nil,
		)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// coreServices is the dependency graph this binary assembles: worktree
// lifecycle, session launching, and the overview cache. Routing
// requests into them (an MCP endpoint, a CLI) is the surrounding
// system's job and out of scope here; this process's own job is
// limited to the worktree proxy and the background reconciliation
// sweeps started above.
type coreServices struct {
	overview  *overview.Cache
	launcher  *session.Launcher
	worktrees *worktree.Service
}

// startOrphanSweep runs an initial reconciliation immediately, then
// schedules a recurring one, mirroring events.Bus.StartRetentionSweep.
func startOrphanSweep(ctx context.Context, wtSvc *worktree.Service, log *slog.Logger) *cron.Cron {
	sweep := func() {
		removed, pruned, err := wtSvc.CleanupOrphans(ctx)
		if err != nil {
			log.Warn("orphan sweep failed", "error", err)
			return
		}
		if removed > 0 || pruned > 0 {
			log.Info("orphan sweep", "removed_rows", removed, "pruned_paths", pruned)
		}
	}
	sweep()

	c := cron.New()
	if _, err := c.AddFunc("@every 10m", sweep); err != nil {
		log.Warn("failed to schedule orphan sweep", "error", err)
		return c
	}
	c.Start()
	return c
}

// preflightRunner adapts a possibly-nil *preflight.Checker to
// session.PreflightRunner, so SKIP_PREFLIGHT=1 cleanly disables the
// launcher's preflight step (a nil interface value) rather than
// needing a no-op implementation.
func preflightRunner(c *preflight.Checker) session.PreflightRunner {
	if c == nil {
		return nil
	}
	return c
}

func preflightCacheInvalidator(c *preflight.Checker) mcpensure.CacheInvalidator {
	if c == nil {
		return nil
	}
	return c
}

func buildRuntimes(cfg *config.Config, st *store.Store) (map[store.RuntimeType]worktree.Runtime, error) {
	runtimes := map[store.RuntimeType]worktree.Runtime{
		store.RuntimeProcess: worktree.NewProcessRuntime(),
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return runtimes, err
	}
	ttl := time.Duration(cfg.Worktrees.DockerAvailabilityMS) * time.Millisecond
	availChecker := worktree.NewDockerAvailabilityChecker(cli, ttl)
	runtimes[store.RuntimeContainer] = worktree.NewContainerRuntime(cli, availChecker, "devchain-agent", "/health")
	return runtimes, nil
}

func applyEnvOverrides(cfg *config.Config) {
	if mode := os.Getenv("DEVCHAIN_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if root := os.Getenv("WORKTREES_ROOT"); root != "" {
		cfg.Worktrees.Root = root
	}
	if dataRoot := os.Getenv("WORKTREES_DATA_ROOT"); dataRoot != "" {
		cfg.Worktrees.DataRoot = dataRoot
	}
	if templates := os.Getenv("TEMPLATES_DIR"); templates != "" {
		cfg.Worktrees.TemplatesDir = templates
	}
	if ttl := os.Getenv("WORKTREES_DOCKER_AVAILABILITY_TTL_MS"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil {
			cfg.Worktrees.DockerAvailabilityMS = n
		}
	}
	if repoRoot := os.Getenv("REPO_ROOT"); repoRoot != "" && cfg.Worktrees.Root == "" {
		cfg.Worktrees.Root = repoRoot + "/.devchain/worktrees"
	}
	if dataRoot := os.Getenv("REPO_ROOT"); dataRoot != "" && cfg.Worktrees.DataRoot == "" {
		cfg.Worktrees.DataRoot = dataRoot + "/.devchain/worktrees-data"
	}
}

// validateEnv enforces spec §6's environment rules that must fail with
// exit code 2 rather than 1: main mode requires REPO_ROOT to be set and
// to exist, and the HTTP config must pass its own range checks.
func validateEnv(cfg *config.Config) error {
	if cfg.Mode == "main" {
		repoRoot := os.Getenv("REPO_ROOT")
		if repoRoot == "" {
			return fmt.Errorf("REPO_ROOT is required when DEVCHAIN_MODE=main")
		}
		if info, err := os.Stat(repoRoot); err != nil || !info.IsDir() {
			return fmt.Errorf("REPO_ROOT %q does not exist or is not a directory", repoRoot)
		}
	}
	if enabled := os.Getenv("ENABLED_PROVIDERS"); enabled != "" {
		for _, name := range strings.Split(enabled, ",") {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("ENABLED_PROVIDERS contains an empty entry")
			}
		}
	}
	return cfg.Validate()
}
