package worktree

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"golang.org/x/sync/singleflight"

	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

// DockerAvailabilityChecker caches whether the docker daemon is
// reachable, coalescing concurrent probes through a single flight group
// so a burst of worktree creations triggers one Ping, not N (spec §5,
// §9's singleflight-based re-architecture guidance). Grounded on the
// container probing idiom in claudeshield's sandbox engine.
type DockerAvailabilityChecker struct {
	cli   *client.Client
	ttl   time.Duration
	group singleflight.Group

	mu       sync.Mutex
	lastOK   bool
	lastErr  error
	lastTime time.Time
}

// NewDockerAvailabilityChecker wraps cli with a TTL cache. ttl should
// come from WORKTREES_DOCKER_AVAILABILITY_TTL_MS.
func NewDockerAvailabilityChecker(cli *client.Client, ttl time.Duration) *DockerAvailabilityChecker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DockerAvailabilityChecker{cli: cli, ttl: ttl}
}

// Available reports whether docker is reachable, refreshing the cached
// result at most once per TTL window regardless of caller concurrency.
func (d *DockerAvailabilityChecker) Available(ctx context.Context) (bool, error) {
	d.mu.Lock()
	fresh := !d.lastTime.IsZero() && time.Since(d.lastTime) < d.ttl
	ok, cachedErr := d.lastOK, d.lastErr
	d.mu.Unlock()

	if fresh {
		return ok, cachedErr
	}

	v, err, _ := d.group.Do("ping", func() (any, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, pingErr := d.cli.Ping(pingCtx)

		d.mu.Lock()
		d.lastOK = pingErr == nil
		d.lastErr = pingErr
		d.lastTime = time.Now()
		d.mu.Unlock()
		return d.lastOK, pingErr
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// ContainerRuntime provisions worktrees as docker containers built from
// a per-project image, binding the worktree's checkout as a volume.
// Grounded on MakazhanAlpamys-claudeshield's internal/sandbox/engine.go
// for the create/start/healthcheck/stop sequence.
type ContainerRuntime struct {
	cli         *client.Client
	availChecker *DockerAvailabilityChecker
	image       string
	healthPath  string
}

// NewContainerRuntime constructs a ContainerRuntime. image is the
// per-project agent image; healthPath is the in-container HTTP path
// WaitHealthy polls (defaulting to "/health").
func NewContainerRuntime(cli *client.Client, availChecker *DockerAvailabilityChecker, image, healthPath string) *ContainerRuntime {
	if healthPath == "" {
		healthPath = "/health"
	}
	return &ContainerRuntime{cli: cli, availChecker: availChecker, image: image, healthPath: healthPath}
}

// Start creates (if absent) and starts the container bound to w's
// checkout, returning its id and published host port.
func (c *ContainerRuntime) Start(ctx context.Context, w *store.Worktree) (string, int, error) {
	available, err := c.availChecker.Available(ctx)
	if err != nil || !available {
		return "", 0, orcherr.NewExternal("docker.Available", w.Name, fmt.Errorf("docker unavailable: %w", err))
	}

	if w.ContainerID.Valid {
		if err := c.cli.ContainerStart(ctx, w.ContainerID.String, container.StartOptions{}); err != nil {
			return "", 0, orcherr.NewExternal("docker.ContainerStart", w.ContainerID.String, err)
		}
		port := 0
		if w.ContainerPort.Valid {
			port = int(w.ContainerPort.Int64)
		}
		return w.ContainerID.String, port, nil
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: c.image,
		Labels: map[string]string{
			"devchain.worktree":     w.Name,
			"devchain.ownerProject": w.OwnerProjectID,
		},
	}, &container.HostConfig{
		Binds: []string{w.WorktreePath + ":/workspace"},
	}, nil, nil, "devchain-"+w.Name)
	if err != nil {
		return "", 0, orcherr.NewExternal("docker.ContainerCreate", w.Name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", 0, orcherr.NewExternal("docker.ContainerStart", resp.ID, err)
	}

	inspect, err := c.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return resp.ID, 0, orcherr.NewExternal("docker.ContainerInspect", resp.ID, err)
	}
	port := 0
	for _, bindings := range inspect.NetworkSettings.Ports {
		for _, b := range bindings {
			if p, convErr := parsePort(b.HostPort); convErr == nil {
				port = p
			}
		}
	}
	return resp.ID, port, nil
}

// Stop stops the container gracefully (10s) then relies on docker's own
// forced kill once the grace period elapses.
func (c *ContainerRuntime) Stop(ctx context.Context, w *store.Worktree) error {
	if !w.ContainerID.Valid {
		return nil
	}
	timeout := 10
	if err := c.cli.ContainerStop(ctx, w.ContainerID.String, container.StopOptions{Timeout: &timeout}); err != nil {
		return orcherr.NewExternal("docker.ContainerStop", w.ContainerID.String, err)
	}
	return nil
}

// WaitHealthy polls the container's health endpoint until it responds
// 200, doubling the wait from 250ms up to 2s between attempts, until
// timeout elapses.
func (c *ContainerRuntime) WaitHealthy(ctx context.Context, w *store.Worktree, timeout time.Duration) error {
	if !w.ContainerPort.Valid {
		return orcherr.NewPrecondition("NO_CONTAINER_PORT", "worktree %q has no published port to health-check", w.Name)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", w.ContainerPort.Int64, c.healthPath)
	deadline := time.Now().Add(timeout)
	backoff := 250 * time.Millisecond
	client := &http.Client{Timeout: 5 * time.Second}

	for {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return orcherr.NewTimeout("worktree.WaitHealthy", timeout.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

// ProcessRuntime is the runtime for worktrees without a container, for
// environments without docker (spec §4.3's runtimeType=process path).
// It provisions nothing: Start and Stop only log, Start returns no
// container id or port, and WaitHealthy reports healthy at once.
type ProcessRuntime struct{}

// NewProcessRuntime constructs a ProcessRuntime.
func NewProcessRuntime() *ProcessRuntime { return &ProcessRuntime{} }

func (p *ProcessRuntime) Start(ctx context.Context, w *store.Worktree) (string, int, error) {
	logging.WithWorktree(w.ID).Info("process runtime started (no-op provisioning)")
	return "", 0, nil
}

func (p *ProcessRuntime) Stop(ctx context.Context, w *store.Worktree) error {
	logging.WithWorktree(w.ID).Info("process runtime stopped (no-op)")
	return nil
}

func (p *ProcessRuntime) WaitHealthy(ctx context.Context, w *store.Worktree, timeout time.Duration) error {
	return nil
}
