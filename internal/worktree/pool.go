package worktree

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/logging"
)

// Pool keeps a small set of pre-created, unassigned git worktrees ready
// to hand out, so a new session doesn't pay the `git worktree add` cost
// on the critical path. Grounded on the teacher's WarmPool/Acquire/
// Release idiom in executor.WorktreeManager, generalized from a fixed
// warm-pool slice to a mutex-guarded free list sized by config.
type Pool struct {
	size    int
	git     *gitrunner.Runner
	repo    string
	mu      sync.Mutex
	free    []string
	nextSeq int
}

// NewPool constructs a Pool of at most size pre-created worktrees
// against repo.
func NewPool(size int, git *gitrunner.Runner, repo string) *Pool {
	return &Pool{size: size, git: git, repo: repo}
}

// Refill tops the pool up to its configured size, creating new spare
// worktrees named pool-<n> off baseBranch.
func (p *Pool) Refill(ctx context.Context, baseBranch string) error {
	p.mu.Lock()
	need := p.size - len(p.free)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		p.mu.Lock()
		seq := p.nextSeq
		p.nextSeq++
		p.mu.Unlock()

		name := fmt.Sprintf("pool-%d", seq)
		branch := "devchain/pool-" + name
		worktreePath := gitrunner.WorktreesRoot(p.repo) + "/" + name
		if _, err := p.git.CreateWorktree(ctx, name, branch, baseBranch, p.repo, worktreePath); err != nil {
			logging.WithComponent("worktree-pool").Warn("failed to provision spare worktree", "name", name, "error", err)
			continue
		}
		p.mu.Lock()
		p.free = append(p.free, name)
		p.mu.Unlock()
	}
	return nil
}

// Acquire removes and returns one spare worktree name from the pool, or
// ok=false if the pool is empty (caller falls back to provisioning one
// directly).
func (p *Pool) Acquire() (name string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return "", false
	}
	name = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return name, true
}

// Release returns a worktree name to the free list without recreating
// it, for callers that provisioned it themselves and are done with it
// before any session ever attached.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, name)
}

// Len reports the current number of spare worktrees available.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
