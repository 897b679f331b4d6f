package overview

import (
	"context"
	"net/http"
	"sort"

	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/store"
)

// GitStatus is the ahead/behind block composed into a Snapshot.
type GitStatus struct {
	CommitsAhead  int
	CommitsBehind int
}

// Snapshot is the composed view of one worktree (spec §4.5).
type Snapshot struct {
	Worktree *store.Worktree
	Git      GitStatus
	Live     LiveData
	Merged   store.MergedSummary
}

// Cache composes the worktrees store, git runner, and each worktree's
// own container API into short-TTL'd snapshots, keyed by worktree id.
// Four sub-caches are maintained independently so a live-data timeout
// never invalidates the (cheaper) git status block, and vice versa.
type Cache struct {
	store *store.Store
	git   *gitrunner.Runner

	httpClient *http.Client

	snapshotCache      *ttlCache[Snapshot]
	gitStatusCache     *ttlCache[GitStatus]
	liveDataCache      *ttlCache[LiveData]
	mergedSummaryCache *ttlCache[store.MergedSummary]
}

// NewCache constructs a Cache with the spec's default 30-second TTL on
// every sub-cache.
func NewCache(st *store.Store, git *gitrunner.Runner) *Cache {
	return &Cache{
		store:              st,
		git:                git,
		httpClient:         &http.Client{Timeout: liveFetchTimeout},
		snapshotCache:      newTTLCache[Snapshot](defaultTTL),
		gitStatusCache:     newTTLCache[GitStatus](defaultTTL),
		liveDataCache:      newTTLCache[LiveData](defaultTTL),
		mergedSummaryCache: newTTLCache[store.MergedSummary](defaultTTL),
	}
}

// GetSnapshot returns the composed overview for worktreeID, reusing
// cached sub-blocks whenever their signature and TTL still hold.
func (c *Cache) GetSnapshot(ctx context.Context, worktreeID string) (Snapshot, error) {
	w, err := c.store.GetWorktreeByID(worktreeID)
	if err != nil {
		return Snapshot{}, err
	}

	merged, err := c.getMergedSummary(worktreeID, w)
	if err != nil {
		return Snapshot{}, err
	}
	sig := signatureFor(w, merged)

	if cached, ok := c.snapshotCache.get(worktreeID, sig); ok {
		return cached, nil
	}

	gitStatus := c.getGitStatus(ctx, worktreeID, w, sig)
	live := c.getLiveData(ctx, worktreeID, w, sig)

	snap := Snapshot{Worktree: w, Git: gitStatus, Live: live, Merged: merged}
	c.snapshotCache.set(worktreeID, sig, snap)
	return snap, nil
}

// InvalidateWorktree drops every cached sub-block for worktreeID,
// forcing the next GetSnapshot to recompute from scratch regardless of
// TTL. Callers use this after a change the signature does not capture,
// e.g. new merged-epic/agent rows, whose summary sub-cache is keyed by
// TTL alone.
func (c *Cache) InvalidateWorktree(worktreeID string) {
	c.snapshotCache.invalidate(worktreeID)
	c.gitStatusCache.invalidate(worktreeID)
	c.liveDataCache.invalidate(worktreeID)
	c.mergedSummaryCache.invalidate(worktreeID)
}

// getMergedSummary has no dependency on the worktree row's own
// signature (it is itself one of the signature's inputs), so it is
// cached by worktree id and TTL alone, using the zero signature.
func (c *Cache) getMergedSummary(worktreeID string, w *store.Worktree) (store.MergedSummary, error) {
	if cached, ok := c.mergedSummaryCache.get(worktreeID, signature{}); ok {
		return cached, nil
	}
	summary, err := c.store.MergedSummaryFor(worktreeID)
	if err != nil {
		return store.MergedSummary{}, err
	}
	c.mergedSummaryCache.set(worktreeID, signature{}, summary)
	return summary, nil
}

func (c *Cache) getGitStatus(ctx context.Context, worktreeID string, w *store.Worktree, sig signature) GitStatus {
	if cached, ok := c.gitStatusCache.get(worktreeID, sig); ok {
		return cached
	}
	status, err := c.git.BranchStatus(ctx, w.RepoPath, w.BaseBranch, w.BranchName)
	if err != nil {
		// git failures are not surfaced or logged here; the cache still
		// records a zeroed result so a broken branch doesn't retry every
		// overview request within the TTL window.
		status = gitrunner.BranchStatus{}
	}
	result := GitStatus{CommitsAhead: status.CommitsAhead, CommitsBehind: status.CommitsBehind}
	c.gitStatusCache.set(worktreeID, sig, result)
	return result
}

func (c *Cache) getLiveData(ctx context.Context, worktreeID string, w *store.Worktree, sig signature) LiveData {
	if cached, ok := c.liveDataCache.get(worktreeID, sig); ok {
		return cached
	}
	if !w.ContainerPort.Valid {
		empty := LiveData{Epics: EpicCounts{ByStatus: map[string]int{}}}
		c.liveDataCache.set(worktreeID, sig, empty)
		return empty
	}
	live := fetchLiveData(ctx, c.httpClient, w.ContainerPort.Int64)
	if live.Epics.ByStatus == nil {
		live.Epics.ByStatus = map[string]int{}
	}
	c.liveDataCache.set(worktreeID, sig, live)
	return live
}

func signatureFor(w *store.Worktree, merged store.MergedSummary) signature {
	sig := signature{
		UpdatedAtUnixNano: w.UpdatedAt.UnixNano(),
		Status:            string(w.Status),
		BranchName:        w.BranchName,
		BaseBranch:        w.BaseBranch,
		MergedEpicCount:   merged.EpicCount,
		MergedAgentCount:  merged.AgentCount,
	}
	if w.ContainerPort.Valid {
		sig.ContainerPort = w.ContainerPort.Int64
	}
	if w.DevchainProjectID.Valid {
		sig.DevchainProjectID = w.DevchainProjectID.String
	}
	if merged.LatestMergedAt.Valid {
		sig.LatestMergedAtUnix = merged.LatestMergedAt.Time.UnixNano()
	}
	return sig
}

// EpicNode is one node of the merged-epic hierarchy tree.
type EpicNode struct {
	Epic     *store.MergedEpic
	Children []*EpicNode
}

// GetMergedEpicHierarchy builds a parent→children tree over worktreeID's
// merged-epic rows using source-space parentEpicId, promoting any epic
// whose parent is absent from the row set to a root. Siblings and
// top-level roots are both ordered ascending by mergedAt (spec §4.5).
func (c *Cache) GetMergedEpicHierarchy(worktreeID string) ([]*EpicNode, error) {
	epics, err := c.store.ListMergedEpics(worktreeID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*EpicNode, len(epics))
	for _, e := range epics {
		nodes[e.SourceEpicID] = &EpicNode{Epic: e}
	}

	var roots []*EpicNode
	for _, e := range epics {
		node := nodes[e.SourceEpicID]
		if e.ParentEpicID.Valid {
			if parent, ok := nodes[e.ParentEpicID.String]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	sortByMergedAt(roots)
	for _, n := range nodes {
		sortByMergedAt(n.Children)
	}
	return roots, nil
}

func sortByMergedAt(nodes []*EpicNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Epic.MergedAt.Before(nodes[j].Epic.MergedAt)
	})
}
