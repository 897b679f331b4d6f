package taskmerge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

// Engine runs the two-level task-merge import (spec §4.4).
type Engine struct {
	store           *store.Store
	fetcher         *fetcher
	mergeLock       *keyedLock
	mode            string
	repoPath        string
	mainProjectName string
}

// New constructs an Engine. mode mirrors config.Config.Mode
// ("normal"/"main"); level 2 (main-project import) only runs when mode
// is "main".
func New(st *store.Store, mode, repoPath, mainProjectName string) *Engine {
	return &Engine{
		store:           st,
		fetcher:         newFetcher(),
		mergeLock:       newKeyedLock(),
		mode:            mode,
		repoPath:        repoPath,
		mainProjectName: mainProjectName,
	}
}

// MergeTasksFromContainer runs level 1 (dedup-row import) then, when the
// orchestrator runs in main mode, level 2 (main-project import). It
// satisfies internal/worktree.TaskMerger, and is also the handler
// registered for the worktree.task-merge-requested event.
func (e *Engine) MergeTasksFromContainer(ctx context.Context, worktreeID string) error {
	w, err := e.store.GetWorktreeByID(worktreeID)
	if err != nil {
		return err
	}
	if !w.ContainerPort.Valid {
		return orcherr.NewPrecondition("NO_CONTAINER_PORT", "worktree %q has no container port to merge from", w.Name)
	}
	if !w.DevchainProjectID.Valid {
		return orcherr.NewPrecondition("NO_PROJECT_ID", "worktree %q has no devchainProjectId to merge from", w.Name)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", w.ContainerPort.Int64)
	snap, err := e.fetcher.fetchAll(ctx, baseURL, w.DevchainProjectID.String)
	if err != nil {
		return fmt.Errorf("task-merge fetch for worktree %q: %w", w.Name, err)
	}

	epics := normalizeEpics(snap.Epics)
	agents := normalizeAgents(snap.Agents)

	var statusIDs []string
	for _, ep := range epics {
		statusIDs = append(statusIDs, ep.StatusID)
	}
	statusMap := buildStatusMap(snap.Statuses, statusIDs)
	profileMap := buildProfileMap(snap.Profiles)
	epicsPerAgent := countEpicsPerAgent(epics)

	now := time.Now().UTC()
	for _, a := range agents {
		displayName := a.DisplayName
		if name, ok := profileMap[a.ProfileID]; ok && name != "" {
			displayName = name
		}
		completed := a.EpicsCompleted
		if completed == 0 {
			completed = epicsPerAgent[a.ID]
		}
		if _, err := e.store.InsertMergedAgentIfAbsent(&store.MergedAgent{
			WorktreeID:     worktreeID,
			SourceAgentID:  a.ID,
			DisplayName:    displayName,
			EpicsCompleted: completed,
			MergedAt:       now,
		}); err != nil {
			return fmt.Errorf("insert merged agent %q: %w", a.ID, err)
		}
	}

	for _, ep := range epics {
		info := statusMap[ep.StatusID]
		tags, _ := json.Marshal(ep.Tags)
		var agentName sql.NullString
		for _, a := range agents {
			if a.ID == ep.AgentID {
				name := a.DisplayName
				if n, ok := profileMap[a.ProfileID]; ok && n != "" {
					name = n
				}
				agentName = sql.NullString{String: name, Valid: true}
				break
			}
		}
		var parentID sql.NullString
		if ep.ParentID != "" {
			parentID = sql.NullString{String: ep.ParentID, Valid: true}
		}
		if _, err := e.store.InsertMergedEpicIfAbsent(&store.MergedEpic{
			WorktreeID:       worktreeID,
			SourceEpicID:     ep.ID,
			Title:            ep.Title,
			StatusLabel:      info.Label,
			StatusColor:      info.Color,
			AgentDisplayName: agentName,
			ParentEpicID:     parentID,
			Tags:             string(tags),
			MergedAt:         now,
		}); err != nil {
			return fmt.Errorf("insert merged epic %q: %w", ep.ID, err)
		}
	}

	if e.mode != "main" {
		return nil
	}
	if err := e.importToMainProject(ctx, worktreeID, w.Name); err != nil {
		// Main-project import failure is surfaced but never undoes the
		// level-1 rows already written (spec §4.4 failure semantics).
		logging.WithWorktree(worktreeID).Warn("main-project import failed after level-1 merge succeeded", "error", err)
		return err
	}
	return nil
}

// importToMainProject runs level 2: importing this worktree's merged
// epics into the main project's own epic table, resolving parent
// topology in passes (spec §4.4 steps 1-6).
func (e *Engine) importToMainProject(ctx context.Context, worktreeID, worktreeName string) error {
	repoRoot := e.repoPath
	if repoRoot == "" {
		var err error
		repoRoot, err = gitrunner.ResolveRepoRoot()
		if err != nil {
			return err
		}
	}
	projectID, err := e.store.EnsureMainProject(e.mainProjectName, repoRoot)
	if err != nil {
		return err
	}

	mergedEpics, err := e.store.ListMergedEpics(worktreeID)
	if err != nil {
		return err
	}
	mergedAgents, err := e.store.ListMergedAgents(worktreeID)
	if err != nil {
		return err
	}
	agentNameBySourceID := make(map[string]string, len(mergedAgents))
	for _, a := range mergedAgents {
		agentNameBySourceID[a.SourceAgentID] = a.DisplayName
	}

	var importErr error
	lockErr := e.mergeLock.withLock(worktreeID, func() error {
		imported, err := e.store.ListMainEpicsByMergedFrom(projectID, worktreeID)
		if err != nil {
			return err
		}

		remaining := make(map[string]*store.MergedEpic, len(mergedEpics))
		for _, ep := range mergedEpics {
			if _, ok := imported[ep.SourceEpicID]; ok {
				continue
			}
			remaining[ep.SourceEpicID] = ep
		}

		// Pass 1: topological — only import an epic once its parent is
		// either absent or already resolved, repeating until a pass
		// makes no progress (spec §4.4 step 5).
		for {
			progressed := false
			for sourceID, ep := range remaining {
				if ep.ParentEpicID.Valid {
					if _, ok := imported[ep.ParentEpicID.String]; !ok {
						continue
					}
				}
				mainEpic, err := e.importOneEpic(projectID, worktreeID, worktreeName, ep, agentNameBySourceID, imported, false)
				if err != nil {
					return err
				}
				imported[sourceID] = mainEpic
				delete(remaining, sourceID)
				progressed = true
			}
			if !progressed || len(remaining) == 0 {
				break
			}
		}

		// Pass 2: orphans — cycles or dangling parents import with
		// parentId=null, unresolvedParent=true (spec §4.4 step 6).
		for sourceID, ep := range remaining {
			mainEpic, err := e.importOneEpic(projectID, worktreeID, worktreeName, ep, agentNameBySourceID, imported, true)
			if err != nil {
				return err
			}
			imported[sourceID] = mainEpic
		}
		return nil
	})
	if lockErr != nil {
		importErr = lockErr
	}
	return importErr
}

func (e *Engine) importOneEpic(
	projectID, worktreeID, worktreeName string,
	ep *store.MergedEpic,
	agentNameBySourceID map[string]string,
	imported map[string]*store.MainEpic,
	orphan bool,
) (*store.MainEpic, error) {
	statusID, err := e.store.EnsureMainStatus(projectID, ep.StatusLabel, ep.StatusColor)
	if err != nil {
		return nil, err
	}

	var agentID sql.NullString
	if ep.AgentDisplayName.Valid {
		if id, ok, err := e.store.FindMainAgentByName(projectID, ep.AgentDisplayName.String); err != nil {
			return nil, err
		} else if ok {
			agentID = sql.NullString{String: id, Valid: true}
		}
	}

	var parentID sql.NullString
	if !orphan && ep.ParentEpicID.Valid {
		if mainParent, ok := imported[ep.ParentEpicID.String]; ok {
			parentID = sql.NullString{String: mainParent.ID, Valid: true}
		}
	}

	var sourceTags []string
	_ = json.Unmarshal([]byte(ep.Tags), &sourceTags)
	tags := append(sourceTags, "merged:"+worktreeName)
	tagsJSON, _ := json.Marshal(tags)

	marker := store.MergedFromMarker{
		WorktreeID:       worktreeID,
		SourceEpicID:     ep.SourceEpicID,
		UnresolvedParent: orphan,
	}
	data, _ := json.Marshal(map[string]any{"mergedFrom": marker})

	return e.store.InsertMainEpic(&store.MainEpic{
		ProjectID: projectID,
		Title:     ep.Title,
		StatusID:  sql.NullString{String: statusID, Valid: true},
		AgentID:   agentID,
		ParentID:  parentID,
		Tags:      string(tagsJSON),
		Data:      string(data),
	})
}
