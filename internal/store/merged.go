package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// MergedEpic is a content-addressed record of an epic imported from a
// worktree's in-container database (spec §3). Unique on
// (WorktreeID, SourceEpicID).
type MergedEpic struct {
	ID               string
	WorktreeID       string
	SourceEpicID     string
	Title            string
	StatusLabel      string
	StatusColor      string
	AgentDisplayName sql.NullString
	ParentEpicID     sql.NullString
	Tags             string // JSON array
	MergedAt         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MergedAgent is analogous to MergedEpic, unique on
// (WorktreeID, SourceAgentID).
type MergedAgent struct {
	ID             string
	WorktreeID     string
	SourceAgentID  string
	DisplayName    string
	EpicsCompleted int
	MergedAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertMergedEpicIfAbsent inserts e, doing nothing if a row already
// exists for (WorktreeID, SourceEpicID). Returns true if a row was
// inserted, matching spec §4.4 step 6's "do nothing on conflict"
// semantics and §8 property 3 (idempotent re-merge).
func (s *Store) InsertMergedEpicIfAbsent(e *MergedEpic) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO merged_epics
		(id, worktree_id, source_epic_id, title, status_label, status_color,
		 agent_display_name, parent_epic_id, tags, merged_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(worktree_id, source_epic_id) DO NOTHING`,
		e.ID, e.WorktreeID, e.SourceEpicID, e.Title, e.StatusLabel, e.StatusColor,
		e.AgentDisplayName, e.ParentEpicID, e.Tags, e.MergedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, orcherr.NewExternal("store.InsertMergedEpicIfAbsent", e.SourceEpicID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertMergedAgentIfAbsent is the MergedAgent analogue of
// InsertMergedEpicIfAbsent.
func (s *Store) InsertMergedAgentIfAbsent(a *MergedAgent) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO merged_agents
		(id, worktree_id, source_agent_id, display_name, epics_completed, merged_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(worktree_id, source_agent_id) DO NOTHING`,
		a.ID, a.WorktreeID, a.SourceAgentID, a.DisplayName, a.EpicsCompleted, a.MergedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return false, orcherr.NewExternal("store.InsertMergedAgentIfAbsent", a.SourceAgentID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMergedEpics returns every merged-epic row for one worktree.
func (s *Store) ListMergedEpics(worktreeID string) ([]*MergedEpic, error) {
	rows, err := s.db.Query(`SELECT id, worktree_id, source_epic_id, title, status_label, status_color,
		agent_display_name, parent_epic_id, tags, merged_at, created_at, updated_at
		FROM merged_epics WHERE worktree_id = ? ORDER BY merged_at ASC`, worktreeID)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListMergedEpics", worktreeID, err)
	}
	defer rows.Close()
	var out []*MergedEpic
	for rows.Next() {
		var e MergedEpic
		if err := rows.Scan(&e.ID, &e.WorktreeID, &e.SourceEpicID, &e.Title, &e.StatusLabel, &e.StatusColor,
			&e.AgentDisplayName, &e.ParentEpicID, &e.Tags, &e.MergedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, orcherr.NewExternal("store.ListMergedEpics.scan", worktreeID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListMergedAgents returns every merged-agent row for one worktree.
func (s *Store) ListMergedAgents(worktreeID string) ([]*MergedAgent, error) {
	rows, err := s.db.Query(`SELECT id, worktree_id, source_agent_id, display_name, epics_completed, merged_at, created_at, updated_at
		FROM merged_agents WHERE worktree_id = ? ORDER BY merged_at ASC`, worktreeID)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListMergedAgents", worktreeID, err)
	}
	defer rows.Close()
	var out []*MergedAgent
	for rows.Next() {
		var a MergedAgent
		if err := rows.Scan(&a.ID, &a.WorktreeID, &a.SourceAgentID, &a.DisplayName, &a.EpicsCompleted, &a.MergedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, orcherr.NewExternal("store.ListMergedAgents.scan", worktreeID, err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// MergedSummary is the overview cache's per-worktree aggregate (spec §4.5).
type MergedSummary struct {
	EpicCount int
	AgentCount int
	LatestMergedAt sql.NullTime
}

// MergedSummaryFor aggregates merged-epic/agent counts and the latest
// mergedAt for one worktree.
func (s *Store) MergedSummaryFor(worktreeID string) (MergedSummary, error) {
	var summary MergedSummary
	row := s.db.QueryRow(`SELECT COUNT(*), MAX(merged_at) FROM merged_epics WHERE worktree_id = ?`, worktreeID)
	var latest sql.NullTime
	if err := row.Scan(&summary.EpicCount, &latest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return summary, orcherr.NewExternal("store.MergedSummaryFor.epics", worktreeID, err)
	}
	summary.LatestMergedAt = latest

	row = s.db.QueryRow(`SELECT COUNT(*) FROM merged_agents WHERE worktree_id = ?`, worktreeID)
	if err := row.Scan(&summary.AgentCount); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return summary, orcherr.NewExternal("store.MergedSummaryFor.agents", worktreeID, err)
	}
	return summary, nil
}
