package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// MainEpic is a row in the main project's own epic table. Its
// data.mergedFrom nested marker, when present, is the idempotency key
// a main-project import uses to recognize an already-imported source
// epic (spec §3, §4.4).
type MainEpic struct {
	ID        string
	ProjectID string
	Title     string
	StatusID  sql.NullString
	AgentID   sql.NullString
	ParentID  sql.NullString
	Tags      string
	Data      string // JSON object, may carry `mergedFrom`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MergedFromMarker is the nested marker identifying a main epic's
// origin worktree/source-epic.
type MergedFromMarker struct {
	WorktreeID        string `json:"worktreeId"`
	SourceEpicID      string `json:"sourceEpicId"`
	UnresolvedParent  bool   `json:"unresolvedParent,omitempty"`
}

// mainEpicData is the shape of MainEpic.Data for epics carrying a
// mergedFrom marker.
type mainEpicData struct {
	MergedFrom *MergedFromMarker `json:"mergedFrom,omitempty"`
}

// EnsureMainProject returns the main project id for repoPath, creating
// a row if absent.
func (s *Store) EnsureMainProject(name, repoPath string) (string, error) {
	row := s.db.QueryRow(`SELECT id FROM main_projects WHERE repo_path = ?`, repoPath)
	var id string
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", orcherr.NewExternal("store.EnsureMainProject", repoPath, err)
	}
	id = uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO main_projects (id, name, repo_path) VALUES (?,?,?)`, id, name, repoPath); err != nil {
		return "", orcherr.NewExternal("store.EnsureMainProject.insert", repoPath, err)
	}
	return id, nil
}

// ListMainEpicsByMergedFrom returns main epics whose data.mergedFrom
// marker refers to worktreeID, keyed by sourceEpicId.
func (s *Store) ListMainEpicsByMergedFrom(projectID, worktreeID string) (map[string]*MainEpic, error) {
	rows, err := s.db.Query(`SELECT id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at
		FROM main_epics WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListMainEpicsByMergedFrom", projectID, err)
	}
	defer rows.Close()
	out := make(map[string]*MainEpic)
	for rows.Next() {
		var e MainEpic
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Title, &e.StatusID, &e.AgentID, &e.ParentID, &e.Tags, &e.Data, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, orcherr.NewExternal("store.ListMainEpicsByMergedFrom.scan", projectID, err)
		}
		marker, ok := ExtractMergedFrom(e.Data)
		if ok && marker.WorktreeID == worktreeID {
			out[marker.SourceEpicID] = &e
		}
	}
	return out, rows.Err()
}

// ExtractMergedFrom decodes the mergedFrom marker from a main epic's
// data JSON. Malformed JSON yields (nil, false) rather than an error —
// mirroring spec §4.10's "resilient to malformed stored JSON" rule
// applied here to the import idempotency key.
func ExtractMergedFrom(data string) (*MergedFromMarker, bool) {
	if strings.TrimSpace(data) == "" {
		return nil, false
	}
	var d mainEpicData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, false
	}
	if d.MergedFrom == nil {
		return nil, false
	}
	return d.MergedFrom, true
}

// GetMainEpicByID returns the main-project epic with the given id, for
// the session launcher's optional epic load (spec §4.7 step 2).
func (s *Store) GetMainEpicByID(id string) (*MainEpic, error) {
	row := s.db.QueryRow(`SELECT id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at
		FROM main_epics WHERE id = ?`, id)
	var e MainEpic
	err := row.Scan(&e.ID, &e.ProjectID, &e.Title, &e.StatusID, &e.AgentID, &e.ParentID, &e.Tags, &e.Data, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("epic", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetMainEpicByID", id, err)
	}
	return &e, nil
}

// EnsureMainStatus returns the status id for label, creating it if
// missing (case-insensitive match).
func (s *Store) EnsureMainStatus(projectID, label, color string) (string, error) {
	row := s.db.QueryRow(`SELECT id FROM main_statuses WHERE project_id = ? AND LOWER(label) = LOWER(?)`, projectID, label)
	var id string
	if err := row.Scan(&id); err == nil {
		return id, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", orcherr.NewExternal("store.EnsureMainStatus", label, err)
	}
	id = uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO main_statuses (id, project_id, label, color) VALUES (?,?,?,?)
		ON CONFLICT(project_id, label) DO NOTHING`, id, projectID, label, color)
	if err != nil {
		return "", orcherr.NewExternal("store.EnsureMainStatus.insert", label, err)
	}
	// Re-query in case of a conflict race: another caller already inserted.
	row = s.db.QueryRow(`SELECT id FROM main_statuses WHERE project_id = ? AND LOWER(label) = LOWER(?)`, projectID, label)
	if err := row.Scan(&id); err != nil {
		return "", orcherr.NewExternal("store.EnsureMainStatus.requery", label, err)
	}
	return id, nil
}

// FindMainAgentByName looks up an agent id by case-insensitive name.
func (s *Store) FindMainAgentByName(projectID, name string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT id FROM main_agents WHERE project_id = ? AND LOWER(name) = LOWER(?)`, projectID, name)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, orcherr.NewExternal("store.FindMainAgentByName", name, err)
	}
	return id, true, nil
}

// InsertMainEpic inserts a new main-project epic row.
func (s *Store) InsertMainEpic(e *MainEpic) (*MainEpic, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO main_epics (id, project_id, title, status_id, agent_id, parent_id, tags, data, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Title, e.StatusID, e.AgentID, e.ParentID, e.Tags, e.Data, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, orcherr.NewExternal("store.InsertMainEpic", e.Title, err)
	}
	return e, nil
}
