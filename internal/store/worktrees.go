package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// RuntimeType identifies whether a worktree's attached process runs in
// a container or directly on the host.
type RuntimeType string

const (
	RuntimeContainer RuntimeType = "container"
	RuntimeProcess   RuntimeType = "process"
)

// Status is the worktree lifecycle state (spec §3, §4.3).
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusMerging  Status = "merging"
	StatusMerged   Status = "merged"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Worktree is the durable record of one branch + checkout + attached
// runtime (spec §3).
type Worktree struct {
	ID                string
	Name              string
	BranchName        string
	BaseBranch        string
	RepoPath          string
	WorktreePath      string
	ContainerID       sql.NullString
	ContainerPort     sql.NullInt64
	RuntimeType       RuntimeType
	TemplateSlug      sql.NullString
	OwnerProjectID    string
	Status            Status
	DevchainProjectID sql.NullString
	MergeCommit       sql.NullString
	MergeConflicts    sql.NullString
	ErrorMessage      sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorktreePatch is a partial update; nil fields are left unchanged.
// UpdatedAt is always stamped to now() regardless of which fields are
// set, matching spec §4.2 ("Update always stamps updatedAt = now()").
type WorktreePatch struct {
	Status            *Status
	ContainerID       *string
	ContainerPort     *int64
	MergeCommit       *string
	MergeConflicts    *string
	ErrorMessage      *string
	DevchainProjectID *string
}

// CreateWorktree inserts a new worktree row, generating an id and
// defaulting status to creating when either is unset.
func (s *Store) CreateWorktree(w *Worktree) (*Worktree, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = StatusCreating
	}
	_, err := s.db.Exec(`INSERT INTO worktrees
		(id, name, branch_name, base_branch, repo_path, worktree_path,
		 container_id, container_port, runtime_type, template_slug,
		 owner_project_id, status, devchain_project_id, merge_commit,
		 merge_conflicts, error_message, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.BranchName, w.BaseBranch, w.RepoPath, w.WorktreePath,
		w.ContainerID, w.ContainerPort, string(w.RuntimeType), w.TemplateSlug,
		w.OwnerProjectID, string(w.Status), w.DevchainProjectID, w.MergeCommit,
		w.MergeConflicts, w.ErrorMessage, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, orcherr.NewConflict("worktree %q already exists for project %q", w.Name, w.OwnerProjectID)
		}
		return nil, orcherr.NewExternal("store.CreateWorktree", w.Name, err)
	}
	return w, nil
}

const worktreeColumns = `id, name, branch_name, base_branch, repo_path, worktree_path,
	container_id, container_port, runtime_type, template_slug,
	owner_project_id, status, devchain_project_id, merge_commit,
	merge_conflicts, error_message, created_at, updated_at`

func scanWorktree(row interface{ Scan(...any) error }) (*Worktree, error) {
	var w Worktree
	var runtimeType, status string
	err := row.Scan(
		&w.ID, &w.Name, &w.BranchName, &w.BaseBranch, &w.RepoPath, &w.WorktreePath,
		&w.ContainerID, &w.ContainerPort, &runtimeType, &w.TemplateSlug,
		&w.OwnerProjectID, &status, &w.DevchainProjectID, &w.MergeCommit,
		&w.MergeConflicts, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.RuntimeType = RuntimeType(runtimeType)
	w.Status = Status(status)
	return &w, nil
}

// GetWorktreeByID returns one worktree by id, or a NotFoundError.
func (s *Store) GetWorktreeByID(id string) (*Worktree, error) {
	row := s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id)
	w, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("worktree", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetWorktreeByID", id, err)
	}
	return w, nil
}

// GetWorktreeByName returns the worktree uniquely identified by
// (ownerProjectId, name).
func (s *Store) GetWorktreeByName(ownerProjectID, name string) (*Worktree, error) {
	row := s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE owner_project_id = ? AND name = ?`, ownerProjectID, name)
	w, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("worktree", name)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetWorktreeByName", name, err)
	}
	return w, nil
}

// FindWorktreeByName returns the worktree uniquely identified by name
// alone, for callers (the HTTP proxy) that address a worktree by its
// `/wt/:name` path segment without an owner project in scope.
func (s *Store) FindWorktreeByName(name string) (*Worktree, error) {
	row := s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE name = ?`, name)
	w, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("worktree", name)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.FindWorktreeByName", name, err)
	}
	return w, nil
}

// GetWorktreeByContainerID returns the worktree whose containerId
// matches, or a NotFoundError.
func (s *Store) GetWorktreeByContainerID(containerID string) (*Worktree, error) {
	row := s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE container_id = ?`, containerID)
	w, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("worktree", containerID)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetWorktreeByContainerID", containerID, err)
	}
	return w, nil
}

// ListWorktrees returns every worktree row.
func (s *Store) ListWorktrees() ([]*Worktree, error) {
	return s.queryWorktrees(`SELECT `+worktreeColumns+` FROM worktrees ORDER BY created_at ASC`)
}

// ListWorktreesByOwnerProject returns worktrees for one owner project.
func (s *Store) ListWorktreesByOwnerProject(ownerProjectID string) ([]*Worktree, error) {
	return s.queryWorktrees(`SELECT `+worktreeColumns+` FROM worktrees WHERE owner_project_id = ? ORDER BY created_at ASC`, ownerProjectID)
}

// ListMonitoredWorktrees returns worktrees in status ∈ {running, error},
// the set the overview cache and health checks poll.
func (s *Store) ListMonitoredWorktrees() ([]*Worktree, error) {
	return s.queryWorktrees(`SELECT ` + worktreeColumns + ` FROM worktrees WHERE status IN ('running','error') ORDER BY created_at ASC`)
}

func (s *Store) queryWorktrees(query string, args ...any) ([]*Worktree, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, orcherr.NewExternal("store.queryWorktrees", query, err)
	}
	defer rows.Close()
	var out []*Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, orcherr.NewExternal("store.queryWorktrees.scan", query, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorktree applies patch to the row identified by id and stamps
// updatedAt. The store does no locking; callers (the lifecycle service)
// own ordering.
func (s *Store) UpdateWorktree(id string, patch WorktreePatch) error {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ContainerID != nil {
		set = append(set, "container_id = ?")
		args = append(args, *patch.ContainerID)
	}
	if patch.ContainerPort != nil {
		set = append(set, "container_port = ?")
		args = append(args, *patch.ContainerPort)
	}
	if patch.MergeCommit != nil {
		set = append(set, "merge_commit = ?")
		args = append(args, *patch.MergeCommit)
	}
	if patch.MergeConflicts != nil {
		set = append(set, "merge_conflicts = ?")
		args = append(args, *patch.MergeConflicts)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.DevchainProjectID != nil {
		set = append(set, "devchain_project_id = ?")
		args = append(args, *patch.DevchainProjectID)
	}

	query := "UPDATE worktrees SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return orcherr.NewExternal("store.UpdateWorktree", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherr.NewNotFound("worktree", id)
	}
	return nil
}

// RemoveWorktree deletes the worktree row.
func (s *Store) RemoveWorktree(id string) error {
	res, err := s.db.Exec(`DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return orcherr.NewExternal("store.RemoveWorktree", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherr.NewNotFound("worktree", id)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
