package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// Project is an attached git repository (spec §1: "users attach
// projects"). Only the fields the session launcher, MCP-ensure
// coordinator, and preflight checker read are modeled here; project
// CRUD itself is explicitly out of scope (spec §1 Non-goals).
type Project struct {
	ID            string
	Name          string
	RootPath      string
	InitialPrompt sql.NullString
}

// Profile selects a provider and its option string for an agent.
type Profile struct {
	ID         string
	ProjectID  string
	Name       string
	ProviderID string
	Options    sql.NullString
}

// Agent is one configured coding agent belonging to a project.
type Agent struct {
	ID        string
	ProjectID string
	Name      string
	ProfileID string
}

// EnsureProject returns the project at rootPath, creating one if
// absent.
func (s *Store) EnsureProject(name, rootPath string) (*Project, error) {
	p, err := s.GetProjectByRootPath(rootPath)
	if err == nil {
		return p, nil
	}
	var notFound *orcherr.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO projects (id, name, root_path) VALUES (?,?,?)`, id, name, rootPath); err != nil {
		return nil, orcherr.NewExternal("store.EnsureProject", rootPath, err)
	}
	return s.GetProjectByID(id)
}

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.InitialPrompt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectByID returns the project with the given id.
func (s *Store) GetProjectByID(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, name, root_path, initial_prompt FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("project", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetProjectByID", id, err)
	}
	return p, nil
}

// GetProjectByRootPath returns the project whose rootPath matches
// exactly, used by the MCP-ensure coordinator's project-path safety
// check (spec §4.8: "must ... match some registered project's rootPath
// exactly").
func (s *Store) GetProjectByRootPath(rootPath string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, name, root_path, initial_prompt FROM projects WHERE root_path = ?`, rootPath)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("project", rootPath)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetProjectByRootPath", rootPath, err)
	}
	return p, nil
}

// ListProjects returns every registered project.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`SELECT id, name, root_path, initial_prompt FROM projects ORDER BY name ASC`)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListProjects", "", err)
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, orcherr.NewExternal("store.ListProjects.scan", "", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureProfile returns profile name under projectID, creating it
// bound to providerID if absent.
func (s *Store) EnsureProfile(projectID, name, providerID, options string) (*Profile, error) {
	row := s.db.QueryRow(`SELECT id, project_id, name, provider_id, options FROM profiles WHERE project_id = ? AND name = ?`, projectID, name)
	p, err := scanProfile(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewExternal("store.EnsureProfile", name, err)
	}
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO profiles (id, project_id, name, provider_id, options) VALUES (?,?,?,?,?)`,
		id, projectID, name, providerID, options); err != nil {
		return nil, orcherr.NewExternal("store.EnsureProfile.insert", name, err)
	}
	return s.GetProfileByID(id)
}

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.ProviderID, &p.Options); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfileByID returns the profile with the given id.
func (s *Store) GetProfileByID(id string) (*Profile, error) {
	row := s.db.QueryRow(`SELECT id, project_id, name, provider_id, options FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("profile", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetProfileByID", id, err)
	}
	return p, nil
}

// ListProfilesByProvider returns every profile that uses providerID,
// for the preflight checker's per-profile option-string validation
// (spec §4.9).
func (s *Store) ListProfilesByProvider(providerID string) ([]*Profile, error) {
	rows, err := s.db.Query(`SELECT id, project_id, name, provider_id, options FROM profiles WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListProfilesByProvider", providerID, err)
	}
	defer rows.Close()
	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, orcherr.NewExternal("store.ListProfilesByProvider.scan", providerID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureAgent returns agent name under projectID bound to profileID,
// creating it if absent.
func (s *Store) EnsureAgent(projectID, name, profileID string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT id, project_id, name, profile_id FROM agents WHERE project_id = ? AND name = ?`, projectID, name)
	a, err := scanAgent(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewExternal("store.EnsureAgent", name, err)
	}
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO agents (id, project_id, name, profile_id) VALUES (?,?,?,?)`, id, projectID, name, profileID); err != nil {
		return nil, orcherr.NewExternal("store.EnsureAgent.insert", name, err)
	}
	return s.GetAgentByID(id)
}

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.ProfileID); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgentByID returns the agent with the given id.
func (s *Store) GetAgentByID(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT id, project_id, name, profile_id FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("agent", id)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetAgentByID", id, err)
	}
	return a, nil
}
