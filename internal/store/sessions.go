package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// SessionStatus is the lifecycle state of a launched session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionEnded   SessionStatus = "ended"
)

// Session is one running multiplexer session wrapping one provider
// process for one agent (spec §3). Invariant: at most one non-terminal
// session per AgentID.
type Session struct {
	ID             string
	AgentID        string
	TmuxSessionID  string
	EpicID         sql.NullString
	Status         SessionStatus
	ActivityState  sql.NullString
	StartedAt      time.Time
	EndedAt        sql.NullTime
}

// CreateSession inserts a session row. On a unique-constraint violation
// from the caller's own application-level check (the session launcher
// serializes by agent lock, but a crash-recovery race with a prior
// process is still possible), the caller should re-load via
// GetActiveSessionByAgent rather than treat this as fatal.
func (s *Store) CreateSession(sess *Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.StartedAt = time.Now().UTC()
	if sess.Status == "" {
		sess.Status = SessionRunning
	}
	_, err := s.db.Exec(`INSERT INTO sessions (id, agent_id, tmux_session_id, epic_id, status, activity_state, started_at, ended_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sess.ID, sess.AgentID, sess.TmuxSessionID, sess.EpicID, string(sess.Status), sess.ActivityState, sess.StartedAt, sess.EndedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, orcherr.NewConflict("session already active for agent %q", sess.AgentID)
		}
		return nil, orcherr.NewExternal("store.CreateSession", sess.AgentID, err)
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.TmuxSessionID, &sess.EpicID, &status, &sess.ActivityState, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

// GetActiveSessionByAgent returns the non-terminal session for agentID,
// if one exists. This backs launchSession's idempotent-check step
// (spec §4.7 step 1).
func (s *Store) GetActiveSessionByAgent(agentID string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, agent_id, tmux_session_id, epic_id, status, activity_state, started_at, ended_at
		FROM sessions WHERE agent_id = ? AND status = 'running' ORDER BY started_at DESC LIMIT 1`, agentID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.NewNotFound("session", agentID)
	}
	if err != nil {
		return nil, orcherr.NewExternal("store.GetActiveSessionByAgent", agentID, err)
	}
	return sess, nil
}

// EndSession marks a session ended.
func (s *Store) EndSession(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return orcherr.NewExternal("store.EndSession", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherr.NewNotFound("session", id)
	}
	return nil
}
