// Package session implements the per-agent session launcher (spec
// §4.7): a non-reentrant agent lock serializes launch/send/teardown for
// one agent while a terminal-multiplexer session runs the provider
// binary and receives its initial prompt.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/events"
	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/mcpensure"
	"github.com/orchestrator/devchain/internal/orcherr"
	"github.com/orchestrator/devchain/internal/store"
)

const maxPromptLength = 4000

// CheckStatus mirrors the preflight checker's pass/warn/fail outcome
// without importing internal/preflight, the same narrow-interface
// pattern internal/worktree uses for its TaskMerger dependency.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// PreflightRunner is the subset of the preflight checker the launcher
// depends on.
type PreflightRunner interface {
	ProviderMCPStatus(ctx context.Context, projectPath, providerName string) (CheckStatus, error)
	InvalidateProject(projectPath string)
}

// MCPEnsurer is the subset of the MCP-ensure coordinator the launcher
// depends on. The launcher only cares whether reconciliation succeeded,
// not which outcome it produced.
type MCPEnsurer interface {
	EnsureMCP(ctx context.Context, providerID, projectPath string) (mcpensure.Outcome, error)
}

// Request is launchSession's public contract (spec §4.7). Silent
// controls the "silent" flag on the session_blocked event the
// auto-compact gate publishes; callers that don't set it get the
// spec's documented default of false.
type Request struct {
	ProjectID string
	AgentID   string
	EpicID    string
	Silent    bool
}

// Result is the session view returned to callers.
type Result struct {
	ID            string
	TmuxSessionID string
	AgentID       string
	EpicID        string
	Status        store.SessionStatus
	Agent         *store.Agent
	Epic          *store.MainEpic
}

// Launcher wires the store, multiplexer, agent lock, preflight runner,
// and MCP-ensure coordinator together.
type Launcher struct {
	store     *store.Store
	mux       Multiplexer
	locks     *AgentLock
	preflight PreflightRunner
	mcpensure MCPEnsurer
	bus       *events.Bus
}

// New constructs a Launcher.
func New(st *store.Store, mux Multiplexer, preflight PreflightRunner, mcpensure MCPEnsurer, bus *events.Bus) *Launcher {
	return &Launcher{
		store:     st,
		mux:       mux,
		locks:     NewAgentLock(),
		preflight: preflight,
		mcpensure: mcpensure,
		bus:       bus,
	}
}

// LaunchSession runs spec §4.7's ten-step protocol under req.AgentID's
// agent lock. Calling LaunchSession from inside another LaunchSession
// call on the same agent deadlocks; callers must never nest these
// calls (see AgentLock).
func (l *Launcher) LaunchSession(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := l.locks.WithAgentLock(req.AgentID, func() error {
		r, err := l.launchLocked(ctx, req)
		result = r
		return err
	})
	return result, err
}

func (l *Launcher) launchLocked(ctx context.Context, req Request) (*Result, error) {
	// Step 1: idempotent check.
	if existing, err := l.store.GetActiveSessionByAgent(req.AgentID); err == nil {
		return l.toResult(existing)
	} else {
		var nf *orcherr.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	// Step 2: load agent, project, optional epic, profile, provider.
	agent, err := l.store.GetAgentByID(req.AgentID)
	if err != nil {
		return nil, err
	}
	project, err := l.store.GetProjectByID(req.ProjectID)
	if err != nil {
		return nil, err
	}
	var epic *store.MainEpic
	if req.EpicID != "" {
		epic, err = l.store.GetMainEpicByID(req.EpicID)
		if err != nil {
			return nil, err
		}
	}
	profile, err := l.store.GetProfileByID(agent.ProfileID)
	if err != nil {
		return nil, err
	}
	provider, err := l.store.GetProviderByID(profile.ProviderID)
	if err != nil {
		return nil, err
	}

	// Step 3: validation.
	if !provider.BinPath.Valid || provider.BinPath.String == "" {
		return nil, orcherr.NewPrecondition("PROVIDER_BIN_MISSING", "provider %q has no binPath configured", provider.Name)
	}
	var argv []string
	if profile.Options.Valid && profile.Options.String != "" {
		argv, err = ParseOptions(profile.Options.String)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: Claude auto-compact gate.
	if store.AdapterNameFor(provider.Name) == "claude" && claudeAutoCompactEnabled() {
		payload := map[string]any{
			"reason":       "claude_auto_compact",
			"agentId":      agent.ID,
			"agentName":    agent.Name,
			"providerId":   provider.ID,
			"providerName": provider.Name,
			"silent":       req.Silent,
		}
		if _, pubErr := l.bus.Publish(ctx, "session_blocked", payload, ""); pubErr != nil {
			logging.WithAgent(agent.ID).Warn("failed to publish session_blocked", "error", pubErr)
		}
		return nil, orcherr.NewPrecondition("CLAUDE_AUTO_COMPACT_ENABLED", "auto-compact is enabled for Claude; disable it before launching a session")
	}

	// Step 5: preflight, with one MCP-ensure retry.
	if l.preflight != nil {
		status, err := l.preflight.ProviderMCPStatus(ctx, project.RootPath, provider.Name)
		if err != nil {
			return nil, err
		}
		if status != CheckPass {
			if l.mcpensure != nil {
				if _, err := l.mcpensure.EnsureMCP(ctx, provider.ID, project.RootPath); err != nil {
					return nil, orcherr.NewPrecondition("MCP_NOT_CONFIGURED", "%v", err)
				}
				l.preflight.InvalidateProject(project.RootPath)
				status, err = l.preflight.ProviderMCPStatus(ctx, project.RootPath, provider.Name)
				if err != nil {
					return nil, err
				}
			}
			if status != CheckPass {
				return nil, orcherr.NewPrecondition("MCP_NOT_CONFIGURED", "provider %q MCP registration is not healthy", provider.Name)
			}
		}
	}

	// Step 6: deterministic session name, unique inside the multiplexer.
	sessionID := uuid.NewString()
	epicSlug := "independent"
	if epic != nil {
		epicSlug = epic.Title
	}
	name := sessionSlug(project.Name, epicSlug, agent.ID, sessionID)
	for attempt := 2; attempt < 8; attempt++ {
		has, err := l.mux.HasSession(ctx, name)
		if err != nil {
			return nil, err
		}
		if !has {
			break
		}
		name = fmt.Sprintf("%s-%d", sessionSlug(project.Name, epicSlug, agent.ID, sessionID), attempt)
	}

	// Step 7: insert session row; crash-recovery idempotence on conflict.
	sess := &store.Session{AgentID: agent.ID, TmuxSessionID: name}
	if epic != nil {
		sess.EpicID.String, sess.EpicID.Valid = epic.ID, true
	}
	createdSession := false
	sess, err = l.store.CreateSession(sess)
	if err != nil {
		var conflict *orcherr.ConflictError
		if errors.As(err, &conflict) {
			existing, loadErr := l.store.GetActiveSessionByAgent(agent.ID)
			if loadErr != nil {
				return nil, loadErr
			}
			return l.toResult(existing)
		}
		return nil, err
	}
	createdSession = true

	// Step 8: start the multiplexer session with the provider binary + argv attached.
	command := append([]string{provider.BinPath.String}, argv...)
	if err := l.mux.NewSessionWithCommand(ctx, name, project.RootPath, command); err != nil {
		if createdSession {
			_ = l.store.EndSession(sess.ID)
		}
		return nil, orcherr.NewExternal("session.launch", name, err)
	}

	// Step 9: initial prompt.
	prompt := l.renderPrompt(project, agent, epic, sess.ID)
	if err := l.mux.SendPaste(ctx, name, prompt); err != nil {
		logging.WithAgent(agent.ID).Warn("failed to paste initial prompt", "error", err)
	} else if err := l.mux.SendEnter(ctx, name); err != nil {
		logging.WithAgent(agent.ID).Warn("failed to submit initial prompt", "error", err)
	}

	// Step 10: publish session.started.
	if _, err := l.bus.Publish(ctx, "session.started", map[string]any{
		"sessionId":       sess.ID,
		"epicId":          nullableEpicID(epic),
		"agentId":         agent.ID,
		"tmuxSessionName": name,
	}, ""); err != nil {
		logging.WithAgent(agent.ID).Warn("failed to publish session.started", "error", err)
	}

	return l.toResult(sess)
}

func nullableEpicID(epic *store.MainEpic) any {
	if epic == nil {
		return nil
	}
	return epic.ID
}

func (l *Launcher) renderPrompt(project *store.Project, agent *store.Agent, epic *store.MainEpic, sessionID string) string {
	vars := map[string]string{"agent_name": agent.Name, "project_name": project.Name}
	epicTitle := ""
	if epic != nil {
		epicTitle = epic.Title
		vars["epic_title"] = epicTitle
	}
	template := fmt.Sprintf("Session %s started for %s", sessionID, agent.Name)
	if project.InitialPrompt.Valid && project.InitialPrompt.String != "" {
		rendered := formatPrompt(project.InitialPrompt.String, vars)
		if len(rendered) <= maxPromptLength {
			return rendered
		}
	}
	return truncate(template, maxPromptLength)
}

func (l *Launcher) toResult(sess *store.Session) (*Result, error) {
	agent, err := l.store.GetAgentByID(sess.AgentID)
	if err != nil {
		return nil, err
	}
	r := &Result{
		ID:            sess.ID,
		TmuxSessionID: sess.TmuxSessionID,
		AgentID:       sess.AgentID,
		Status:        sess.Status,
		Agent:         agent,
	}
	if sess.EpicID.Valid {
		r.EpicID = sess.EpicID.String
		if epic, err := l.store.GetMainEpicByID(sess.EpicID.String); err == nil {
			r.Epic = epic
		}
	}
	return r, nil
}
