// Package events implements the orchestrator's publish-and-record event
// bus (spec §4.10): a static name→schema registry, durable event-log
// persistence, realtime broadcast over websocket, and per-handler
// outcome recording. Grounded on the teacher's executor.Monitor for its
// state-table idiom, generalized from in-memory task state to durable
// event rows, and on spec §9's "static registry map<eventName,
// []handler>" re-architecture guidance.
package events

import (
	"fmt"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// Schema validates one event name's payload shape.
type Schema func(payload map[string]any) error

// registry is the static event-name→schema map populated at package
// init, replacing the teacher's dynamic decorator-based subscribers
// with a plain map per spec §9.
var registry = map[string]Schema{
	"session.started":                   requireFields("sessionId", "agentId", "tmuxSessionName"),
	"session_blocked":                    requireFields("reason", "agentId"),
	"orchestrator.worktree.activity":     requireFields("worktreeId", "ownerProjectId", "type"),
	"orchestrator.worktree.merged":       requireFields("worktreeId", "mergeCommit"),
	"worktree.task-merge-requested":      requireFields("worktreeId"),
	"event_created":                      requireFields("id", "name"),
	"handler_recorded":                   requireFields("eventId", "handler", "status"),
}

// retainedEventNames lists names subject to the 30-day rolling
// retention sweep (spec §3); all other names are retained indefinitely.
var retainedEventNames = map[string]bool{
	"orchestrator.worktree.activity": true,
}

func requireFields(fields ...string) Schema {
	return func(payload map[string]any) error {
		for _, f := range fields {
			if _, ok := payload[f]; !ok {
				return orcherr.NewValidation("payload", "missing required field %q", f)
			}
		}
		return nil
	}
}

// Validate checks name against the static registry and payload against
// that name's schema.
func Validate(name string, payload map[string]any) error {
	schema, ok := registry[name]
	if !ok {
		return orcherr.NewValidation("name", "unknown event name %q", name)
	}
	if err := schema(payload); err != nil {
		return fmt.Errorf("event %q: %w", name, err)
	}
	return nil
}

// IsRetained reports whether name is subject to the 30-day rolling
// retention sweep.
func IsRetained(name string) bool {
	return retainedEventNames[name]
}
