package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/store"
)

// Handler is a plain function value with a shared signature, per spec
// §9's "static registry map<eventName, []handler>" re-architecture
// guidance — no decorator-based dynamic dispatch.
type Handler func(ctx context.Context, payload map[string]any) error

// Bus publishes events, persists them, broadcasts them, and records
// each handler's outcome.
type Bus struct {
	store    *store.Store
	hub      *Hub
	handlers map[string][]namedHandler
	cron     *cron.Cron
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus constructs a Bus backed by st for persistence and hub for
// realtime broadcast.
func NewBus(st *store.Store, hub *Hub) *Bus {
	return &Bus{
		store:    st,
		hub:      hub,
		handlers: make(map[string][]namedHandler),
		cron:     cron.New(),
	}
}

// Subscribe registers handler under name. Handlers run synchronously,
// in registration order, inside Publish.
func (b *Bus) Subscribe(name, handlerName string, handler Handler) {
	b.handlers[name] = append(b.handlers[name], namedHandler{name: handlerName, fn: handler})
}

// Publish validates name/payload against the static registry, persists
// one event row, broadcasts event_created, runs every registered
// handler (recording its outcome), and returns the generated event id.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]any, requestID string) (string, error) {
	if err := Validate(name, payload); err != nil {
		return "", err
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %q: %w", name, err)
	}

	var reqID sql.NullString
	if requestID != "" {
		reqID = sql.NullString{String: requestID, Valid: true}
	}

	id, err := b.store.InsertEvent(name, encoded, reqID)
	if err != nil {
		return "", err
	}
	payload["id"] = id

	b.hub.Broadcast(Message{
		Topic:   "events/logs",
		Type:    "event_created",
		Payload: map[string]any{"id": id, "name": name, "payload": payload},
		TS:      time.Now().UnixMilli(),
	})

	for _, h := range b.handlers[name] {
		b.runHandler(ctx, id, payload, h)
	}

	return id, nil
}

// runHandler executes h, records a handler_records row with the
// outcome, and broadcasts handler_recorded. A failing handler never
// prevents other handlers from running (spec §4.10, §7).
func (b *Bus) runHandler(ctx context.Context, eventID string, payload map[string]any, h namedHandler) {
	started := time.Now().UTC()
	err := h.fn(ctx, payload)
	ended := time.Now().UTC()

	status := store.HandlerSuccess
	var detail sql.NullString
	if err != nil {
		status = store.HandlerFailure
		detail = sql.NullString{String: err.Error(), Valid: true}
		logging.WithComponent("events").ErrorContext(ctx, "handler failed", "handler", h.name, "event_id", eventID, "error", err)
	}

	record := &store.HandlerRecord{
		EventID:   eventID,
		Handler:   h.name,
		Status:    status,
		Detail:    detail,
		StartedAt: started,
		EndedAt:   ended,
	}
	if recErr := b.store.InsertHandlerRecord(record); recErr != nil {
		logging.WithComponent("events").ErrorContext(ctx, "failed to record handler outcome", "handler", h.name, "error", recErr)
		return
	}

	b.hub.Broadcast(Message{
		Topic: "events/logs",
		Type:  "handler_recorded",
		Payload: map[string]any{
			"eventId": eventID,
			"handler": h.name,
			"status":  string(status),
		},
		TS: time.Now().UnixMilli(),
	})
}

// List returns events matching filter.
func (b *Bus) List(filter store.EventFilter) ([]*store.EventLogEntry, error) {
	return b.store.ListEvents(filter)
}

// StartRetentionSweep runs an initial sweep immediately, then schedules
// a daily sweep that deletes orchestrator.worktree.activity rows older
// than 30 days (spec §3, §4.10).
func (b *Bus) StartRetentionSweep(ctx context.Context) error {
	b.sweepRetention(ctx)
	_, err := b.cron.AddFunc("@daily", func() { b.sweepRetention(ctx) })
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	b.cron.Start()
	return nil
}

// StopRetentionSweep stops the cron scheduler.
func (b *Bus) StopRetentionSweep() {
	b.cron.Stop()
}

func (b *Bus) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	for name := range retainedEventNames {
		n, err := b.store.DeleteEventsOlderThan(name, cutoff)
		if err != nil {
			logging.WithComponent("events").ErrorContext(ctx, "retention sweep failed", "name", name, "error", err)
			continue
		}
		if n > 0 {
			logging.WithComponent("events").InfoContext(ctx, "retention sweep deleted rows", "name", name, "count", n)
		}
	}
}
