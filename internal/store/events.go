package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/devchain/internal/orcherr"
)

// HandlerStatus is the outcome of one subscriber handling one event.
type HandlerStatus string

const (
	HandlerSuccess HandlerStatus = "success"
	HandlerFailure HandlerStatus = "failure"
)

// EventLogEntry is one published event (spec §3, §4.10).
type EventLogEntry struct {
	ID          string
	Name        string
	Payload     string // JSON
	RequestID   sql.NullString
	PublishedAt time.Time
}

// HandlerRecord is one subscriber's outcome for one event.
type HandlerRecord struct {
	ID        string
	EventID   string
	Handler   string
	Status    HandlerStatus
	Detail    sql.NullString
	StartedAt time.Time
	EndedAt   time.Time
}

// InsertEvent persists one event row and returns its generated id.
func (s *Store) InsertEvent(name, payload string, requestID sql.NullString) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO event_log (id, name, payload, request_id, published_at) VALUES (?,?,?,?,?)`,
		id, name, payload, requestID, time.Now().UTC())
	if err != nil {
		return "", orcherr.NewExternal("store.InsertEvent", name, err)
	}
	return id, nil
}

// InsertHandlerRecord persists one handler outcome.
func (s *Store) InsertHandlerRecord(r *HandlerRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO handler_records (id, event_id, handler, status, detail, started_at, ended_at) VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.EventID, r.Handler, string(r.Status), r.Detail, r.StartedAt, r.EndedAt)
	if err != nil {
		return orcherr.NewExternal("store.InsertHandlerRecord", r.Handler, err)
	}
	return nil
}

// EventFilter selects a subset of the event log for listing.
type EventFilter struct {
	Name           string
	Handler        string
	Status         HandlerStatus
	Since          time.Time
	Until          time.Time
	OwnerProjectID string // matched against payload's "ownerProjectId" field, if present
}

// ListEvents returns event rows matching filter, newest first.
// Malformed stored payloads are silently excluded from
// OwnerProjectID-filtered queries rather than failing the whole query
// (spec §4.10).
func (s *Store) ListEvents(filter EventFilter) ([]*EventLogEntry, error) {
	query := `SELECT DISTINCT e.id, e.name, e.payload, e.request_id, e.published_at FROM event_log e`
	var joins []string
	var where []string
	var args []any

	if filter.Handler != "" || filter.Status != "" {
		joins = append(joins, `JOIN handler_records h ON h.event_id = e.id`)
		if filter.Handler != "" {
			where = append(where, "h.handler = ?")
			args = append(args, filter.Handler)
		}
		if filter.Status != "" {
			where = append(where, "h.status = ?")
			args = append(args, string(filter.Status))
		}
	}
	if filter.Name != "" {
		where = append(where, "e.name = ?")
		args = append(args, filter.Name)
	}
	if !filter.Since.IsZero() {
		where = append(where, "e.published_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where = append(where, "e.published_at <= ?")
		args = append(args, filter.Until)
	}

	for _, j := range joins {
		query += " " + j
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += w
	}
	query += " ORDER BY e.published_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, orcherr.NewExternal("store.ListEvents", query, err)
	}
	defer rows.Close()

	var out []*EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Payload, &e.RequestID, &e.PublishedAt); err != nil {
			return nil, orcherr.NewExternal("store.ListEvents.scan", query, err)
		}
		if filter.OwnerProjectID != "" {
			ownerID, ok := extractOwnerProjectID(e.Payload)
			if !ok || ownerID != filter.OwnerProjectID {
				continue
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func extractOwnerProjectID(payload string) (string, bool) {
	var v struct {
		OwnerProjectID string `json:"ownerProjectId"`
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return "", false
	}
	if v.OwnerProjectID == "" {
		return "", false
	}
	return v.OwnerProjectID, true
}

// HandlerCountForEvent returns the number of handler rows recorded for
// one event id, used by §8 property 8 (sum of handler rows equals
// registered subscriber count).
func (s *Store) HandlerCountForEvent(eventID string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM handler_records WHERE event_id = ?`, eventID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, orcherr.NewExternal("store.HandlerCountForEvent", eventID, err)
	}
	return n, nil
}

// DeleteEventsOlderThan deletes rows named eventName older than cutoff,
// the retention sweep named in spec §3 and §4.10.
func (s *Store) DeleteEventsOlderThan(eventName string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM event_log WHERE name = ? AND published_at < ?`, eventName, cutoff)
	if err != nil {
		return 0, orcherr.NewExternal("store.DeleteEventsOlderThan", eventName, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
