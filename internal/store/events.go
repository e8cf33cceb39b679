// ABOUTME: Bridge event entity and ledger methods for tracking process lifecycle
// ABOUTME: Records spawns, handshakes, call outcomes, crashes and reclamations

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a recorded bridge event.
type EventKind string

const (
	EventSpawn     EventKind = "spawn"
	EventHandshake EventKind = "handshake"
	EventCall      EventKind = "call"
	EventCallError EventKind = "call_error"
	EventCrash     EventKind = "crash"
	EventReclaim   EventKind = "reclaim"
	EventShutdown  EventKind = "shutdown"
)

// ValidEventKinds lists all recordable event kinds.
var ValidEventKinds = []EventKind{
	EventSpawn,
	EventHandshake,
	EventCall,
	EventCallError,
	EventCrash,
	EventReclaim,
	EventShutdown,
}

// Event represents a single ledger entry for a server process.
type Event struct {
	ID         string         // UUID v4
	ServerSlug string         // which catalog server the event concerns
	Kind       EventKind      // what happened
	Timestamp  time.Time      // when it happened
	Method     string         // RPC method for call events, empty otherwise
	Duration   time.Duration  // call latency, zero for lifecycle events
	Detail     map[string]any // additional context
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	Since      *time.Time // entries after this time
	Until      *time.Time // entries before this time
	ServerSlug *string    // filter by server
	Kind       *EventKind // filter by event kind
	Limit      int        // max results (default 100, max 1000)
}

// AppendEvent appends a new entry to the event ledger.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	var method *string
	if e.Method != "" {
		method = &e.Method
	}

	query := `
		INSERT INTO bridge_events (event_id, server_slug, kind, ts, method, duration_ms, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ServerSlug,
		e.Kind,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		method,
		e.Duration.Milliseconds(),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event",
		"id", e.ID,
		"server", e.ServerSlug,
		"kind", e.Kind,
	)
	return nil
}

// normalizeEventLimit applies default (100) and cap (1000) to the list limit.
func normalizeEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var kindStr, tsStr string
	var method, detailJSON *string
	var durationMS int64

	if err := scanner.Scan(
		&e.ID,
		&e.ServerSlug,
		&kindStr,
		&tsStr,
		&method,
		&durationMS,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning event: %w", err)
	}

	e.Kind = EventKind(kindStr)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if method != nil {
		e.Method = *method
	}

	var err error
	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const listEventsQuery = `
	SELECT event_id, server_slug, kind, ts, method, duration_ms, detail_json
	FROM bridge_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR server_slug = ?)
	  AND (? IS NULL OR kind = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListEvents returns ledger entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	limit := normalizeEventLimit(f.Limit)

	var sinceStr, untilStr, kindStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &v
	}
	if f.Until != nil {
		v := f.Until.UTC().Format(time.RFC3339Nano)
		untilStr = &v
	}
	if f.Kind != nil {
		v := string(*f.Kind)
		kindStr = &v
	}

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.ServerSlug, f.ServerSlug,
		kindStr, kindStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}
