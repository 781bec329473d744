package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Event types recorded on the verification trail.
const (
	EventSessionCreated  = "session_created"
	EventSessionStarted  = "session_started"
	EventBurstSent       = "burst_sent"
	EventSessionPassed   = "session_passed"
	EventSessionFailed   = "session_failed"
	EventModelDetection  = "model_detection"
	EventSpotCheck       = "spot_check"
	EventSpotCheckAlert  = "spot_check_alert"
	EventDuplicateCreate = "duplicate_create_noop"
	EventProbeRejected   = "probe_rejected"
	EventWindowElapsed   = "window_elapsed"
)

// Writer appends to the verification_events trail. When Redact is set,
// webhook URLs and response bodies in the detail payload are hashed before
// they reach storage.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Event struct {
	EventID   string
	AgentID   string
	SessionID string
	Type      string
	Detail    json.RawMessage
	CreatedAt time.Time
}

func (w *Writer) Append(ctx context.Context, evt Event) error {
	if w == nil || w.DB == nil {
		return nil
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		evt.Detail = redactDetail(evt.Detail, w.HashSalt)
	}
	var sessionID *string
	if evt.SessionID != "" {
		sessionID = &evt.SessionID
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO verification_events (event_id, agent_id, session_id, event_type, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, evt.EventID, evt.AgentID, sessionID, evt.Type, evt.Detail, evt.CreatedAt)
	return err
}

// Record marshals detail and appends; a marshal failure degrades to an
// event without detail rather than dropping the trail entry.
func (w *Writer) Record(ctx context.Context, agentID, sessionID, eventType string, detail any) error {
	var raw json.RawMessage
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	return w.Append(ctx, Event{
		AgentID:   agentID,
		SessionID: sessionID,
		Type:      eventType,
		Detail:    raw,
	})
}

// AgentEvents returns the most recent trail entries for one agent.
func (w *Writer) AgentEvents(ctx context.Context, agentID string, limit int) ([]Event, error) {
	if w == nil || w.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, agent_id, COALESCE(session_id,''), event_type, detail, created_at
		FROM verification_events WHERE agent_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		var detail []byte
		if err := rows.Scan(&evt.EventID, &evt.AgentID, &evt.SessionID, &evt.Type, &detail, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Detail = detail
		out = append(out, evt)
	}
	return out, rows.Err()
}
