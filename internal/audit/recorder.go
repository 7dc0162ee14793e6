package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// Event kinds written by the gateway.
const (
	KindLeadCreated   = "lead_created"
	KindLeadUpdated   = "lead_updated"
	KindMessageSent   = "message_sent"
	KindPartialIngest = "partial_ingest"
)

// Event is one lead activity entry.
type Event struct {
	LeadID uuid.UUID
	Source string
	Kind   string
	Detail string
	At     time.Time
}

// PgxPool is the pool subset the recorder needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder appends to the lead activity log.
type Recorder struct {
	pool   PgxPool
	logger *logging.Logger
}

func NewRecorder(pool PgxPool, logger *logging.Logger) *Recorder {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{pool: pool, logger: logger}
}

// Record writes one event. Failures are returned but callers generally log
// and continue; the audit trail is not allowed to fail the main flow.
func (r *Recorder) Record(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	query := `
		INSERT INTO lead_events (id, lead_id, source, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.pool.Exec(ctx, query, uuid.New(), evt.LeadID, evt.Source, evt.Kind, evt.Detail, evt.At); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListByLead returns the activity trail for one lead, newest first.
func (r *Recorder) ListByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT lead_id, source, kind, detail, created_at
		FROM lead_events
		WHERE lead_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.LeadID, &evt.Source, &evt.Kind, &evt.Detail, &evt.At); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
