package leads

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the repository needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores leads in the relational database.
type PostgresRepository struct {
	pool PgxPool
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool PgxPool) *PostgresRepository {
	if pool == nil {
		panic("leads: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

const leadColumns = `id, name, phone, phone_normalized, email, origin, property_id, notes, status, created_at, updated_at`

// Create inserts a new row with status "first_contact".
func (r *PostgresRepository) Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	query := `
		INSERT INTO leads (id, name, phone, phone_normalized, email, origin, property_id, notes, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	lead := &Lead{
		ID:              id,
		Name:            req.Name,
		Phone:           req.Phone,
		PhoneNormalized: req.PhoneNormalized,
		Email:           req.Email,
		Origin:          req.Origin,
		PropertyID:      req.PropertyID,
		Notes:           req.Notes,
		Status:          StatusFirstContact,
	}
	if err := r.pool.QueryRow(ctx, query,
		id,
		req.Name,
		req.Phone,
		req.PhoneNormalized,
		req.Email,
		req.Origin,
		req.PropertyID,
		req.Notes,
		StatusFirstContact,
	).Scan(&lead.CreatedAt, &lead.UpdatedAt); err != nil {
		return nil, fmt.Errorf("leads: insert failed: %w", err)
	}
	return lead, nil
}

// GetByID fetches a lead.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByNormalizedPhone fetches the lead holding the given canonical phone.
// Normalized phones are unique, so at most one row can match.
func (r *PostgresRepository) GetByNormalizedPhone(ctx context.Context, normalized string) (*Lead, error) {
	if normalized == "" {
		return nil, ErrLeadNotFound
	}
	query := `SELECT ` + leadColumns + ` FROM leads WHERE phone_normalized = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, normalized))
}

// AppendNote adds a line to the lead's free-text notes.
func (r *PostgresRepository) AppendNote(ctx context.Context, id uuid.UUID, note string) error {
	if note == "" {
		return nil
	}
	query := `
		UPDATE leads
		SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, note); err != nil {
		return fmt.Errorf("leads: append note: %w", err)
	}
	return nil
}

// AttachProperty links the lead to a known listing. A later webhook citing a
// different listing moves the link; the note trail keeps the history.
func (r *PostgresRepository) AttachProperty(ctx context.Context, id uuid.UUID, propertyID uuid.UUID) error {
	query := `
		UPDATE leads
		SET property_id = $2,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, propertyID); err != nil {
		return fmt.Errorf("leads: attach property: %w", err)
	}
	return nil
}

// UpdatePhone stores a corrected phone, e.g. after resolution filled in a
// missing area code.
func (r *PostgresRepository) UpdatePhone(ctx context.Context, id uuid.UUID, phone, normalized string) error {
	query := `
		UPDATE leads
		SET phone = $2,
			phone_normalized = NULLIF($3, ''),
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, phone, normalized); err != nil {
		return fmt.Errorf("leads: update phone: %w", err)
	}
	return nil
}

// UpdateStatus moves the lead along the pipeline.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE leads
		SET status = $2,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("leads: update status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) scanOne(row pgx.Row) (*Lead, error) {
	var lead Lead
	var normalized *string
	if err := row.Scan(
		&lead.ID,
		&lead.Name,
		&lead.Phone,
		&normalized,
		&lead.Email,
		&lead.Origin,
		&lead.PropertyID,
		&lead.Notes,
		&lead.Status,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: select failed: %w", err)
	}
	if normalized != nil {
		lead.PhoneNormalized = *normalized
	}
	return &lead, nil
}
