package properties

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPropertyNotFound is returned when no listing matches the code.
var ErrPropertyNotFound = errors.New("property not found")

// Property is a known listing. The gateway only reads this table, matching
// webhook payloads to listings by their external reference code.
type Property struct {
	ID      uuid.UUID `json:"id"`
	RefCode string    `json:"ref_code"`
	Title   string    `json:"title"`
}

// Finder resolves a listing by external code.
type Finder interface {
	FindByCode(ctx context.Context, code string) (*Property, error)
}

// PgxPool is the pool subset the repository needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository reads properties from the relational database.
type PostgresRepository struct {
	pool PgxPool
}

func NewPostgresRepository(pool PgxPool) *PostgresRepository {
	if pool == nil {
		panic("properties: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

// FindByCode matches a listing by reference code or portal listing id,
// case-insensitively.
func (r *PostgresRepository) FindByCode(ctx context.Context, code string) (*Property, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrPropertyNotFound
	}
	query := `
		SELECT id, ref_code, title
		FROM properties
		WHERE upper(ref_code) = $1 OR portal_listing_id = $1
		LIMIT 1
	`
	var p Property
	if err := r.pool.QueryRow(ctx, query, code).Scan(&p.ID, &p.RefCode, &p.Title); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPropertyNotFound
		}
		return nil, fmt.Errorf("properties: select failed: %w", err)
	}
	return &p, nil
}
