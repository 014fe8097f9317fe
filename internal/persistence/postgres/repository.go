// Package postgres provides pgx-backed persistence for glucose levels.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/glucose/internal/domain"
	"example.com/glucose/internal/ingest"
)

const levelColumns = "id, user_id, timestamp, glucose_value"

// sortColumns maps the allow-listed sort fields to SQL columns. The map
// is the only way a request parameter reaches an ORDER BY clause.
var sortColumns = map[string]string{
	"id":            "id",
	"user_id":       "user_id",
	"timestamp":     "timestamp",
	"glucose_value": "glucose_value",
}

// Repository provides Postgres-backed persistence for glucose levels.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single level. The table carries no uniqueness
// constraint (bulk import permits duplicate timestamps), so the create
// path checks for an existing (user_id, timestamp) pair itself, inside
// one transaction.
func (r *Repository) Insert(ctx context.Context, level domain.GlucoseLevel) (domain.GlucoseLevel, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.GlucoseLevel{}, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM glucose_levels WHERE user_id=$1 AND timestamp=$2)`
	if err := tx.QueryRow(ctx, existsQuery, level.UserID, level.Timestamp).Scan(&exists); err != nil {
		return domain.GlucoseLevel{}, err
	}
	if exists {
		return domain.GlucoseLevel{}, domain.ErrDuplicateLevel
	}

	const insert = `INSERT INTO glucose_levels (user_id, timestamp, glucose_value)
        VALUES ($1,$2,$3) RETURNING id`
	if err := tx.QueryRow(ctx, insert, level.UserID, level.Timestamp, level.GlucoseValue).Scan(&level.ID); err != nil {
		return domain.GlucoseLevel{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.GlucoseLevel{}, err
	}
	return level, nil
}

// Get retrieves a level by ID, nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.GlucoseLevel, error) {
	const query = `SELECT ` + levelColumns + ` FROM glucose_levels WHERE id=$1`

	row := r.pool.QueryRow(ctx, query, id)
	var level domain.GlucoseLevel
	if err := row.Scan(&level.ID, &level.UserID, &level.Timestamp, &level.GlucoseValue); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &level, nil
}

// List returns levels for a user with optional time bounds, offset/limit
// pagination and allow-listed ordering.
func (r *Repository) List(ctx context.Context, q domain.ListQuery) ([]domain.GlucoseLevel, error) {
	column, ok := sortColumns[q.Sort.Field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidSort, q.Sort.Field)
	}
	direction := "ASC"
	if q.Sort.Descending {
		direction = "DESC"
	}

	query := `SELECT ` + levelColumns + ` FROM glucose_levels WHERE user_id=$1`
	args := []interface{}{q.UserID}

	if q.Start != nil {
		args = append(args, *q.Start)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if q.Stop != nil {
		args = append(args, *q.Stop)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	query += fmt.Sprintf(" ORDER BY %s %s", column, direction)
	args = append(args, q.Offset())
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	args = append(args, q.PageSize)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	return r.queryLevels(ctx, query, args...)
}

// ListByUser returns every level for a user in chronological order, for
// the CSV export path.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.GlucoseLevel, error) {
	const query = `SELECT ` + levelColumns + ` FROM glucose_levels WHERE user_id=$1 ORDER BY timestamp ASC, id ASC`
	return r.queryLevels(ctx, query, userID)
}

func (r *Repository) queryLevels(ctx context.Context, query string, args ...interface{}) ([]domain.GlucoseLevel, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.GlucoseLevel
	for rows.Next() {
		var level domain.GlucoseLevel
		if err := rows.Scan(&level.ID, &level.UserID, &level.Timestamp, &level.GlucoseValue); err != nil {
			return nil, err
		}
		results = append(results, level)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// BeginImport opens the transaction backing one CSV import. Appended
// records become visible only when the batch commits.
func (r *Repository) BeginImport(ctx context.Context) (domain.ImportBatch, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &importBatch{tx: tx}, nil
}

// importBatch implements ingest.RecordSink over a single transaction.
type importBatch struct {
	tx pgx.Tx
}

func (b *importBatch) Append(ctx context.Context, record ingest.Record) error {
	const insert = `INSERT INTO glucose_levels (user_id, timestamp, glucose_value) VALUES ($1,$2,$3)`
	_, err := b.tx.Exec(ctx, insert, record.UserID, record.Timestamp, record.Value)
	return err
}

func (b *importBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *importBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
