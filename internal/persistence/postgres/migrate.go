package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS glucose_levels (
    id            BIGSERIAL PRIMARY KEY,
    user_id       TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL,
    glucose_value DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS glucose_levels_user_time_idx
    ON glucose_levels (user_id, timestamp);
`

// Migrate applies the schema. Idempotent, runs at startup and in tests.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
