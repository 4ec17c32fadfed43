package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the orchestrator's state in Postgres. It implements every
// writer and reader in the store package.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Options struct {
	Now func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, now: now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func jsonBytes(value any) ([]byte, error) {
	return json.Marshal(value)
}

// decodeJSON unmarshals a JSONB column, leaving target untouched for NULL.
func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
