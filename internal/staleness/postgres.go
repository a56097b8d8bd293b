package staleness

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"updatebot/internal/domain"
)

// PostgresStore keeps staleness records in PostgreSQL so several crawlers can
// share one cache.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ RecordStore = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the records table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS staleness_records (
		artifact_id TEXT PRIMARY KEY,
		remote_modified_unix BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) GetRecord(ctx context.Context, artifactID string) (domain.StalenessRecord, error) {
	const query = `SELECT artifact_id, remote_modified_unix, recorded_at FROM staleness_records WHERE artifact_id = $1`
	var (
		rec  domain.StalenessRecord
		unix int64
	)
	if err := s.pool.QueryRow(ctx, query, artifactID).Scan(&rec.ArtifactID, &unix, &rec.RecordedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StalenessRecord{}, domain.ErrNotFound
		}
		return domain.StalenessRecord{}, err
	}
	rec.RemoteModTime = time.Unix(unix, 0).UTC()
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec domain.StalenessRecord) error {
	const query = `INSERT INTO staleness_records (artifact_id, remote_modified_unix, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (artifact_id) DO UPDATE SET
			remote_modified_unix = EXCLUDED.remote_modified_unix,
			recorded_at = EXCLUDED.recorded_at`
	_, err := s.pool.Exec(ctx, query, rec.ArtifactID, rec.RemoteModTime.Unix(), rec.RecordedAt)
	return err
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
