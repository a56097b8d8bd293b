package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"updatebot/internal/domain"
)

// GetRecord returns the staleness record of artifactID.
func (r Repo) GetRecord(ctx context.Context, artifactID string) (domain.StalenessRecord, error) {
	var rec domain.StalenessRecord
	var unix int64
	var recorded string
	err := r.DB.QueryRowContext(ctx, `SELECT artifact_id,remote_modified_unix,recorded_at FROM staleness_records WHERE artifact_id=?`, artifactID).
		Scan(&rec.ArtifactID, &unix, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.RemoteModTime = time.Unix(unix, 0).UTC()
	if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
		rec.RecordedAt = t.UTC()
	}
	return rec, nil
}

// UpsertRecord inserts the record or replaces the stored one for the same
// artifact.
func (r Repo) UpsertRecord(ctx context.Context, rec domain.StalenessRecord) error {
	recorded := rec.RecordedAt
	if recorded.IsZero() {
		recorded = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO staleness_records(artifact_id,remote_modified_unix,recorded_at) VALUES (?,?,?)
ON CONFLICT(artifact_id) DO UPDATE SET remote_modified_unix=excluded.remote_modified_unix, recorded_at=excluded.recorded_at`,
		rec.ArtifactID, rec.RemoteModTime.Unix(), recorded.UTC().Format(time.RFC3339Nano))
	return err
}

// CountRecords returns how many artifacts have a staleness record.
func (r Repo) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM staleness_records`).Scan(&n)
	return n, err
}
