package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"updatebot/internal/domain"
)

// Repo is the SQLite catalog. It stores deployment and process-run nodes,
// source and derived artifacts, resources, staleness records and crawl events.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = domain.ErrNotFound

// ErrConflict is returned when a node changed since it was read.
var ErrConflict = errors.New("version conflict")

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) stamp() string {
	return r.now().Format(time.RFC3339Nano)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func catalogErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return domain.Wrap(domain.ErrCatalog, op, err)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return domain.Time(t), nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return domain.Float(v.Float64)
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return domain.Int64(v.Int64)
}

// boxColumns holds the nullable bounding-box columns shared by nodes and
// artifacts.
type boxColumns struct {
	minLat, maxLat, minLon, maxLon, minDepth, maxDepth sql.NullFloat64
}

func (b *boxColumns) dest() []any {
	return []any{&b.minLat, &b.maxLat, &b.minLon, &b.maxLon, &b.minDepth, &b.maxDepth}
}

func (b boxColumns) box() domain.Box {
	return domain.Box{
		MinLat:   floatPtr(b.minLat),
		MaxLat:   floatPtr(b.maxLat),
		MinLon:   floatPtr(b.minLon),
		MaxLon:   floatPtr(b.maxLon),
		MinDepth: floatPtr(b.minDepth),
		MaxDepth: floatPtr(b.maxDepth),
	}
}

func boxArgs(b domain.Box) []any {
	return []any{
		nullableFloat(b.MinLat), nullableFloat(b.MaxLat),
		nullableFloat(b.MinLon), nullableFloat(b.MaxLon),
		nullableFloat(b.MinDepth), nullableFloat(b.MaxDepth),
	}
}
