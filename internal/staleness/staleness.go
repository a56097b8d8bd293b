// Package staleness decides whether a derived artifact must be rebuilt from
// its source. It reconciles the remote modification time of the source with
// the time recorded when the artifact was last regenerated.
package staleness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"updatebot/internal/domain"
)

// RecordStore persists one StalenessRecord per artifact identity.
// GetRecord returns domain.ErrNotFound when no record exists.
type RecordStore interface {
	GetRecord(ctx context.Context, artifactID string) (domain.StalenessRecord, error)
	UpsertRecord(ctx context.Context, rec domain.StalenessRecord) error
}

type TimestampFetcher interface {
	LastModified(ctx context.Context, uri string) (*time.Time, error)
}

type TargetChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Verdict is the outcome of one staleness decision. Errs holds failures that
// were tolerated while deciding; callers attribute them to the artifact.
type Verdict struct {
	Stale         bool
	RemoteModTime *time.Time
	Reason        string
	Errs          []error
}

type Cache struct {
	Records RecordStore
	Fetcher TimestampFetcher
	Targets TargetChecker
	Logger  *slog.Logger
	Now     func() time.Time

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func New(records RecordStore, fetcher TimestampFetcher, targets TargetChecker, logger *slog.Logger) *Cache {
	return &Cache{Records: records, Fetcher: fetcher, Targets: targets, Logger: logger}
}

// Lock serializes decisions and regenerations for one artifact identity.
func (c *Cache) Lock(artifactID string) (unlock func()) {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = map[string]*lockEntry{}
	}
	e := c.locks[artifactID]
	if e == nil {
		e = &lockEntry{}
		c.locks[artifactID] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.locks, artifactID)
		}
		c.mu.Unlock()
	}
}

// NeedsRegeneration decides whether the derived artifact stored under
// targetKey must be rebuilt from art. A missing target is always stale. An
// existing target is stale only when the remote time is known and no record
// exists or the recorded time is strictly earlier. Lookup failures never
// force regeneration.
func (c *Cache) NeedsRegeneration(ctx context.Context, art domain.ArtifactRef, targetKey string) Verdict {
	var v Verdict

	remoteTime, err := c.Fetcher.LastModified(ctx, art.URI)
	if err != nil {
		v.Errs = append(v.Errs, domain.Wrap(domain.ErrNetwork, "fetch remote modification time", err))
		c.logger().Warn("remote modification time unavailable", "artifact_id", art.ID, "uri", art.URI, "error", err)
		remoteTime = nil
	}
	if remoteTime != nil {
		v.RemoteModTime = domain.Time(remoteTime.Truncate(time.Second))
	}

	exists, err := c.Targets.Exists(ctx, targetKey)
	if err != nil {
		v.Errs = append(v.Errs, domain.Wrap(domain.ErrCatalog, "check derived target", err))
		v.Reason = "target state unknown"
		return v
	}
	if !exists {
		v.Stale = true
		v.Reason = "derived artifact missing"
		return v
	}
	if v.RemoteModTime == nil {
		v.Reason = "remote modification time unknown"
		return v
	}

	rec, err := c.Records.GetRecord(ctx, art.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		v.Stale = true
		v.Reason = "no regeneration recorded"
	case err != nil:
		v.Errs = append(v.Errs, domain.Wrap(domain.ErrCatalog, "read staleness record", err))
		v.Reason = "staleness record unavailable"
	case rec.RemoteModTime.Unix() < v.RemoteModTime.Unix():
		v.Stale = true
		v.Reason = "source modified since last regeneration"
	default:
		v.Reason = "up to date"
	}
	return v
}

// RecordRegeneration upserts the record for art after a regeneration. It is a
// no-op when the remote time was not known.
func (c *Cache) RecordRegeneration(ctx context.Context, art domain.ArtifactRef, remoteModTime *time.Time) error {
	if remoteModTime == nil {
		return nil
	}
	rec := domain.StalenessRecord{
		ArtifactID:    art.ID,
		RemoteModTime: time.Unix(remoteModTime.Unix(), 0).UTC(),
		RecordedAt:    c.now().UTC(),
	}
	if err := c.Records.UpsertRecord(ctx, rec); err != nil {
		return domain.Wrap(domain.ErrCatalog, "upsert staleness record", err)
	}
	return nil
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.StalenessRecord
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]domain.StalenessRecord{}}
}

func (m *MemoryStore) GetRecord(_ context.Context, artifactID string) (domain.StalenessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[artifactID]
	if !ok {
		return domain.StalenessRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) UpsertRecord(_ context.Context, rec domain.StalenessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ArtifactID] = rec
	m.writes++
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Writes returns how many upserts were applied.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
