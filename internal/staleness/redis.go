package staleness

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"updatebot/internal/domain"
)

// RedisStore keeps one hash per artifact under prefix+artifactID.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ RecordStore = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client, prefix: "updatebot:staleness:"}, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, artifactID string) (domain.StalenessRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+artifactID).Result()
	if err != nil {
		return domain.StalenessRecord{}, err
	}
	raw, ok := fields["remote_modified_unix"]
	if !ok {
		return domain.StalenessRecord{}, domain.ErrNotFound
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return domain.StalenessRecord{}, err
	}
	rec := domain.StalenessRecord{ArtifactID: artifactID, RemoteModTime: time.Unix(unix, 0).UTC()}
	if v, err := strconv.ParseInt(fields["recorded_at_unix"], 10, 64); err == nil {
		rec.RecordedAt = time.Unix(v, 0).UTC()
	}
	return rec, nil
}

func (s *RedisStore) UpsertRecord(ctx context.Context, rec domain.StalenessRecord) error {
	return s.client.HSet(ctx, s.prefix+rec.ArtifactID,
		"remote_modified_unix", rec.RemoteModTime.Unix(),
		"recorded_at_unix", rec.RecordedAt.Unix(),
	).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
