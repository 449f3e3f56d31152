package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/quillforge/internal/cache"
)

// RedisStore keeps snapshots in the shared cache so every API replica sees the same view.
// Redis TTLs enforce the retention window.
type RedisStore struct {
	cache     cache.Cache
	retention time.Duration
}

func NewRedisStore(c cache.Cache, retention time.Duration) *RedisStore {
	return &RedisStore{cache: c, retention: retention}
}

func (r *RedisStore) Publish(ctx context.Context, s Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.cache.Set(ctx, cache.ProgressKey(s.TargetID), data, r.retention); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, targetID string) (*Snapshot, bool, error) {
	data, found, err := r.cache.Get(ctx, cache.ProgressKey(targetID))
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) Clear(ctx context.Context, targetID string) error {
	return r.cache.Delete(ctx, cache.ProgressKey(targetID))
}
