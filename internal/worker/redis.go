package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"frenchmentor/internal/redis"
	"frenchmentor/internal/session"
)

const (
	defaultSyncChannel = "mentor:sync"
	defaultStateTTL    = 30 * time.Minute
)

// SyncMessage announces that a learner's snapshot was saved by Origin, or
// that the learner was deleted.
type SyncMessage struct {
	UserID   int64     `json:"user_id"`
	Origin   string    `json:"origin"`
	Revision uint64    `json:"revision"`
	Deleted  bool      `json:"deleted,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Cache is a shared snapshot cache with a change feed between processes.
type Cache interface {
	Load(ctx context.Context, userID int64) (session.Snapshot, bool, error)
	Store(ctx context.Context, userID int64, snap session.Snapshot) error
	Delete(ctx context.Context, userID int64) error
	Publish(ctx context.Context, msg SyncMessage) error
	// Listen delivers messages until ctx is done.
	Listen(ctx context.Context, handler func(SyncMessage)) error
}

// RedisCache keeps snapshots as JSON strings with a TTL and publishes saves
// on one channel.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	channel string
	log     *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, channel string, log *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if channel == "" {
		channel = defaultSyncChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, channel: channel, log: log}
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("mentor:snapshot:%d", userID)
}

func (r *RedisCache) Load(ctx context.Context, userID int64) (session.Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, snapshotKey(userID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load cached snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		// a corrupt entry is treated as a miss and overwritten later
		r.log.Warn("cached snapshot decode failed", zap.Int64("user", userID), zap.Error(err))
		return session.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (r *RedisCache) Store(ctx context.Context, userID int64, snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, snapshotKey(userID), payload, r.ttl); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, snapshotKey(userID)); err != nil {
		return fmt.Errorf("drop cached snapshot: %w", err)
	}
	return nil
}

func (r *RedisCache) Publish(ctx context.Context, msg SyncMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload)
}

func (r *RedisCache) Listen(ctx context.Context, handler func(SyncMessage)) error {
	pubsub, err := r.client.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var sm SyncMessage
			if err := json.Unmarshal([]byte(msg.Payload), &sm); err != nil {
				r.log.Warn("sync message decode failed", zap.Error(err))
				continue
			}
			handler(sm)
		}
	}
}
