package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/slippi-broadcast/internal/server/config"
	"github.com/weiawesome/slippi-broadcast/internal/server/domain"
)

// RedisDirectory is a Redis-backed Directory shared by relay instances.
type RedisDirectory struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisDirectory connects to Redis and returns a directory.
func NewRedisDirectory(cfg config.DirectoryRedisConfig) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:directory:"
	}
	return &RedisDirectory{client: client, keyPrefix: prefix}, nil
}

func (d *RedisDirectory) key(broadcastID string) string {
	return d.keyPrefix + broadcastID
}

func (d *RedisDirectory) Put(ctx context.Context, entry *domain.BroadcastEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast entry: %w", err)
	}
	if err := d.client.Set(ctx, d.key(entry.Record.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save broadcast entry to redis: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Get(ctx context.Context, broadcastID string) (*domain.BroadcastEntry, error) {
	data, err := d.client.Get(ctx, d.key(broadcastID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get broadcast entry from redis: %w", err)
	}

	var entry domain.BroadcastEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal broadcast entry: %w", err)
	}
	return &entry, nil
}

func (d *RedisDirectory) Delete(ctx context.Context, broadcastID string) error {
	if err := d.client.Del(ctx, d.key(broadcastID)).Err(); err != nil {
		return fmt.Errorf("failed to delete broadcast entry from redis: %w", err)
	}
	return nil
}

func (d *RedisDirectory) List(ctx context.Context, scope string) ([]*domain.BroadcastEntry, error) {
	entries, err := d.all(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *RedisDirectory) Count(ctx context.Context) (int, error) {
	keys, err := d.client.Keys(ctx, d.keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list broadcast keys: %w", err)
	}
	return len(keys), nil
}

func (d *RedisDirectory) all(ctx context.Context) ([]*domain.BroadcastEntry, error) {
	keys, err := d.client.Keys(ctx, d.keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast keys: %w", err)
	}
	if len(keys) == 0 {
		return []*domain.BroadcastEntry{}, nil
	}

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast entries: %w", err)
	}

	result := make([]*domain.BroadcastEntry, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			continue
		}
		var entry domain.BroadcastEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		result = append(result, &entry)
	}
	return result, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

var _ Directory = (*RedisDirectory)(nil)
