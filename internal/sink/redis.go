package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/resolver"
)

const defaultBatchSize = 512

// Deleter is the subset of a Redis client used for eviction.
type Deleter interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis evicts cached entities by deleting <prefix>:<entity type>:<id>.
type Redis struct {
	client    Deleter
	prefix    string
	batchSize int
	logger    *zap.Logger
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	BatchSize int
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedis(client Deleter, prefix string, batchSize int, logger *zap.Logger) *Redis {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:    client,
		prefix:    prefix,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Key returns the cache key of ref.
func (r *Redis) Key(ref resolver.EntityRef) string {
	key := ref.EntityType + ":" + FormatID(ref.ID)
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis) Apply(ctx context.Context, refs []resolver.EntityRef) error {
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = r.Key(ref)
	}

	var deleted int64
	for start := 0; start < len(keys); start += r.batchSize {
		end := min(start+r.batchSize, len(keys))
		n, err := r.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %d keys: %w", end-start, err)
		}
		deleted += n
	}

	r.logger.Debug("evicted cache entries",
		zap.Int("keys", len(keys)),
		zap.Int64("deleted", deleted))
	return nil
}
