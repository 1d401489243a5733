package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// DefaultPrefix namespaces channel config keys.
const DefaultPrefix = "paybridge:channel:"

// ChannelConfigs is a read-through Redis cache in front of a
// channel.ConfigRepository. Redis failures fall back to the repository.
type ChannelConfigs struct {
	next   channel.ConfigRepository
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

var _ channel.ConfigRepository = (*ChannelConfigs)(nil)

// NewChannelConfigs wraps next with a cache of the given TTL.
func NewChannelConfigs(next channel.ConfigRepository, rdb redis.UniversalClient, ttl time.Duration, prefix string, logger *zap.Logger) *ChannelConfigs {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelConfigs{next: next, rdb: rdb, ttl: ttl, prefix: prefix, logger: logger.Named("config_cache")}
}

func (c *ChannelConfigs) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

// Get implements channel.ConfigRepository.
func (c *ChannelConfigs) Get(ctx context.Context, id int64) (plugin.ChannelConfig, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var cfg plugin.ChannelConfig
		if jerr := json.Unmarshal(raw, &cfg); jerr == nil {
			return cfg, nil
		}
		c.logger.Warn("dropping undecodable cache entry", zap.Int64("channel_id", id))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", zap.Int64("channel_id", id), zap.Error(err))
	}

	cfg, err := c.next.Get(ctx, id)
	if err != nil {
		return cfg, err
	}
	if b, err := json.Marshal(cfg); err == nil {
		if err := c.rdb.Set(ctx, c.key(id), b, c.ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", zap.Int64("channel_id", id), zap.Error(err))
		}
	}
	return cfg, nil
}

// Invalidate drops the cached entry so the next Get reads the repository.
func (c *ChannelConfigs) Invalidate(ctx context.Context, id int64) error {
	return c.rdb.Del(ctx, c.key(id)).Err()
}
