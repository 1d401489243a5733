package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/infra/config"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

type countingRepo struct {
	calls int
	cfg   plugin.ChannelConfig
	err   error
}

func (r *countingRepo) Get(_ context.Context, id int64) (plugin.ChannelConfig, error) {
	r.calls++
	if r.err != nil {
		return plugin.ChannelConfig{}, r.err
	}
	cfg := r.cfg
	cfg.ID = id
	return cfg, nil
}

func newCache(t *testing.T, repo channel.ConfigRepository) (*ChannelConfigs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewChannelConfigs(repo, rdb, time.Minute, "", nil), mr
}

func TestChannelConfigs_ReadThrough(t *testing.T) {
	repo := &countingRepo{cfg: plugin.ChannelConfig{Plugin: "epay", Values: map[string]string{"pid": "1001"}}}
	c, mr := newCache(t, repo)
	ctx := context.Background()

	first, err := c.Get(ctx, 7)
	require.NoError(t, err)
	second, err := c.Get(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.calls)
	assert.True(t, mr.Exists(DefaultPrefix+"7"))
	assert.Equal(t, time.Minute, mr.TTL(DefaultPrefix+"7"))

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)

	require.NoError(t, c.Invalidate(ctx, 7))
	_, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)
}

func TestChannelConfigs_ErrorsAreNotCached(t *testing.T) {
	repo := &countingRepo{err: channel.ErrChannelNotFound}
	c, mr := newCache(t, repo)

	_, err := c.Get(context.Background(), 9)
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)
	assert.False(t, mr.Exists(DefaultPrefix+"9"))
}

func TestChannelConfigs_RedisDown(t *testing.T) {
	repo := &countingRepo{cfg: plugin.ChannelConfig{Plugin: "epay"}}
	c, mr := newCache(t, repo)
	mr.Close()

	cfg, err := c.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "epay", cfg.Plugin)
}

func TestChannelConfigs_CorruptEntry(t *testing.T) {
	repo := &countingRepo{cfg: plugin.ChannelConfig{Plugin: "epay"}}
	c, mr := newCache(t, repo)
	require.NoError(t, mr.Set(DefaultPrefix+"4", "{not json"))

	cfg, err := c.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cfg.ID)
	assert.Equal(t, 1, repo.calls)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), &config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, rdb.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), &config.RedisConfig{Address: addr})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))
}
