// Package channel holds the persisted payment channel configuration.
package channel

import (
	"context"
	"errors"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Domain errors for channels.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelDisabled = errors.New("channel is disabled")
)

// ConfigRepository loads channel configurations. Implementations are read-only.
type ConfigRepository interface {
	Get(ctx context.Context, id int64) (plugin.ChannelConfig, error)
}

// ConfigRepositoryFunc adapts a function to ConfigRepository.
type ConfigRepositoryFunc func(ctx context.Context, id int64) (plugin.ChannelConfig, error)

// Get implements ConfigRepository.
func (f ConfigRepositoryFunc) Get(ctx context.Context, id int64) (plugin.ChannelConfig, error) {
	return f(ctx, id)
}
