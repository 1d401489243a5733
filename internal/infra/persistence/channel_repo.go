package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/infra/persistence/entity"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// ChannelRepository implements channel.ConfigRepository.
type ChannelRepository struct {
	db *gorm.DB
}

var _ channel.ConfigRepository = (*ChannelRepository)(nil)

// NewChannelRepository creates a new channel repository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

func (r *ChannelRepository) Get(ctx context.Context, id int64) (plugin.ChannelConfig, error) {
	var ent entity.ChannelEntity
	err := r.db.WithContext(ctx).First(&ent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plugin.ChannelConfig{}, channel.ErrChannelNotFound
		}
		return plugin.ChannelConfig{}, fmt.Errorf("get channel: %w", err)
	}
	if !ent.Enabled() {
		return plugin.ChannelConfig{}, channel.ErrChannelDisabled
	}
	values, err := decodeValues(ent.Config)
	if err != nil {
		return plugin.ChannelConfig{}, fmt.Errorf("channel %d config: %w", id, err)
	}
	return plugin.ChannelConfig{ID: ent.ID, Plugin: ent.Plugin, Values: values}, nil
}

// decodeValues flattens the JSON config object to strings. Numbers keep
// their literal form; nested values are kept as compact JSON.
func decodeValues(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = fmt.Sprint(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
