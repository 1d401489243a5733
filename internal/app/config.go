package app

import (
	"github.com/paybridge/gateway/internal/infra/config"
)

// LoadConfig loads configuration from path, or from the default search
// paths when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
