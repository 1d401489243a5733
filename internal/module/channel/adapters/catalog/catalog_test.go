package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

func TestDefault(t *testing.T) {
	cat := Default()
	assert.Len(t, cat, 5)

	opts := map[string]plugin.Options{
		"epay": {"gateway": "https://pay.example/"},
		"vmq":  {"gateway": "https://vmq.example"},
	}
	for name, factory := range cat {
		p, err := factory(plugin.Deps{}, opts[name])
		require.NoError(t, err, name)
		d := p.Descriptor()
		assert.Equal(t, name, d.Name)
		assert.NoError(t, d.Validate(), name)
	}

	cat["epay"] = nil
	assert.NotNil(t, Default()["epay"])
}
