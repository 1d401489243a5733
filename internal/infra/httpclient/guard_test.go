package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/infra/config"
)

var errProvider = errors.New("provider down")

func TestGuard_BreakerOpens(t *testing.T) {
	g := NewGuard(config.BreakerConfig{Enabled: true, FailureThreshold: 3, OpenTimeout: time.Minute}, config.RateLimitConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := g.Do(ctx, "epay", func(context.Context) error { return errProvider })
		assert.ErrorIs(t, err, errProvider)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State("epay"))

	called := false
	err := g.Do(ctx, "epay", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// Other channels are unaffected.
	assert.NoError(t, g.Do(ctx, "alipay", func(context.Context) error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, g.State("alipay"))

	g.Forget("epay")
	assert.Equal(t, gobreaker.StateClosed, g.State("epay"))
}

func TestGuard_ForgetScopedKeys(t *testing.T) {
	g := NewGuard(config.BreakerConfig{Enabled: true, FailureThreshold: 1, OpenTimeout: time.Minute}, config.RateLimitConfig{}, nil)
	for _, key := range []string{"epay:1001", "epayx:1001"} {
		_ = g.Do(context.Background(), key, func(context.Context) error { return errProvider })
		require.Equal(t, gobreaker.StateOpen, g.State(key))
	}

	g.Forget("epay")
	assert.Equal(t, gobreaker.StateClosed, g.State("epay:1001"))
	assert.Equal(t, gobreaker.StateOpen, g.State("epayx:1001"))
}

func TestGuard_CancelNotCounted(t *testing.T) {
	g := NewGuard(config.BreakerConfig{Enabled: true, FailureThreshold: 1}, config.RateLimitConfig{}, nil)
	for i := 0; i < 3; i++ {
		_ = g.Do(context.Background(), "k", func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, g.State("k"))
}

func TestGuard_RateLimit(t *testing.T) {
	g := NewGuard(config.BreakerConfig{}, config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}, nil)

	require.NoError(t, g.Do(context.Background(), "vmq", func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, "vmq", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestGuard_Disabled(t *testing.T) {
	g := NewGuard(config.BreakerConfig{}, config.RateLimitConfig{}, nil)
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, g.Do(context.Background(), "k", func(context.Context) error { return errProvider }), errProvider)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State("k"))
}

func TestNew_UsesPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(config.HTTPClientConfig{
		MaxIdleConns:      10,
		ResponseTimeout:   time.Second,
		BackgroundTimeout: 5 * time.Second,
	})
	assert.Equal(t, 5*time.Second, c.Timeout)

	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
