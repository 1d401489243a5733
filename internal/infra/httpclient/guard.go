package httpclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paybridge/gateway/internal/infra/config"
)

var (
	// ErrCircuitOpen is returned while a channel's breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrRateLimited is returned when waiting for a token would exceed the deadline.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// Guard wraps outbound provider calls with a circuit breaker and a token
// bucket, one of each per key. Keys are channel names.
type Guard struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	limiters map[string]*rate.Limiter

	breaker config.BreakerConfig
	limit   config.RateLimitConfig
	logger  *zap.Logger
}

// NewGuard creates a guard. A nil logger disables state-change logging.
func NewGuard(breaker config.BreakerConfig, limit config.RateLimitConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		limiters: make(map[string]*rate.Limiter),
		breaker:  breaker,
		limit:    limit,
		logger:   logger,
	}
}

// Do runs fn under the key's limiter and breaker. Context cancellation is
// not counted as a provider failure.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if lim := g.limiter(key); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, key, err)
		}
	}

	cb := g.circuit(key)
	if cb == nil {
		return fn(ctx)
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}
	return err
}

// State returns the breaker state for key.
func (g *Guard) State(key string) gobreaker.State {
	cb := g.circuit(key)
	if cb == nil {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Forget drops the breakers and limiters of a plugin after it is unloaded:
// the key itself and every key scoped under it as "key:...".
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	scoped := key + ":"
	for k := range g.breakers {
		if k == key || strings.HasPrefix(k, scoped) {
			delete(g.breakers, k)
		}
	}
	for k := range g.limiters {
		if k == key || strings.HasPrefix(k, scoped) {
			delete(g.limiters, k)
		}
	}
}

func (g *Guard) limiter(key string) *rate.Limiter {
	if !g.limit.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(g.limit.RPS), g.limit.Burst)
	g.limiters[key] = lim
	return lim
}

func (g *Guard) circuit(key string) *gobreaker.CircuitBreaker[any] {
	if !g.breaker.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}

	threshold := g.breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := g.breaker.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: g.breaker.HalfOpenRequests,
		Interval:    g.breaker.Interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("provider circuit state changed",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	cb := gobreaker.NewCircuitBreaker[any](settings)
	g.breakers[key] = cb
	return cb
}
