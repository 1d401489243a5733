package plugin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Default outbound timeouts.
const (
	DefaultInteractiveTimeout = 15 * time.Second
	DefaultBackgroundTimeout  = 30 * time.Second
)

// Executor guards outbound provider calls, e.g. with a circuit breaker and a
// rate limiter keyed by channel.
type Executor interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, key string, fn func(ctx context.Context) error) error

// Do calls f.
func (f ExecutorFunc) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return f(ctx, key, fn)
}

// Direct runs fn without any guarding.
var Direct Executor = ExecutorFunc(func(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

// Scoped prefixes every key with scope and ":" so the guard state of one
// plugin can be dropped as a whole.
func Scoped(e Executor, scope string) Executor {
	if e == nil {
		e = Direct
	}
	return ExecutorFunc(func(ctx context.Context, key string, fn func(ctx context.Context) error) error {
		return e.Do(ctx, scope+":"+key, fn)
	})
}

// Timeouts bound outbound calls. Interactive applies to submit and mapi,
// which sit on a payer-facing request; Background to refund and query.
type Timeouts struct {
	Interactive time.Duration
	Background  time.Duration
}

// Deps are the process-wide collaborators handed to every adapter factory.
type Deps struct {
	HTTPClient *http.Client
	Guard      Executor
	Logger     *zap.Logger
	Timeouts   Timeouts
}

// WithDefaults fills zero fields.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Guard == nil {
		d.Guard = Direct
	}
	if d.Timeouts.Interactive <= 0 {
		d.Timeouts.Interactive = DefaultInteractiveTimeout
	}
	if d.Timeouts.Background <= 0 {
		d.Timeouts.Background = DefaultBackgroundTimeout
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: d.Timeouts.Background}
	}
	return d
}

// Interactive runs fn through the guard with the interactive timeout.
func (d Deps) Interactive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return d.call(ctx, d.Timeouts.Interactive, key, fn)
}

// Background runs fn through the guard with the background timeout.
func (d Deps) Background(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return d.call(ctx, d.Timeouts.Background, key, fn)
}

func (d Deps) call(ctx context.Context, timeout time.Duration, key string, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	guard := d.Guard
	if guard == nil {
		guard = Direct
	}
	return guard.Do(ctx, key, fn)
}

// Factory builds an adapter from injected dependencies and manifest options.
type Factory func(deps Deps, opts Options) (Plugin, error)

// Catalog maps adapter kinds, as named by plugin manifests, to factories.
type Catalog map[string]Factory
