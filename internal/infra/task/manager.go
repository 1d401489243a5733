// Package task runs periodic background jobs with bounded concurrency.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Go after Stop.
var ErrStopped = errors.New("task manager stopped")

// Job is one run of a periodic job.
type Job func(ctx context.Context) error

// Config contains manager configuration.
type Config struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 10,
		JobTimeout:    5 * time.Minute,
	}
}

// Manager schedules periodic jobs and runs units of work on a bounded pool.
type Manager struct {
	logger *zap.Logger
	config *Config

	semaphore chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new task manager.
func NewManager(logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.Named("task-manager"),
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		stopCh:    make(chan struct{}),
	}
}

// Every runs job every interval until ctx is done or the manager stops.
// Runs never overlap; a run that outlasts the interval delays the next.
func (m *Manager) Every(ctx context.Context, name string, interval time.Duration, job Job) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Info("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.run(ctx, name, job)
			}
		}
	}()
}

// run executes one run of job with the job timeout, recovering panics.
func (m *Manager) run(ctx context.Context, name string, job Job) {
	if m.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.JobTimeout)
		defer cancel()
	}
	start := time.Now()
	err := m.safe(ctx, job)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	m.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// Go runs fn on the pool, waiting for a free slot. It returns ctx.Err() if
// ctx ends first and ErrStopped after Stop. done is called when fn returns.
func (m *Manager) Go(ctx context.Context, fn func(ctx context.Context) error, done func(error)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return ErrStopped
	case m.semaphore <- struct{}{}:
	}
	select {
	case <-m.stopCh:
		<-m.semaphore
		return ErrStopped
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.semaphore }()
		err := m.safe(ctx, fn)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (m *Manager) safe(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

// Stop stops scheduling and waits for running work to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("stopping task manager")
		close(m.stopCh)
	})
	m.wg.Wait()
}
