package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	ginadapter "github.com/paybridge/gateway/internal/adapter/inbound/gin"
	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/infra/config"
	"github.com/paybridge/gateway/internal/infra/events"
	"github.com/paybridge/gateway/internal/infra/httpclient"
	"github.com/paybridge/gateway/internal/infra/persistence"
	"github.com/paybridge/gateway/internal/infra/task"
	"github.com/paybridge/gateway/internal/module/channel/adapters/catalog"
	"github.com/paybridge/gateway/internal/module/channel/dispatch"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/reconcile"
	"github.com/paybridge/gateway/internal/module/channel/registry"
	sharedcache "github.com/paybridge/gateway/internal/shared/cache"
	"github.com/paybridge/gateway/internal/shared/database"
	"github.com/paybridge/gateway/internal/shared/logger"
	"github.com/paybridge/gateway/internal/shared/middleware"
	"github.com/paybridge/gateway/internal/utils/metrics"
)

// App wires the gateway together.
type App struct {
	config *config.Config
	logger *zap.Logger

	db    *gorm.DB
	redis goredis.UniversalClient

	metrics    *metrics.Metrics
	guard      *httpclient.Guard
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	orderRepo  *persistence.OrderRepository
	orders     *order.Service
	configs    channel.ConfigRepository
	tasks      *task.Manager
	reconciler *reconcile.Reconciler

	router *gin.Engine

	cleanupFuncs []func()
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger     *zap.Logger
	DB         *gorm.DB
	Redis      goredis.UniversalClient
	Registerer prometheus.Registerer
}

// New creates the application. Plugins are loaded before it returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.NewZapLogger(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	a := &App{
		config: cfg,
		logger: log,
		db:     opts.DB,
		redis:  opts.Redis,
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a.metrics = metrics.New("paybridge", reg)

	if err := a.initInfrastructure(ctx); err != nil {
		a.Stop()
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	a.initDomains()
	if err := a.initChannels(ctx); err != nil {
		a.Stop()
		return nil, fmt.Errorf("init channels: %w", err)
	}

	a.router = a.setupRouter()
	a.registerRoutes()
	return a, nil
}

// initInfrastructure opens the order store and the optional Redis cache.
func (a *App) initInfrastructure(ctx context.Context) error {
	if a.db == nil {
		db, err := database.New(ctx, &a.config.Database)
		if err != nil {
			return err
		}
		a.db = db
		a.cleanupFuncs = append(a.cleanupFuncs, func() { _ = database.Close(db) })
	}

	if a.redis == nil && a.config.ConfigCache.Enabled && a.config.Redis.Address != "" {
		client, err := sharedcache.NewRedisClient(ctx, &a.config.Redis)
		if err != nil {
			a.logger.Warn("Redis connection failed, continuing without config cache", zap.Error(err))
		} else {
			a.redis = client
			a.cleanupFuncs = append(a.cleanupFuncs, func() { _ = client.Close() })
		}
	}
	return nil
}

// initDomains builds the order service and the channel config source.
func (a *App) initDomains() {
	a.bus = events.NewBus(a.logger)
	a.bus.Register(events.NewHandlerFunc(
		[]string{order.OrderPaidType, order.OrderRefundedType},
		a.auditOrderEvent,
	))

	a.orderRepo = persistence.NewOrderRepository(a.db)
	a.orders = order.NewService(a.orderRepo, a.bus, a.logger)

	var configs channel.ConfigRepository = persistence.NewChannelRepository(a.db)
	if a.redis != nil && a.config.ConfigCache.Enabled {
		configs = sharedcache.NewChannelConfigs(configs, a.redis,
			a.config.ConfigCache.TTL, a.config.ConfigCache.Prefix, a.logger)
	}
	a.configs = configs
}

// initChannels creates the guarded outbound client, loads the plugin
// directory and builds the dispatcher.
func (a *App) initChannels(ctx context.Context) error {
	a.guard = httpclient.NewGuard(a.config.Breaker, a.config.RateLimit, a.logger)
	deps := plugin.Deps{
		HTTPClient: httpclient.New(a.config.HTTPClient),
		Guard:      a.guard,
		Logger:     a.logger,
		Timeouts: plugin.Timeouts{
			Interactive: a.config.HTTPClient.InteractiveTimeout,
			Background:  a.config.HTTPClient.BackgroundTimeout,
		},
	}

	a.registry = registry.New(a.config.Plugins.Dir, catalog.Default(), deps,
		registry.WithLogger(a.logger),
		registry.WithMetrics(a.metrics),
		registry.WithDebounce(a.config.Plugins.Debounce),
		registry.WithSettle(a.config.Plugins.Settle),
		registry.OnUnload(a.guard.Forget),
	)
	if err := a.registry.LoadAll(ctx); err != nil {
		return err
	}
	a.logger.Info("plugins loaded", zap.Int("count", a.registry.Len()))

	a.dispatcher = dispatch.New(a.registry,
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	)

	rc := a.config.Reconcile
	a.tasks = task.NewManager(a.logger, &task.Config{MaxConcurrent: rc.MaxConcurrent, JobTimeout: rc.Interval})
	a.cleanupFuncs = append(a.cleanupFuncs, a.tasks.Stop)
	a.reconciler = reconcile.New(a.orderRepo, a.orders, a.configs, a.dispatcher, a.registry, a.tasks,
		reconcile.Config{MinAge: rc.MinAge, MaxAge: rc.MaxAge, BatchSize: rc.BatchSize}, a.logger)
	return nil
}

func (a *App) auditOrderEvent(e events.Event) error {
	fields := []zap.Field{
		zap.String("event", e.EventType()),
		zap.String("trade_no", e.AggregateID()),
		zap.Time("at", e.OccurredAt()),
	}
	switch ev := e.(type) {
	case order.PaidEvent:
		fields = append(fields, zap.String("channel", ev.Channel), zap.String("amount", ev.Amount.String()))
	case order.RefundedEvent:
		fields = append(fields, zap.String("channel", ev.Channel), zap.String("amount", ev.Amount.String()))
	}
	a.logger.Info("order event", fields...)
	return nil
}

func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"plugins":          a.registry.Len(),
			"registry_version": a.registry.Version(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (a *App) registerRoutes() {
	handler := ginadapter.NewChannelAdapter(
		ginadapter.ChannelConfig{
			SiteURL:      a.config.Server.SiteURL,
			MaxBodyBytes: a.config.Server.MaxBodyBytes,
		},
		a.registry, a.dispatcher, a.orders, a.configs, a.logger,
	)
	ginadapter.RegisterChannelRoutes(a.router, handler)
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Run serves HTTP and, when enabled, watches the plugin directory and
// reconciles stale orders until ctx is done, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	if a.config.Plugins.Watch {
		go func() {
			defer close(watchDone)
			if err := a.registry.Watch(ctx); err != nil {
				a.logger.Error("plugin watcher stopped", zap.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}
	if a.config.Reconcile.Enabled {
		a.tasks.Every(ctx, "reconcile", a.config.Reconcile.Interval, a.reconciler.Run)
	}

	srv := &http.Server{
		Addr:         a.config.Server.Address,
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		cancel()
	}

	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("server forced to shutdown", zap.Error(serr))
	}
	<-watchDone
	return err
}

// Stop releases the application's resources.
func (a *App) Stop() {
	for i := len(a.cleanupFuncs) - 1; i >= 0; i-- {
		a.cleanupFuncs[i]()
	}
	a.cleanupFuncs = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
