package di

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"papervault/application/ports"
	"papervault/application/sessions"
	"papervault/infrastructure/cache"
	"papervault/infrastructure/config"
	"papervault/infrastructure/messaging/eventbridge"
	infraobs "papervault/infrastructure/observability"
	"papervault/infrastructure/persistence/memory"
	"papervault/infrastructure/resilience"
	"papervault/infrastructure/supabase"
	"papervault/interfaces/http/rest"
	"papervault/interfaces/websocket"
	"papervault/pkg/auth"
	"papervault/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// devJWTSecret signs tokens in development when no secret is configured.
const devJWTSecret = "papervault-development-secret-do-not-use"

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With(zap.String("service", "papervault"), zap.String("environment", cfg.Environment))
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideRegistry creates the Prometheus registry every collector joins.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the reconciliation collectors.
func ProvideMetrics(reg *prometheus.Registry) *observability.Metrics {
	return observability.NewMetrics(reg)
}

// ProvideTracer creates the tracer; it is a no-op unless tracing is enabled.
func ProvideTracer(ctx context.Context, cfg *config.Config) (*observability.Tracer, func(), error) {
	tracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		ServiceName: "papervault",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.EnableTracing,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}
	return tracer, cleanup, nil
}

// ProvideBreaker creates the circuit breaker guarding the remote store.
func ProvideBreaker(cfg *config.Config, logger *zap.Logger) *resilience.Breaker {
	r := cfg.Resilience
	return resilience.NewBreaker(resilience.Config{
		Name:             cfg.StoreBackend,
		MaxRequests:      r.BreakerMaxRequests,
		Interval:         r.BreakerInterval,
		Timeout:          r.BreakerTimeout,
		FailureThreshold: r.BreakerFailures,
		RetryAttempts:    r.RetryAttempts,
		RetryBaseDelay:   r.RetryBaseDelay,
		RetryMaxDelay:    r.RetryMaxDelay,
	}, logger)
}

// ProvideStoreBackend selects the remote store and layers the process-wide
// decorators over it, outermost first: tracing, the breaker, then the shared
// profile cache.
func ProvideStoreBackend(
	cfg *config.Config,
	breaker *resilience.Breaker,
	tracer *observability.Tracer,
	logger *zap.Logger,
) (ports.Backend, func(), error) {
	var base ports.Backend
	switch cfg.StoreBackend {
	case "supabase":
		b, err := supabase.NewBackend(supabase.Config{
			URL:     cfg.Supabase.URL,
			AnonKey: cfg.Supabase.AnonKey,
			Schema:  cfg.Supabase.Schema,
		}, logger.Named("supabase"))
		if err != nil {
			return nil, nil, err
		}
		base = b
	case "memory":
		logger.Warn("Using the in-memory store; data is lost on restart")
		base = memory.NewBackend()
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	profiles := cache.NewProfileBackend(base, cache.DefaultProfileTTL)
	guarded := resilience.NewBackend(profiles, breaker)
	return infraobs.NewBackend(guarded, tracer), profiles.Close, nil
}

// ProvideActivityPublisher forwards accepted activity to EventBridge when a
// bus is configured; otherwise activity stays in process.
func ProvideActivityPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.ActivityPublisher, error) {
	if cfg.ActivityEventBus == "" {
		return nil, nil
	}
	p, err := eventbridge.NewFromRegion(ctx, cfg.AWSRegion, cfg.ActivityEventBus, logger.Named("eventbridge"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// timingOf converts the configured knobs into session timing.
func timingOf(r config.ReconcileConfig) sessions.Timing {
	return sessions.Timing{
		AuthorityWindow:     r.AuthorityWindow,
		StaleAfter:          r.StaleAfter,
		ReapInterval:        r.ReapInterval,
		AutosaveDelay:       r.AutosaveDelay,
		DuplicateCheckDelay: r.DuplicateCheckDelay,
	}
}

// ProvideSessionManager creates the manager owning every vault session.
func ProvideSessionManager(
	cfg *config.Config,
	backend ports.Backend,
	publisher ports.ActivityPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*sessions.Manager, func(), error) {
	m, err := sessions.NewManager(sessions.ManagerConfig{
		Backend:   backend,
		Publisher: publisher,
		Timing:    timingOf(cfg.Reconcile),
		CacheSize: cfg.Reconcile.SessionCacheSize,
		Logger:    logger.Named("sessions"),
		Metrics:   metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			logger.Warn("Session shutdown incomplete", zap.Error(err))
		}
	}
	return m, cleanup, nil
}

// ConfigWatcher is the started config watcher, or nil when no config
// directory is set.
type ConfigWatcher struct {
	*config.Watcher
}

// ProvideConfigWatcher reloads the timing knobs from CONFIG_DIR and applies
// them to live sessions.
func ProvideConfigWatcher(cfg *config.Config, manager *sessions.Manager, logger *zap.Logger) (ConfigWatcher, func(), error) {
	if cfg.ConfigDir == "" {
		return ConfigWatcher{}, func() {}, nil
	}
	w, err := config.NewWatcher(config.NewLoader(cfg.ConfigDir, cfg.Environment), logger.Named("config"))
	if err != nil {
		return ConfigWatcher{}, nil, err
	}
	w.OnChange(func(r config.ReconcileConfig) {
		manager.UpdateTiming(timingOf(r))
	})
	w.Start()
	return ConfigWatcher{w}, w.Stop, nil
}

// ProvideJWTValidator validates Supabase access tokens.
func ProvideJWTValidator(cfg *config.Config, logger *zap.Logger) (*auth.JWTValidator, error) {
	secret := cfg.Supabase.JWTSecret
	if secret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("jwt secret is required in production")
		}
		logger.Warn("SUPABASE_JWT_SECRET not set; using the development signing secret")
		secret = devJWTSecret
	}
	return auth.NewJWTValidator(auth.JWTConfig{Secret: secret})
}

// ProvideRequestLimiter creates the per-IP and per-user limiters.
func ProvideRequestLimiter(cfg *config.Config) *auth.RequestLimiter {
	if cfg.IsDevelopment() {
		return auth.NewRequestLimiter(0, 0)
	}
	return auth.NewRequestLimiter(300, 120)
}

// ProvideHub starts the websocket hub.
func ProvideHub(logger *zap.Logger) (*websocket.Hub, func()) {
	hub := websocket.NewHub(logger.Named("websocket"))
	go hub.Run()
	return hub, hub.Stop
}

// ProvideWebSocketServer creates the upgrade handler.
func ProvideWebSocketServer(cfg *config.Config, hub *websocket.Hub, manager *sessions.Manager, logger *zap.Logger) *websocket.Server {
	wsCfg := websocket.DefaultServerConfig()
	wsCfg.CheckOrigin = originChecker(cfg.AllowedOrigins)
	return websocket.NewServer(hub, manager, wsCfg, logger.Named("websocket"))
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ProvideRouter assembles the HTTP surface.
func ProvideRouter(
	cfg *config.Config,
	manager *sessions.Manager,
	validator *auth.JWTValidator,
	limiter *auth.RequestLimiter,
	hub *websocket.Hub,
	ws *websocket.Server,
	breaker *resilience.Breaker,
	reg *prometheus.Registry,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(rest.RouterConfig{
		EnableCORS:     cfg.EnableCORS,
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.EnableMetrics,
		Debug:          cfg.IsDevelopment(),
	}, manager, validator, limiter, hub, ws, breaker, reg, logger.Named("http"))
}
