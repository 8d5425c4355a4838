package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/router"
	"github.com/edgegate/edgegate/internal/secrets"
)

// application bundles the gateway with everything that needs an ordered
// shutdown: listeners first, then the event sink, then the exporters.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	sink    observability.Sink
	limiter ratelimit.Limiter
	gateway *gateway.Gateway
}

// newApplication wires the full request path from configuration:
// secrets, validator, limiter, route table, forwarder, pipeline,
// middleware, health checker, and the two listeners.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics()
	metrics.SetBuildInfo(version)

	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	key, err := secrets.NewSource(secrets.WithSourceLogger(logger)).Resolve(ctx, cfg.Auth.Key)
	if err != nil {
		return nil, fmt.Errorf("resolve verification key: %w", err)
	}

	validator, err := auth.NewValidator(auth.Config{
		Algorithms: cfg.Auth.Algorithms,
		Key:        key,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration(),
	}, auth.WithValidatorLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init token validator: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit,
		ratelimit.WithLimiterLogger(logger),
		ratelimit.WithLimiterMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	table, err := router.NewTable(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}

	breakers := proxy.NewBreakerGroup(cfg.CircuitBreaker,
		proxy.WithBreakerLogger(logger),
		proxy.WithBreakerMetrics(metrics),
	)

	forwarder := proxy.NewForwarder(cfg.Proxy,
		proxy.WithForwarderLogger(logger),
		proxy.WithForwarderMetrics(metrics),
		proxy.WithBreakers(breakers),
		proxy.WithIdentityForwarding(cfg.Auth.ForwardIdentity),
	)

	sink := observability.NewSink(logger, metrics)

	tokenStage := pipeline.NewTokenStage(validator,
		pipeline.WithSkipPaths(cfg.Auth.SkipPaths),
		pipeline.WithTokenStageMetrics(metrics),
		pipeline.WithTokenStageLogger(logger),
	)
	rateLimitStage := pipeline.NewRateLimitStage(limiter,
		pipeline.WithRateLimitStageMetrics(metrics),
		pipeline.WithRateLimitStageLogger(logger),
	)

	pipe := pipeline.New(tokenStage, rateLimitStage, table, forwarder,
		pipeline.WithSink(sink),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger),
		pipeline.WithAddressExtractor(middleware.NewClientIPExtractor(cfg.Server.TrustedProxies)),
	)

	handler := buildMiddlewareChain(pipe, tracer, logger, metrics)

	checker := newHealthChecker(cfg, table, limiter, logger)
	adminHandler := gateway.NewAdminHandler(metrics, checker)

	gw, err := gateway.New(cfg.Server, handler, adminHandler, gateway.WithGatewayLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	return &application{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		sink:    sink,
		limiter: limiter,
		gateway: gw,
	}, nil
}

// buildMiddlewareChain wraps the pipeline with the outer middleware.
// Recovery is outermost so it catches panics from every layer below,
// request IDs are assigned before tracing so spans carry them.
func buildMiddlewareChain(
	pipe http.Handler,
	tracer *observability.Tracer,
	logger observability.Logger,
	metrics *observability.Metrics,
) http.Handler {
	handler := pipe
	handler = observability.TracingMiddleware(tracer)(handler)
	handler = middleware.RequestID()(handler)
	handler = middleware.Recovery(logger, metrics)(handler)
	return handler
}

// newHealthChecker builds the readiness checker: one HTTP probe per
// route backend, plus a Redis ping when the limiter is Redis-backed.
func newHealthChecker(cfg *config.Config, table *router.Table, limiter ratelimit.Limiter, logger observability.Logger) *health.Checker {
	checker := health.NewChecker(version, health.WithCheckerLogger(logger))

	for _, route := range table.Routes() {
		checker.AddBackendProbe(route.Name, route.Backend)
	}

	if rl, ok := limiter.(*ratelimit.RedisSlidingWindowLimiter); ok {
		checker.RegisterCheck("redis", rl.Ping)
	}

	return checker
}

// start brings up both listeners.
func (a *application) start(ctx context.Context) error {
	if err := a.gateway.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("gateway started",
		observability.String("data_address", a.gateway.DataAddr()),
		observability.String("admin_address", a.gateway.AdminAddr()),
	)
	return nil
}

// stop shuts the application down in dependency order: stop accepting
// traffic, then flush the event sink, then release the limiter and the
// trace exporter.
func (a *application) stop(ctx context.Context) {
	if err := a.gateway.Stop(ctx); err != nil {
		a.logger.Error("gateway shutdown", observability.Error(err))
	}

	if err := a.sink.Close(); err != nil {
		a.logger.Error("event sink close", observability.Error(err))
	}

	if closer, ok := a.limiter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("rate limiter close", observability.Error(err))
		}
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("tracer shutdown", observability.Error(err))
	}
}
