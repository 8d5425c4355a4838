package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
)

// State is the gateway lifecycle state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway runs the data listener and the admin listener as one unit.
type Gateway struct {
	cfg       config.ServerConfig
	logger    observability.Logger
	data      *Listener
	admin     *Listener
	state     atomic.Int32
	startTime time.Time
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithGatewayLogger sets the logger for the gateway and its listeners.
func WithGatewayLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a gateway serving handler on the data address and
// adminHandler on the admin address.
func New(cfg config.ServerConfig, handler, adminHandler http.Handler, opts ...Option) (*Gateway, error) {
	if handler == nil {
		return nil, fmt.Errorf("data handler is required")
	}
	if adminHandler == nil {
		return nil, fmt.Errorf("admin handler is required")
	}

	g := &Gateway{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.data = NewListener("data", cfg.ListenAddress, handler, cfg,
		WithListenerLogger(g.logger))
	g.admin = NewListener("admin", cfg.AdminAddress, adminHandler, cfg,
		WithListenerLogger(g.logger))

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start binds both listeners. The admin listener starts first so
// orchestrator probes see the process as soon as it exists; readiness
// still reports unhealthy until backends respond.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	g.logger.Info("starting gateway")

	if err := g.admin.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start admin listener: %w", err)
	}

	if err := g.data.Start(ctx); err != nil {
		_ = g.admin.Stop(ctx)
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start data listener: %w", err)
	}

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("listen_address", g.data.Addr()),
		observability.String("admin_address", g.admin.Addr()),
	)

	return nil
}

// Stop shuts down gracefully: the data listener drains first so no new
// requests are accepted, then the admin listener follows.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}

	var firstErr error
	if err := g.data.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := g.admin.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return firstErr
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning reports whether the gateway serves traffic.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// DataAddr returns the bound data listener address.
func (g *Gateway) DataAddr() string {
	return g.data.Addr()
}

// AdminAddr returns the bound admin listener address.
func (g *Gateway) AdminAddr() string {
	return g.admin.Addr()
}
