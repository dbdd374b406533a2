// Package middleware is the externally-visible entry point: it launches the
// dev server in the background at construction and serves every inbound
// request by proxying it to the resolved endpoint.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devserve/devserve/devserver"
	"github.com/devserve/devserve/proxy"
)

// ErrConfig indicates a missing required argument; construction fails fast.
var ErrConfig = errors.New("invalid configuration")

type config struct {
	logger       *zap.Logger
	runner       string
	readyPattern *regexp.Regexp
	readyTimeout time.Duration
	settleDelay  time.Duration
	probe        bool
}

type Option func(*config)

// WithLogger supplies the logger. Without it the middleware falls back to a
// console (development) logger; the fallback is decided once, here.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithRunner overrides the script runner, e.g. "yarn".
func WithRunner(runner string) Option {
	return func(c *config) {
		c.runner = runner
	}
}

// WithReadyPattern overrides the stdout pattern that signals readiness; the
// first capture group must hold the server's reported URL.
func WithReadyPattern(re *regexp.Regexp) Option {
	return func(c *config) {
		c.readyPattern = re
	}
}

// WithReadyTimeout tunes how long to wait for the ready signal.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readyTimeout = d
	}
}

// WithSettleDelay tunes the grace period between the ready signal and
// declaring readiness.
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) {
		c.settleDelay = d
	}
}

// WithSettleProbe verifies the endpoint answers HTTP before readiness is
// declared.
func WithSettleProbe() Option {
	return func(c *config) {
		c.probe = true
	}
}

// Middleware supervises one dev server instance and proxies requests to it.
// It is a terminal http.Handler: when a request cannot be proxied it responds
// itself (404) rather than falling through to another handler.
type Middleware struct {
	id     string
	log    *zap.SugaredLogger
	cancel context.CancelFunc

	tracker *devserver.Tracker
	builder *devserver.Builder
	proxy   *proxy.Proxy
}

// New validates the configuration, starts the readiness sequence in the
// background, and returns without waiting for the dev server. At most one
// readiness attempt happens per instance; its outcome is cached for the
// instance's lifetime.
func New(dir, script string, opts ...Option) (*Middleware, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: source directory must not be empty", ErrConfig)
	}
	if script == "" {
		return nil, fmt.Errorf("%w: script name must not be empty", ErrConfig)
	}

	cfg := &config{
		runner:       devserver.DefaultRunner,
		readyPattern: devserver.DefaultReadyPattern,
		readyTimeout: devserver.DefaultReadyTimeout,
		settleDelay:  devserver.DefaultSettleDelay,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building fallback logger: %w", err)
		}
		cfg.logger = logger
	}

	id := uuid.NewString()
	log := cfg.logger.Sugar().Named("devserve").With("InstanceID", id)

	ctx, cancel := context.WithCancel(context.Background())

	trackerOpts := []devserver.Option{
		devserver.WithLogger(cfg.logger),
		devserver.WithRunner(cfg.runner),
		devserver.WithReadyPattern(cfg.readyPattern),
		devserver.WithReadyTimeout(cfg.readyTimeout),
		devserver.WithSettleDelay(cfg.settleDelay),
	}
	if cfg.probe {
		trackerOpts = append(trackerOpts, devserver.WithSettleProbe())
	}

	m := &Middleware{
		id:      id,
		log:     log,
		cancel:  cancel,
		tracker: devserver.Start(ctx, dir, script, trackerOpts...),
		builder: devserver.NewBuilder(ctx, dir, script,
			devserver.WithBuildLogger(cfg.logger),
			devserver.WithBuildRunner(cfg.runner),
		),
		proxy: proxy.New(proxy.WithLogger(cfg.logger)),
	}
	return m, nil
}

// ServeHTTP awaits readiness and proxies the request. Declined requests get a
// 404 with an empty body; readiness failures and proxy failures get gateway
// errors unless the response was already partially written.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	didProxy, err := m.proxy.Forward(w, r, m.tracker.Future())
	if err != nil {
		m.log.Errorw("proxy failure", "Method", r.Method, "Path", r.URL.Path, "Error", err)
		if didProxy {
			// Status and part of the body may already be on the wire.
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, devserver.ErrReadinessTimeout) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	if !didProxy {
		w.WriteHeader(http.StatusNotFound)
	}
}

// ID is the unique identifier of this instance, also present in its log fields.
func (m *Middleware) ID() string {
	return m.id
}

// Builder returns the build-trigger handle for collaborators such as a
// server-side pre-renderer.
func (m *Middleware) Builder() *devserver.Builder {
	return m.builder
}

// Ready reports whether the readiness sequence has reached a terminal state.
func (m *Middleware) Ready() bool {
	return m.tracker.Future().Resolved()
}

// Endpoint awaits and returns the resolved dev server endpoint.
func (m *Middleware) Endpoint(ctx context.Context) (devserver.Endpoint, error) {
	return m.tracker.Future().Await(ctx)
}

// Close kills the supervised dev server and any in-flight build processes.
func (m *Middleware) Close() error {
	m.cancel()
	m.tracker.Stop()
	return nil
}
