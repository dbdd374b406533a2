package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	devnet "github.com/devserve/devserve/internal/net"
	"github.com/devserve/devserve/process"
)

const (
	// DefaultReadyTimeout bounds how long the tracker waits for the ready
	// signal. Dev servers with cold caches can take a while on first start.
	DefaultReadyTimeout = 50 * time.Second

	// DefaultSettleDelay is applied after the ready signal, because dev
	// servers tend to report readiness slightly before they can reliably
	// serve requests. A heuristic, not a protocol guarantee.
	DefaultSettleDelay = 500 * time.Millisecond

	// DefaultRunner is the script runner used to launch the dev server.
	DefaultRunner = "npm"

	// stopGracePeriod is how long Stop waits for the dev server to exit on
	// its own after the interrupt before killing it.
	stopGracePeriod = 2 * time.Second
)

// DefaultReadyPattern matches the ready-signal line of webpack-style dev
// servers; the capture group holds the URL the server actually listens on.
var DefaultReadyPattern = regexp.MustCompile(`open your browser on (https?://\S+)`)

// ErrReadinessTimeout indicates the dev server never emitted the ready signal
// within the timeout. It is terminal: the failure is cached and replayed to
// every request for the lifetime of the tracker.
var ErrReadinessTimeout = errors.New("dev server never signaled readiness")

// Tracker runs the readiness sequence once, in the background: allocate a
// port, launch the dev server, wait for the ready-signal line, settle, and
// resolve the shared Future with the reported endpoint.
type Tracker struct {
	log *zap.SugaredLogger

	dir    string
	script string
	runner string

	readyPattern *regexp.Regexp
	readyTimeout time.Duration
	settleDelay  time.Duration
	probe        bool

	future *Future

	mu   sync.Mutex
	proc *process.Proc
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		t.log = l.Sugar().Named("tracker")
	}
}

// WithRunner overrides the script runner, e.g. "yarn" instead of "npm".
func WithRunner(runner string) Option {
	return func(t *Tracker) {
		t.runner = runner
	}
}

// WithReadyPattern overrides the pattern matched against stdout lines. The
// first capture group must hold the server's reported URL.
func WithReadyPattern(re *regexp.Regexp) Option {
	return func(t *Tracker) {
		t.readyPattern = re
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.readyTimeout = d
	}
}

func WithSettleDelay(d time.Duration) Option {
	return func(t *Tracker) {
		t.settleDelay = d
	}
}

// WithSettleProbe makes the tracker verify, after the settle delay, that the
// reported endpoint answers an HTTP request before declaring readiness.
func WithSettleProbe() Option {
	return func(t *Tracker) {
		t.probe = true
	}
}

// Start kicks off the readiness sequence in the background and returns
// immediately. Canceling ctx aborts the sequence and kills the child process.
func Start(ctx context.Context, dir, script string, opts ...Option) *Tracker {
	t := &Tracker{
		dir:          dir,
		script:       script,
		runner:       DefaultRunner,
		readyPattern: DefaultReadyPattern,
		readyTimeout: DefaultReadyTimeout,
		settleDelay:  DefaultSettleDelay,
		future:       NewFuture(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(fmt.Sprintf("error constructing default logger: %s", err))
		}
		t.log = logger.Sugar().Named("tracker")
	}

	go t.run(ctx)
	return t
}

// Future returns the shared readiness future. It is safe to Await from any
// number of goroutines, before or after resolution.
func (t *Tracker) Future() *Future {
	return t.future
}

// Stop shuts the supervised dev server down, if it was launched: it sends an
// interrupt first so the server can clean up, and kills it if it does not
// exit within the grace period.
func (t *Tracker) Stop() {
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		proc.Stop()
		return
	}
	select {
	case <-proc.Exited():
	case <-time.After(stopGracePeriod):
		proc.Stop()
	}
}

func (t *Tracker) run(ctx context.Context) {
	port, err := devnet.AllocateEphemeralPort()
	if err != nil {
		t.future.Fail(fmt.Errorf("allocating dev server port: %w", err))
		return
	}

	args := []string{"run", t.script, "--", "--port", strconv.Itoa(port), "--watch"}
	t.log.Infow("starting dev server", "Runner", t.runner, "Args", args, "Dir", t.dir)

	proc, err := process.Start(ctx, process.StartRequest{
		Command: t.runner,
		Args:    args,
		Dir:     t.dir,
	}, t.log)
	if err != nil {
		t.future.Fail(err)
		return
	}
	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()

	match, err := proc.Stdout.WaitForLine(ctx, t.readyPattern, t.readyTimeout)
	if err != nil {
		if errors.Is(err, process.ErrWaitTimeout) {
			t.future.Fail(fmt.Errorf("%w within %s: check the dev server logs for errors", ErrReadinessTimeout, t.readyTimeout))
		} else {
			t.future.Fail(fmt.Errorf("waiting for dev server ready signal: %w", err))
		}
		return
	}

	ep, err := EndpointFromURL(match[1])
	if err != nil {
		t.future.Fail(err)
		return
	}
	// The server may not bind exactly the port we asked for, so the reported
	// URL wins.
	if ep.Port != port {
		t.log.Infof("dev server reports port %d instead of requested %d", ep.Port, port)
	}

	select {
	case <-time.After(t.settleDelay):
	case <-ctx.Done():
		t.future.Fail(ctx.Err())
		return
	}

	if t.probe {
		if err := t.probeEndpoint(ctx, ep); err != nil {
			t.future.Fail(fmt.Errorf("probing dev server endpoint: %w", err))
			return
		}
	}

	t.log.Infof("dev server ready on %s", ep)
	t.future.Resolve(ep)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// probeEndpoint issues a GET with short retries to confirm the endpoint
// accepts connections before readiness is published.
func (t *Tracker) probeEndpoint(ctx context.Context, ep Endpoint) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.Logger = &logAdapter{SugaredLogger: t.log}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, ep.String()+"/", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
