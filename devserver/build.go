package devserver

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devserve/devserve/process"
)

// DefaultBuildPattern matches the first emitted-chunk line of a webpack-style
// build, which is the earliest point the build output is usable.
var DefaultBuildPattern = regexp.MustCompile(`chunk`)

// DefaultBuildTimeout bounds how long a triggered build may take to emit its
// first chunk.
const DefaultBuildTimeout = 50 * time.Second

// Builder triggers one-off builds of the same script the Tracker supervises,
// without the watch flag. It is handed directly to collaborators such as a
// server-side pre-renderer instead of being looked up through a registry.
type Builder struct {
	log *zap.SugaredLogger
	ctx context.Context

	dir    string
	script string
	runner string

	pattern *regexp.Regexp
	timeout time.Duration

	mu sync.Mutex
}

type BuilderOption func(*Builder)

func WithBuildLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) {
		b.log = l.Sugar().Named("builder")
	}
}

func WithBuildRunner(runner string) BuilderOption {
	return func(b *Builder) {
		b.runner = runner
	}
}

func WithBuildMarker(re *regexp.Regexp) BuilderOption {
	return func(b *Builder) {
		b.pattern = re
	}
}

func WithBuildTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		b.timeout = d
	}
}

// NewBuilder constructs a build trigger. ctx bounds the lifetime of every
// build process it launches, so builds die with their owner rather than with
// the request that happened to trigger them.
func NewBuilder(ctx context.Context, dir, script string, opts ...BuilderOption) *Builder {
	b := &Builder{
		ctx:     ctx,
		dir:     dir,
		script:  script,
		runner:  DefaultRunner,
		pattern: DefaultBuildPattern,
		timeout: DefaultBuildTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(fmt.Sprintf("error constructing default logger: %s", err))
		}
		b.log = logger.Sugar().Named("builder")
	}
	return b
}

// Build launches a fresh build process and returns once its output contains
// the build marker, so sequential calls each wait for a fresh marker line.
// waitCtx only bounds the wait; the build itself keeps running under the
// builder's lifetime context.
func (b *Builder) Build(waitCtx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	args := []string{"run", b.script}
	b.log.Infow("triggering build", "Runner", b.runner, "Args", args, "Dir", b.dir)

	proc, err := process.Start(b.ctx, process.StartRequest{
		Command: b.runner,
		Args:    args,
		Dir:     b.dir,
	}, b.log)
	if err != nil {
		return err
	}

	if _, err := proc.Stdout.WaitForLine(waitCtx, b.pattern, b.timeout); err != nil {
		// a build that never produced the marker is not worth finishing
		proc.Stop()
		return fmt.Errorf("waiting for build output: %w", err)
	}
	return nil
}
