package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrWaitTimeout is returned by WaitForLine when no matching line arrives
	// within the timeout.
	ErrWaitTimeout = errors.New("timed out waiting for a matching output line")

	// ErrStreamClosed is returned by WaitForLine when the stream ends before a
	// matching line arrives, which usually means the process exited.
	ErrStreamClosed = errors.New("output stream closed before a matching line")
)

// ChunkFunc receives every raw read from the stream, whether or not it ends on
// a line boundary. This allows incremental passthrough of output such as
// progress indicators that never emit a trailing newline.
type ChunkFunc func(b []byte)

// Watcher consumes one output stream (stdout or stderr) of a child process.
// It relays every completed line to its logger, notifies chunk hooks on every
// read, and lets one caller at a time block until a line matches a pattern.
type Watcher struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	lines   []string
	partial []byte
	closed  bool
	readErr error
	hooks   []ChunkFunc

	// notify carries at most one token; WaitForLine re-scans after each token
	// so a coalesced notification is never a missed line.
	notify chan struct{}

	waitMu sync.Mutex
}

// NewWatcher starts consuming r in a background goroutine. The watcher owns r
// until it is drained; it stops when r returns an error or EOF.
func NewWatcher(name string, r io.Reader, log *zap.SugaredLogger) *Watcher {
	w := &Watcher{
		log:    log.Named(name),
		notify: make(chan struct{}, 1),
	}
	go w.consume(r)
	return w
}

// OnChunk registers a hook invoked with the bytes of every raw read.
// Hooks must not block; they run on the stream-consuming goroutine.
func (w *Watcher) OnChunk(f ChunkFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, f)
}

func (w *Watcher) consume(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.ingest(buf[:n])
		}
		if err != nil {
			w.mu.Lock()
			if len(w.partial) > 0 {
				line := string(w.partial)
				w.partial = nil
				w.lines = append(w.lines, line)
				w.log.Info(line)
			}
			w.closed = true
			if err != io.EOF {
				w.readErr = err
			}
			w.mu.Unlock()
			w.wake()
			return
		}
	}
}

func (w *Watcher) ingest(b []byte) {
	w.mu.Lock()
	hooks := w.hooks
	w.partial = append(w.partial, b...)
	var completed []string
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.partial[:i], "\r"))
		w.partial = w.partial[i+1:]
		w.lines = append(w.lines, line)
		completed = append(completed, line)
	}
	w.mu.Unlock()

	for _, h := range hooks {
		h(b)
	}
	for _, line := range completed {
		w.log.Info(line)
	}
	if len(completed) > 0 {
		w.wake()
	}
}

func (w *Watcher) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// WaitForLine blocks until a completed line matches re and returns the match's
// submatches (the full line at index 0, capture groups after it). Lines that
// completed before the call are scanned first, in arrival order. If the
// timeout elapses the wait is abandoned for good and ErrWaitTimeout returned;
// the watcher keeps relaying output to the logger regardless.
//
// At most one WaitForLine may be outstanding at a time; concurrent callers are
// serialized.
func (w *Watcher) WaitForLine(ctx context.Context, re *regexp.Regexp, timeout time.Duration) ([]string, error) {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	next := 0
	for {
		w.mu.Lock()
		lines := w.lines[next:]
		next = len(w.lines)
		closed := w.closed
		readErr := w.readErr
		w.mu.Unlock()

		for _, line := range lines {
			if m := re.FindStringSubmatch(line); m != nil {
				return m, nil
			}
		}

		if closed {
			if readErr != nil {
				return nil, fmt.Errorf("%w (read error: %v)", ErrStreamClosed, readErr)
			}
			return nil, ErrStreamClosed
		}

		select {
		case <-w.notify:
		case <-timer.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
