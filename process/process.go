// Package process launches child processes and watches their output streams.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// ErrLaunch indicates the child process could not be started at all, e.g.
// because the executable does not exist. It is fatal and never retried.
var ErrLaunch = errors.New("launching process")

// StartRequest describes a child process to launch.
type StartRequest struct {
	Command string
	Args    []string
	// Dir is the working directory; empty means the caller's.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// Proc is a handle to a running child process. Stdout and Stderr watch the
// corresponding streams; the process is not waited on synchronously and runs
// until it exits on its own, is stopped, or the start context is canceled.
type Proc struct {
	Stdout *Watcher
	Stderr *Watcher

	cmd *exec.Cmd
	log *zap.SugaredLogger

	exited   chan struct{}
	exitOnce sync.Once
	exitCode int
}

// Start launches the command with stdout and stderr redirected into watchers.
// Canceling ctx kills the process.
func Start(ctx context.Context, req StartRequest, log *zap.SugaredLogger) (*Proc, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("%w: no command given", ErrLaunch)
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)

	// Writing through io.Pipe rather than StdoutPipe means exec's internal
	// copier drains the process pipes, and closing the write ends after Wait
	// gives the watchers a clean EOF with no lost tail output.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrLaunch, req.Command, err)
	}

	p := &Proc{
		Stdout: NewWatcher("stdout", outR, log),
		Stderr: NewWatcher("stderr", errR, log),
		cmd:    cmd,
		log:    log.Named("proc"),
		exited: make(chan struct{}),
	}
	p.log.Debugf("started %q pid %d", req.Command, cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				p.log.Debugf("unexpected wait error: %s", err)
				code = -1
			}
		}
		p.exitOnce.Do(func() {
			p.exitCode = code
			close(p.exited)
		})
		p.log.Debugf("pid %d exited with code %d", cmd.Process.Pid, code)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.exited:
		}
	}()

	return p, nil
}

// Exited is closed once the process has exited and been reaped.
func (p *Proc) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode reports the exit code; valid only after Exited is closed.
func (p *Proc) ExitCode() int {
	return p.exitCode
}

// Pid returns the OS process ID.
func (p *Proc) Pid() int {
	return p.cmd.Process.Pid
}

// Signal sends sig to the process.
func (p *Proc) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Stop kills the process. Stopping an already-exited process is a no-op.
func (p *Proc) Stop() {
	select {
	case <-p.exited:
	default:
		p.cmd.Process.Kill()
	}
}
