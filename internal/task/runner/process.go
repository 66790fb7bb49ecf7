// Package runner starts task commands as child processes and owns their
// lifecycle: bounded output capture, timeout, and a graceful stop that
// escalates to a hard kill.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGrace is how long Stop waits between the polite signal and the kill.
const DefaultGrace = 5 * time.Second

// Spec describes one process invocation.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the parent's environment.
	Env []string
	// MaxOutput bounds each of stdout and stderr. 0 means DefaultMaxOutput.
	MaxOutput int
}

// Result is what the process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a started child. It is safe for concurrent use.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdout *tailBuffer
	stderr *tailBuffer

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Start launches spec. A failure to launch is returned as *SpawnError.
func Start(spec Spec) (*Process, error) {
	p := &Process{
		name:   spec.Name,
		stdout: newTailBuffer(spec.MaxOutput),
		stderr: newTailBuffer(spec.MaxOutput),
		done:   make(chan struct{}),
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	// Grandchildren may hold the pipes open after the group is killed.
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Err: err}
	}
	p.cmd = cmd

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) Pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Result blocks until the process exits.
func (p *Process) Result() (Result, error) {
	<-p.done
	res := Result{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
	err := p.waitErr
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{Code: res.ExitCode}
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}

// Stop asks the process group to terminate and kills it if it is still alive
// after grace. Only the first call has any effect; every call blocks until
// the process is gone or the kill has been sent.
func (p *Process) Stop(grace time.Duration) {
	if p == nil || p.cmd == nil {
		return
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		_ = terminate(p.cmd)
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			_ = kill(p.cmd)
		}
	})
}

// Await waits for the process to exit, for timeout to elapse, or for ctx to
// end. In the latter two cases the process is stopped and ErrTimeout or
// ErrCanceled is returned together with whatever output was captured.
func (p *Process) Await(ctx context.Context, timeout, grace time.Duration) (Result, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case <-p.done:
		return p.Result()
	case <-timeoutC:
		p.Stop(grace)
		res, _ := p.Result()
		return res, ErrTimeout
	case <-ctx.Done():
		p.Stop(grace)
		res, _ := p.Result()
		return res, ErrCanceled
	}
}

// Run is Start followed by Await.
func Run(ctx context.Context, spec Spec, timeout, grace time.Duration) (Result, error) {
	p, err := Start(spec)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return p.Await(ctx, timeout, grace)
}
