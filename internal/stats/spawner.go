package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"typestatd/internal/compute"
)

// Handle is a running compute unit: the caller's transport plus a way to
// tear the unit down.
type Handle struct {
	compute.ClientTransport

	once    sync.Once
	stop    func() error
	stopErr error
}

// NewHandle wraps transport. stop must release the unit and unblock any
// pending Recv; it runs at most once.
func NewHandle(transport compute.ClientTransport, stop func() error) *Handle {
	if stop == nil {
		stop = transport.Close
	}
	return &Handle{ClientTransport: transport, stop: stop}
}

// Stop tears the unit down.
func (h *Handle) Stop() error {
	h.once.Do(func() { h.stopErr = h.stop() })
	return h.stopErr
}

// Spawner starts compute units.
type Spawner interface {
	Spawn(ctx context.Context) (*Handle, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context) (*Handle, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context) (*Handle, error) {
	return f(ctx)
}

// InProcess runs each unit on its own goroutine behind a compute.Pipe.
func InProcess(opts compute.Options) Spawner {
	return SpawnerFunc(func(ctx context.Context) (*Handle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client, server := compute.Pipe()
		unit := compute.NewUnit(opts)

		serveCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = compute.Serve(serveCtx, unit, server)
		}()

		return NewHandle(client, func() error {
			cancel()
			err := client.Close()
			<-done
			return err
		}), nil
	})
}

// SubprocessOptions configures Subprocess.
type SubprocessOptions struct {
	Args []string
	Env  []string

	// StopTimeout bounds how long Stop waits for the worker to exit after
	// its input is closed before killing it.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Subprocess runs each unit as a typestat-worker child process speaking the
// framed protocol over its stdin and stdout. The worker's stderr is passed
// through.
func Subprocess(path string, opts SubprocessOptions) Spawner {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return SpawnerFunc(func(ctx context.Context) (*Handle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cmd := exec.Command(path, opts.Args...)
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker %s: %w", path, err)
		}
		logger.Info("compute worker started", "path", path, "pid", cmd.Process.Pid)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		client := compute.NewStreamClient(stdout, stdin)
		return NewHandle(client, func() error {
			closeErr := client.Close()
			select {
			case err := <-exited:
				return errors.Join(closeErr, exitErr(err))
			case <-time.After(opts.StopTimeout):
				logger.Warn("compute worker did not exit, killing", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
				return errors.Join(closeErr, exitErr(<-exited))
			}
		}), nil
	})
}

// exitErr ignores the exit status of a worker that was killed on purpose.
func exitErr(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) && !ee.Exited() {
		return nil
	}
	return err
}
