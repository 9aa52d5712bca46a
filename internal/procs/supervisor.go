package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const DefaultStopTimeout = 3 * time.Second

// ErrChildExited is returned by Supervisor.Run when a worker process
// terminates while the manager is running.
var ErrChildExited = errors.New("LLD worker process exited")

// Supervisor runs a fixed set of child processes. Losing any child ends
// the supervision; the manager is expected to shut down then.
type Supervisor struct {
	count       int
	argv        func(index int) []string
	env         []string
	stopTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	pids []int
}

type SupervisorOption func(*Supervisor)

func WithLogger(log *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithStopTimeout sets how long children get between SIGTERM and SIGKILL.
func WithStopTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithEnv replaces the environment passed to children.
func WithEnv(env []string) SupervisorOption {
	return func(s *Supervisor) {
		s.env = env
	}
}

// NewSupervisor creates a supervisor for count children. argv returns the
// command line of the child with the given 1-based index.
func NewSupervisor(count int, argv func(index int) []string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		count:       count,
		argv:        argv,
		env:         os.Environ(),
		stopTimeout: DefaultStopTimeout,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type exit struct {
	index int
	pid   int
	err   error
}

// Run starts all children and blocks until ctx is cancelled or a child
// exits. On return every started child has been reaped.
func (s *Supervisor) Run(ctx context.Context) error {
	cmds := make([]*exec.Cmd, 0, s.count)
	exits := make(chan exit, s.count)

	var runErr error
	for i := 1; i <= s.count; i++ {
		cmd, err := s.start(i)
		if err != nil {
			runErr = err
			break
		}
		cmds = append(cmds, cmd)

		go func(index int, cmd *exec.Cmd) {
			exits <- exit{index: index, pid: cmd.Process.Pid, err: cmd.Wait()}
		}(i, cmd)
	}

	running := len(cmds)
	if runErr == nil {
		select {
		case <-ctx.Done():
		case e := <-exits:
			running--
			runErr = s.exited(e)
		}
	}

	s.stop(cmds, exits, running)
	return runErr
}

func (s *Supervisor) start(index int) (*exec.Cmd, error) {
	argv := s.argv(index)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command line for LLD worker #%d", index)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = s.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start LLD worker #%d: %w", index, err)
	}

	s.mu.Lock()
	s.pids = append(s.pids, cmd.Process.Pid)
	s.mu.Unlock()

	s.log.Info("LLD worker process started", zap.Int("worker", index), zap.Int("pid", cmd.Process.Pid))
	return cmd, nil
}

func (s *Supervisor) exited(e exit) error {
	var exitErr *exec.ExitError
	if errors.As(e.err, &exitErr) {
		s.log.Error("LLD worker process exited abnormally",
			zap.Int("worker", e.index), zap.Int("pid", e.pid), zap.Int("exit_code", exitErr.ExitCode()))
		return fmt.Errorf("%w: worker #%d (pid %d) exit code %d", ErrChildExited, e.index, e.pid, exitErr.ExitCode())
	}
	s.log.Error("LLD worker process exited",
		zap.Int("worker", e.index), zap.Int("pid", e.pid), zap.Error(e.err))
	return fmt.Errorf("%w: worker #%d (pid %d)", ErrChildExited, e.index, e.pid)
}

// stop sends SIGTERM to all children, escalating to SIGKILL after the stop
// timeout, and waits for running exits to be collected.
func (s *Supervisor) stop(cmds []*exec.Cmd, exits <-chan exit, running int) {
	if running == 0 {
		return
	}

	for _, cmd := range cmds {
		// already reaped children report os.ErrProcessDone
		cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	for running > 0 {
		select {
		case e := <-exits:
			running--
			s.log.Debug("LLD worker process stopped", zap.Int("worker", e.index), zap.Int("pid", e.pid))
		case <-timer.C:
			s.log.Warn("LLD worker processes did not stop in time, sending SIGKILL",
				zap.Int("running", running), zap.Duration("timeout", s.stopTimeout))
			for _, cmd := range cmds {
				cmd.Process.Kill()
			}
			for ; running > 0; running-- {
				<-exits
			}
		}
	}
}

// PIDs returns the pids of started children.
func (s *Supervisor) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pids...)
}

// Usage returns resource snapshots of the started children that are
// still alive.
func (s *Supervisor) Usage() []Usage {
	var usage []Usage
	for _, pid := range s.PIDs() {
		u, err := Snapshot(pid)
		if err != nil {
			continue
		}
		usage = append(usage, u)
	}
	return usage
}
