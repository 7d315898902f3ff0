// Package supervisor starts, inspects and stops the background proxy process.
//
// The PID record in the state directory is the only source of truth for
// whether a server is running; the supervisor never tracks children in
// memory between CLI invocations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/haasonsaas/agentproxy/internal/backoff"
	"github.com/haasonsaas/agentproxy/internal/netprobe"
)

const (
	DefaultStartGrace    = time.Second
	DefaultDialTimeout   = 500 * time.Millisecond
	DefaultRestartBudget = 5 * time.Second
)

var (
	// ErrExecutableNotFound is returned when the running binary cannot be located.
	ErrExecutableNotFound = errors.New("unable to determine script path")
	// ErrDiedImmediately is returned when the child exits within the startup grace.
	ErrDiedImmediately = errors.New("server started but died immediately")
)

// State is the observed state of the background server.
type State string

const (
	NotRunning   State = "not_running"
	Running      State = "running"
	Unresponsive State = "unresponsive"
)

// Status describes the background server. PID and Port are zero when not running.
type Status struct {
	State State `json:"state"`
	PID   int   `json:"pid,omitempty"`
	Port  int   `json:"port,omitempty"`
}

// AlreadyRunningError is returned by Spawn when a live record exists.
type AlreadyRunningError struct {
	PID   int
	Port  int
	State State
}

func (e *AlreadyRunningError) Error() string {
	if e.State == Unresponsive {
		return fmt.Sprintf("server already running with pid %d on port %d but not responding", e.PID, e.Port)
	}
	return fmt.Sprintf("server already running with pid %d on port %d", e.PID, e.Port)
}

// PortInUseError is returned by Spawn when the requested port cannot be bound.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is already in use", e.Port)
}

// Options configures a Supervisor. Zero values pick defaults.
type Options struct {
	// Dir holds the PID record, spawn lock and server log.
	Dir    string
	Logger *slog.Logger
	// Executable resolves the binary to launch. Defaults to os.Executable.
	Executable     func() (string, error)
	StartGrace     time.Duration
	DialTimeout    time.Duration
	LockStaleAfter time.Duration
	RestartBudget  time.Duration
}

// SpawnOptions are passed through to the child's run command.
type SpawnOptions struct {
	Port       int
	ConfigPath string
}

type Supervisor struct {
	dir            string
	logger         *slog.Logger
	executable     func() (string, error)
	startGrace     time.Duration
	dialTimeout    time.Duration
	lockStaleAfter time.Duration
	restartBudget  time.Duration

	// Replaced in tests.
	portAvailable func(port int) bool
	portListening func(port int, timeout time.Duration) bool
	processAlive  func(pid int) bool
	terminate     func(pid int) error
	command       func(exe string, args ...string) *exec.Cmd
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		dir:            opts.Dir,
		logger:         logger.With("component", "supervisor"),
		executable:     opts.Executable,
		startGrace:     opts.StartGrace,
		dialTimeout:    opts.DialTimeout,
		lockStaleAfter: opts.LockStaleAfter,
		restartBudget:  opts.RestartBudget,
		portAvailable:  netprobe.IsPortAvailable,
		portListening:  netprobe.IsPortListening,
		processAlive:   processAlive,
		terminate:      terminate,
		command:        exec.Command,
	}
	if s.executable == nil {
		s.executable = os.Executable
	}
	if s.startGrace <= 0 {
		s.startGrace = DefaultStartGrace
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = DefaultDialTimeout
	}
	if s.lockStaleAfter <= 0 {
		s.lockStaleAfter = DefaultLockStaleTimeout
	}
	if s.restartBudget <= 0 {
		s.restartBudget = DefaultRestartBudget
	}
	return s
}

func (s *Supervisor) RecordPath() string { return filepath.Join(s.dir, PIDFileName) }
func (s *Supervisor) LockPath() string   { return filepath.Join(s.dir, LockFileName) }
func (s *Supervisor) LogPath() string    { return filepath.Join(s.dir, LogFileName) }

// Status reads the record and probes the process and its port. Records that
// are malformed or point at a dead process are deleted.
func (s *Supervisor) Status() Status {
	rec, err := readRecord(s.RecordPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{State: NotRunning}
		}
		s.logger.Warn("removing unreadable pid file", "path", s.RecordPath(), "error", err)
		s.removeRecord()
		return Status{State: NotRunning}
	}

	if !s.processAlive(rec.PID) {
		s.logger.Debug("removing stale pid file", "pid", rec.PID)
		s.removeRecord()
		return Status{State: NotRunning}
	}

	state := Unresponsive
	if s.portListening(rec.Port, s.dialTimeout) {
		state = Running
	}
	return Status{State: state, PID: rec.PID, Port: rec.Port}
}

// Spawn launches the server in the background. See the package errors for
// the refusal cases; a refused spawn has no side effects.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (Status, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return Status{}, fmt.Errorf("invalid port %d", opts.Port)
	}

	lock, err := acquireSpawnLock(s.LockPath(), s.lockStaleAfter, s.processAlive)
	if err != nil {
		return Status{}, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.logger.Warn("failed to release spawn lock", "error", err)
		}
	}()

	if current := s.Status(); current.State != NotRunning {
		return current, &AlreadyRunningError{PID: current.PID, Port: current.Port, State: current.State}
	}
	if !s.portAvailable(opts.Port) {
		return Status{}, &PortInUseError{Port: opts.Port}
	}

	exe, err := s.executable()
	if err != nil || exe == "" {
		if err == nil {
			err = errors.New("empty path")
		}
		return Status{}, fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
	}

	logFile, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Status{}, fmt.Errorf("open server log: %w", err)
	}
	defer logFile.Close()

	args := []string{"run", "--port", strconv.Itoa(opts.Port)}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	cmd := s.command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedAttrs()

	if err := cmd.Start(); err != nil {
		return Status{}, fmt.Errorf("start server: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	if err := writeRecord(s.RecordPath(), ProcessRecord{PID: pid, Port: opts.Port}); err != nil {
		_ = cmd.Process.Kill()
		return Status{}, err
	}
	s.logger.Info("server spawned", "pid", pid, "port", opts.Port, "log", s.LogPath())

	timer := time.NewTimer(s.startGrace)
	defer timer.Stop()
	select {
	case waitErr := <-exited:
		s.logger.Warn("server exited during startup", "pid", pid, "error", waitErr)
		s.removeRecord()
		return Status{}, ErrDiedImmediately
	case <-ctx.Done():
		return Status{State: Unresponsive, PID: pid, Port: opts.Port}, ctx.Err()
	case <-timer.C:
	}

	current := s.Status()
	if current.State == NotRunning {
		return Status{}, ErrDiedImmediately
	}
	return current, nil
}

// Stop terminates the recorded server and removes its record. It reports
// success when nothing was running.
func (s *Supervisor) Stop() (bool, error) {
	current := s.Status()
	if current.State == NotRunning {
		return true, nil
	}

	if err := s.terminate(current.PID); err != nil {
		s.logger.Debug("terminate failed", "pid", current.PID, "error", err)
	}
	if err := os.Remove(s.RecordPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove pid file: %w", err)
	}
	s.logger.Info("server stopped", "pid", current.PID, "port", current.Port)
	return true, nil
}

// Restart stops the current server, waits for its port to be released and
// spawns a new one. A zero opts.Port reuses the previous port.
func (s *Supervisor) Restart(ctx context.Context, opts SpawnOptions) (Status, error) {
	previous := s.Status()
	if _, err := s.Stop(); err != nil {
		return Status{}, err
	}
	if opts.Port == 0 {
		opts.Port = previous.Port
	}
	if opts.Port == 0 {
		return Status{}, errors.New("no port to restart on")
	}

	if previous.State != NotRunning {
		err := backoff.PollUntil(ctx, backoff.PortPolicy(), s.restartBudget, func() (bool, error) {
			return s.portAvailable(opts.Port), nil
		})
		switch {
		case errors.Is(err, backoff.ErrPollTimeout):
			s.logger.Warn("port still busy after stop", "port", opts.Port)
		case err != nil:
			return Status{}, err
		}
	}
	return s.Spawn(ctx, opts)
}

// WaitReady polls until the server accepts connections. It fails fast with
// ErrDiedImmediately if the record disappears.
func (s *Supervisor) WaitReady(ctx context.Context, timeout time.Duration) (Status, error) {
	var current Status
	err := backoff.PollUntil(ctx, backoff.PortPolicy(), timeout, func() (bool, error) {
		current = s.Status()
		switch current.State {
		case Running:
			return true, nil
		case NotRunning:
			return false, ErrDiedImmediately
		default:
			return false, nil
		}
	})
	return current, err
}

func (s *Supervisor) removeRecord() {
	if err := os.Remove(s.RecordPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove pid file", "error", err)
	}
}
