// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor owns the lifecycle of the moshi model process.
//
// Exactly one model process exists per supervisor. All lifecycle operations
// (Start, Stop, Restart) are serialized on an operation mutex; state
// snapshots use a separate mutex that is never held across a wait, so health
// queries stay responsive while an operation is in flight.
//
// The supervisor never restarts a crashed process on its own. Recovery is
// caller-driven, which keeps a persistently broken GPU image from turning
// into a restart storm.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the lifecycle state of the model process.
//
// Stopped -> Starting -> Running -> (Stopping -> Stopped) | Crashed
//
// Crashed is reachable from Starting or Running and is not terminal; Start
// is always permitted from Crashed or Stopped.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

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
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the process handle.
type Snapshot struct {
	State        State
	PID          int
	StartedAt    time.Time
	LastExitCode *int
}

// =============================================================================
// ERRORS
// =============================================================================

// LaunchError reports that the model process could not be launched or died
// before becoming ready. The supervisor state is Crashed afterwards.
type LaunchError struct {
	Message string
	Cause   error
}

func (e *LaunchError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// TimeoutError reports that a bounded wait (startup port wait, graceful
// stop) was exceeded. Forced termination has already been attempted.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Op, e.Timeout)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ProbeFunc reports nil when the model port accepts connections.
type ProbeFunc func(ctx context.Context) error

// Config describes how to launch and watch the model process.
type Config struct {
	// Command is the argv prefix, e.g. ["python", "-m", "moshi.server"].
	Command []string
	// ModelPort is the WebSocket port moshi binds.
	ModelPort int
	// VoicePrompt is the voice-embedding asset name passed through.
	VoicePrompt string
	// PromptPath is the rendered text prompt file moshi reads at startup.
	PromptPath string
	// SSLDir holds moshi's self-signed certs. Empty means a scratch
	// directory is created on first start.
	SSLDir string
	// CPUOffload enables moshi's reduced-memory mode.
	CPUOffload bool
	// HFToken is exported to the child as HF_TOKEN.
	HFToken string

	// StartupTimeout bounds the port-reachability wait after launch.
	StartupTimeout time.Duration
	// StopTimeout bounds the graceful-stop wait before SIGKILL.
	StopTimeout time.Duration
	// PollInterval is the port probe cadence during startup (default 500ms).
	PollInterval time.Duration

	// Probe overrides the default TCP dial against ModelPort. Tests inject
	// fakes here.
	Probe ProbeFunc

	// LogLines bounds the captured output ring buffer (default 500).
	LogLines int
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor manages the single moshi process.
type Supervisor struct {
	cfg          Config
	probe        ProbeFunc
	pollInterval time.Duration

	// opMu serializes Start/Stop/Restart. Held across the bounded waits.
	opMu sync.Mutex

	// mu guards the handle fields. Never held across a wait.
	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	lastExit  *int
	gen       int
	proc      *os.Process
	waitCh    chan struct{}
	sslDir    string

	logs *ring
}

// New creates a Supervisor in the Stopped state.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 500
	}

	probe := cfg.Probe
	if probe == nil {
		probe = TCPProbe(cfg.ModelPort)
	}

	return &Supervisor{
		cfg:          cfg,
		probe:        probe,
		pollInterval: cfg.PollInterval,
		state:        StateStopped,
		logs:         newRing(cfg.LogLines),
	}
}

// TCPProbe returns a ProbeFunc that dials 127.0.0.1:port.
func TCPProbe(port int) ProbeFunc {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}
}

// Snapshot returns a copy of the current process handle. It never blocks on
// an in-flight operation.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var code *int
	if s.lastExit != nil {
		c := *s.lastExit
		code = &c
	}
	return Snapshot{
		State:        s.state,
		PID:          s.pid,
		StartedAt:    s.startedAt,
		LastExitCode: code,
	}
}

// Logs returns up to n of the most recently captured output lines.
func (s *Supervisor) Logs(n int) []string {
	return s.logs.last(n)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Start launches the model process and waits for its port to become
// reachable within the startup budget.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

// Stop terminates the model process, escalating from SIGTERM to SIGKILL
// after the graceful timeout. Stopping an already-stopped (or crashed)
// process is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

// Restart is stop-then-start as one critical section. No other Start, Stop
// or Restart can interleave.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning, StateStopping:
		st := s.state
		s.mu.Unlock()
		return &LaunchError{Message: "model process is already " + st.String()}
	}
	s.mu.Unlock()

	// Fail fast when something else already holds the model port. A second
	// moshi racing for the same GPU and port is never what we want.
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := s.probe(probeCtx)
	cancel()
	if err == nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: fmt.Sprintf("port %d is already bound", s.cfg.ModelPort)}
	}

	binPath, err := exec.LookPath(s.cfg.Command[0])
	if err != nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: "model binary not found", Cause: err}
	}

	sslDir, err := s.ensureSSLDir()
	if err != nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: "failed to prepare ssl dir", Cause: err}
	}

	args := append([]string{}, s.cfg.Command[1:]...)
	args = append(args,
		"--ssl", sslDir,
		"--port", strconv.Itoa(s.cfg.ModelPort),
		"--voice-prompt", s.cfg.VoicePrompt,
		"--text-prompt-file", s.cfg.PromptPath,
	)
	if s.cfg.CPUOffload {
		args = append(args, "--cpu-offload")
	}

	cmd := exec.Command(binPath, args...)
	cmd.Env = append(os.Environ(), "HF_TOKEN="+s.cfg.HFToken)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: "failed to pipe stdout", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: "failed to pipe stderr", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateCrashed)
		return &LaunchError{Message: "failed to start model process", Cause: err}
	}

	go s.scanOutput(stdout)
	go s.scanOutput(stderr)

	waitCh := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateStarting
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.lastExit = nil
	s.proc = cmd.Process
	s.waitCh = waitCh
	s.mu.Unlock()

	log.Printf("MOSHI_START | pid=%d port=%d voice=%s offload=%t",
		cmd.Process.Pid, s.cfg.ModelPort, s.cfg.VoicePrompt, s.cfg.CPUOffload)

	// Watcher: observes the exit no matter who caused it. An exit while
	// Starting or Running is a crash; during Stopping the stop path owns
	// the transition.
	go func() {
		werr := cmd.Wait()
		code := exitCode(werr)

		s.mu.Lock()
		if s.gen == gen {
			s.lastExit = &code
			if s.state == StateStarting || s.state == StateRunning {
				s.state = StateCrashed
				log.Printf("MOSHI_EXIT | pid=%d code=%d expected=false", cmd.Process.Pid, code)
			} else {
				log.Printf("MOSHI_EXIT | pid=%d code=%d expected=true", cmd.Process.Pid, code)
			}
		}
		s.mu.Unlock()
		close(waitCh)
	}()

	return s.awaitReady(ctx, gen, waitCh, cmd.Process.Pid)
}

// awaitReady polls the model port until it accepts connections, the process
// exits, or the startup budget runs out.
func (s *Supervisor) awaitReady(ctx context.Context, gen int, waitCh chan struct{}, pid int) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)

	for {
		select {
		case <-waitCh:
			s.mu.Lock()
			var code *int
			if s.gen == gen {
				code = s.lastExit
			}
			s.mu.Unlock()
			if code != nil {
				return &LaunchError{Message: fmt.Sprintf("model process exited during startup (code %d)", *code)}
			}
			return &LaunchError{Message: "model process exited during startup"}

		case <-time.After(s.pollInterval):
		}

		probeCtx, cancel := context.WithTimeout(context.Background(), s.pollInterval)
		err := s.probe(probeCtx)
		cancel()

		if err == nil {
			s.mu.Lock()
			ready := s.gen == gen && s.state == StateStarting
			if ready {
				s.state = StateRunning
			}
			s.mu.Unlock()
			if !ready {
				return &LaunchError{Message: "model process exited during startup"}
			}
			log.Printf("MOSHI_READY | pid=%d port=%d", pid, s.cfg.ModelPort)
			return nil
		}

		if ctx.Err() != nil || time.Now().After(deadline) {
			s.abortStartup(gen, waitCh, pid)
			if ctx.Err() != nil {
				return &LaunchError{Message: "startup cancelled", Cause: ctx.Err()}
			}
			return &TimeoutError{Op: "startup port wait", Timeout: s.cfg.StartupTimeout}
		}
	}
}

// abortStartup kills a process that never became ready.
func (s *Supervisor) abortStartup(gen int, waitCh chan struct{}, pid int) {
	log.Printf("MOSHI_STARTUP_ABORT | pid=%d", pid)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	killProcess(proc, pid)

	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	if s.gen == gen {
		s.state = StateCrashed
	}
	s.mu.Unlock()
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	proc := s.proc
	pid := s.pid
	waitCh := s.waitCh
	s.mu.Unlock()

	log.Printf("MOSHI_STOP | pid=%d timeout=%s", pid, s.cfg.StopTimeout)
	terminateProcess(proc, pid)

	graceful := true
	select {
	case <-waitCh:
	case <-ctx.Done():
		graceful = false
	case <-time.After(s.cfg.StopTimeout):
		graceful = false
	}

	if !graceful {
		log.Printf("MOSHI_KILL | pid=%d reason=graceful_timeout", pid)
		killProcess(proc, pid)
		select {
		case <-waitCh:
		case <-time.After(2 * time.Second):
			// Even SIGKILL did not reap it; report the failure but do not
			// leave the machine wedged in Stopping.
			s.setState(StateStopped)
			return &TimeoutError{Op: "graceful stop", Timeout: s.cfg.StopTimeout}
		}
	}

	s.setState(StateStopped)
	log.Printf("MOSHI_STOPPED | pid=%d graceful=%t", pid, graceful)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ensureSSLDir returns the configured cert dir or a memoized scratch dir.
func (s *Supervisor) ensureSSLDir() (string, error) {
	if s.cfg.SSLDir != "" {
		if err := os.MkdirAll(s.cfg.SSLDir, 0755); err != nil {
			return "", err
		}
		return s.cfg.SSLDir, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sslDir == "" {
		dir, err := os.MkdirTemp("", "moshi_ssl_")
		if err != nil {
			return "", err
		}
		s.sslDir = dir
	}
	return s.sslDir, nil
}

// scanOutput drains one of the child's output pipes into the ring buffer.
func (s *Supervisor) scanOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		s.logs.add(scanner.Text())
	}
}

// exitCode extracts the exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
