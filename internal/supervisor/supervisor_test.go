// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"

	"context"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestHelperProcess is not a real test: the supervisor tests re-execute the
// test binary with this as the entry point to stand in for the moshi
// process. Modes (first arg after "--"):
//
//	listen    bind the --port the supervisor passes, then block
//	stubborn  like listen, but ignore SIGTERM (forces SIGKILL escalation)
//	exit      exit immediately with the given code
//	silent    never bind the port, block until signalled
//	flaky     exit 1 on the first run (creates the marker file), listen on
//	          subsequent runs
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}
	mode := args[0]

	switch mode {
	case "exit":
		code, _ := strconv.Atoi(args[1])
		os.Exit(code)

	case "silent":
		block()

	case "listen", "stubborn", "flaky":
		if mode == "stubborn" {
			signal.Ignore(syscall.SIGTERM)
		}
		if mode == "flaky" {
			marker := args[1]
			if _, err := os.Stat(marker); err != nil {
				os.WriteFile(marker, []byte("1"), 0644)
				os.Exit(1)
			}
		}
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(flagPort()))
		if err != nil {
			os.Exit(3)
		}
		defer ln.Close()
		block()

	default:
		os.Exit(2)
	}
}

// block parks the helper until it is killed. A bare select{} would trip the
// runtime's deadlock detector and exit 2; sleeping goroutines do not.
func block() {
	for {
		time.Sleep(time.Hour)
	}
}

// flagPort extracts the --port value the supervisor appends to the argv.
func flagPort() int {
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			n, _ := strconv.Atoi(os.Args[i+1])
			return n
		}
	}
	return 0
}

// helperCommand builds an argv that re-executes this test binary in helper
// mode, standing in for "python -m moshi.server".
func helperCommand(mode string, extra ...string) []string {
	cmd := []string{os.Args[0], "-test.run=TestHelperProcess", "--", mode}
	return append(cmd, extra...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestSupervisor(t *testing.T, mode string, extra ...string) *Supervisor {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	s := New(Config{
		Command:        helperCommand(mode, extra...),
		ModelPort:      freePort(t),
		VoicePrompt:    "NATM1.pt",
		PromptPath:     "/tmp/prompt.txt",
		StartupTimeout: 10 * time.Second,
		StopTimeout:    2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestStart_ReachesRunning(t *testing.T) {
	s := newTestSupervisor(t, "listen")

	require.NoError(t, s.Start(context.Background()))

	snap := s.Snapshot()
	require.Equal(t, StateRunning, snap.State)
	require.Greater(t, snap.PID, 0)
	require.False(t, snap.StartedAt.IsZero())
	require.Nil(t, snap.LastExitCode)
}

func TestStart_AlreadyRunning(t *testing.T) {
	s := newTestSupervisor(t, "listen")
	require.NoError(t, s.Start(context.Background()))

	err := s.Start(context.Background())
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, StateRunning, s.Snapshot().State)
}

func TestStart_MissingBinary(t *testing.T) {
	s := New(Config{
		Command:        []string{"/definitely/not/moshi"},
		ModelPort:      freePort(t),
		StartupTimeout: time.Second,
		StopTimeout:    time.Second,
		PollInterval:   10 * time.Millisecond,
	})

	err := s.Start(context.Background())
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, StateCrashed, s.Snapshot().State)
}

func TestStart_PortAlreadyBound(t *testing.T) {
	s := newTestSupervisor(t, "listen")

	// Occupy the model port before the supervisor gets to it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.ModelPort))
	require.NoError(t, err)
	defer ln.Close()

	startErr := s.Start(context.Background())
	var lerr *LaunchError
	require.ErrorAs(t, startErr, &lerr)
	require.Equal(t, StateCrashed, s.Snapshot().State)
	require.Zero(t, s.Snapshot().PID, "process must not be launched when the port is taken")
}

func TestStart_ExitDuringStartup(t *testing.T) {
	s := newTestSupervisor(t, "exit", "7")

	err := s.Start(context.Background())
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)

	snap := s.Snapshot()
	require.Equal(t, StateCrashed, snap.State)
	require.NotNil(t, snap.LastExitCode)
	require.Equal(t, 7, *snap.LastExitCode)
}

func TestStart_PortWaitTimeout(t *testing.T) {
	s := newTestSupervisor(t, "silent")
	s.cfg.StartupTimeout = 300 * time.Millisecond

	err := s.Start(context.Background())
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, StateCrashed, s.Snapshot().State)

	// The never-ready process must have been killed and reaped.
	require.Eventually(t, func() bool {
		return s.Snapshot().LastExitCode != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCrash_ObservedWithoutPolling(t *testing.T) {
	s := newTestSupervisor(t, "listen")
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, unix.Kill(s.Snapshot().PID, unix.SIGKILL))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateCrashed && snap.LastExitCode != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStop_Graceful(t *testing.T) {
	s := newTestSupervisor(t, "listen")
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.Less(t, time.Since(start), s.cfg.StopTimeout,
		"helper dies on SIGTERM, no escalation expected")
	require.Equal(t, StateStopped, s.Snapshot().State)
}

func TestStop_EscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t, "stubborn")
	s.cfg.StopTimeout = 200 * time.Millisecond

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateRunning, s.Snapshot().State)

	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StateStopped, s.Snapshot().State)
}

func TestStop_NoopWhenStopped(t *testing.T) {
	s := newTestSupervisor(t, "listen")
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StateStopped, s.Snapshot().State)
}

func TestRestart_FromRunning(t *testing.T) {
	s := newTestSupervisor(t, "listen")
	require.NoError(t, s.Start(context.Background()))
	firstPID := s.Snapshot().PID

	require.NoError(t, s.Restart(context.Background()))

	snap := s.Snapshot()
	require.Equal(t, StateRunning, snap.State)
	require.NotEqual(t, firstPID, snap.PID, "restart must produce a fresh handle")
}

func TestRestart_FromCrashed(t *testing.T) {
	marker := fmt.Sprintf("%s/marker", t.TempDir())
	s := newTestSupervisor(t, "flaky", marker)

	// First run exits 1 before binding the port.
	err := s.Start(context.Background())
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, StateCrashed, s.Snapshot().State)

	// Restart is permitted from Crashed; the second run listens.
	require.NoError(t, s.Restart(context.Background()))
	require.Equal(t, StateRunning, s.Snapshot().State)
}

func TestRestart_NeverLeavesTransientState(t *testing.T) {
	s := newTestSupervisor(t, "exit", "1")

	_ = s.Restart(context.Background())

	st := s.Snapshot().State
	require.NotEqual(t, StateStarting, st)
	require.NotEqual(t, StateStopping, st)
}

func TestSnapshot_NonBlockingDuringStart(t *testing.T) {
	s := newTestSupervisor(t, "silent")
	s.cfg.StartupTimeout = 500 * time.Millisecond

	done := make(chan struct{})
	go func() {
		_ = s.Start(context.Background())
		close(done)
	}()

	// While the start is blocked polling the port, snapshots must return
	// promptly and report the transient state.
	require.Eventually(t, func() bool {
		return s.Snapshot().State == StateStarting
	}, 2*time.Second, 5*time.Millisecond)

	<-done
	require.Equal(t, StateCrashed, s.Snapshot().State)
}

func TestRing_Bounds(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(fmt.Sprintf("line-%d", i))
	}

	require.Equal(t, []string{"line-2", "line-3", "line-4"}, r.last(10))
	require.Equal(t, []string{"line-4"}, r.last(1))
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateCrashed:  "crashed",
	}
	for st, want := range cases {
		require.Equal(t, want, st.String())
	}
}
