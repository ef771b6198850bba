// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup puts the child in its own process group so moshi and any
// python workers it forks can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the child's process group.
func terminateProcess(proc *os.Process, pid int) {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && proc != nil {
		proc.Signal(unix.SIGTERM)
	}
}

// killProcess sends SIGKILL to the child's process group.
func killProcess(proc *os.Process, pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && proc != nil {
		proc.Kill()
	}
}
