// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// Windows has no process groups in the POSIX sense; termination is always a
// hard kill of the direct child.

func setProcGroup(cmd *exec.Cmd) {}

func terminateProcess(proc *os.Process, pid int) {
	if proc != nil {
		proc.Kill()
	}
}

func killProcess(proc *os.Process, pid int) {
	if proc != nil {
		proc.Kill()
	}
}
