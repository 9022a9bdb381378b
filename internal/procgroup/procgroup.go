// SPDX-License-Identifier: MIT

// Package procgroup spawns external processes in their own process group
// so that signalling an encoder also reaches any children it forks.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set configures the command to start in a new process group.
// Mandatory for Kill to act as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill sends a signal to the process group of the command. If the command
// has not started or the process is already gone, it returns nil.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	return kill(cmd, sig)
}
