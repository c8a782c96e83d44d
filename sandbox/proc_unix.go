//go:build unix

package sandbox

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

const (
	shellPath = "sh"
	shellFlag = "-c"
)

// setProcGroup makes the child the leader of a fresh process group so the
// whole descendant tree can be signalled at once.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}

// killProcGroup sends SIGKILL to the child's process group.
func killProcGroup(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
