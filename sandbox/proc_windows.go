//go:build windows

package sandbox

import "os/exec"

const (
	shellPath = "cmd"
	shellFlag = "/c"
)

func setProcGroup(cmd *exec.Cmd) {}

// killProcGroup has no group to signal on Windows; it kills the direct child
// only.
func killProcGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
