//go:build !unix

package script

import "os/exec"

func killProcessGroup(cmd *exec.Cmd) {}
