//go:build !unix

package procrun

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
