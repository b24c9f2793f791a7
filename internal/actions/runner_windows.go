//go:build windows

package actions

import (
	"fmt"
	"os/exec"
	"syscall"
)

// ExecRunner runs command lines through os/exec with a hidden console
// window, the way netsh/route/ipconfig must be invoked from a service.
type ExecRunner struct{}

func (ExecRunner) Run(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.CombinedOutput()
	return string(out), err
}
