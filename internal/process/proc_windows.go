//go:build windows

package process

import (
	"os"
	"os/exec"
)

// Windows has no process groups or graceful signals for console children.
func configureProc(cmd *exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

// Alive reports whether a process with pid exists on this host.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
