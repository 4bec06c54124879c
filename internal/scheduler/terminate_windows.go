//go:build windows

package scheduler

import "os"

// Windows has no TERM; both paths end the process outright.

func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
