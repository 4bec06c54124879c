//go:build unix

package scheduler

import "golang.org/x/sys/unix"

// terminate asks a worker to shut down gracefully.
func terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// kill forcibly ends a worker that ignored the grace period.
func kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
