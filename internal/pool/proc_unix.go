//go:build unix

package pool

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pidAlive probes a process with signal 0. EPERM means the process exists
// but belongs to another user; still alive for our purposes.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
