//go:build unix

package flock

import "golang.org/x/sys/unix"

// exclusive acquires an exclusive non-blocking lock on the file descriptor.
func exclusive(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
}

// unlock releases the lock on the file descriptor.
func unlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
