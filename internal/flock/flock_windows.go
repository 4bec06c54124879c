//go:build windows

package flock

import "golang.org/x/sys/windows"

// LockFileEx/UnlockFileEx byte-range parameters. Locking a single byte is
// sufficient because every holder locks the same range.
const (
	lockReserved  = 0
	lockBytesLow  = 1
	lockBytesHigh = 0
)

// exclusive acquires an exclusive non-blocking lock on the file descriptor.
func exclusive(fd uintptr) error {
	return windows.LockFileEx(
		windows.Handle(fd),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		lockReserved,
		lockBytesLow,
		lockBytesHigh,
		&windows.Overlapped{},
	)
}

// unlock releases the lock on the file descriptor.
func unlock(fd uintptr) error {
	return windows.UnlockFileEx(
		windows.Handle(fd),
		lockReserved,
		lockBytesLow,
		lockBytesHigh,
		&windows.Overlapped{},
	)
}
