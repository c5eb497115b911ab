//go:build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

// LockFile acquires an exclusive, non-blocking advisory lock on f. It is
// used to enforce a single daemon instance per data directory.
func LockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// UnlockFile releases the advisory lock on f.
func UnlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
