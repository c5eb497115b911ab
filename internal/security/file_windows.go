//go:build windows

package security

import "os"

// LockFile is a no-op on Windows: exclusive open semantics on the lock file
// already prevent a second daemon instance.
func LockFile(f *os.File) error { return nil }

// UnlockFile is a no-op on Windows.
func UnlockFile(f *os.File) error { return nil }
