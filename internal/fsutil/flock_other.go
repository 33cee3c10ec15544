//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package fsutil

import "os"

// lockFile is a no-op where flock is unavailable; the in-process mutexes
// of the callers still serialize goroutines.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
