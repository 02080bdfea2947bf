//go:build linux || darwin

package procguard

import "golang.org/x/sys/unix"

// Harden disables core dumps for the current process, keeping in-memory
// key material out of crash dumps on disk.
func Harden() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}

func lock(b []byte) error   { return unix.Mlock(b) }
func unlock(b []byte) error { return unix.Munlock(b) }
