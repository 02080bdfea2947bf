//go:build !linux && !darwin

package procguard

// Harden is a no-op on platforms without RLIMIT_CORE.
func Harden() error { return nil }

func lock(b []byte) error   { return nil }
func unlock(b []byte) error { return nil }
