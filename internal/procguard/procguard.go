// Package procguard hardens the vaultc process against leaking key
// material outside its own address space: no core dumps, and locked,
// zeroed pages for the master key while it's in use.
package procguard

// LockedSecret is a byte slice the caller has asked to be pinned in
// physical memory (best-effort) for the duration of its use.
type LockedSecret struct {
	bytes  []byte
	locked bool
}

// Bytes returns the underlying secret bytes.
func (s *LockedSecret) Bytes() []byte { return s.bytes }

// Release zeroes the secret and, if it was locked, unlocks the page.
func (s *LockedSecret) Release() {
	for i := range s.bytes {
		s.bytes[i] = 0
	}
	if s.locked {
		unlock(s.bytes)
		s.locked = false
	}
}

// LockSecret copies key into a new buffer and attempts to mlock it
// (best-effort; failure to lock is not fatal), returning a handle the
// caller must Release when done.
func LockSecret(key []byte) *LockedSecret {
	buf := make([]byte, len(key))
	copy(buf, key)
	s := &LockedSecret{bytes: buf}
	s.locked = lock(buf) == nil
	return s
}
