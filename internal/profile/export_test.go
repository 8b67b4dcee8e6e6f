package profile

// LockTableSize reports how many per-name locks the store holds.
func LockTableSize(s *Store) int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	return len(s.locks)
}
