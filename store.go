package cambium

import "sync"

// Dep is one recorded dependency edge: the key a rule queried while
// computing, and the fingerprint observed at that moment. A zero
// fingerprint never matches, which keeps entries that recorded a cycle
// back edge permanently stale.
type Dep struct {
	Key         Key
	Fingerprint Fingerprint
}

// Entry is one cached artifact. Owned by the store; written only by the
// single in-flight computation for its key, read by any requester. The
// dependency snapshot is rebuilt from scratch on every recomputation —
// dependencies are dynamic, so stale edges are discarded, never merged.
type Entry struct {
	Key         Key
	Value       Value
	Fingerprint Fingerprint
	Diagnostics []Diagnostic

	// Err marks a valid-but-errored computation (missing file, cycle,
	// recovered panic). Dependents receive it from Env.Get as data.
	Err error

	Deps []Dep
}

// artifactStore is the shared cache of committed entries. Entries for
// unrelated keys never contend beyond this one RWMutex-guarded map access;
// no I/O or rule execution happens under the lock.
type artifactStore struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

func newArtifactStore() *artifactStore {
	return &artifactStore{entries: make(map[Key]*Entry)}
}

func (s *artifactStore) lookup(key Key) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	return e, ok
}

func (s *artifactStore) commit(e *Entry) {
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
}

// forget drops an entry so the next request recomputes it. This is the
// whole of eager invalidation: everything downstream is handled by
// pull-based validity checks.
func (s *artifactStore) forget(key Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *artifactStore) len() int {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	return n
}
