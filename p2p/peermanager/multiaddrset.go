package peermanager

import "sync"

type addrEntry struct {
	addr         Multiaddr
	failureCount uint32
}

// MultiaddrSet is the per-peer collection of known dial targets. Every
// address stored here carries the owning peer's id suffix — Insert pushes
// it on before storing if the caller's address lacks one, matching the
// data-model rule that any stored Multiaddr ends in /id/<PeerId>.
type MultiaddrSet struct {
	mu      sync.RWMutex
	owner   PeerID
	entries map[string]*addrEntry
}

// NewMultiaddrSet returns an empty set owned by owner.
func NewMultiaddrSet(owner PeerID) *MultiaddrSet {
	return &MultiaddrSet{owner: owner, entries: make(map[string]*addrEntry)}
}

func key(addr Multiaddr) string {
	return addr.Transport + "|" + addr.HostPort()
}

// Insert adds addrs, merging duplicates silently and preserving any
// existing failure_count for an address already present.
func (s *MultiaddrSet) Insert(addrs ...Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		a = a.WithID(s.owner)
		k := key(a)
		if _, ok := s.entries[k]; !ok {
			s.entries[k] = &addrEntry{addr: a}
		}
	}
}

// Set replaces the entire set with addrs, resetting all failure counters.
func (s *MultiaddrSet) Set(addrs []Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*addrEntry, len(addrs))
	for _, a := range addrs {
		a = a.WithID(s.owner)
		s.entries[key(a)] = &addrEntry{addr: a}
	}
}

// Contains reports whether addr (identified by transport+host+port) is in
// the set.
func (s *MultiaddrSet) Contains(addr Multiaddr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key(addr)]
	return ok
}

// Remove drops addr from the set, if present.
func (s *MultiaddrSet) Remove(addr Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(addr))
}

// All returns every stored address, in no particular order.
func (s *MultiaddrSet) All() []Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Multiaddr, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.addr)
	}
	return out
}

// Len returns the total number of stored addresses.
func (s *MultiaddrSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ConnectableLen returns the number of addresses whose failure_count is
// below maxRetry.
func (s *MultiaddrSet) ConnectableLen(maxRetry uint32) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.failureCount < maxRetry {
			n++
		}
	}
	return n
}

// Connectable returns the addresses whose failure_count is below maxRetry.
func (s *MultiaddrSet) Connectable(maxRetry uint32) []Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Multiaddr, 0, len(s.entries))
	for _, e := range s.entries {
		if e.failureCount < maxRetry {
			out = append(out, e.addr)
		}
	}
	return out
}

// IncFailure increments addr's failure counter and returns the new value.
// If addr isn't present, it is inserted first (a ConnectFailed event can
// reference an address the set hasn't seen yet only in pathological
// cases, but we handle it rather than silently drop the signal).
func (s *MultiaddrSet) IncFailure(addr Multiaddr) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(addr)
	e, ok := s.entries[k]
	if !ok {
		e = &addrEntry{addr: addr.WithID(s.owner)}
		s.entries[k] = e
	}
	e.failureCount++
	return e.failureCount
}

// Failure returns addr's current failure counter.
func (s *MultiaddrSet) Failure(addr Multiaddr) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key(addr)]; ok {
		return e.failureCount
	}
	return 0
}

// MarkPermanentlyFailed sets addr's failure counter high enough that it
// will never again be considered connectable, regardless of maxRetry —
// used for ConnErrPeerIDNotMatch, where the address itself (not just the
// current attempt) is permanently wrong.
func (s *MultiaddrSet) MarkPermanentlyFailed(addr Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(addr)
	e, ok := s.entries[k]
	if !ok {
		e = &addrEntry{addr: addr.WithID(s.owner)}
		s.entries[k] = e
	}
	e.failureCount = ^uint32(0)
}

// ResetFailure zeroes addr's failure counter, if present.
func (s *MultiaddrSet) ResetFailure(addr Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key(addr)]; ok {
		e.failureCount = 0
	}
}
