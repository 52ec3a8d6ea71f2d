package peermanager

import (
	"fmt"
	"math/rand"
	"sync"

	"cosmossdk.io/log"
)

// Registry is the peer-manager's shared-state substrate: peers, live
// sessions and our own listen set. The Manager is the sole writer;
// everything else (the public handle, diagnostics, selfcheck) only reads.
// The maps themselves are guarded by a single mutex, but individual Peer
// fields remain readable lock-free via their own atomics — readers here
// only need the map-structure lock, not a lock on peer internals.
type Registry struct {
	mu      sync.RWMutex
	log     log.Logger
	peers   map[PeerID]*Peer
	sessions map[uint32]*Session
	listen  map[string]Multiaddr

	clock    Clock
	trustCfg TrustMetricConfig
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger log.Logger, clk Clock, trustCfg TrustMetricConfig) *Registry {
	return &Registry{
		log:      logger,
		peers:    make(map[PeerID]*Peer),
		sessions: make(map[uint32]*Session),
		listen:   make(map[string]Multiaddr),
		clock:    clk,
		trustCfg: trustCfg,
	}
}

// AddPeer inserts and returns a new Peer record for id, or returns the
// existing one if id is already known.
func (r *Registry) AddPeer(id PeerID) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return p
	}
	p := NewPeer(id, r.clock, r.trustCfg)
	r.peers[id] = p
	return p
}

// Peer returns the peer record for id, or nil if unknown.
func (r *Registry) Peer(id PeerID) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Contains reports whether id is a known peer.
func (r *Registry) Contains(id PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// AllPeers returns every known peer. Used by diagnostics and the
// periodic routine's candidate scan.
func (r *Registry) AllPeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Session returns the session for sid, or nil.
func (r *Registry) Session(sid uint32) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sid]
}

// SessionForPeer returns the session currently attributed to pid, if any.
func (r *Registry) SessionForPeer(pid PeerID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.PeerID == pid {
			return s
		}
	}
	return nil
}

// AddSession inserts s, keyed by its id.
func (r *Registry) AddSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// RemoveSession removes and returns the session for sid, or nil if it was
// already gone.
func (r *Registry) RemoveSession(sid uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sid]
	delete(r.sessions, sid)
	return s
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Connected returns the ids of all currently-connected peers.
func (r *Registry) Connected() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerID, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.PeerID)
	}
	return out
}

// OutboundCount returns the number of live outbound sessions.
func (r *Registry) OutboundCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Direction == DirectionOutbound {
			n++
		}
	}
	return n
}

// InboundCount returns the number of live inbound sessions.
func (r *Registry) InboundCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Direction == DirectionInbound {
			n++
		}
	}
	return n
}

// SameIPCount returns the number of live sessions whose connected address
// has the given host.
func (r *Registry) SameIPCount(host string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.ConnectedAddr.Host == host {
			n++
		}
	}
	return n
}

// AddListen adds addr (with our own id pushed on if absent) to the listen
// set.
func (r *Registry) AddListen(ourID PeerID, addr Multiaddr) {
	addr = addr.WithID(ourID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listen[key(addr)] = addr
}

// RemoveListen removes addr from the listen set.
func (r *Registry) RemoveListen(addr Multiaddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listen, key(addr))
}

// Listen returns a snapshot of our listen set.
func (r *Registry) Listen() []Multiaddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Multiaddr, 0, len(r.listen))
	for _, a := range r.listen {
		out = append(out, a)
	}
	return out
}

// IsOwnAddr reports whether addr (ignoring identity) is in our listen set
// — used to skip ourselves during discovery.
func (r *Registry) IsOwnAddr(addr Multiaddr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listen[key(addr)]
	return ok
}

// RandomAddrs returns up to max multiaddrs drawn from connected peers
// (excluding the session exclSid) plus our own listen addresses, for the
// public handle's peer-exchange query.
func (r *Registry) RandomAddrs(max int, exclSid uint32) []Multiaddr {
	r.mu.RLock()
	candidates := make([]Multiaddr, 0, len(r.sessions)+len(r.listen))
	for _, s := range r.sessions {
		if s.ID == exclSid {
			continue
		}
		candidates = append(candidates, s.ConnectedAddr)
	}
	for _, a := range r.listen {
		candidates = append(candidates, a)
	}
	r.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// ClearConsensusExcept clears the Consensus tag from every peer not in
// keep — used by tag_consensus's mutual-exclusivity rule.
func (r *Registry) ClearConsensusExcept(keep map[PeerID]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.peers {
		if !keep[id] {
			p.Tags.Remove(TagConsensus)
		}
	}
}

// TagConsensus implements tag_consensus(list): Consensus is mutually
// exclusive across the peer set, so every peer not in ids first loses the
// tag, then each listed peer (created if unknown) gains it.
func (r *Registry) TagConsensus(ids []PeerID) {
	keep := make(map[PeerID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	r.ClearConsensusExcept(keep)
	for _, id := range ids {
		r.AddPeer(id).Tags.Insert(TagConsensus)
	}
}

// CheckInvariants walks every registry invariant from the testable-
// properties list and returns a human-readable violation for each one
// that fails to hold. It never panics in production — callers log at
// DEBUG and tests assert len(violations) == 0.
func (r *Registry) CheckInvariants(maxConnections uint32) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var violations []string
	seenSession := make(map[uint32]bool)

	for sid, s := range r.sessions {
		if sid != s.ID {
			violations = append(violations, fmt.Sprintf("session keyed by %d but ID=%d", sid, s.ID))
		}
		if seenSession[sid] {
			violations = append(violations, fmt.Sprintf("duplicate session id %d", sid))
		}
		seenSession[sid] = true

		p, ok := r.peers[s.PeerID]
		if !ok {
			violations = append(violations, fmt.Sprintf("session %d references unknown peer %s", sid, s.PeerID))
			continue
		}
		if p.Connectedness() != Connected {
			violations = append(violations, fmt.Sprintf("peer %s has session %d but connectedness=%s", p.ID(), sid, p.Connectedness()))
		}
		if p.SessionID() != sid {
			violations = append(violations, fmt.Sprintf("peer %s session_id=%d but owns session %d", p.ID(), p.SessionID(), sid))
		}
	}

	var inbound, outbound int
	for _, s := range r.sessions {
		if s.Direction == DirectionInbound {
			inbound++
		} else {
			outbound++
		}
	}
	if uint32(inbound+outbound) > maxConnections {
		violations = append(violations, fmt.Sprintf("inbound+outbound=%d exceeds max_connections=%d", inbound+outbound, maxConnections))
	}

	for id, p := range r.peers {
		for _, a := range p.Multiaddrs.All() {
			if a.ID != id {
				violations = append(violations, fmt.Sprintf("peer %s has multiaddr %s missing/mismatched id suffix", id, a))
			}
		}
		retryCount := p.RetryState.Count()
		switch {
		case retryCount <= MAX_RETRY_COUNT && p.Connectedness() == Unconnectable:
			// allowed: Unconnectable can also result from protocol errors,
			// not only retry exhaustion.
		case retryCount > MAX_RETRY_COUNT && p.Connectedness() != Unconnectable:
			violations = append(violations, fmt.Sprintf("peer %s retry.count=%d > MAX_RETRY_COUNT but connectedness=%s", id, retryCount, p.Connectedness()))
		}
		if p.Tags.AlwaysAllow() {
			if _, banned := p.Tags.BannedUntil(); banned {
				violations = append(violations, fmt.Sprintf("peer %s is AlwaysAllow but carries a ban tag", id))
			}
		}
	}

	return violations
}
