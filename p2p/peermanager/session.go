package peermanager

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one live transport connection. It references its peer only
// by id — never by pointer — so the Registry remains the single owner of
// both maps and there is no cyclic ownership between Peer and Session.
type Session struct {
	ID            uint32
	PeerID        PeerID
	ConnectedAddr Multiaddr
	Direction     Direction
	CreatedAt     time.Time

	blocked atomic.Bool
}

// Blocked reports whether the transport has flagged this session blocked
// (SessionBlocked event).
func (s *Session) Blocked() bool { return s.blocked.Load() }

// SetBlocked marks the session blocked.
func (s *Session) SetBlocked() { s.blocked.Store(true) }

// ConnectingAttempt tracks an outstanding outbound dial: the remaining
// candidate addresses for this attempt and when it started, so the
// periodic routine can sweep attempts that exceed MAX_CONNECTING_TIMEOUT.
type ConnectingAttempt struct {
	PeerID    PeerID
	AddrsLeft []Multiaddr
	StartedAt time.Time

	// AttemptID correlates this attempt across log lines (dial issued,
	// ConnectFailed retries, eventual success or timeout sweep) without
	// reusing PeerID, which stays constant across many attempts over a
	// peer's lifetime.
	AttemptID string
}

// newConnectingAttempt starts an attempt for peer's remaining candidate
// addresses, stamping it with a fresh correlation id.
func newConnectingAttempt(peerID PeerID, addrs []Multiaddr, startedAt time.Time) *ConnectingAttempt {
	return &ConnectingAttempt{
		PeerID:    peerID,
		AddrsLeft: addrs,
		StartedAt: startedAt,
		AttemptID: uuid.NewString(),
	}
}

// RemoveAddr drops addr from the attempt's remaining candidates, returning
// true if any remain afterward.
func (a *ConnectingAttempt) RemoveAddr(addr Multiaddr) bool {
	out := a.AddrsLeft[:0]
	for _, existing := range a.AddrsLeft {
		if key(existing) != key(addr) {
			out = append(out, existing)
		}
	}
	a.AddrsLeft = out
	return len(a.AddrsLeft) > 0
}
