package peermanager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Peer is one record per known peer id: identity, dial targets, retry
// state, access-control tags, trust metric and connection lifecycle. The
// scalar lifecycle fields (connectedness, session id, timestamps) are
// atomics so read-only consumers (diagnostics, the public handle) never
// block behind the Manager's single writer; the composite substructures
// (Tags, Multiaddrs, the trust metric) carry their own fine-grained locks.
//
// Ported field-for-field from the project's original Rust Peer record.
type Peer struct {
	id PeerID

	pubkeyMu sync.Mutex
	pubkey   PublicKey

	Multiaddrs *MultiaddrSet
	RetryState *Retry
	Tags       *Tags

	trustMu  sync.Mutex
	trust    *TrustMetric
	trustCfg TrustMetricConfig
	clock    Clock

	connectedness  atomic.Int32
	sessionID      atomic.Uint32
	connectedAt    atomic.Int64 // unix nanos, 0 if never connected
	disconnectedAt atomic.Int64
	aliveSecs      atomic.Int64
}

// NewPeer creates a peer record in NotConnected state with empty
// multiaddrs and tags.
func NewPeer(id PeerID, clk Clock, trustCfg TrustMetricConfig) *Peer {
	p := &Peer{
		id:         id,
		Multiaddrs: NewMultiaddrSet(id),
		RetryState: NewRetry(clk),
		Tags:       &Tags{},
		trustCfg:   trustCfg,
		clock:      clk,
	}
	p.connectedness.Store(int32(NotConnected))
	return p
}

// ID returns the peer's immutable identity.
func (p *Peer) ID() PeerID { return p.id }

// SetPubKey attaches pub to the peer, validating pub.PeerID() == p.id. It
// is a no-op (returns nil) if a matching pubkey is already set, and an
// error if a different pubkey was previously set or the supplied one
// doesn't hash to this peer's id.
func (p *Peer) SetPubKey(pub PublicKey) error {
	if pub.PeerID() != p.id {
		return fmt.Errorf("peermanager: pubkey does not match peer id %s", p.id)
	}
	p.pubkeyMu.Lock()
	defer p.pubkeyMu.Unlock()
	if p.pubkey != nil {
		if string(p.pubkey.Bytes()) != string(pub.Bytes()) {
			return fmt.Errorf("peermanager: peer %s already has a different pubkey set", p.id)
		}
		return nil
	}
	p.pubkey = pub
	return nil
}

// PubKey returns the peer's pubkey, or nil if unset.
func (p *Peer) PubKey() PublicKey {
	p.pubkeyMu.Lock()
	defer p.pubkeyMu.Unlock()
	return p.pubkey
}

// TrustMetric returns the peer's trust metric, creating (but not
// starting) one lazily on first access.
func (p *Peer) TrustMetric() *TrustMetric {
	p.trustMu.Lock()
	defer p.trustMu.Unlock()
	if p.trust == nil {
		p.trust = NewTrustMetric(p.trustCfg, p.clock)
	}
	return p.trust
}

// Connectedness returns the current lifecycle state.
func (p *Peer) Connectedness() Connectedness {
	return Connectedness(p.connectedness.Load())
}

// SetConnectedness forces the lifecycle state (used for Unconnectable
// and CanConnect transitions that aren't full connect/disconnect).
func (p *Peer) SetConnectedness(c Connectedness) {
	p.connectedness.Store(int32(c))
}

// SessionID returns the session id this peer is currently associated
// with, or 0 if not connected.
func (p *Peer) SessionID() uint32 { return p.sessionID.Load() }

// MarkConnected transitions the peer to Connected under session sid:
// resets retry count, starts (creating if absent) the trust metric, and
// records the connection timestamp.
func (p *Peer) MarkConnected(sid uint32, now time.Time) {
	p.connectedness.Store(int32(Connected))
	p.sessionID.Store(sid)
	p.connectedAt.Store(now.UnixNano())
	p.RetryState.Reset()
	p.TrustMetric().Start()
}

// MarkDisconnected transitions the peer to CanConnect, clears its session
// id, records alive duration, and pauses the trust metric.
func (p *Peer) MarkDisconnected(now time.Time) {
	p.connectedness.Store(int32(CanConnect))
	p.sessionID.Store(0)
	p.disconnectedAt.Store(now.UnixNano())
	p.updateAlive(now)
	p.TrustMetric().Pause()
}

// updateAlive recomputes alive_secs from connected_at to now.
func (p *Peer) updateAlive(now time.Time) {
	connectedAt := p.connectedAt.Load()
	if connectedAt == 0 {
		p.aliveSecs.Store(0)
		return
	}
	d := now.Sub(time.Unix(0, connectedAt))
	if d < 0 {
		d = 0
	}
	p.aliveSecs.Store(int64(d.Seconds()))
}

// AliveSecs returns the last-computed alive duration in whole seconds.
// While the peer is still connected this reflects the value as of the
// last explicit refresh (see RefreshAlive); it is authoritative the
// instant a session closes.
func (p *Peer) AliveSecs() int64 { return p.aliveSecs.Load() }

// RefreshAlive recomputes alive_secs against now without changing
// connectedness — used by PeerAlive events and the replacement policy,
// which need an up-to-date alive reading for a still-connected peer.
func (p *Peer) RefreshAlive(now time.Time) {
	if p.Connectedness() == Connected {
		p.updateAlive(now)
	}
}

// ConnectedAt returns the unix-nano timestamp of the last connection, or
// 0 if the peer has never connected.
func (p *Peer) ConnectedAt() int64 { return p.connectedAt.Load() }

// DisconnectedAt returns the unix-nano timestamp this peer's last session
// closed, or 0 if none of its sessions has closed yet. MarkConnected does
// not touch this field, so a reconnected peer keeps its previous value.
// selectDialCandidates
// gates its retry back-off on this rather than ConnectedAt, which only
// updates on admission and stays stale for the lifetime of a session.
func (p *Peer) DisconnectedAt() int64 { return p.disconnectedAt.Load() }

// Banned reports whether the peer is currently banned, auto-expiring and
// resetting trust history on unban (mirrors the ported Rust peer's
// banned() method).
func (p *Peer) Banned(now time.Time) bool {
	return p.Tags.Banned(now, func() {
		p.TrustMetric().ResetHistory()
	})
}

// String renders a short diagnostic line for logs and for the
// `pawd p2p peers` table (see cmd/pawd/peers.go).
func (p *Peer) String() string {
	score, ok := p.TrustMetric().Score()
	scoreStr := "no-opinion"
	if ok {
		scoreStr = fmt.Sprintf("%.1f", score)
	}
	return fmt.Sprintf("peer{id=%s state=%s session=%d retries=%d trust=%s}",
		p.id, p.Connectedness(), p.SessionID(), p.RetryState.Count(), scoreStr)
}
