package peermanager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cosmossdk.io/log"
)

// Manager is the peer-manager's single-threaded cooperative event loop.
// Exactly one goroutine (run) drains the event channel and owns every
// policy-relevant mutable structure (connecting attempts, the Registry's
// write path, the listen set); everything else only reads. It mirrors the
// goroutine/channel shape of discovery.PeerManager's dialWorker/
// resultProcessor/maintenanceLoop trio, but the policy body implements
// this package's own admission/eviction/scheduling rules rather than the
// teacher's simpler limit checks.
type Manager struct {
	cfg    Config
	log    log.Logger
	clock  Clock
	metrics *Metrics

	registry *Registry

	events   chan Event
	commands chan Command

	connectingMu sync.Mutex
	connecting   map[PeerID]*ConnectingAttempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager validates cfg and returns a Manager ready to Run. Bootstrap
// peers are inserted (but not yet dialed — that happens on the first
// periodic routine tick once Run starts) and allowlist peers are tagged
// AlwaysAllow immediately, per §4.1.3.
func NewManager(cfg Config, logger log.Logger, clk Clock, metrics *Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		return nil, fmt.Errorf("peermanager: configuration error: clock must not be nil")
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		log:      logger,
		clock:    clk,
		metrics:  metrics,
		registry: NewRegistry(logger, clk, cfg.TrustMetric),
		events:   make(chan Event, cfg.EventBufferSize),
		commands: make(chan Command, cfg.CommandBufferSize),
		connecting: make(map[PeerID]*ConnectingAttempt),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, bp := range cfg.Bootstraps {
		p := m.registry.AddPeer(bp.ID)
		p.Multiaddrs.Insert(bp.Multiaddrs...)
	}
	for _, id := range cfg.Allowlist {
		p := m.registry.AddPeer(id)
		p.Tags.Insert(TagAlwaysAllow)
	}

	return m, nil
}

// Registry exposes the read-only registry surface for diagnostics and the
// public handle.
func (m *Manager) Registry() *Registry { return m.registry }

// Commands returns the channel of outbound transport commands.
func (m *Manager) Commands() <-chan Command { return m.commands }

// Submit enqueues ev for processing. It blocks if the event buffer is
// full — callers run it from their own goroutine, same as any bounded
// producer/consumer channel.
func (m *Manager) Submit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// Run starts the event loop and the periodic routine. It blocks until ctx
// is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.Ticker(m.cfg.RoutineInterval)
	defer ticker.Stop()

	m.wg.Add(1)
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ticker.C:
			m.periodicRoutine()
		}
	}
}

// Close stops the event loop and waits for it to exit.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) emit(cmd Command) {
	select {
	case m.commands <- cmd:
	case <-m.ctx.Done():
	}
}

func (m *Manager) now() time.Time { return m.clock.Now() }

// handleEvent dispatches one event to its policy handler.
func (m *Manager) handleEvent(ev Event) {
	switch ev.Kind {
	case EventNewSession:
		m.handleNewSession(ev, false)
	case EventUnidentifiedSession:
		m.handleNewSession(ev, true)
	case EventSessionClosed:
		m.handleSessionClosed(ev)
	case EventSessionFailed:
		m.handleSessionFailed(ev)
	case EventSessionBlocked:
		m.handleSessionBlocked(ev)
	case EventConnectFailed:
		m.handleConnectFailed(ev)
	case EventMisbehave:
		m.handleMisbehave(ev)
	case EventPeerAlive:
		m.handlePeerAlive(ev)
	case EventDiscoverMultiAddrs:
		m.handleDiscoverMultiAddrs(ev)
	case EventIdentifiedAddrs:
		m.handleIdentifiedAddrs(ev)
	case EventRepeatedConnection:
		m.handleRepeatedConnection(ev)
	case EventAddNewListenAddr:
		m.registry.AddListen(m.cfg.OurID, ev.Addr.WithID(m.cfg.OurID))
	case EventRemoveListenAddr:
		m.registry.RemoveListen(ev.Addr.WithID(m.cfg.OurID))
	case EventConnectPeersNow:
		m.handleConnectPeersNow(ev)
	case EventTrustMetric:
		m.handleTrustFeedback(ev)
	default:
		m.log.Error("peermanager: unknown event kind", "kind", ev.Kind)
	}
}

// handleNewSession implements §4.1.1's NewSession/UnidentifiedSession
// decision order. unidentified=true forces the "never admit" rule
// regardless of tags, matching the spec's safe interpretation of
// UnidentifiedSession vs AlwaysAllow.
func (m *Manager) handleNewSession(ev Event, unidentified bool) {
	pid := ev.PeerID
	ctx := ev.Ctx
	now := m.now()

	p := m.registry.AddPeer(pid)

	reject := func(reason string) {
		m.emit(disconnectCommand(ctx.SessionID))
		m.removeConnectingAttempt(pid)
		m.metrics.RecordAdmissionRejected(reason)
		m.log.Info("peermanager: rejected new session", "peer", pid, "reason", reason, "session", ctx.SessionID)
	}

	// 1. Ban check.
	if !p.Tags.AlwaysAllow() && p.Banned(now) {
		reject("banned")
		return
	}

	// 2. Same-IP check.
	if !p.Tags.AlwaysAllow() && m.registry.SameIPCount(ctx.Addr.Host) >= int(m.cfg.SameIPConnLimit) {
		p.Tags.InsertBan(now, SAME_IP_LIMIT_BAN)
		reject("same_ip_limit")
		m.metrics.RecordBan("same_ip_limit")
		return
	}

	// UnidentifiedSession never admits past this point.
	if unidentified {
		reject("unidentified")
		return
	}

	// 3. Direction-specific budget.
	if !p.Tags.AlwaysAllow() {
		switch ctx.Direction {
		case DirectionInbound:
			if m.registry.InboundCount() >= int(m.cfg.InboundConnLimit) {
				reject("inbound_limit")
				return
			}
		case DirectionOutbound:
			if m.registry.OutboundCount()+m.registry.InboundCount() >= int(m.cfg.MaxConnections) {
				if !m.tryReplace(p, ctx) {
					reject("max_connections")
					return
				}
			}
		}
	}

	// 4. Existing-session handling.
	if existing := m.registry.SessionForPeer(pid); existing != nil {
		reject("duplicate_session")
		return
	}
	if p.Connectedness() == Connected && p.SessionID() != 0 {
		// Stale: peer thinks it's connected but the session record is gone.
		p.MarkConnected(ctx.SessionID, now)
		m.registry.AddSession(&Session{ID: ctx.SessionID, PeerID: pid, ConnectedAddr: ctx.Addr, Direction: ctx.Direction, CreatedAt: now})
		m.removeConnectingAttempt(pid)
		return
	}

	// 5. Admit.
	if ev.PubKey != nil {
		if err := p.SetPubKey(ev.PubKey); err != nil {
			m.log.Error("peermanager: pubkey mismatch on admission", "peer", pid, "err", err)
		}
	}
	p.MarkConnected(ctx.SessionID, now)
	m.registry.AddSession(&Session{ID: ctx.SessionID, PeerID: pid, ConnectedAddr: ctx.Addr, Direction: ctx.Direction, CreatedAt: now})
	m.removeConnectingAttempt(pid)

	// 7. Address bookkeeping.
	if ctx.Direction == DirectionOutbound {
		p.Multiaddrs.ResetFailure(ctx.Addr)
		p.Multiaddrs.Insert(ctx.Addr)
	} else {
		p.Multiaddrs.Remove(ctx.Addr)
	}

	m.metrics.RecordAdmission(ctx.Direction)
	m.log.Info("peermanager: admitted session", "peer", pid, "direction", ctx.Direction, "session", ctx.SessionID)
}

// tryReplace implements §4.1.1.a: find a lower-trust, sufficiently-long-
// lived Connected peer to evict in favor of the incoming one. Returns
// true (and emits the eviction) if a victim was found and the caller
// should proceed to admit; false if the caller should reject instead.
func (m *Manager) tryReplace(newcomer *Peer, ctx SessionContext) bool {
	if ctx.Direction != DirectionOutbound {
		return false
	}
	newScore, ok := newcomer.TrustMetric().Score()
	if !ok || newScore <= 0 {
		return false
	}

	minAlive := int64(20*m.cfg.TrustMetric.Interval.Seconds() + 20)

	var victim *Peer
	var victimScore float64 = -1
	for _, id := range m.registry.Connected() {
		p := m.registry.Peer(id)
		if p == nil || p.Tags.AlwaysAllow() {
			continue
		}
		p.RefreshAlive(m.now())
		if p.AliveSecs() < minAlive {
			continue
		}
		score, ok := p.TrustMetric().Score()
		if !ok || score >= newScore {
			continue
		}
		if victim == nil || score < victimScore {
			victim = p
			victimScore = score
		}
	}
	if victim == nil {
		return false
	}

	m.emit(disconnectCommand(victim.SessionID()))
	m.registry.RemoveSession(victim.SessionID())
	victim.MarkDisconnected(m.now())
	m.metrics.RecordReplacement()
	m.log.Info("peermanager: replaced lower-trust peer", "victim", victim.ID(), "victim_score", victimScore, "newcomer_score", newScore)
	return true
}

// handleSessionClosed implements §4.1.1's SessionClosed rule.
func (m *Manager) handleSessionClosed(ev Event) {
	now := m.now()
	m.registry.RemoveSession(ev.SessionID)

	p := m.registry.Peer(ev.PeerID)
	if p == nil {
		return
	}
	p.MarkDisconnected(now)

	if p.AliveSecs() < int64(SHORT_ALIVE_SESSION.Seconds()) {
		p.RetryState.Inc()
	}
	// Neither branch schedules a wait of its own: the next dial waits for
	// Retry.ETA() (see selectDialCandidates). A short-lived session only
	// increments the count, so its ETA is base*2^count plus jitter (10-40s
	// for a count of 1) and is not held at or above
	// REPEATED_CONNECTION_TIMEOUT; a long-lived session leaves the count
	// unchanged.

	m.metrics.RecordDisconnect("session_closed")
	m.log.Info("peermanager: session closed", "peer", ev.PeerID, "session", ev.SessionID, "alive_secs", p.AliveSecs())
}

// handleSessionFailed implements §4.1.1's SessionFailed rule.
func (m *Manager) handleSessionFailed(ev Event) {
	m.emit(disconnectCommand(ev.SessionID))
	s := m.registry.RemoveSession(ev.SessionID)

	var p *Peer
	if s != nil {
		p = m.registry.Peer(s.PeerID)
	}
	if p == nil {
		return
	}

	switch ev.SessErrKind {
	case SessErrIO:
		p.RetryState.Inc()
	case SessErrProtocol, SessErrUnexpected:
		p.SetConnectedness(Unconnectable)
	}
	p.TrustMetric().AddBad(1)
	m.metrics.RecordDisconnect("session_failed")
}

// handleConnectFailed implements §4.1.1's ConnectFailed rule.
func (m *Manager) handleConnectFailed(ev Event) {
	pid := ev.Addr.ID
	if pid == "" {
		return
	}
	p := m.registry.Peer(pid)
	if p == nil {
		return
	}

	giveUp := false
	switch ev.ConnErrKind {
	case ConnErrIO, ConnErrDNSResolver:
		if p.Multiaddrs.IncFailure(ev.Addr) >= MAX_RETRY_COUNT {
			// address becomes non-connectable: nothing further to do, the
			// failure counter already excludes it from Connectable().
		}
	case ConnErrPeerIDNotMatch:
		p.Multiaddrs.MarkPermanentlyFailed(ev.Addr)
	case ConnErrSecioHandshake, ConnErrProtocolHandle:
		p.SetConnectedness(Unconnectable)
		giveUp = true
	}

	// Mutate the matching ConnectingAttempt regardless of whether this was
	// the event that exhausted it, so attempts never outlive the addresses
	// backing them.
	attempt := m.connectingAttempt(pid)
	var attemptExhausted bool
	if attempt != nil {
		remaining := attempt.RemoveAddr(ev.Addr)
		noneLeft := p.Multiaddrs.ConnectableLen(MAX_RETRY_COUNT) == 0
		attemptExhausted = !remaining || noneLeft
		if giveUp || p.Connectedness() == Unconnectable || attemptExhausted {
			m.removeConnectingAttempt(pid)
		}
	}

	// Every failed outbound attempt counts against the peer's retry
	// budget once we've given up on this particular attempt entirely
	// (no attempt was outstanding, or it just exhausted). A failure that
	// itself marked the peer Unconnectable is not counted.
	if !giveUp && (attempt == nil || attemptExhausted) {
		if p.RetryState.Inc() > MAX_RETRY_COUNT {
			p.SetConnectedness(Unconnectable)
		}
	}
	m.metrics.RecordConnectFailed(ev.ConnErrKind)
}

// handleMisbehave implements §4.1.1's Misbehave rule.
func (m *Manager) handleMisbehave(ev Event) {
	p := m.registry.Peer(ev.PeerID)
	if p == nil {
		return
	}
	p.TrustMetric().AddBad(1)

	if s := m.registry.SessionForPeer(ev.PeerID); s != nil {
		m.emit(disconnectCommand(s.ID))
		m.registry.RemoveSession(s.ID)
		p.MarkDisconnected(m.now())
	}

	switch ev.Misbehavior {
	case MisbehaviorPingTimeout:
		p.RetryState.Inc()
	case MisbehaviorPingUnexpect, MisbehaviorDiscovery:
		p.SetConnectedness(Unconnectable)
	}
}

// handleSessionBlocked implements §4.1.1's SessionBlocked rule.
func (m *Manager) handleSessionBlocked(ev Event) {
	if s := m.registry.Session(ev.Ctx.SessionID); s != nil {
		s.SetBlocked()
		if p := m.registry.Peer(s.PeerID); p != nil {
			p.TrustMetric().AddBad(1)
		}
	}
}

// handleTrustFeedback implements §4.1.1's TrustMetric{feedback} rule.
func (m *Manager) handleTrustFeedback(ev Event) {
	p := m.registry.Peer(ev.PeerID)
	if p == nil {
		return
	}
	tm := p.TrustMetric()

	switch ev.Feedback.Kind {
	case FeedbackGood:
		tm.AddGood(1)
	case FeedbackNeutral:
		// no-op
	case FeedbackBad:
		tm.AddBad(1)
	case FeedbackWorse:
		tm.AddBad(10)
		if score, ok := tm.Score(); ok && tm.Intervals() >= NoOpinionIntervals && score < KnockedOutThreshold && !p.Tags.AlwaysAllow() {
			m.banAndDisconnect(p, m.cfg.PeerSoftBan, "soft_ban")
		}
	case FeedbackFatal:
		tm.AddBad(100)
		// AlwaysAllow peers still see the metric update above but are
		// exempt from the ban and disconnect.
		if !p.Tags.AlwaysAllow() {
			m.banAndDisconnect(p, m.cfg.PeerFatalBan, "fatal_ban")
		}
	}
}

func (m *Manager) banAndDisconnect(p *Peer, dur time.Duration, reason string) {
	p.Tags.InsertBan(m.now(), dur)
	if s := m.registry.SessionForPeer(p.ID()); s != nil {
		m.emit(disconnectCommand(s.ID))
		m.registry.RemoveSession(s.ID)
		p.MarkDisconnected(m.now())
	}
	m.metrics.RecordBan(reason)
	m.log.Warn("peermanager: banned peer", "peer", p.ID(), "reason", reason, "duration", dur)
}

// handlePeerAlive refreshes a connected peer's alive_secs — e.g. driven by
// a ping/keepalive protocol handler observing the peer is still reachable.
func (m *Manager) handlePeerAlive(ev Event) {
	if p := m.registry.Peer(ev.PeerID); p != nil {
		p.RefreshAlive(m.now())
	}
}

// handleDiscoverMultiAddrs implements §4.1.1's DiscoverMultiAddrs rule.
func (m *Manager) handleDiscoverMultiAddrs(ev Event) {
	for _, a := range ev.Addrs {
		if m.registry.IsOwnAddr(a) {
			continue
		}
		if a.ID == "" {
			continue
		}
		p := m.registry.AddPeer(a.ID)
		p.Multiaddrs.Insert(a)
	}
}

// handleIdentifiedAddrs implements §4.1.1's IdentifiedAddrs rule.
func (m *Manager) handleIdentifiedAddrs(ev Event) {
	p := m.registry.Peer(ev.PeerID)
	if p == nil {
		return
	}
	for _, a := range ev.Addrs {
		p.Multiaddrs.Insert(a.WithID(ev.PeerID))
	}
}

// handleRepeatedConnection implements §4.1.1's RepeatedConnection rule.
func (m *Manager) handleRepeatedConnection(ev Event) {
	if s := m.registry.Session(ev.SessionID); s != nil {
		p := m.registry.Peer(s.PeerID)
		if p == nil {
			return
		}
		if ev.Direction == DirectionInbound {
			p.Multiaddrs.Remove(ev.Addr)
		} else {
			p.Multiaddrs.ResetFailure(ev.Addr)
		}
	}
}

// handleConnectPeersNow implements §4.1.1's ConnectPeersNow rule.
func (m *Manager) handleConnectPeersNow(ev Event) {
	var addrs []Multiaddr
	for _, pid := range ev.PeerIDs {
		p := m.registry.Peer(pid)
		if p == nil {
			continue
		}
		if p.Connectedness() != NotConnected && p.Connectedness() != CanConnect {
			continue
		}
		addrs = append(addrs, p.Multiaddrs.Connectable(MAX_RETRY_COUNT)...)
	}
	if len(addrs) > 0 {
		m.emit(connectCommand("", addrs))
	}
}

// connectingAttempt returns the outstanding attempt for pid, if any.
func (m *Manager) connectingAttempt(pid PeerID) *ConnectingAttempt {
	m.connectingMu.Lock()
	defer m.connectingMu.Unlock()
	return m.connecting[pid]
}

func (m *Manager) removeConnectingAttempt(pid PeerID) {
	m.connectingMu.Lock()
	defer m.connectingMu.Unlock()
	delete(m.connecting, pid)
}

// periodicRoutine implements §4.1.2: sweep expired connecting attempts,
// then replenish outbound dials up to the outbound budget, preferring
// high-trust peers.
func (m *Manager) periodicRoutine() {
	now := m.now()

	m.connectingMu.Lock()
	for pid, attempt := range m.connecting {
		if now.Sub(attempt.StartedAt) > MAX_CONNECTING_TIMEOUT {
			m.log.Debug("connecting attempt timed out", "peer_id", pid, "attempt_id", attempt.AttemptID)
			delete(m.connecting, pid)
		}
	}
	connectingCount := len(m.connecting)
	m.connectingMu.Unlock()

	for _, v := range m.registry.CheckInvariants(m.cfg.MaxConnections) {
		m.log.Debug("peermanager: invariant violation", "violation", v)
	}

	deficit := int(m.cfg.OutboundConnLimit) - m.registry.OutboundCount() - connectingCount
	if deficit <= 0 {
		return
	}

	limit := deficit + MAX_CONNECTING_MARGIN
	candidates := m.selectDialCandidates(limit)
	for _, p := range candidates {
		addrs := p.Multiaddrs.Connectable(MAX_RETRY_COUNT)
		if len(addrs) == 0 {
			continue
		}
		attempt := newConnectingAttempt(p.ID(), addrs, now)
		m.connectingMu.Lock()
		m.connecting[p.ID()] = attempt
		m.connectingMu.Unlock()
		m.log.Debug("dialing peer", "peer_id", p.ID(), "attempt_id", attempt.AttemptID, "candidates", len(addrs))
		m.emit(connectCommand(p.ID(), addrs))
	}
}

// selectDialCandidates picks up to limit peers eligible for a fresh
// outbound dial, strictly preferring peers whose trust score is at least
// GOOD_TRUST_SCORE; ties within a tier are broken randomly.
func (m *Manager) selectDialCandidates(limit int) []*Peer {
	now := m.now()
	var preferred, rest []*Peer

	for _, p := range m.registry.AllPeers() {
		switch p.Connectedness() {
		case NotConnected, CanConnect:
		default:
			continue
		}
		if m.connectingAttempt(p.ID()) != nil {
			continue
		}
		if p.Banned(now) {
			continue
		}
		if m.cfg.AllowlistOnly && !p.Tags.AlwaysAllow() {
			continue
		}
		// Gate on whichever of disconnect or last failed dial happened most
		// recently, not on ConnectedAt: that only moves on admission, so it
		// stays zero (no back-off at all) for a peer that has never
		// connected, and stale for the whole lifetime of a session once one
		// finally succeeds; either way it bypasses RetryState's back-off.
		lastAttemptNanos := p.DisconnectedAt()
		if failedAt := p.RetryState.LastAttemptAt(); failedAt > lastAttemptNanos {
			lastAttemptNanos = failedAt
		}
		if lastAttemptNanos != 0 {
			eta := p.RetryState.ETA()
			if now.Sub(time.Unix(0, lastAttemptNanos)) < eta {
				continue
			}
		}
		if p.Multiaddrs.ConnectableLen(MAX_RETRY_COUNT) == 0 {
			continue
		}

		if score, ok := p.TrustMetric().Score(); ok && score >= GOOD_TRUST_SCORE {
			preferred = append(preferred, p)
		} else {
			rest = append(rest, p)
		}
	}

	rand.Shuffle(len(preferred), func(i, j int) { preferred[i], preferred[j] = preferred[j], preferred[i] })
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	out := append(preferred, rest...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
