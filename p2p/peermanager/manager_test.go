package peermanager

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg := DefaultConfig("me", "")
	cfg.TrustMetric = testTrustCfg()
	cfg.RoutineInterval = time.Hour // tests drive periodicRoutine() directly
	cfg.MaxConnections = 10
	cfg.InboundConnLimit = 5
	cfg.OutboundConnLimit = 5
	cfg.SameIPConnLimit = 3
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, log.NewNopLogger(), mock, nil)
	require.NoError(t, err)
	return m, mock
}

// drainCommands reads every command currently buffered without blocking.
func drainCommands(m *Manager) []Command {
	var out []Command
	for {
		select {
		case c := <-m.commands:
			out = append(out, c)
		default:
			return out
		}
	}
}

func inboundCtx(sid uint32, host string) SessionContext {
	return SessionContext{SessionID: sid, Addr: Multiaddr{Transport: "tcp", Host: host, Port: 6000}, Direction: DirectionInbound}
}

func outboundCtx(sid uint32, host string, port uint16) SessionContext {
	return SessionContext{SessionID: sid, Addr: Multiaddr{Transport: "tcp", Host: host, Port: port}, Direction: DirectionOutbound}
}

// Scenario 1: a fresh inbound session is admitted outright.
func TestScenarioInboundAdmission(t *testing.T) {
	m, mock := newTestManager(t, nil)

	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "1.2.3.4")))

	p := m.Registry().Peer("a")
	require.NotNil(t, p)
	require.Equal(t, Connected, p.Connectedness())
	require.EqualValues(t, 1, p.SessionID())
	require.Equal(t, uint32(0), p.RetryState.Count())
	require.False(t, p.Multiaddrs.Contains(inboundCtx(1, "1.2.3.4").Addr), "inbound addr must not be remembered as a dial candidate")
	require.Len(t, m.Registry().Connected(), 1)
	require.Empty(t, drainCommands(m))
	_ = mock
}

// Re-derived scenario 2: outbound dial retries. Six ConnectFailed{Io}
// events (no ConnectingAttempt tracked, as if each dial is its own
// one-shot attempt) leave retry.count at 6 and the peer still CanConnect;
// a seventh pushes it past MAX_RETRY_COUNT into Unconnectable.
func TestScenarioOutboundRetriesExhausted(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := addr("9.9.9.9", 7000)
	p := m.Registry().AddPeer("b")
	p.Multiaddrs.Insert(a)
	p.SetConnectedness(CanConnect)

	for i := 0; i < MAX_RETRY_COUNT; i++ {
		m.handleEvent(ConnectFailedEvent(a.WithID("b"), ConnErrIO))
	}
	require.Equal(t, uint32(MAX_RETRY_COUNT), p.RetryState.Count())
	require.Equal(t, CanConnect, p.Connectedness(), "must not be Unconnectable yet at exactly MAX_RETRY_COUNT")

	m.handleEvent(ConnectFailedEvent(a.WithID("b"), ConnErrIO))
	require.Equal(t, uint32(MAX_RETRY_COUNT+1), p.RetryState.Count())
	require.Equal(t, Unconnectable, p.Connectedness())
}

// Scenario 3: a fourth inbound session from the same host, over the
// same-IP limit, is rejected and the offending host is banned.
func TestScenarioSameIPCap(t *testing.T) {
	m, mock := newTestManager(t, func(c *Config) { c.SameIPConnLimit = 3 })

	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "5.5.5.5")))
	m.handleEvent(NewSessionEvent("b", nil, inboundCtx(2, "5.5.5.5")))
	m.handleEvent(NewSessionEvent("c", nil, inboundCtx(3, "5.5.5.5")))
	require.Empty(t, drainCommands(m))

	m.handleEvent(NewSessionEvent("d", nil, inboundCtx(4, "5.5.5.5")))

	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandDisconnect, cmds[0].Kind)
	require.EqualValues(t, 4, cmds[0].SessionID)

	d := m.Registry().Peer("d")
	require.NotNil(t, d)
	require.True(t, d.Banned(mock.Now()))
	until, ok := d.Tags.BannedUntil()
	require.True(t, ok)
	require.True(t, until.Equal(mock.Now().Add(SAME_IP_LIMIT_BAN)))
}

// Scenario 4: at the connection ceiling, a high-trust outbound newcomer
// replaces a long-lived, lower-trust connected peer instead of being
// rejected.
func TestScenarioReplacementOnHighTrust(t *testing.T) {
	m, mock := newTestManager(t, func(c *Config) { c.MaxConnections = 1; c.InboundConnLimit = 1; c.OutboundConnLimit = 0 })

	// seed the incumbent, low-trust, connected at t=0.
	m.handleEvent(NewSessionEvent("incumbent", nil, inboundCtx(1, "1.1.1.1")))
	incumbent := m.Registry().Peer("incumbent")
	for i := 0; i < 4; i++ {
		incumbent.TrustMetric().AddBad(10)
		mock.Add(testTrustCfg().Interval)
	}
	// long enough alive that the replacement policy's min-alive-time gate opens.
	mock.Add(20*testTrustCfg().Interval + 20*time.Second)

	// the newcomer already has a prior, high-trust session history (not
	// tracked in the registry) from an earlier connection.
	newcomer := m.Registry().AddPeer("newcomer")
	newcomer.MarkConnected(99, mock.Now())
	for i := 0; i < 4; i++ {
		newcomer.TrustMetric().AddGood(10)
		mock.Add(testTrustCfg().Interval)
	}
	newcomer.MarkDisconnected(mock.Now())

	m.handleEvent(NewSessionEvent("newcomer", nil, outboundCtx(2, "2.2.2.2", 7000)))

	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandDisconnect, cmds[0].Kind)
	require.EqualValues(t, 1, cmds[0].SessionID, "the incumbent's session must be the one evicted")

	require.Equal(t, CanConnect, incumbent.Connectedness())
	require.Equal(t, Connected, newcomer.Connectedness())
}

// Scenario 5: fatal feedback bans and disconnects a peer, pausing its
// trust metric.
func TestScenarioFatalFeedbackBansAndDisconnects(t *testing.T) {
	m, mock := newTestManager(t, nil)
	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "3.3.3.3")))
	p := m.Registry().Peer("a")

	m.handleEvent(TrustMetricEvent("a", TrustFeedback{Kind: FeedbackFatal}))

	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandDisconnect, cmds[0].Kind)
	require.EqualValues(t, 1, cmds[0].SessionID)

	require.True(t, p.Banned(mock.Now()))
	require.Equal(t, CanConnect, p.Connectedness())
	require.Equal(t, TrustPaused, p.TrustMetric().State())
	require.Nil(t, m.Registry().SessionForPeer("a"))
}

// Scenario 6: an AlwaysAllow peer is immune to the ban/disconnect in
// scenario 5, but its trust metric still reflects the bad feedback.
func TestScenarioAlwaysAllowImmuneToFatalBan(t *testing.T) {
	m, mock := newTestManager(t, nil)
	m.Registry().AddPeer("a").Tags.Insert(TagAlwaysAllow)
	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "3.3.3.3")))
	p := m.Registry().Peer("a")

	m.handleEvent(TrustMetricEvent("a", TrustFeedback{Kind: FeedbackFatal}))

	require.Empty(t, drainCommands(m), "an AlwaysAllow peer must not be disconnected")
	require.False(t, p.Banned(mock.Now()))
	require.Equal(t, Connected, p.Connectedness())
	require.NotNil(t, m.Registry().SessionForPeer("a"))
}

func TestHandleSessionClosedIncrementsRetryOnlyWhenShortLived(t *testing.T) {
	m, mock := newTestManager(t, nil)
	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "1.1.1.1")))
	p := m.Registry().Peer("a")

	mock.Add(5 * time.Second)
	m.handleEvent(SessionClosedEvent("a", 1))

	require.Equal(t, uint32(1), p.RetryState.Count())
	require.Equal(t, CanConnect, p.Connectedness())
	require.Nil(t, m.Registry().Session(1))
}

func TestHandleSessionFailedProtocolMarksUnconnectable(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "1.1.1.1")))
	p := m.Registry().Peer("a")

	m.handleEvent(SessionFailedEvent(1, SessErrProtocol))

	require.Equal(t, Unconnectable, p.Connectedness())
	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandDisconnect, cmds[0].Kind)
}

func TestHandleMisbehaveDisconnectsAndAddsBadTrust(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.handleEvent(NewSessionEvent("a", nil, inboundCtx(1, "1.1.1.1")))
	p := m.Registry().Peer("a")

	m.handleEvent(MisbehaveEvent("a", MisbehaviorPingUnexpect))

	require.Equal(t, Unconnectable, p.Connectedness())
	require.Nil(t, m.Registry().SessionForPeer("a"))
	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandDisconnect, cmds[0].Kind)
}

func TestHandleDiscoverMultiAddrsSkipsOwnAndUnidentified(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.Registry().AddListen("me", addr("10.0.0.1", 6000).WithID("me"))

	m.handleEvent(DiscoverMultiAddrsEvent([]Multiaddr{
		addr("10.0.0.1", 6000).WithID("me"), // our own, must be skipped
		addr("10.0.0.2", 6000),               // no id, must be skipped
		addr("10.0.0.3", 6000).WithID("x"),
	}))

	require.False(t, m.Registry().Contains("me"))
	x := m.Registry().Peer("x")
	require.NotNil(t, x)
	require.Equal(t, 1, x.Multiaddrs.Len())
}

func TestHandleIdentifiedAddrsMergesIntoKnownPeer(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.Registry().AddPeer("a")

	m.handleEvent(IdentifiedAddrsEvent("a", []Multiaddr{addr("11.0.0.1", 6000)}))

	p := m.Registry().Peer("a")
	require.Equal(t, 1, p.Multiaddrs.Len())
}

func TestHandleRepeatedConnectionInboundRemovesAddr(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := addr("12.0.0.1", 6000)
	p := m.Registry().AddPeer("a")
	p.Multiaddrs.Insert(a)
	m.Registry().AddSession(&Session{ID: 9, PeerID: "a", Direction: DirectionInbound})

	m.handleEvent(RepeatedConnectionEvent(DirectionInbound, 9, a.WithID("a")))

	require.False(t, p.Multiaddrs.Contains(a))
}

func TestPeriodicRoutineDialsKnownPeers(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.OutboundConnLimit = 5 })
	p := m.Registry().AddPeer("a")
	p.Multiaddrs.Insert(addr("13.0.0.1", 6000))

	m.periodicRoutine()

	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.Equal(t, CommandConnect, cmds[0].Kind)
	require.EqualValues(t, "a", cmds[0].TargetPeerID)
}

// A peer that has never connected but already failed a dial must back off
// according to RetryState.Count() like any other peer: it must not be
// redialed on every tick just because ConnectedAt() is still zero.
func TestPeriodicRoutineBacksOffNeverConnectedPeer(t *testing.T) {
	m, mock := newTestManager(t, func(c *Config) { c.OutboundConnLimit = 5 })
	a := addr("15.0.0.1", 6000)
	p := m.Registry().AddPeer("a")
	p.Multiaddrs.Insert(a)
	p.SetConnectedness(CanConnect)

	m.handleEvent(ConnectFailedEvent(a.WithID("a"), ConnErrIO))
	require.EqualValues(t, 1, p.RetryState.Count())
	require.Zero(t, p.ConnectedAt())

	m.periodicRoutine()
	require.Empty(t, drainCommands(m), "must not redial before RetryState.ETA() has elapsed")

	// count is 1, so ETA is at most 2*retryBaseDelay + MAX_RANDOM_NEXT_RETRY.
	mock.Add(2*retryBaseDelay + MAX_RANDOM_NEXT_RETRY + time.Second)
	m.periodicRoutine()
	cmds := drainCommands(m)
	require.Len(t, cmds, 1, "must redial once the back-off window has fully elapsed")
	require.Equal(t, CommandConnect, cmds[0].Kind)
}

// A peer that just disconnected from a long-lived session must still see a
// brief random back-off (§4.1.1 SessionClosed) rather than being redialed
// immediately because its stale ConnectedAt() is long in the past.
func TestPeriodicRoutineBacksOffJustDisconnectedPeer(t *testing.T) {
	m, mock := newTestManager(t, func(c *Config) { c.OutboundConnLimit = 5 })
	a := addr("15.0.0.2", 6000)
	p := m.Registry().AddPeer("a")
	p.Multiaddrs.Insert(a)

	m.handleEvent(NewSessionEvent("a", nil, outboundCtx(1, "15.0.0.2", 6000)))
	mock.Add(2 * time.Hour) // session lives long past SHORT_ALIVE_SESSION
	m.handleEvent(SessionClosedEvent("a", 1))
	require.Zero(t, p.RetryState.Count(), "a long-lived session must not increment the failure count")
	require.NotZero(t, p.ConnectedAt(), "ConnectedAt is stale but must remain set from the prior session")

	m.periodicRoutine()
	require.Empty(t, drainCommands(m), "must not redial instantly off a stale ConnectedAt")

	mock.Add(retryBaseDelay + MAX_RANDOM_NEXT_RETRY + time.Second)
	m.periodicRoutine()
	cmds := drainCommands(m)
	require.Len(t, cmds, 1, "must redial once the brief post-disconnect back-off elapses")
	require.Equal(t, CommandConnect, cmds[0].Kind)
}

func TestPeriodicRoutineSkipsBannedAndAllowlistOnly(t *testing.T) {
	m, mock := newTestManager(t, func(c *Config) {
		c.OutboundConnLimit = 5
		c.AllowlistOnly = true
		c.Allowlist = []PeerID{"allowed"}
	})
	banned := m.Registry().AddPeer("banned")
	banned.Multiaddrs.Insert(addr("14.0.0.1", 6000))
	banned.Tags.InsertBan(mock.Now(), time.Hour)

	notAllowed := m.Registry().AddPeer("stranger")
	notAllowed.Multiaddrs.Insert(addr("14.0.0.2", 6000))

	allowed := m.Registry().Peer("allowed")
	require.NotNil(t, allowed)
	allowed.Multiaddrs.Insert(addr("14.0.0.3", 6000))

	m.periodicRoutine()

	cmds := drainCommands(m)
	require.Len(t, cmds, 1)
	require.EqualValues(t, "allowed", cmds[0].TargetPeerID)
}
