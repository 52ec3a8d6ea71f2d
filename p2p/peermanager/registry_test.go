package peermanager

import (
	"testing"

	"cosmossdk.io/log"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(log.NewNopLogger(), clock.NewMock(), testTrustCfg())
}

func TestRegistryAddPeerIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	p1 := r.AddPeer("a")
	p2 := r.AddPeer("a")
	require.Same(t, p1, p2)
}

func TestRegistrySessionLifecycle(t *testing.T) {
	r := newTestRegistry()
	r.AddPeer("a")
	s := &Session{ID: 1, PeerID: "a", Direction: DirectionInbound}
	r.AddSession(s)

	require.Equal(t, s, r.Session(1))
	require.Equal(t, 1, r.InboundCount())
	require.Equal(t, 0, r.OutboundCount())

	removed := r.RemoveSession(1)
	require.Equal(t, s, removed)
	require.Nil(t, r.Session(1))
}

func TestRegistryListenRoundTrip(t *testing.T) {
	r := newTestRegistry()
	a := addr("5.5.5.5", 1234)
	r.AddListen("me", a)
	require.Len(t, r.Listen(), 1)

	r.RemoveListen(a.WithID("me"))
	require.Len(t, r.Listen(), 0)
}

func TestRegistryTagConsensusIsMutuallyExclusive(t *testing.T) {
	r := newTestRegistry()
	r.AddPeer("a").Tags.Insert(TagConsensus)
	r.AddPeer("b").Tags.Insert(TagConsensus)

	r.TagConsensus([]PeerID{"c"})

	require.False(t, r.Peer("a").Tags.Consensus())
	require.False(t, r.Peer("b").Tags.Consensus())
	require.True(t, r.Peer("c").Tags.Consensus())
}

func TestRegistryCheckInvariantsCleanState(t *testing.T) {
	r := newTestRegistry()
	p := r.AddPeer("a")
	p.MarkConnected(1, clock.NewMock().Now())
	r.AddSession(&Session{ID: 1, PeerID: "a", Direction: DirectionInbound})

	violations := r.CheckInvariants(50)
	require.Empty(t, violations)
}

func TestRegistryCheckInvariantsCatchesDanglingSession(t *testing.T) {
	r := newTestRegistry()
	r.AddPeer("a") // never marked connected
	r.AddSession(&Session{ID: 1, PeerID: "a", Direction: DirectionInbound})

	violations := r.CheckInvariants(50)
	require.NotEmpty(t, violations)
}
