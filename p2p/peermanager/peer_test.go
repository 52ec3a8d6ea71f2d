package peermanager

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func testTrustCfg() TrustMetricConfig {
	return TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}
}

func TestPeerSetPubKeyValidatesID(t *testing.T) {
	mock := clock.NewMock()
	key := NewRawPublicKey([]byte("hello"))
	p := NewPeer(key.PeerID(), mock, testTrustCfg())

	require.NoError(t, p.SetPubKey(key))
	require.NoError(t, p.SetPubKey(key), "setting the same matching key again is a no-op")

	other := NewRawPublicKey([]byte("different"))
	p2 := NewPeer(key.PeerID(), mock, testTrustCfg())
	require.Error(t, p2.SetPubKey(other), "mismatched pubkey must be rejected")
}

func TestPeerMarkConnectedResetsRetryAndStartsTrust(t *testing.T) {
	mock := clock.NewMock()
	p := NewPeer(PeerID("p1"), mock, testTrustCfg())
	p.RetryState.Set(3)

	p.MarkConnected(42, mock.Now())

	require.Equal(t, Connected, p.Connectedness())
	require.EqualValues(t, 42, p.SessionID())
	require.Equal(t, uint32(0), p.RetryState.Count())
	require.Equal(t, TrustRunning, p.TrustMetric().State())
}

func TestPeerMarkDisconnectedPausesTrustAndUpdatesAlive(t *testing.T) {
	mock := clock.NewMock()
	p := NewPeer(PeerID("p1"), mock, testTrustCfg())
	p.MarkConnected(1, mock.Now())
	mock.Add(90 * time.Second)

	p.MarkDisconnected(mock.Now())

	require.Equal(t, CanConnect, p.Connectedness())
	require.EqualValues(t, 0, p.SessionID())
	require.Equal(t, int64(90), p.AliveSecs())
	require.Equal(t, TrustPaused, p.TrustMetric().State())
}

func TestUnbanResetsTrustHistory(t *testing.T) {
	mock := clock.NewMock()
	p := NewPeer(PeerID("p1"), mock, testTrustCfg())
	p.MarkConnected(1, mock.Now())
	for i := 0; i < 4; i++ {
		p.TrustMetric().AddGood(1)
		mock.Add(time.Second)
	}
	require.Equal(t, 4, p.TrustMetric().Intervals())

	p.Tags.InsertBan(mock.Now(), time.Second)
	mock.Add(2 * time.Second)

	require.False(t, p.Banned(mock.Now()), "ban should have auto-expired")
	require.Equal(t, 0, p.TrustMetric().Intervals(), "unban must reset trust history")
}
