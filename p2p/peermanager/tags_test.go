package peermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTagsAlwaysAllowAndConsensusIdempotent(t *testing.T) {
	tags := &Tags{}
	tags.Insert(TagAlwaysAllow)
	tags.Insert(TagAlwaysAllow)
	require.True(t, tags.AlwaysAllow())

	tags.Insert(TagConsensus)
	require.True(t, tags.Consensus())

	tags.Remove(TagAlwaysAllow)
	require.False(t, tags.AlwaysAllow())
	require.True(t, tags.Consensus())
}

func TestTagUntagIsNoOp(t *testing.T) {
	tags := &Tags{}
	beforeAllow, beforeConsensus := tags.AlwaysAllow(), tags.Consensus()
	tags.Insert(TagAlwaysAllow)
	tags.Remove(TagAlwaysAllow)
	require.Equal(t, beforeAllow, tags.AlwaysAllow())
	require.Equal(t, beforeConsensus, tags.Consensus())
}

func TestBanExpiryAndAutoUnban(t *testing.T) {
	tags := &Tags{}
	now := time.Unix(1000, 0)
	tags.InsertBan(now, 10*time.Second)

	require.True(t, tags.Banned(now.Add(5*time.Second), nil))

	unbanCalled := false
	require.False(t, tags.Banned(now.Add(11*time.Second), func() { unbanCalled = true }))
	require.True(t, unbanCalled)

	_, banned := tags.BannedUntil()
	require.False(t, banned)
}

func TestInsertBanReplacesExisting(t *testing.T) {
	tags := &Tags{}
	now := time.Unix(2000, 0)
	tags.InsertBan(now, 1*time.Second)
	tags.InsertBan(now, 100*time.Second)

	until, ok := tags.BannedUntil()
	require.True(t, ok)
	require.Equal(t, now.Add(100*time.Second), until)
}
