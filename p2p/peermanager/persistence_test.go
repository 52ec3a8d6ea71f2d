package peermanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadPeerDatFileMissingIsNotAnError(t *testing.T) {
	r := newTestRegistry()
	err := r.LoadPeerDatFile(filepath.Join(t.TempDir(), "does-not-exist.dat"))
	require.NoError(t, err)
}

func TestSaveLoadPeerDatFileRoundTrip(t *testing.T) {
	r := newTestRegistry()

	a := r.AddPeer("a")
	a.Multiaddrs.Insert(addr("1.2.3.4", 6000))
	a.Tags.Insert(TagAlwaysAllow)

	b := r.AddPeer("b")
	b.Multiaddrs.Insert(addr("5.6.7.8", 6001))
	b.Tags.Insert(TagConsensus)
	b.Tags.InsertBan(time.Now(), time.Hour)

	path := filepath.Join(t.TempDir(), "peers.dat")
	require.NoError(t, r.SavePeerDatFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	r2 := newTestRegistry()
	require.NoError(t, r2.LoadPeerDatFile(path))

	a2 := r2.Peer("a")
	require.NotNil(t, a2)
	require.True(t, a2.Tags.AlwaysAllow())
	require.True(t, a2.Multiaddrs.Contains(addr("1.2.3.4", 6000)))

	b2 := r2.Peer("b")
	require.NotNil(t, b2)
	require.True(t, b2.Tags.Consensus())
	require.True(t, b2.Multiaddrs.Contains(addr("5.6.7.8", 6001)))
	until, ok := b2.Tags.BannedUntil()
	require.True(t, ok)
	require.True(t, until.After(time.Now()))
}

func TestSavePeerDatFileIsAtomic(t *testing.T) {
	r := newTestRegistry()
	r.AddPeer("a").Multiaddrs.Insert(addr("1.1.1.1", 1))

	dir := t.TempDir()
	path := filepath.Join(dir, "peers.dat")
	require.NoError(t, r.SavePeerDatFile(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful save")
	require.Equal(t, "peers.dat", entries[0].Name())
}

func TestLoadPeerDatFileRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.dat")
	require.NoError(t, os.WriteFile(path, []byte{0xFF}, 0600))

	r := newTestRegistry()
	err := r.LoadPeerDatFile(path)
	require.Error(t, err)
}
