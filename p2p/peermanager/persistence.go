package peermanager

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// peerDatVersion is the on-disk format version byte. The source's own
// on-disk layout is explicitly an opaque implementation detail (spec §9);
// this format is ours, versioned so a future field addition only needs a
// new version if it isn't backward compatible.
const peerDatVersion byte = 1

// peerRecord is the JSON payload persisted per peer: the minimal state
// needed to repopulate a Registry across restarts (§6: {peer_id,
// multiaddrs, tags}).
type peerRecord struct {
	PeerID     PeerID      `json:"peer_id"`
	Multiaddrs []string    `json:"multiaddrs"`
	AlwaysAllow bool       `json:"always_allow,omitempty"`
	Consensus  bool        `json:"consensus,omitempty"`
	BanUntil   *time.Time  `json:"ban_until,omitempty"`
}

// SavePeerDatFile snapshots every known peer's id, multiaddrs and tags to
// path using a versioned, length-prefixed record format: a 1-byte version
// header followed by repeated [4-byte big-endian length][JSON record]
// frames. Forward compatibility comes from the JSON payload (new fields
// just add keys); the length prefix lets a reader skip records it
// doesn't understand in a future version.
//
// The file is written to a temporary path in the same directory and
// atomically renamed into place, the same discipline address_book.go
// uses for its own persistence.
func (r *Registry) SavePeerDatFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("peermanager: creating peer_dat_file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".peer_dat_*.tmp")
	if err != nil {
		return fmt.Errorf("peermanager: creating peer_dat_file temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	if _, err := w.Write([]byte{peerDatVersion}); err != nil {
		tmp.Close()
		return err
	}

	for _, p := range r.AllPeers() {
		rec := peerRecord{
			PeerID:      p.ID(),
			AlwaysAllow: p.Tags.AlwaysAllow(),
			Consensus:   p.Tags.Consensus(),
		}
		if until, ok := p.Tags.BannedUntil(); ok {
			until := until
			rec.BanUntil = &until
		}
		for _, a := range p.Multiaddrs.All() {
			rec.Multiaddrs = append(rec.Multiaddrs, a.String())
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("peermanager: marshaling peer record %s: %w", p.ID(), err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(payload); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("peermanager: flushing peer_dat_file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("peermanager: syncing peer_dat_file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("peermanager: closing peer_dat_file temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("peermanager: chmod peer_dat_file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("peermanager: renaming peer_dat_file into place: %w", err)
	}
	return nil
}

// LoadPeerDatFile repopulates r from path, inserting each persisted peer
// with its multiaddrs and tags restored. Missing file is not an error
// (first boot); a version byte it doesn't recognize is.
func (r *Registry) LoadPeerDatFile(path string) error {
	f, err := os.Open(path) // #nosec G304 - operator-configured data file path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("peermanager: opening peer_dat_file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	version, err := br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("peermanager: reading peer_dat_file version: %w", err)
	}
	if version != peerDatVersion {
		return fmt.Errorf("peermanager: unsupported peer_dat_file version %d", version)
	}

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("peermanager: reading peer_dat_file record length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("peermanager: reading peer_dat_file record: %w", err)
		}
		var rec peerRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("peermanager: decoding peer_dat_file record: %w", err)
		}

		p := r.AddPeer(rec.PeerID)
		if rec.AlwaysAllow {
			p.Tags.Insert(TagAlwaysAllow)
		}
		if rec.Consensus {
			p.Tags.Insert(TagConsensus)
		}
		if rec.BanUntil != nil {
			p.Tags.InsertBan(time.Now(), time.Until(*rec.BanUntil))
		}
		for _, raw := range rec.Multiaddrs {
			addr, err := ParseMultiaddr(raw)
			if err != nil {
				continue // forward-compatibility: skip anything we can't parse
			}
			p.Multiaddrs.Insert(addr)
		}
	}
	return nil
}
