package peermanager

import (
	"sync"
	"time"
)

// TagKind enumerates the tag sum type. Ban additionally carries an expiry
// instant, tracked in Tags.banUntil.
type TagKind int

const (
	TagAlwaysAllow TagKind = iota
	TagConsensus
	TagBan
)

// Tags holds the small, fixed set of tags a peer can carry. AlwaysAllow
// and Consensus are idempotent booleans; Ban carries an expiry and is
// replaced wholesale by every insert_ban call. Storing the three kinds as
// dedicated fields rather than a generic set keeps every operation O(1)
// while preserving the "ordered by kind" lookup the design calls for.
type Tags struct {
	mu          sync.Mutex
	alwaysAllow bool
	consensus   bool
	banUntil    time.Time // zero value means "not banned"
}

// Insert adds AlwaysAllow or Consensus. Calling it with TagBan panics —
// bans always carry a duration, use InsertBan instead.
func (t *Tags) Insert(kind TagKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case TagAlwaysAllow:
		t.alwaysAllow = true
	case TagConsensus:
		t.consensus = true
	default:
		panic("peermanager: Insert does not accept TagBan, use InsertBan")
	}
}

// Remove clears AlwaysAllow, Consensus, or an active ban.
func (t *Tags) Remove(kind TagKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case TagAlwaysAllow:
		t.alwaysAllow = false
	case TagConsensus:
		t.consensus = false
	case TagBan:
		t.banUntil = time.Time{}
	}
}

// Contains reports whether the given tag kind is currently set. For
// TagBan this does not consult the expiry — callers that care about
// expiry should use Banned instead.
func (t *Tags) Contains(kind TagKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case TagAlwaysAllow:
		return t.alwaysAllow
	case TagConsensus:
		return t.consensus
	case TagBan:
		return !t.banUntil.IsZero()
	default:
		return false
	}
}

// AlwaysAllow reports the AlwaysAllow tag.
func (t *Tags) AlwaysAllow() bool { return t.Contains(TagAlwaysAllow) }

// Consensus reports the Consensus tag.
func (t *Tags) Consensus() bool { return t.Contains(TagConsensus) }

// InsertBan replaces any existing ban with one expiring at now+dur.
func (t *Tags) InsertBan(now time.Time, dur time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.banUntil = now.Add(dur)
}

// BannedUntil returns the ban expiry instant, if any ban is set
// (regardless of whether it has already expired).
func (t *Tags) BannedUntil() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.banUntil.IsZero() {
		return time.Time{}, false
	}
	return t.banUntil, true
}

// Banned reports whether the peer is banned as of now. An expired ban is
// auto-removed, and onUnban (if non-nil) is invoked exactly once while the
// removal happens — the caller uses this to reset the peer's trust-metric
// history on automatic unban, matching the source's banned() behaviour.
func (t *Tags) Banned(now time.Time, onUnban func()) bool {
	t.mu.Lock()
	if t.banUntil.IsZero() {
		t.mu.Unlock()
		return false
	}
	if now.Before(t.banUntil) {
		t.mu.Unlock()
		return true
	}
	t.banUntil = time.Time{}
	t.mu.Unlock()
	if onUnban != nil {
		onUnban()
	}
	return false
}
