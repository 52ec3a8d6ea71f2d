package peermanager

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the monotonic time source injected into Retry and TrustMetric
// so tests can advance intervals deterministically instead of sleeping.
// It is an alias of benbjohnson/clock.Clock, the same abstraction
// libp2p-go-libp2p-connmgr uses for its decay timers.
type Clock = clock.Clock

const (
	retryBaseDelay = 5 * time.Second
	retryCeiling   = REPEATED_CONNECTION_TIMEOUT * 4
)

// Retry tracks a peer's consecutive connection-failure count and computes
// the next-attempt backoff from it: base*2^count, plus a random jitter
// bounded by MAX_RANDOM_NEXT_RETRY, capped at a ceiling comfortably above
// REPEATED_CONNECTION_TIMEOUT so a chronically failing peer still gets
// retried eventually rather than backing off forever.
type Retry struct {
	count         uint32
	lastAttemptAt atomic.Int64 // unix nanos of the last Inc, 0 if never
	clock         Clock
}

// NewRetry returns a zeroed Retry using clk to timestamp failed attempts
// (Inc); ETA's jitter comes from math/rand, not from clk.
func NewRetry(clk Clock) *Retry {
	return &Retry{clock: clk}
}

// Count returns the current consecutive-failure count.
func (r *Retry) Count() uint32 { return atomic.LoadUint32(&r.count) }

// Inc increments the failure count, stamps the current time as the last
// failed attempt, and returns the new count.
func (r *Retry) Inc() uint32 {
	r.lastAttemptAt.Store(r.clock.Now().UnixNano())
	return atomic.AddUint32(&r.count, 1)
}

// LastAttemptAt returns the unix-nano timestamp of the last Inc, or 0 if
// the peer has never had a failed connection attempt recorded.
func (r *Retry) LastAttemptAt() int64 { return r.lastAttemptAt.Load() }

// Reset zeroes the failure count and clears the last-attempt timestamp.
func (r *Retry) Reset() {
	atomic.StoreUint32(&r.count, 0)
	r.lastAttemptAt.Store(0)
}

// Set forces the failure count to n (used in tests and by explicit
// reconfiguration, not by normal event handling).
func (r *Retry) Set(n uint32) { atomic.StoreUint32(&r.count, n) }

// ETA returns how long to wait before the peer may be dialed again.
func (r *Retry) ETA() time.Duration {
	count := r.Count()
	delay := retryBaseDelay * time.Duration(1<<min(count, 20))
	jitter := time.Duration(rand.Int63n(int64(MAX_RANDOM_NEXT_RETRY) + 1)) // #nosec G404 - scheduling jitter, not security sensitive
	eta := delay + jitter
	if eta > retryCeiling {
		eta = retryCeiling
	}
	return eta
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
