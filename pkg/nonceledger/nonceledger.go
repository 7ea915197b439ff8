// Package nonceledger implements the replay-prevention ledger of
// consumed challenge nonces. It is a pure in-memory set keyed by the hex
// encoding of the nonce, with expiry-based eviction; nothing is
// persisted, so its contents do not survive a restart.
package nonceledger

import (
	"encoding/hex"
	"sync"
	"time"
)

// DefaultReplayWindow is the recommended retention window for consumed
// nonces: long enough to tolerate clock skew well past the 90s challenge
// TTL.
const DefaultReplayWindow = time.Hour

// Ledger records consumed nonces and evicts entries whose replay window
// has elapsed.
type Ledger struct {
	mu           sync.Mutex
	replayWindow time.Duration
	entries      map[string]time.Time // hex(nonce) -> consumedAt
}

// New creates a Ledger with the given replay window. A non-positive
// window falls back to DefaultReplayWindow.
func New(replayWindow time.Duration) *Ledger {
	if replayWindow <= 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Ledger{
		replayWindow: replayWindow,
		entries:      make(map[string]time.Time),
	}
}

// key returns the deterministic hex key for a nonce.
func key(nonce []byte) string {
	return hex.EncodeToString(nonce)
}

// Seen reports whether nonce has already been consumed.
func (l *Ledger) Seen(nonce []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key(nonce)]
	return ok
}

// Consume records nonce as consumed at now. It returns false if the nonce
// was already present (a replay), true if this call recorded it for the
// first time. Every call opportunistically sweeps expired entries.
func (l *Ledger) Consume(nonce []byte, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	k := key(nonce)
	if _, exists := l.entries[k]; exists {
		return false
	}
	l.entries[k] = now
	return true
}

// Sweep removes entries whose replay window has elapsed as of now. It is
// safe to call this periodically from a scheduler tick in addition to the
// opportunistic sweep that runs on every Consume.
func (l *Ledger) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
}

func (l *Ledger) sweepLocked(now time.Time) {
	for k, consumedAt := range l.entries {
		if consumedAt.Add(l.replayWindow).Before(now) {
			delete(l.entries, k)
		}
	}
}

// Len reports the number of live (non-evicted) entries. Exposed for
// metrics and tests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
