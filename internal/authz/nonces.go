package authz

import (
	"sync"
	"time"

	"econos/internal/task"
)

// DefaultNonceRetention is how long consumed nonces stay in the ledger
// before PruneNoncesOlderThan may reclaim them.
const DefaultNonceRetention = 24 * time.Hour

type nonceKey struct {
	taskID task.TaskID
	nonce  uint64
}

// nonceLedger records every (taskId, nonce) pair the signer has
// consumed, with its issue time, so a signature can never be minted
// twice for the same pair.
type nonceLedger struct {
	mu      sync.Mutex
	counter uint64
	used    map[nonceKey]time.Time
}

func newNonceLedger() *nonceLedger {
	return &nonceLedger{used: make(map[nonceKey]time.Time)}
}

// next returns the next value of the per-process monotone counter.
func (l *nonceLedger) next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

// consume records the pair, or reports false when it was already used.
func (l *nonceLedger) consume(id task.TaskID, nonce uint64, at time.Time) bool {
	key := nonceKey{taskID: id, nonce: nonce}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.used[key]; exists {
		return false
	}
	l.used[key] = at
	return true
}

func (l *nonceLedger) isUsed(id task.TaskID, nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.used[nonceKey{taskID: id, nonce: nonce}]
	return exists
}

// pruneOlderThan drops entries issued before the cutoff and returns how
// many were removed.
func (l *nonceLedger) pruneOlderThan(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, issued := range l.used {
		if issued.Before(cutoff) {
			delete(l.used, key)
			removed++
		}
	}
	return removed
}

func (l *nonceLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}
