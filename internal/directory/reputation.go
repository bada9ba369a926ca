package directory

import (
	"strings"
	"sync"
)

const (
	// InitialReputation is granted to any worker never seen before.
	InitialReputation = 100
	// SlashPenalty is deducted each time a worker's task is refunded.
	SlashPenalty = 10
	// MaxReputation bounds the score from above.
	MaxReputation = 100
)

// ReputationSource answers reputation lookups during selection.
type ReputationSource interface {
	Reputation(address string) int
}

// Book tracks worker reputation observed by this master. Scores start
// at InitialReputation and drop by SlashPenalty whenever the master
// sees a refund slash the worker on-chain. The registry contract keeps
// its own tally; this book only has to agree directionally, it feeds
// the local selection filter.
type Book struct {
	mu     sync.RWMutex
	scores map[string]int
}

// NewBook returns an empty reputation book.
func NewBook() *Book {
	return &Book{scores: make(map[string]int)}
}

// Reputation returns the worker's current score. Unknown workers get
// InitialReputation.
func (b *Book) Reputation(address string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if score, ok := b.scores[normalizeAddress(address)]; ok {
		return score
	}
	return InitialReputation
}

// Penalize deducts SlashPenalty from the worker and returns the new
// score. Scores never drop below zero.
func (b *Book) Penalize(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := normalizeAddress(address)
	score, ok := b.scores[key]
	if !ok {
		score = InitialReputation
	}
	score -= SlashPenalty
	if score < 0 {
		score = 0
	}
	b.scores[key] = score
	return score
}

// Set overrides a worker's score, clamped to [0, MaxReputation].
func (b *Book) Set(address string, score int) {
	if score < 0 {
		score = 0
	}
	if score > MaxReputation {
		score = MaxReputation
	}
	b.mu.Lock()
	b.scores[normalizeAddress(address)] = score
	b.mu.Unlock()
}

// Snapshot copies the known scores for display.
func (b *Book) Snapshot() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.scores))
	for k, v := range b.scores {
		out[k] = v
	}
	return out
}

// Addresses arrive in mixed EIP-55 case; lookups must not care.
func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
