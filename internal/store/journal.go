package store

import (
	"container/ring"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// Entry is one journaled event together with its repeat count
type Entry struct {
	Result    types.Result `json:"result"`
	Repeats   int          `json:"repeats"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
}

// Journal keeps the most recent processed events in a ring buffer. Repeats
// of the same kind, source and details are folded into the first entry.
type Journal struct {
	mu         sync.RWMutex
	entries    *ring.Ring
	dedupe     *lru.Cache[string, *Entry]
	maxEntries int
	dedupeCap  int
	added      uint64
	folded     uint64
}

// NewJournal creates a journal. dedupeCap <= 0 disables folding.
func NewJournal(maxEntries, dedupeCap int) *Journal {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	j := &Journal{
		entries:    ring.New(maxEntries),
		maxEntries: maxEntries,
		dedupeCap:  dedupeCap,
	}
	if dedupeCap > 0 {
		j.dedupe, _ = lru.New[string, *Entry](dedupeCap)
	}
	return j
}

// Add records a result. It returns false when the result was folded into an
// existing entry.
func (j *Journal) Add(result types.Result) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	key := dedupeKey(result.Event)

	if j.dedupe != nil {
		if existing, ok := j.dedupe.Get(key); ok {
			existing.Repeats++
			existing.LastSeen = now
			j.folded++
			return false
		}
	}

	entry := &Entry{
		Result:    result,
		FirstSeen: now,
		LastSeen:  now,
	}
	if j.dedupe != nil {
		j.dedupe.Add(key, entry)
	}

	j.entries.Value = entry
	j.entries = j.entries.Next()
	j.added++
	return true
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (j *Journal) Recent(n int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	// the current position is the oldest slot, so walk backwards from it
	for r := j.entries.Prev(); ; r = r.Prev() {
		if entry, ok := r.Value.(*Entry); ok {
			out = append(out, *entry)
			if n > 0 && len(out) == n {
				break
			}
		}
		if r == j.entries {
			break
		}
	}
	return out
}

// ByClassification returns entries with the given classification, newest first
func (j *Journal) ByClassification(c types.Classification) []Entry {
	var out []Entry
	for _, e := range j.Recent(0) {
		if e.Result.Classification == c {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes every entry and resets de-duplication
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := 0; i < j.entries.Len(); i++ {
		j.entries.Value = nil
		j.entries = j.entries.Next()
	}
	if j.dedupe != nil {
		j.dedupe.Purge()
	}
}

// GetStats returns journal statistics
func (j *Journal) GetStats() map[string]interface{} {
	j.mu.RLock()
	defer j.mu.RUnlock()

	count := 0
	j.entries.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})

	dedupeSize := 0
	if j.dedupe != nil {
		dedupeSize = j.dedupe.Len()
	}

	return map[string]interface{}{
		"total_entries": count,
		"max_entries":   j.maxEntries,
		"dedupe_cap":    j.dedupeCap,
		"dedupe_size":   dedupeSize,
		"added":         j.added,
		"folded":        j.folded,
	}
}

func dedupeKey(e types.ThreatEvent) string {
	return string(e.Kind) + "|" + e.Source + "|" + e.Details
}
