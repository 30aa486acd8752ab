package governance

import (
	"sync"
	"time"
)

// defaultHistoryWindow bounds how long attempt records are retained per key.
const defaultHistoryWindow = time.Hour

// AttemptHistory keeps a bounded, append-only window of attempt records per
// operation key. Entries older than the window are purged lazily on append
// and on read; records themselves are never mutated.
type AttemptHistory struct {
	mu     sync.RWMutex
	keys   map[string]*keyHistory
	window time.Duration
	clock  Clock
}

type keyHistory struct {
	mu      sync.Mutex
	records []RequestAttemptRecord
}

// NewAttemptHistory builds a history with the given retention window.
func NewAttemptHistory(window time.Duration, clock Clock) *AttemptHistory {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &AttemptHistory{
		keys:   make(map[string]*keyHistory),
		window: window,
		clock:  clock,
	}
}

// Append records an attempt under its operation key.
func (h *AttemptHistory) Append(rec RequestAttemptRecord) {
	kh := h.keyHistory(rec.OperationKey)
	cutoff := h.clock.Now().Add(-h.window)

	kh.mu.Lock()
	defer kh.mu.Unlock()
	kh.records = purgeBefore(kh.records, cutoff)
	kh.records = append(kh.records, rec)
}

// Records returns a copy of the retained records for a key.
func (h *AttemptHistory) Records(operationKey string) []RequestAttemptRecord {
	kh := h.keyHistory(operationKey)
	cutoff := h.clock.Now().Add(-h.window)

	kh.mu.Lock()
	defer kh.mu.Unlock()
	kh.records = purgeBefore(kh.records, cutoff)
	out := make([]RequestAttemptRecord, len(kh.records))
	copy(out, kh.records)
	return out
}

func (h *AttemptHistory) keyHistory(operationKey string) *keyHistory {
	h.mu.RLock()
	kh, ok := h.keys[operationKey]
	h.mu.RUnlock()
	if ok {
		return kh
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if kh, ok := h.keys[operationKey]; ok {
		return kh
	}
	kh = &keyHistory{}
	h.keys[operationKey] = kh
	return kh
}

func purgeBefore(records []RequestAttemptRecord, cutoff time.Time) []RequestAttemptRecord {
	idx := 0
	for idx < len(records) && records[idx].StartedAt.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return records
	}
	kept := make([]RequestAttemptRecord, len(records)-idx)
	copy(kept, records[idx:])
	return kept
}
