package audit

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 10000

// MemoryJournal keeps entries in a bounded in-memory buffer, dropping the
// oldest once capacity is reached. Intended for tests and dev profiles.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{cap: defaultMemoryCapacity}
}

// NewMemoryJournalWithCapacity bounds the buffer at n entries (n<=0 falls
// back to the default).
func NewMemoryJournalWithCapacity(n int) *MemoryJournal {
	if n <= 0 {
		n = defaultMemoryCapacity
	}
	return &MemoryJournal{cap: n}
}

func (j *MemoryJournal) Record(_ context.Context, e Entry) error {
	e = withDefaults(e)
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) >= j.cap {
		j.entries = j.entries[1:]
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Entries(_ context.Context, q Query) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, e := range j.entries {
		if !q.matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of buffered entries.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *MemoryJournal) Close() error { return nil }
