package pending

import "sync"

// Dedup is a size-bounded set of already-processed message IDs. The reaper
// clears it wholesale on its sweep; the capacity bound guards against floods
// between sweeps.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	cap  int
}

// NewDedup creates a dedup set. capacity <= 0 means the default of 4096.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Dedup{
		seen: make(map[string]struct{}),
		cap:  capacity,
	}
}

// Seen records msgID and reports whether it had been recorded before.
// Empty IDs are never deduplicated.
func (d *Dedup) Seen(msgID string) bool {
	if msgID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[msgID]; ok {
		return true
	}
	if len(d.seen) >= d.cap {
		d.seen = make(map[string]struct{})
	}
	d.seen[msgID] = struct{}{}
	return false
}

// Clear empties the set.
func (d *Dedup) Clear() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}

// Len returns the current number of recorded IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
