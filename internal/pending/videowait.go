package pending

import (
	"sync"
	"time"

	"github.com/coopco/kimibridge/internal/identity"
	"github.com/coopco/kimibridge/internal/providers"
)

// VideoWait is the single-video counterpart of Collection: the user has been
// asked to send one video (or a share link) and we are waiting for it.
// It stages no files of its own, so expiry only removes the entry.
type VideoWait struct {
	Prompt    string
	Variant   providers.Variant
	CreatedAt time.Time
	Timeout   time.Duration
}

func (w VideoWait) expired(now time.Time) bool {
	return now.Sub(w.CreatedAt) > w.Timeout
}

// VideoWaits tracks pending single-video requests keyed by identity, with the
// same clear-before-replace and expiry rules as the collection registry.
type VideoWaits struct {
	mu      sync.Mutex
	entries map[identity.Identity]VideoWait
	now     func() time.Time
}

// NewVideoWaits creates an empty wait table.
func NewVideoWaits() *VideoWaits {
	return &VideoWaits{
		entries: make(map[identity.Identity]VideoWait),
		now:     time.Now,
	}
}

// Start installs a wait for id, replacing any existing one.
func (v *VideoWaits) Start(id identity.Identity, prompt string, variant providers.Variant, timeout time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[id] = VideoWait{
		Prompt:    prompt,
		Variant:   variant,
		CreatedAt: v.now(),
		Timeout:   timeout,
	}
}

// Active reports whether id has a live wait. Expired entries are dropped on
// observation.
func (v *VideoWaits) Active(id identity.Identity) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.entries[id]
	if ok && w.expired(v.now()) {
		delete(v.entries, id)
		return false
	}
	return ok
}

// Take atomically removes and returns the wait for id. The second return is
// false when there is no live wait; an expired entry is dropped and reported
// as absent. The wait is removed before processing starts so it is cleared
// regardless of the processing outcome.
func (v *VideoWaits) Take(id identity.Identity) (VideoWait, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.entries[id]
	if !ok {
		return VideoWait{}, false
	}
	delete(v.entries, id)
	if w.expired(v.now()) {
		return VideoWait{}, false
	}
	return w, true
}

// Cancel removes any wait for id. Idempotent.
func (v *VideoWaits) Cancel(id identity.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, id)
}
