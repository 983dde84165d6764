// Package pending tracks in-flight multi-attachment collection state keyed by
// requester identity. All mutation goes through lock-guarded accessors;
// finalization is an atomic check-and-remove so a completed collection can
// never be observed (or completed) twice.
package pending

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coopco/kimibridge/internal/identity"
	"github.com/coopco/kimibridge/internal/providers"
)

// Kind classifies what a collection is gathering.
type Kind string

const (
	KindFile  Kind = "file"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ErrLimitExceeded is returned by Start when the requested file count is
// above the configured maximum. No entry is created.
var ErrLimitExceeded = errors.New("requested file count exceeds limit")

// Status is the outcome of offering an attachment to the registry.
type Status int

const (
	// StatusNoActive: no collection is waiting for this identity. Also
	// returned on identity mismatch, which must stay indistinguishable from
	// "nothing pending" to callers.
	StatusNoActive Status = iota
	// StatusAwaitingMore: accepted, more attachments expected.
	StatusAwaitingMore
	// StatusComplete: accepted and the collection is full; the entry has been
	// removed and the received files belong to the caller.
	StatusComplete
	// StatusExpired: the collection outlived its timeout; it has been
	// cancelled and its staged files deleted.
	StatusExpired
)

// Received is one accepted attachment. RemoteID is filled by the caller once
// the file has been uploaded.
type Received struct {
	LocalPath string
	RemoteID  string
}

// Collection is one in-flight "send me N files" interaction.
type Collection struct {
	Expected  int
	Received  []Received
	Prompt    string // user-supplied prompt override, may be empty
	Kind      Kind
	Variant   providers.Variant
	CreatedAt time.Time
	Timeout   time.Duration
}

func (c *Collection) expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.Timeout
}

// AcceptResult is the full outcome of Registry.Accept.
type AcceptResult struct {
	Status    Status
	Remaining int        // valid for StatusAwaitingMore
	Received  []Received // valid for StatusComplete; arrival order
	Prompt    string     // valid for StatusComplete
	Kind      Kind       // valid for StatusComplete
	Variant   providers.Variant
}

// Registry tracks active collections keyed by requester identity.
type Registry struct {
	mu       sync.Mutex
	maxFiles int
	entries  map[identity.Identity]*Collection
	now      func() time.Time
}

// NewRegistry creates a registry. maxFiles caps Expected for any collection;
// zero or negative means the default of 50.
func NewRegistry(maxFiles int) *Registry {
	if maxFiles <= 0 {
		maxFiles = 50
	}
	return &Registry{
		maxFiles: maxFiles,
		entries:  make(map[identity.Identity]*Collection),
		now:      time.Now,
	}
}

// Start installs a new collection for id. An existing collection for the same
// identity is force-cleared first (its staged files deleted) — starting over
// always wins, never merges.
func (r *Registry) Start(id identity.Identity, expected int, prompt string, kind Kind, variant providers.Variant, timeout time.Duration) error {
	if expected < 1 {
		expected = 1
	}
	if expected > r.maxFiles {
		return ErrLimitExceeded
	}

	r.mu.Lock()
	old := r.entries[id]
	r.entries[id] = &Collection{
		Expected:  expected,
		Prompt:    prompt,
		Kind:      kind,
		Variant:   variant,
		CreatedAt: r.now(),
		Timeout:   timeout,
	}
	r.mu.Unlock()

	if old != nil {
		removeFiles(old.Received)
	}
	return nil
}

// Accept offers an attachment that has already been staged at localPath.
// On StatusComplete the entry has been atomically removed: at most one caller
// ever observes completion, every later caller sees StatusNoActive.
func (r *Registry) Accept(id identity.Identity, localPath string) AcceptResult {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return AcceptResult{Status: StatusNoActive}
	}
	if entry.expired(r.now()) {
		delete(r.entries, id)
		r.mu.Unlock()
		removeFiles(entry.Received)
		return AcceptResult{Status: StatusExpired}
	}

	entry.Received = append(entry.Received, Received{LocalPath: localPath})
	if len(entry.Received) < entry.Expected {
		remaining := entry.Expected - len(entry.Received)
		r.mu.Unlock()
		return AcceptResult{Status: StatusAwaitingMore, Remaining: remaining}
	}

	// Full: remove while still holding the lock so no concurrent Accept or
	// Cancel can see the finished entry.
	delete(r.entries, id)
	r.mu.Unlock()
	return AcceptResult{
		Status:   StatusComplete,
		Received: entry.Received,
		Prompt:   entry.Prompt,
		Kind:     entry.Kind,
		Variant:  entry.Variant,
	}
}

// Active reports whether id has a live (non-expired) collection. Observing an
// expired entry finalizes it.
func (r *Registry) Active(id identity.Identity) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok && entry.expired(r.now()) {
		delete(r.entries, id)
		ok = false
	} else {
		entry = nil
	}
	r.mu.Unlock()

	if entry != nil {
		removeFiles(entry.Received)
	}
	return ok
}

// Cancel removes any collection for id and deletes its staged files.
// Idempotent: cancelling an absent identity is a no-op.
func (r *Registry) Cancel(id identity.Identity) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		removeFiles(entry.Received)
	}
}

// Len returns the number of active entries, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// removeFiles deletes staged files, tolerating already-deleted paths so
// cleanup can race the reaper without error.
func removeFiles(received []Received) {
	for _, f := range received {
		if f.LocalPath == "" {
			continue
		}
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("pending: failed to remove staged file", "path", f.LocalPath, "err", err)
		}
	}
}
