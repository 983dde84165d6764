// Package session maps conversation identities to remote backend sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coopco/kimibridge/internal/identity"
	"github.com/coopco/kimibridge/internal/providers"
)

// Creator creates remote sessions. Satisfied by providers.ChatBackend.
type Creator interface {
	CreateSession(ctx context.Context, variant providers.Variant) (string, error)
}

// ChatSession is the cached remote-session state for one identity.
type ChatSession struct {
	RemoteID   string
	Variant    providers.Variant
	UseSearch  bool
	LastActive time.Time
}

// Store caches remote sessions keyed by identity. A cached session is used
// blindly until the backend rejects it; there is no liveness probing.
type Store struct {
	mu       sync.Mutex
	creator  Creator
	sessions map[string]*ChatSession
	retries  int
}

// NewStore builds a store; retries is the number of extra CreateSession
// attempts after a transient failure (default 2).
func NewStore(creator Creator, retries int) *Store {
	if retries < 0 {
		retries = 2
	}
	return &Store{
		creator:  creator,
		sessions: make(map[string]*ChatSession),
		retries:  retries,
	}
}

// GetOrCreate returns the cached session for the identity, creating a remote
// session on first use. A cached session of a different variant is replaced:
// standard and visual conversations never share remote state.
func (s *Store) GetOrCreate(ctx context.Context, id identity.Identity, variant providers.Variant) (*ChatSession, error) {
	key := id.SessionKey()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok && sess.Variant == variant && sess.RemoteID != "" {
		sess.LastActive = time.Now()
		s.mu.Unlock()
		return sess, nil
	}
	// A replaced or placeholder entry still carries the user's search
	// preference; the fresh session keeps it.
	useSearch := true
	if ok {
		useSearch = sess.UseSearch
	}
	s.mu.Unlock()

	return s.create(ctx, key, variant, useSearch)
}

// Reset discards any cached session and creates a fresh remote one. Used for
// explicit conversation resets and for file dispatches, which always start
// clean. useSearch seeds the new session's search toggle.
func (s *Store) Reset(ctx context.Context, id identity.Identity, variant providers.Variant, useSearch bool) (*ChatSession, error) {
	key := id.SessionKey()
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return s.create(ctx, key, variant, useSearch)
}

// Drop removes the cached session without creating a replacement. Called
// after the backend rejects the remote id.
func (s *Store) Drop(id identity.Identity) {
	s.mu.Lock()
	delete(s.sessions, id.SessionKey())
	s.mu.Unlock()
}

// ToggleSearch flips the web-search preference for the identity's session
// and reports the new value. A missing session defaults to search-on, so the
// first toggle lands on off; the preference is recorded even before a remote
// session exists and seeds the first one created.
func (s *Store) ToggleSearch(id identity.Identity) bool {
	key := id.SessionKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &ChatSession{UseSearch: true, LastActive: time.Now()}
		s.sessions[key] = sess
	}
	sess.UseSearch = !sess.UseSearch
	return sess.UseSearch
}

// UseSearch reports the identity's current search preference; sessions
// default to search-on.
func (s *Store) UseSearch(id identity.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id.SessionKey()]; ok {
		return sess.UseSearch
	}
	return true
}

// Len reports the number of cached sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) create(ctx context.Context, key string, variant providers.Variant, useSearch bool) (*ChatSession, error) {
	var remoteID string
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		remoteID, err = s.creator.CreateSession(ctx, variant)
		if err == nil {
			break
		}
		if !errors.Is(err, providers.ErrRemoteUnavailable) {
			return nil, err
		}
		slog.Warn("session: create failed, retrying", "key", key, "attempt", attempt+1, "err", err)
	}
	if err != nil {
		return nil, err
	}

	sess := &ChatSession{
		RemoteID:   remoteID,
		Variant:    variant,
		UseSearch:  useSearch,
		LastActive: time.Now(),
	}
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()
	slog.Info("session: created remote session", "key", key, "variant", string(variant))
	return sess, nil
}
