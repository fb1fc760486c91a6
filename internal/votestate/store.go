// Package votestate keeps a shared, per-event cache of vote state for every
// consumer in the process.
//
// One Store is built at the composition root and handed to everything that
// shows votes. Consumers subscribe by event id and receive a fresh snapshot
// after each change. Loads are deduplicated per id, and votes are applied
// optimistically and rolled back if the backend rejects them.
package votestate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skridlevsky/timeline-votes/internal/logging"
	"github.com/skridlevsky/timeline-votes/internal/token"
	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// NotAuthenticatedMessage is recorded as LastError when no token is available
const NotAuthenticatedMessage = "Not authenticated"

// ErrNotAuthenticated is returned by HandleVoteChange when no token is available
var ErrNotAuthenticated = errors.New("not authenticated")

// Backend is the vote REST API as seen by the store
type Backend interface {
	CastVote(ctx context.Context, eventID string, vote votes.BackendVote, token string) (votes.VoteStats, error)
	GetVoteStats(ctx context.Context, eventID string, token string) (votes.VoteStats, error)
	RemoveVote(ctx context.Context, eventID string, token string) (votes.VoteStats, error)
}

// Listener receives the latest snapshot for the id it subscribed to.
// Calls to one listener never overlap and never go back in Version. When
// updates race, intermediate snapshots may be skipped, but the last call
// always carries the entry's final state.
type Listener func(VoteEntryState)

type subscriber struct {
	id uint64
	fn Listener

	mu         sync.Mutex
	last       uint64
	pending    VoteEntryState
	hasPending bool
	delivering bool
}

// notify hands st to the listener unless a newer snapshot was already
// delivered or queued. Whichever goroutine is delivering drains the queue,
// so the listener runs without any lock held and may call back into the store.
func (sub *subscriber) notify(st VoteEntryState) {
	sub.mu.Lock()
	if st.Version <= sub.last || (sub.hasPending && st.Version <= sub.pending.Version) {
		sub.mu.Unlock()
		return
	}
	sub.pending, sub.hasPending = st, true
	if sub.delivering {
		sub.mu.Unlock()
		return
	}

	sub.delivering = true
	for sub.hasPending {
		next := sub.pending
		sub.hasPending = false
		sub.last = next.Version
		sub.mu.Unlock()

		sub.fn(next)

		sub.mu.Lock()
	}
	sub.delivering = false
	sub.mu.Unlock()
}

// Store is the shared vote state cache
type Store struct {
	backend Backend
	tokens  token.Source
	logger  *slog.Logger

	mu        sync.Mutex
	entries   map[string]VoteEntryState
	listeners map[string][]*subscriber
	nextSubID uint64
	version   uint64
	// generation changes on ClearVoteStateCache so that requests started
	// before the clear do not write into the fresh entries.
	generation uint64
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Store. tokens may be nil, in which case every call needs a
// token override or is treated as unauthenticated.
func New(backend Backend, tokens token.Source, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		tokens:    tokens,
		logger:    slog.Default(),
		entries:   make(map[string]VoteEntryState),
		listeners: make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetVoteState returns the cached snapshot for eventID, creating the default
// entry on first access.
func (s *Store) GetVoteState(eventID string) VoteEntryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entryLocked(eventID)
}

func (s *Store) entryLocked(eventID string) VoteEntryState {
	st, ok := s.entries[eventID]
	if !ok {
		st = defaultState()
		s.entries[eventID] = st
	}
	return st
}

// SubscribeVoteState registers fn for changes to eventID. The returned
// function removes it and may be called more than once.
func (s *Store) SubscribeVoteState(eventID string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	s.listeners[eventID] = append(s.listeners[eventID], &subscriber{id: subID, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(eventID, subID) })
	}
}

func (s *Store) unsubscribe(eventID string, subID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.listeners[eventID]
	for i, sub := range subs {
		if sub.id == subID {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.listeners, eventID)
		return
	}
	s.listeners[eventID] = subs
}

// listenerCount is used by tests to check listener sets are discarded
func (s *Store) listenerCount(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[eventID])
}

// update applies fn to the entry under the lock. If fn reports a change the
// new snapshot is stored with the next version and listeners are notified
// after the lock is released.
func (s *Store) update(eventID string, fn func(VoteEntryState) (VoteEntryState, bool)) (VoteEntryState, bool) {
	s.mu.Lock()
	cur := s.entryLocked(eventID)
	next, changed := fn(cur)
	if !changed {
		s.mu.Unlock()
		return cur, false
	}
	s.version++
	next.Version = s.version
	s.entries[eventID] = next

	subs := make([]*subscriber, len(s.listeners[eventID]))
	copy(subs, s.listeners[eventID])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.notify(next)
	}
	return next, true
}

func (s *Store) set(eventID string, fn func(VoteEntryState) VoteEntryState) VoteEntryState {
	next, _ := s.update(eventID, func(st VoteEntryState) (VoteEntryState, bool) {
		return fn(st), true
	})
	return next
}

// finish applies fn only if the cache has not been cleared since gen
func (s *Store) finish(eventID string, gen uint64, fn func(VoteEntryState) VoteEntryState) {
	s.update(eventID, func(st VoteEntryState) (VoteEntryState, bool) {
		if s.generation != gen {
			return st, false
		}
		return fn(st), true
	})
}

func (s *Store) resolveToken(override string) (string, bool) {
	if override != "" {
		return override, true
	}
	if s.tokens == nil {
		return "", false
	}
	return s.tokens.Token()
}

// LoadVoteStatsForEvent fetches stats for eventID unless a load is already in
// flight or has already finished. Concurrent callers collapse into a single
// backend request. Failures are recorded on the entry, not returned.
func (s *Store) LoadVoteStatsForEvent(ctx context.Context, eventID, tokenOverride string) {
	s.load(ctx, eventID, tokenOverride, false)
}

// Refresh forgets that eventID was loaded and loads it again, even if another
// load is in flight.
func (s *Store) Refresh(ctx context.Context, eventID string) {
	s.load(ctx, eventID, "", true)
}

func (s *Store) load(ctx context.Context, eventID, tokenOverride string, force bool) {
	tok, hasToken := s.resolveToken(tokenOverride)

	var gen uint64
	_, started := s.update(eventID, func(st VoteEntryState) (VoteEntryState, bool) {
		gen = s.generation
		if force {
			st.IsLoaded = false
		} else if !st.canLoad() {
			return st, false
		}
		if !hasToken {
			return st.loadFailed(NotAuthenticatedMessage), true
		}
		return st.beginLoad(), true
	})
	if !started || !hasToken {
		return
	}

	logger := logging.WithEvent(s.logger, eventID)
	logger.Debug("Loading vote stats", "forced", force)

	stats, err := s.backend.GetVoteStats(ctx, eventID, tok)
	if err != nil {
		logger.Warn("Failed to load vote stats", "error", err)
		s.finish(eventID, gen, func(st VoteEntryState) VoteEntryState {
			return st.endLoad().loadFailed(errorMessage(err))
		})
		return
	}

	s.finish(eventID, gen, func(st VoteEntryState) VoteEntryState {
		return st.endLoad().loadSucceeded(stats)
	})
}

// HandleVoteChange applies vote optimistically, sends it to the backend and
// then either adopts the server's stats or restores the previous UI value.
// VoteNone removes the caller's vote.
func (s *Store) HandleVoteChange(ctx context.Context, eventID string, vote votes.UIVote) error {
	backendVote := votes.ToBackend(vote)
	optimistic := votes.ToUI(backendVote)

	var (
		previous votes.UIVote
		gen      uint64
	)
	s.set(eventID, func(st VoteEntryState) VoteEntryState {
		previous = st.UIValue
		gen = s.generation
		return st.beginVote(optimistic)
	})

	tok, ok := s.resolveToken("")
	if !ok {
		s.finish(eventID, gen, func(st VoteEntryState) VoteEntryState {
			return st.voteFailed(previous, NotAuthenticatedMessage)
		})
		return ErrNotAuthenticated
	}

	var (
		stats votes.VoteStats
		err   error
	)
	if backendVote == votes.VoteNone {
		stats, err = s.backend.RemoveVote(ctx, eventID, tok)
	} else {
		stats, err = s.backend.CastVote(ctx, eventID, backendVote, tok)
	}

	if err != nil {
		s.logger.Warn("Vote change failed, rolling back",
			"event_id", eventID,
			"vote", string(vote),
			"previous", string(previous),
			"error", err,
		)
		s.finish(eventID, gen, func(st VoteEntryState) VoteEntryState {
			return st.voteFailed(previous, errorMessage(err))
		})
		return err
	}

	s.finish(eventID, gen, func(st VoteEntryState) VoteEntryState {
		return st.voteSucceeded(stats)
	})
	return nil
}

// ClearVoteStateCache drops every entry and every listener. Requests still
// in flight complete but leave the fresh entries untouched.
func (s *Store) ClearVoteStateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]VoteEntryState)
	s.listeners = make(map[string][]*subscriber)
	s.generation++
}

func errorMessage(err error) string {
	if errors.Is(err, ErrNotAuthenticated) {
		return NotAuthenticatedMessage
	}
	return err.Error()
}
