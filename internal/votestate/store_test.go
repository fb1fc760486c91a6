package votestate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/timeline-votes/internal/token"
	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// fakeBackend records calls and returns configurable results.
type fakeBackend struct {
	mu sync.Mutex

	stats    votes.VoteStats
	getErr   error
	castErr  error
	castResp *votes.VoteStats

	getCalls    atomic.Int32
	castCalls   atomic.Int32
	removeCalls atomic.Int32
	lastToken   string
	lastCast    votes.BackendVote

	// When set, GetVoteStats signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBackend) GetVoteStats(_ context.Context, _ string, tok string) (votes.VoteStats, error) {
	f.getCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = tok
	return f.stats, f.getErr
}

func (f *fakeBackend) CastVote(_ context.Context, _ string, vote votes.BackendVote, tok string) (votes.VoteStats, error) {
	f.castCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = tok
	f.lastCast = vote
	if f.castErr != nil {
		return votes.VoteStats{}, f.castErr
	}
	if f.castResp != nil {
		return *f.castResp, nil
	}
	s := f.stats
	s.UserVote = vote
	return s, nil
}

func (f *fakeBackend) RemoveVote(_ context.Context, _ string, tok string) (votes.VoteStats, error) {
	f.removeCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = tok
	s := f.stats
	s.UserVote = votes.VoteNone
	return s, nil
}

func newStore(backend *fakeBackend, tok string) *Store {
	return New(backend, token.Static(tok))
}

func TestGetVoteStateDefaults(t *testing.T) {
	s := newStore(&fakeBackend{}, "tok")

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UINone, st.UIValue)
	assert.Equal(t, votes.VoteStats{UserVote: votes.VoteNone}, st.Stats)
	assert.False(t, st.IsLoading())
	assert.False(t, st.IsLoaded)
	assert.Empty(t, st.LastError)
	assert.Equal(t, StatusIdle, st.Status)
}

func TestLoadSuccess(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 3, DemoteCount: 1, UserVote: votes.VoteDemote}}
	s := newStore(backend, "tok")

	s.LoadVoteStatsForEvent(context.Background(), "evt", "")

	st := s.GetVoteState("evt")
	assert.True(t, st.IsLoaded)
	assert.False(t, st.IsLoading())
	assert.Equal(t, votes.UIDown, st.UIValue)
	assert.Equal(t, 3, st.Stats.PromoteCount)
	assert.Equal(t, "tok", backend.lastToken)
}

func TestLoadUsesTokenOverride(t *testing.T) {
	backend := &fakeBackend{}
	s := newStore(backend, "")

	s.LoadVoteStatsForEvent(context.Background(), "evt", "override")

	assert.Equal(t, "override", backend.lastToken)
	assert.Empty(t, s.GetVoteState("evt").LastError)
}

func TestLoadDedupConcurrentCalls(t *testing.T) {
	backend := &fakeBackend{
		stats:   votes.VoteStats{PromoteCount: 1},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newStore(backend, "tok")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.LoadVoteStatsForEvent(ctx, "evt", "")
		close(done)
	}()
	<-backend.entered

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.LoadVoteStatsForEvent(ctx, "evt", "")
		}()
	}
	wg.Wait()
	assert.True(t, s.GetVoteState("evt").IsLoading())

	close(backend.release)
	<-done

	assert.Equal(t, int32(1), backend.getCalls.Load())
	assert.True(t, s.GetVoteState("evt").IsLoaded)

	// Already loaded: no further requests
	s.LoadVoteStatsForEvent(ctx, "evt", "")
	assert.Equal(t, int32(1), backend.getCalls.Load())
}

func TestLoadFailureKeepsStatsAndIsNotRetried(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 2, UserVote: votes.VotePromote}}
	s := newStore(backend, "tok")
	ctx := context.Background()

	s.LoadVoteStatsForEvent(ctx, "evt", "")
	require.Equal(t, votes.UIUp, s.GetVoteState("evt").UIValue)

	backend.getErr = errors.New("backend down")
	s.Refresh(ctx, "evt")

	st := s.GetVoteState("evt")
	assert.Equal(t, "backend down", st.LastError)
	assert.Equal(t, StatusError, st.Status)
	assert.True(t, st.IsLoaded)
	assert.Equal(t, votes.UIUp, st.UIValue)
	assert.Equal(t, 2, st.Stats.PromoteCount)

	s.LoadVoteStatsForEvent(ctx, "evt", "")
	assert.Equal(t, int32(2), backend.getCalls.Load(), "failed load must not be retried implicitly")
}

func TestRefreshRetriesAfterFailure(t *testing.T) {
	backend := &fakeBackend{getErr: errors.New("timeout")}
	s := newStore(backend, "tok")
	ctx := context.Background()

	s.LoadVoteStatsForEvent(ctx, "evt", "")
	require.Equal(t, "timeout", s.GetVoteState("evt").LastError)

	backend.getErr = nil
	backend.stats = votes.VoteStats{DemoteCount: 4}
	s.Refresh(ctx, "evt")

	st := s.GetVoteState("evt")
	assert.Empty(t, st.LastError)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 4, st.Stats.DemoteCount)
	assert.Equal(t, int32(2), backend.getCalls.Load())
}

func TestRefreshBypassesInFlightGuard(t *testing.T) {
	backend := &fakeBackend{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newStore(backend, "tok")
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.LoadVoteStatsForEvent(ctx, "evt", "")
	}()
	<-backend.entered
	go func() {
		defer wg.Done()
		s.Refresh(ctx, "evt")
	}()
	<-backend.entered

	close(backend.release)
	wg.Wait()
	assert.Equal(t, int32(2), backend.getCalls.Load())
}

func TestLoadWithoutToken(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, nil)

	s.LoadVoteStatsForEvent(context.Background(), "evt", "")

	st := s.GetVoteState("evt")
	assert.True(t, st.IsLoaded)
	assert.False(t, st.IsLoading())
	assert.Equal(t, NotAuthenticatedMessage, st.LastError)
	assert.Equal(t, int32(0), backend.getCalls.Load())
}

func TestHandleVoteChangeWithoutTokenRollsBack(t *testing.T) {
	backend := &fakeBackend{}
	s := newStore(backend, "")

	var seen []VoteEntryState
	s.SubscribeVoteState("evt", func(st VoteEntryState) { seen = append(seen, st) })

	err := s.HandleVoteChange(context.Background(), "evt", votes.UIUp)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UINone, st.UIValue)
	assert.Equal(t, NotAuthenticatedMessage, st.LastError)
	assert.False(t, st.IsLoading())
	assert.Equal(t, int32(0), backend.castCalls.Load())

	require.Len(t, seen, 2)
	assert.Equal(t, votes.UIUp, seen[0].UIValue, "optimistic value is published first")
	assert.True(t, seen[0].IsLoading())
}

func TestHandleVoteChangeOptimisticThenConfirmed(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 4, DemoteCount: 1}}
	s := newStore(backend, "tok")

	var seen []VoteEntryState
	s.SubscribeVoteState("evt", func(st VoteEntryState) { seen = append(seen, st) })

	require.NoError(t, s.HandleVoteChange(context.Background(), "evt", votes.UIUp))

	require.Len(t, seen, 2)
	assert.Equal(t, votes.UIUp, seen[0].UIValue)
	assert.True(t, seen[0].IsLoading())
	assert.Empty(t, seen[0].LastError)

	final := seen[1]
	assert.Equal(t, votes.UIUp, final.UIValue)
	assert.False(t, final.IsLoading())
	assert.Equal(t, votes.VotePromote, backend.lastCast)
	assert.Equal(t, seen[0].Version+1, final.Version)
}

func TestHandleVoteChangeRollbackOnFailure(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 1, UserVote: votes.VotePromote}}
	s := newStore(backend, "tok")
	ctx := context.Background()

	s.LoadVoteStatsForEvent(ctx, "evt", "")
	require.Equal(t, votes.UIUp, s.GetVoteState("evt").UIValue)

	backend.castErr = errors.New("vote rejected")
	err := s.HandleVoteChange(ctx, "evt", votes.UIDown)
	require.Error(t, err)

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UIUp, st.UIValue)
	assert.Equal(t, "vote rejected", st.LastError)
	assert.False(t, st.IsLoading())
	assert.Equal(t, StatusError, st.Status)
}

func TestHandleVoteChangeServerWins(t *testing.T) {
	backend := &fakeBackend{
		castResp: &votes.VoteStats{PromoteCount: 0, DemoteCount: 1, UserVote: votes.VoteDemote},
	}
	s := newStore(backend, "tok")

	require.NoError(t, s.HandleVoteChange(context.Background(), "evt", votes.UIUp))

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UIDown, st.UIValue)
	assert.Equal(t, 1, st.Stats.DemoteCount)
}

func TestHandleVoteChangeNoneRemovesVote(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 2}}
	s := newStore(backend, "tok")

	require.NoError(t, s.HandleVoteChange(context.Background(), "evt", votes.UINone))

	assert.Equal(t, int32(1), backend.removeCalls.Load())
	assert.Equal(t, int32(0), backend.castCalls.Load())
	assert.Equal(t, votes.UINone, s.GetVoteState("evt").UIValue)
}

func TestFailuresAreConfinedToOneEntry(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 1}}
	s := newStore(backend, "tok")
	ctx := context.Background()

	s.LoadVoteStatsForEvent(ctx, "good", "")
	backend.castErr = errors.New("nope")
	_ = s.HandleVoteChange(ctx, "bad", votes.UIDown)

	assert.Empty(t, s.GetVoteState("good").LastError)
	assert.Equal(t, "nope", s.GetVoteState("bad").LastError)
}

func TestSubscribeFanOutAndUnsubscribe(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 2}}
	s := newStore(backend, "tok")

	var a, b []VoteEntryState
	unsubA := s.SubscribeVoteState("evt", func(st VoteEntryState) { a = append(a, st) })
	unsubB := s.SubscribeVoteState("evt", func(st VoteEntryState) { b = append(b, st) })
	assert.Equal(t, 2, s.listenerCount("evt"))

	require.NoError(t, s.HandleVoteChange(context.Background(), "evt", votes.UIDown))
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)

	unsubA()
	unsubA()
	assert.Equal(t, 1, s.listenerCount("evt"))

	unsubB()
	assert.Equal(t, 0, s.listenerCount("evt"))

	// Snapshot is retained after the last listener leaves
	assert.Equal(t, votes.UIDown, s.GetVoteState("evt").UIValue)
}

func TestListenerMayReadStore(t *testing.T) {
	s := newStore(&fakeBackend{}, "tok")

	var got VoteEntryState
	s.SubscribeVoteState("evt", func(VoteEntryState) {
		got = s.GetVoteState("evt")
	})

	done := make(chan struct{})
	go func() {
		s.LoadVoteStatsForEvent(context.Background(), "evt", "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener reading the store deadlocked")
	}
	assert.True(t, got.IsLoaded)
}

func TestClearVoteStateCache(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 9, UserVote: votes.VotePromote}}
	s := newStore(backend, "tok")

	calls := 0
	unsub := s.SubscribeVoteState("evt", func(VoteEntryState) { calls++ })
	s.LoadVoteStatsForEvent(context.Background(), "evt", "")
	require.Equal(t, 2, calls)

	s.ClearVoteStateCache()

	st := s.GetVoteState("evt")
	assert.Equal(t, defaultState(), st)
	assert.Equal(t, 0, s.listenerCount("evt"))

	// Old listener no longer fires and its unsubscribe is harmless
	s.LoadVoteStatsForEvent(context.Background(), "evt", "")
	assert.Equal(t, 2, calls)
	unsub()
}

func TestConcurrentVotesSubscribersEndOnFinalState(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{PromoteCount: 1}}
	s := newStore(backend, "tok")
	ctx := context.Background()

	var (
		mu      sync.Mutex
		stalled []VoteEntryState
		other   []VoteEntryState
		once    sync.Once
	)
	blocked := make(chan struct{})
	release := make(chan struct{})

	// The first listener holds up the "up" result while "down" completes
	s.SubscribeVoteState("evt", func(st VoteEntryState) {
		mu.Lock()
		stalled = append(stalled, st)
		mu.Unlock()
		if st.UIValue == votes.UIUp && !st.IsLoading() {
			once.Do(func() {
				close(blocked)
				<-release
			})
		}
	})
	s.SubscribeVoteState("evt", func(st VoteEntryState) {
		mu.Lock()
		other = append(other, st)
		mu.Unlock()
	})
	b := s.Bind(ctx, "evt", BindOptions{Disabled: true})
	defer b.Close()

	upDone := make(chan error, 1)
	go func() { upDone <- s.HandleVoteChange(ctx, "evt", votes.UIUp) }()
	<-blocked

	require.NoError(t, s.HandleVoteChange(ctx, "evt", votes.UIDown))
	close(release)
	require.NoError(t, <-upDone)

	final := s.GetVoteState("evt")
	require.Equal(t, votes.UIDown, final.UIValue)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, final, stalled[len(stalled)-1])
	assert.Equal(t, final, other[len(other)-1])
	for _, seen := range [][]VoteEntryState{stalled, other} {
		for i := 1; i < len(seen); i++ {
			assert.Greater(t, seen[i].Version, seen[i-1].Version)
		}
	}

	var last View
	for len(b.Changes()) > 0 {
		last = <-b.Changes()
	}
	assert.Equal(t, ViewOf(final), last)
}

func TestVoteDuringLoadKeepsLoadGuard(t *testing.T) {
	backend := &fakeBackend{
		stats:   votes.VoteStats{PromoteCount: 2},
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newStore(backend, "tok")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.LoadVoteStatsForEvent(ctx, "evt", "")
		close(done)
	}()
	<-backend.entered

	require.NoError(t, s.HandleVoteChange(ctx, "evt", votes.UIUp))
	st := s.GetVoteState("evt")
	assert.True(t, st.IsLoading(), "the first load is still pending")
	assert.Equal(t, StatusLoading, st.Status)

	s.LoadVoteStatsForEvent(ctx, "evt", "")
	assert.Equal(t, int32(1), backend.getCalls.Load())

	close(backend.release)
	<-done

	st = s.GetVoteState("evt")
	assert.False(t, st.IsLoading())
	assert.True(t, st.IsLoaded)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, int32(1), backend.getCalls.Load())
}

func TestClearDropsResultsOfInFlightLoad(t *testing.T) {
	backend := &fakeBackend{
		stats:   votes.VoteStats{PromoteCount: 7, UserVote: votes.VotePromote},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newStore(backend, "tok")

	done := make(chan struct{})
	go func() {
		s.LoadVoteStatsForEvent(context.Background(), "evt", "")
		close(done)
	}()
	<-backend.entered

	s.ClearVoteStateCache()
	close(backend.release)
	<-done

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UINone, st.UIValue)
	assert.Equal(t, 0, st.Stats.PromoteCount)
	assert.False(t, st.IsLoading())
	assert.False(t, st.IsLoaded)
}

func TestClearDropsResultOfInFlightVote(t *testing.T) {
	backend := &fakeBackend{stats: votes.VoteStats{DemoteCount: 3}}
	s := newStore(backend, "tok")

	// Clearing from the optimistic notification puts the clear inside the
	// vote's request window
	var once sync.Once
	s.SubscribeVoteState("evt", func(st VoteEntryState) {
		if st.IsLoading() {
			once.Do(s.ClearVoteStateCache)
		}
	})

	require.NoError(t, s.HandleVoteChange(context.Background(), "evt", votes.UIDown))

	st := s.GetVoteState("evt")
	assert.Equal(t, votes.UINone, st.UIValue)
	assert.Equal(t, 0, st.Stats.DemoteCount)
	assert.False(t, st.IsLoading())
}

func TestListenerMayVote(t *testing.T) {
	backend := &fakeBackend{}
	s := newStore(backend, "tok")

	var (
		mu   sync.Mutex
		seen []votes.UIVote
		once sync.Once
	)
	s.SubscribeVoteState("evt", func(st VoteEntryState) {
		mu.Lock()
		seen = append(seen, st.UIValue)
		mu.Unlock()
		if !st.IsLoading() {
			once.Do(func() {
				_ = s.HandleVoteChange(context.Background(), "evt", votes.UIDown)
			})
		}
	})

	done := make(chan struct{})
	go func() {
		_ = s.HandleVoteChange(context.Background(), "evt", votes.UIUp)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("voting from a listener deadlocked")
	}

	assert.Equal(t, votes.UIDown, s.GetVoteState("evt").UIValue)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, votes.UIDown, seen[len(seen)-1])
}
