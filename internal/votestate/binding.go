package votestate

import (
	"context"
	"sync"

	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// changesBuffer is how many undelivered views a Binding keeps before
// dropping the oldest
const changesBuffer = 16

// BindOptions configures a Binding. The zero value loads on bind.
type BindOptions struct {
	// Disabled skips the automatic load; the binding still tracks changes.
	Disabled bool
}

// Binding ties one consumer to one event id in a Store. It subscribes on
// creation, starts a load when needed and unsubscribes on Close. Closing
// does not cancel a load it started, since other consumers share it.
type Binding struct {
	store *Store
	opts  BindOptions

	mu          sync.Mutex
	eventID     string
	unsubscribe func()
	changes     chan View
	closed      bool
	loads       sync.WaitGroup
}

// Bind attaches a new Binding to eventID
func (s *Store) Bind(ctx context.Context, eventID string, opts BindOptions) *Binding {
	b := &Binding{
		store:   s,
		opts:    opts,
		changes: make(chan View, changesBuffer),
	}

	b.mu.Lock()
	b.attachLocked(ctx, eventID)
	b.mu.Unlock()
	return b
}

func (b *Binding) attachLocked(ctx context.Context, eventID string) {
	b.eventID = eventID
	b.unsubscribe = b.store.SubscribeVoteState(eventID, func(st VoteEntryState) {
		b.deliver(eventID, st)
	})

	if b.opts.Disabled {
		return
	}
	if st := b.store.GetVoteState(eventID); st.canLoad() {
		b.loads.Add(1)
		go func() {
			defer b.loads.Done()
			b.store.LoadVoteStatsForEvent(ctx, eventID, "")
		}()
	}
}

func (b *Binding) deliver(eventID string, st VoteEntryState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || eventID != b.eventID {
		return
	}

	v := ViewOf(st)
	select {
	case b.changes <- v:
	default:
		// Drop the oldest so the newest view is always delivered
		select {
		case <-b.changes:
		default:
		}
		select {
		case b.changes <- v:
		default:
		}
	}
}

// EventID returns the id the binding currently follows
func (b *Binding) EventID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventID
}

// View returns the current presentation values
func (b *Binding) View() View {
	return ViewOf(b.store.GetVoteState(b.EventID()))
}

// Changes delivers a View after every change to the bound entry. It is
// closed by Close.
func (b *Binding) Changes() <-chan View {
	return b.changes
}

// HandleVoteChange votes on the bound event
func (b *Binding) HandleVoteChange(ctx context.Context, vote votes.UIVote) error {
	return b.store.HandleVoteChange(ctx, b.EventID(), vote)
}

// Refresh reloads the bound event, bypassing the dedup guard
func (b *Binding) Refresh(ctx context.Context) {
	b.store.Refresh(ctx, b.EventID())
}

// Rebind switches the binding to another event id
func (b *Binding) Rebind(ctx context.Context, eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || eventID == b.eventID {
		return
	}
	b.unsubscribe()
	b.attachLocked(ctx, eventID)
}

// Close unsubscribes and closes the Changes channel. Safe to call more than once.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.unsubscribe()
	close(b.changes)
}

// Wait blocks until every load started by this binding has returned
func (b *Binding) Wait() {
	b.loads.Wait()
}
