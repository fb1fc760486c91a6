package votestate

import (
	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// Status is the outcome of the latest request on a single entry
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// VoteEntryState is an immutable snapshot of one event's vote state.
// Every change produces a new value with a higher Version.
type VoteEntryState struct {
	UIValue   votes.UIVote
	Stats     votes.VoteStats
	Status    Status
	LastError string
	// IsLoaded is set once any load attempt has finished, successful or not.
	IsLoaded bool
	// Version increases with every change across the whole store, so a
	// later snapshot always carries a higher Version.
	Version uint64

	// Fetches and vote mutations in flight, counted apart so that one
	// finishing cannot hide the other. A vote completing mid-load must not
	// reopen the dedup guard.
	loads     int
	mutations int
}

// IsLoading reports whether a fetch or vote mutation is in flight
func (s VoteEntryState) IsLoading() bool {
	return s.loads > 0 || s.mutations > 0
}

func defaultState() VoteEntryState {
	return VoteEntryState{
		UIValue: votes.UINone,
		Stats:   votes.VoteStats{UserVote: votes.VoteNone},
		Status:  StatusIdle,
	}
}

// canLoad is the dedup guard: nothing in flight and nothing loaded yet
func (s VoteEntryState) canLoad() bool {
	return !s.IsLoading() && !s.IsLoaded
}

func (s VoteEntryState) beginLoad() VoteEntryState {
	s.Status = StatusLoading
	s.loads++
	return s
}

func (s VoteEntryState) endLoad() VoteEntryState {
	if s.loads > 0 {
		s.loads--
	}
	return s
}

// settled is the status after a request finishes without error
func (s VoteEntryState) settled() Status {
	if s.IsLoading() {
		return StatusLoading
	}
	return StatusIdle
}

// loadSucceeded and loadFailed record an outcome; a fetch that was started
// with beginLoad calls endLoad first.
func (s VoteEntryState) loadSucceeded(stats votes.VoteStats) VoteEntryState {
	s.Stats = stats
	s.UIValue = votes.ToUI(stats.UserVote)
	s.Status = s.settled()
	s.LastError = ""
	s.IsLoaded = true
	return s
}

// loadFailed keeps the previous stats and UI value
func (s VoteEntryState) loadFailed(msg string) VoteEntryState {
	s.Status = StatusError
	s.LastError = msg
	s.IsLoaded = true
	return s
}

func (s VoteEntryState) beginVote(optimistic votes.UIVote) VoteEntryState {
	s.UIValue = optimistic
	s.Status = StatusLoading
	s.LastError = ""
	s.mutations++
	return s
}

func (s VoteEntryState) endVote() VoteEntryState {
	if s.mutations > 0 {
		s.mutations--
	}
	return s
}

// voteSucceeded takes the server's answer over the optimistic value
func (s VoteEntryState) voteSucceeded(stats votes.VoteStats) VoteEntryState {
	s = s.endVote()
	s.Stats = stats
	s.UIValue = votes.ToUI(stats.UserVote)
	s.Status = s.settled()
	s.LastError = ""
	return s
}

func (s VoteEntryState) voteFailed(previous votes.UIVote, msg string) VoteEntryState {
	s = s.endVote()
	s.UIValue = previous
	s.Status = StatusError
	s.LastError = msg
	return s
}

// View is the presentation form of an entry handed to bound consumers
type View struct {
	Value         votes.UIVote    `json:"value"`
	Stats         votes.VoteStats `json:"stats"`
	TotalVotes    int             `json:"total_votes"`
	PositiveRatio float64         `json:"positive_ratio"`
	IsLoading     bool            `json:"is_loading"`
	Error         string          `json:"error,omitempty"`
}

// ViewOf derives presentation values from a snapshot
func ViewOf(s VoteEntryState) View {
	return View{
		Value:         s.UIValue,
		Stats:         s.Stats,
		TotalVotes:    s.Stats.Total(),
		PositiveRatio: s.Stats.PositiveRatio(),
		IsLoading:     s.IsLoading(),
		Error:         s.LastError,
	}
}
