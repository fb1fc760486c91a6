package votes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// BackendVote is the server-side vote vocabulary.
type BackendVote string

// Backend vote values
const (
	VotePromote BackendVote = "promote"
	VoteDemote  BackendVote = "demote"
	VoteNone    BackendVote = "none"
)

// UIVote is the vote vocabulary exposed to view code.
type UIVote string

// UI vote values
const (
	UIUp   UIVote = "up"
	UIDown UIVote = "down"
	UINone UIVote = "none"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// ParseBackendVote strictly parses a wire vote type. It reports false for
// anything outside promote/demote/none.
func ParseBackendVote(s string) (BackendVote, bool) {
	switch BackendVote(s) {
	case VotePromote, VoteDemote, VoteNone:
		return BackendVote(s), true
	}
	return VoteNone, false
}

// ToBackend maps a UI vote to the backend vocabulary.
// Unknown values map to VoteNone and log a warning.
func ToBackend(v UIVote) BackendVote {
	switch v {
	case UIUp:
		return VotePromote
	case UIDown:
		return VoteDemote
	case UINone, "":
		return VoteNone
	}
	slog.Warn("Unknown UI vote type, treating as none", "vote", string(v))
	return VoteNone
}

// ToUI maps a backend vote to the UI vocabulary.
// Unknown values map to UINone and log a warning.
func ToUI(v BackendVote) UIVote {
	switch v {
	case VotePromote:
		return UIUp
	case VoteDemote:
		return UIDown
	case VoteNone, "":
		return UINone
	}
	slog.Warn("Unknown backend vote type, treating as none", "vote", string(v))
	return UINone
}

// VoteStats is the per-event vote summary returned by every vote endpoint.
type VoteStats struct {
	PromoteCount int
	DemoteCount  int
	UserVote     BackendVote
}

// Total returns promote + demote.
func (s VoteStats) Total() int {
	return s.PromoteCount + s.DemoteCount
}

// PositiveRatio returns the share of promote votes, or 0.5 when nobody voted
// so an empty vote bar renders as an even split.
func (s VoteStats) PositiveRatio() float64 {
	total := s.Total()
	if total <= 0 {
		return 0.5
	}
	return float64(s.PromoteCount) / float64(total)
}

type wireStats struct {
	PromoteCount int     `json:"promote_count"`
	DemoteCount  int     `json:"demote_count"`
	UserVote     *string `json:"user_vote"`
}

// MarshalJSON writes the snake_case wire shape; VoteNone becomes null.
func (s VoteStats) MarshalJSON() ([]byte, error) {
	w := wireStats{
		PromoteCount: s.PromoteCount,
		DemoteCount:  s.DemoteCount,
	}
	if s.UserVote == VotePromote || s.UserVote == VoteDemote {
		uv := string(s.UserVote)
		w.UserVote = &uv
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire shape. Negative counts are clamped to zero and
// unrecognised user_vote values are normalised to VoteNone.
func (s *VoteStats) UnmarshalJSON(data []byte) error {
	var w wireStats
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode vote stats: %w", err)
	}

	s.PromoteCount = max(w.PromoteCount, 0)
	s.DemoteCount = max(w.DemoteCount, 0)
	s.UserVote = VoteNone

	if w.UserVote != nil {
		v, ok := ParseBackendVote(*w.UserVote)
		if !ok {
			slog.Warn("Unknown user_vote from backend, treating as none", "user_vote", *w.UserVote)
		}
		s.UserVote = v
	}
	return nil
}
