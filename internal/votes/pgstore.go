package votes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore provides database operations for event votes and API tokens
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new vote store
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// rowQuerier is satisfied by both the pool and a transaction
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Cast records or replaces a user's vote on an event and returns the
// post-mutation stats from the same transaction.
func (s *PGStore) Cast(ctx context.Context, eventID uuid.UUID, userID string, vote BackendVote) (VoteStats, error) {
	if vote != VotePromote && vote != VoteDemote {
		return VoteStats{}, fmt.Errorf("invalid vote type %q", vote)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return VoteStats{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO event_votes (event_id, user_id, vote_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, user_id)
		DO UPDATE SET vote_type = EXCLUDED.vote_type, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, eventID, userID, string(vote)); err != nil {
		return VoteStats{}, fmt.Errorf("failed to cast vote: %w", err)
	}

	stats, err := queryStats(ctx, tx, eventID, userID)
	if err != nil {
		return VoteStats{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VoteStats{}, fmt.Errorf("failed to commit vote: %w", err)
	}
	return stats, nil
}

// Remove deletes a user's vote. Removing a vote that does not exist is not
// an error; the current stats are returned either way.
func (s *PGStore) Remove(ctx context.Context, eventID uuid.UUID, userID string) (VoteStats, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return VoteStats{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM event_votes WHERE event_id = $1 AND user_id = $2`, eventID, userID); err != nil {
		return VoteStats{}, fmt.Errorf("failed to remove vote: %w", err)
	}

	stats, err := queryStats(ctx, tx, eventID, userID)
	if err != nil {
		return VoteStats{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VoteStats{}, fmt.Errorf("failed to commit vote removal: %w", err)
	}
	return stats, nil
}

// Stats returns the vote breakdown for an event. An empty userID is an
// anonymous read and always reports VoteNone.
func (s *PGStore) Stats(ctx context.Context, eventID uuid.UUID, userID string) (VoteStats, error) {
	return queryStats(ctx, s.pool, eventID, userID)
}

func queryStats(ctx context.Context, q rowQuerier, eventID uuid.UUID, userID string) (VoteStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE vote_type = 'promote') AS promote_count,
			COUNT(*) FILTER (WHERE vote_type = 'demote') AS demote_count,
			MAX(vote_type) FILTER (WHERE user_id = $2) AS user_vote
		FROM event_votes
		WHERE event_id = $1
	`

	var (
		stats    VoteStats
		userVote *string
	)
	err := q.QueryRow(ctx, query, eventID, userID).Scan(&stats.PromoteCount, &stats.DemoteCount, &userVote)
	if err != nil {
		return VoteStats{}, fmt.Errorf("failed to get vote stats: %w", err)
	}

	stats.UserVote = VoteNone
	if userID != "" && userVote != nil {
		stats.UserVote, _ = ParseBackendVote(*userVote)
	}
	return stats, nil
}

// UserForToken resolves a bearer token to its user id.
// Returns ErrUnauthorized if the token is unknown.
func (s *PGStore) UserForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM api_tokens WHERE token_hash = $1`, hashToken(token)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return userID, nil
}

// IssueToken creates a new bearer token for userID. Only the hash is stored.
func (s *PGStore) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	_, err := s.pool.Exec(ctx, `INSERT INTO api_tokens (token_hash, user_id) VALUES ($1, $2)`, hashToken(token), userID)
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// RevokeTokens deletes every token issued to userID and returns how many were removed
func (s *PGStore) RevokeTokens(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
