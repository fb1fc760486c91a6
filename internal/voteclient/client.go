package voteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// DefaultBaseURL is the versioned API root used when none is configured
const DefaultBaseURL = "http://localhost:8080/api/v1"

// APIError is returned for any non-2xx response from the vote API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client talks to the timeline vote endpoints. Every call takes its bearer
// token explicitly; the client holds no session.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a vote API client. An empty baseURL uses DefaultBaseURL.
// A nil httpClient gets a 30s timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the API root this client sends requests to
func (c *Client) BaseURL() string {
	return c.baseURL
}

type castRequest struct {
	VoteType votes.BackendVote `json:"vote_type"`
}

// CastVote records a promote or demote vote and returns the post-vote stats
func (c *Client) CastVote(ctx context.Context, eventID string, vote votes.BackendVote, token string) (votes.VoteStats, error) {
	if vote != votes.VotePromote && vote != votes.VoteDemote {
		return votes.VoteStats{}, fmt.Errorf("cannot cast vote type %q", vote)
	}

	body, err := json.Marshal(castRequest{VoteType: vote})
	if err != nil {
		return votes.VoteStats{}, fmt.Errorf("failed to encode vote: %w", err)
	}

	return c.doStats(ctx, http.MethodPost, c.eventURL(eventID, "vote"), body, token, "failed to cast vote")
}

// GetVoteStats fetches stats for an event. token may be empty for an
// anonymous read.
func (c *Client) GetVoteStats(ctx context.Context, eventID string, token string) (votes.VoteStats, error) {
	return c.doStats(ctx, http.MethodGet, c.eventURL(eventID, "votes"), nil, token, "failed to get vote stats")
}

// RemoveVote deletes the caller's vote and returns the post-removal stats
func (c *Client) RemoveVote(ctx context.Context, eventID string, token string) (votes.VoteStats, error) {
	return c.doStats(ctx, http.MethodDelete, c.eventURL(eventID, "vote"), nil, token, "failed to remove vote")
}

func (c *Client) eventURL(eventID, suffix string) string {
	return fmt.Sprintf("%s/events/%s/%s", c.baseURL, url.PathEscape(eventID), suffix)
}

// doStats performs the request and decodes a VoteStats body. genericMsg is
// used when a failed response carries no error field.
func (c *Client) doStats(ctx context.Context, method, url string, body []byte, token, genericMsg string) (votes.VoteStats, error) {
	resp, err := c.doRequest(ctx, method, url, body, token)
	if err != nil {
		return votes.VoteStats{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return votes.VoteStats{}, readAPIError(resp, genericMsg)
	}

	var stats votes.VoteStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return votes.VoteStats{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return stats, nil
}

// doRequest makes a request to the vote API, adding the bearer token if set
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "timeline-votes-client")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readAPIError turns a failed response into an *APIError. A body that is not
// JSON surfaces the decode error itself.
func readAPIError(resp *http.Response, genericMsg string) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode error response (status %d): %w", resp.StatusCode, err)
	}

	msg := payload.Error
	if msg == "" {
		msg = genericMsg
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
