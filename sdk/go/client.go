package chronotrialsdk

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
)

// Client is a minimal Chronotrial HTTP API client, meant for scoreboard
// displays and remote timing consoles.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Trial represents the API trial model.
type Trial struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	ScheduledAt string  `json:"scheduled_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	EndedAt     *string `json:"ended_at,omitempty"`
}

// Registration is an athlete bound to a trial under a plate code.
type Registration struct {
	ID        int64  `json:"id"`
	TrialID   int64  `json:"trial_id"`
	PlateCode string `json:"plate_code"`
	Athlete   string `json:"athlete"`
	Category  string `json:"category"`
	Modality  string `json:"modality"`
}

// RankingEntry is one row of a ranking.
type RankingEntry struct {
	Position   int    `json:"position"`
	PlateCode  string `json:"plate_code"`
	Athlete    string `json:"athlete"`
	Category   string `json:"category"`
	Modality   string `json:"modality"`
	DurationMs int64  `json:"duration_ms"`
	Duration   string `json:"duration"`
}

// FinishOutcome is the per-plate outcome of a finish batch.
type FinishOutcome struct {
	PlateCode  string `json:"plate_code"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Trials lists trials, optionally filtered by status.
func (c *Client) Trials(ctx context.Context, status string) ([]Trial, error) {
	endpoint := "v0/trials"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Trial
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunningTrial returns the currently running trial.
func (c *Client) RunningTrial(ctx context.Context) (Trial, error) {
	var resp Trial
	err := c.do(ctx, http.MethodGet, "v0/trials/running", nil, &resp)
	return resp, err
}

// Participants lists registrations for a trial.
func (c *Client) Participants(ctx context.Context, trialID int64) ([]Registration, error) {
	var resp []Registration
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/trials/%d/participants", trialID), nil, &resp)
	return resp, err
}

// Ranking returns the trial ranking under the given policy ("current" or
// "best"; empty means current).
func (c *Client) Ranking(ctx context.Context, trialID int64, policy string) ([]RankingEntry, error) {
	endpoint := fmt.Sprintf("v0/trials/%d/rankings", trialID)
	if policy != "" {
		endpoint += "?policy=" + url.QueryEscape(policy)
	}
	var resp []RankingEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordFinish stamps a comma-separated plate batch with a finish instant.
func (c *Client) RecordFinish(ctx context.Context, trialID int64, plates, notes string) ([]FinishOutcome, error) {
	body := map[string]any{
		"plates": plates,
		"notes":  notes,
	}
	var resp struct {
		Outcomes []FinishOutcome `json:"outcomes"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/trials/%d/finish", trialID), body, &resp)
	return resp.Outcomes, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
