package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Pipeline terminal and transient statuses as reported by the tasking API
const (
	StatusPending  = "PENDING"
	StatusResolved = "RESOLVED"
	StatusFailed   = "FAILED"
)

const (
	// defaultNextTrySeconds is used when a status poll omits nextTry
	defaultNextTrySeconds = 100

	// DefaultMaxPollAttempts bounds the number of status polls per pipeline
	DefaultMaxPollAttempts = 120

	// DefaultPollBudget bounds the total wall-clock time spent waiting on
	// one pipeline. Both caps are hardening additions: the remote contract
	// itself has no upper bound
	DefaultPollBudget = 30 * time.Minute
)

// Client drives one remote long-running pipeline endpoint through its
// initiate/poll/retrieve lifecycle. The status endpoint is shared by every
// pipeline kind, so all clients point at the same tasking address.
type Client struct {
	baseURL    string
	statusURL  string
	token      string
	httpClient *http.Client
	maxPolls   int
	pollBudget time.Duration

	// sleep is replaceable so the poll schedule is testable without real waits
	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds the dependencies for a pipeline client
type Config struct {
	BaseURL         string // endpoint base, e.g. {base}/initiate and {base}/retrieve
	StatusURL       string // shared tasking get-status address
	Token           string // bearer token attached to every request
	HTTPClient      *http.Client
	MaxPollAttempts int           // <= 0 selects DefaultMaxPollAttempts
	PollBudget      time.Duration // <= 0 selects DefaultPollBudget
}

// NewClient creates a pipeline client with all dependencies injected
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if cfg.StatusURL == "" {
		return nil, fmt.Errorf("StatusURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	maxPolls := cfg.MaxPollAttempts
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPollAttempts
	}

	budget := cfg.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		statusURL:  cfg.StatusURL,
		token:      cfg.Token,
		httpClient: httpClient,
		maxPolls:   maxPolls,
		pollBudget: budget,
		sleep:      sleepContext,
	}, nil
}

// handle is the initiate response: the id of the in-flight job plus the
// server's hint for when to poll it first
type handle struct {
	PipelineID string   `json:"pipelineId"`
	NextTry    *float64 `json:"nextTry"`
}

// statusResponse is one poll result from the shared tasking endpoint
type statusResponse struct {
	Status  string   `json:"status"`
	NextTry *float64 `json:"nextTry"`
}

// GetData submits initiatePayload to {base}/initiate, polls the shared
// status endpoint until the pipeline resolves, and returns the raw retrieve
// body. Waits between polls are dictated entirely by the server's nextTry
// hints; there is no client-side backoff policy.
func (c *Client) GetData(ctx context.Context, initiatePayload interface{}) (json.RawMessage, error) {
	body, err := c.post(ctx, c.baseURL+"/initiate", initiatePayload)
	if err != nil {
		return nil, err
	}

	var h handle
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("failed to parse initiate response: %w", err)
	}
	if h.PipelineID == "" {
		return nil, &MalformedResponseError{Endpoint: c.baseURL + "/initiate", Field: "pipelineId"}
	}

	// Absent nextTry on initiate means poll immediately
	nextTry := 0.0
	if h.NextTry != nil {
		nextTry = *h.NextTry
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if attempt >= c.maxPolls {
			return nil, &PipelineError{
				PipelineID: h.PipelineID,
				Code:       CodePollBudgetExceeded,
				Message:    fmt.Sprintf("pipeline not resolved after %d status polls", c.maxPolls),
			}
		}

		wait := time.Duration(nextTry * float64(time.Second))
		if elapsed := time.Since(start); elapsed+wait > c.pollBudget {
			return nil, &PipelineError{
				PipelineID: h.PipelineID,
				Code:       CodePollBudgetExceeded,
				Message:    fmt.Sprintf("poll budget of %s exhausted after %s", c.pollBudget, elapsed.Round(time.Second)),
			}
		}

		log.Printf("[Pipeline] waiting %gs before status check of pipeline %s", nextTry, h.PipelineID)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("pipeline %s interrupted: %w", h.PipelineID, err)
		}

		body, err := c.post(ctx, c.statusURL, map[string]string{"pipelineId": h.PipelineID})
		if err != nil {
			return nil, err
		}

		var st statusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("failed to parse status response for pipeline %s: %w", h.PipelineID, err)
		}

		if st.Status == StatusResolved {
			break
		}
		if st.Status == StatusFailed {
			return nil, &PipelineError{
				PipelineID: h.PipelineID,
				Code:       StatusFailed,
				Message:    "an error occurred during processing",
			}
		}

		// PENDING and anything unrecognized keep the loop going
		nextTry = defaultNextTrySeconds
		if st.NextTry != nil {
			nextTry = *st.NextTry
		}
	}

	log.Printf("[Pipeline] pipeline %s resolved, retrieving result", h.PipelineID)
	return c.post(ctx, c.baseURL+"/retrieve", map[string]string{"pipelineId": h.PipelineID})
}

// post sends a JSON payload with the bearer token and returns the raw body.
// Non-200 responses are classified into the error taxonomy.
func (c *Client) post(ctx context.Context, address string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", address, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", address, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", address, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRemoteError(resp.StatusCode, data)
	}

	return data, nil
}

// classifyRemoteError maps a non-200 body {error, errorMessage} onto the
// error taxonomy. INVALID-AUTHORIZATION-HEADER is the only auth code; every
// other code is a pipeline failure carrying the remote code and message.
func classifyRemoteError(statusCode int, body []byte) error {
	var remote struct {
		Error        string `json:"error"`
		ErrorMessage string `json:"errorMessage"`
	}
	// A non-JSON error body still classifies, just without code/message
	_ = json.Unmarshal(body, &remote)

	if remote.Error == CodeInvalidAuth {
		return &AuthenticationError{Message: remote.ErrorMessage}
	}

	return &PipelineError{
		StatusCode: statusCode,
		Code:       remote.Error,
		Message:    remote.ErrorMessage,
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
