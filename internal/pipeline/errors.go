package pipeline

import "fmt"

// Remote error codes with dedicated handling
const (
	// CodeInvalidAuth is the only remote code mapped to AuthenticationError
	CodeInvalidAuth = "INVALID-AUTHORIZATION-HEADER"

	// CodePollBudgetExceeded is a client-side code for pipelines that never
	// reached a terminal status within the configured poll budget
	CodePollBudgetExceeded = "POLL-BUDGET-EXCEEDED"
)

// AuthenticationError indicates the bearer token was rejected by the remote
// API. It is fatal and never retried.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "invalid token used"
	}
	return fmt.Sprintf("invalid token used: %s", e.Message)
}

// PipelineError covers every non-auth failure of a pipeline call: a non-200
// response with a remote error code, a FAILED terminal status, or an
// exhausted poll budget. Fatal to the operation it belongs to.
type PipelineError struct {
	PipelineID string // empty when the failure happened before initiate succeeded
	StatusCode int    // HTTP status, 0 for terminal-status and budget failures
	Code       string
	Message    string
}

func (e *PipelineError) Error() string {
	if e.PipelineID != "" {
		return fmt.Sprintf("pipeline %s: %s: %s", e.PipelineID, e.Code, e.Message)
	}
	return fmt.Sprintf("pipeline request: %s: %s", e.Code, e.Message)
}

// MalformedResponseError indicates a 200 response that does not carry a
// required field, caught at the boundary instead of faulting on lookup.
type MalformedResponseError struct {
	Endpoint string
	Field    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: missing %s", e.Endpoint, e.Field)
}
