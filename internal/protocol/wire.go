package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Poll response types.
const (
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeTryAgain  = "try_again"
)

// SubmitRequest is the body posted to the backend when submitting a job.
type SubmitRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmitResponse is the handle returned by a successful submission.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

// DecodeSubmitResponse parses a submit response, requiring a request ID.
func DecodeSubmitResponse(body []byte) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing submit response: %w", err)
	}
	if resp.RequestID == "" {
		return nil, fmt.Errorf("submit response missing request_id")
	}
	return &resp, nil
}

// PollResponse is the decoded outcome of one retrieval attempt.
type PollResponse struct {
	Type      string
	RequestID string

	// Result carries the completed payload (Type == TypeCompleted).
	Result json.RawMessage

	// ErrorCode and ErrorMessage describe a terminal failure
	// (Type == TypeFailed).
	ErrorCode    string
	ErrorMessage string

	// QueueState, RetryAfter, and Reason describe backpressure
	// (Type == TypeTryAgain). RetryAfter is zero when the server gave no
	// hint; Reason is the optional server-supplied explanation.
	QueueState QueueState
	RetryAfter time.Duration
	Reason     string
}

type wireFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// pollWire is the raw envelope. Pointer fields distinguish absent from
// zero-valued, which the strict validation below depends on.
type pollWire struct {
	Type             string          `json:"type"`
	RequestID        string          `json:"request_id"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *wireFailure    `json:"error,omitempty"`
	QueueState       *string         `json:"queue_state,omitempty"`
	RetryAfterMs     *int64          `json:"retry_after_ms,omitempty"`
	QueueStateReason string          `json:"queue_state_reason,omitempty"`
}

// DecodePollResponse parses a poll response body. Malformed input fails
// parsing rather than silently defaulting: an unknown type, a missing
// request_id, or a negative retry_after_ms is an error. A missing or
// unrecognized queue_state on a try-again response maps to QueueUnknown.
func DecodePollResponse(body []byte) (*PollResponse, error) {
	var wire pollWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing poll response: %w", err)
	}

	if wire.RequestID == "" {
		return nil, fmt.Errorf("poll response missing request_id")
	}

	resp := &PollResponse{Type: wire.Type, RequestID: wire.RequestID}

	switch wire.Type {
	case TypeCompleted:
		resp.Result = wire.Result

	case TypeFailed:
		if wire.Error != nil {
			resp.ErrorCode = wire.Error.Code
			resp.ErrorMessage = wire.Error.Message
		}
		if resp.ErrorCode == "" {
			resp.ErrorCode = "JOB_FAILED"
		}

	case TypeTryAgain:
		if wire.QueueState != nil {
			resp.QueueState = ParseQueueState(*wire.QueueState)
		} else {
			resp.QueueState = QueueUnknown
		}
		if wire.RetryAfterMs != nil {
			if *wire.RetryAfterMs < 0 {
				return nil, fmt.Errorf("poll response: negative retry_after_ms %d", *wire.RetryAfterMs)
			}
			resp.RetryAfter = time.Duration(*wire.RetryAfterMs) * time.Millisecond
		}
		resp.Reason = wire.QueueStateReason

	case "":
		return nil, fmt.Errorf("poll response missing type")
	default:
		return nil, fmt.Errorf("poll response: unknown type %q", wire.Type)
	}

	return resp, nil
}

// EncodeTryAgain builds a try-again poll response body. Used by the backend
// simulator and by tests.
func EncodeTryAgain(requestID string, state QueueState, retryAfter time.Duration, reason string) ([]byte, error) {
	wire := pollWire{
		Type:             TypeTryAgain,
		RequestID:        requestID,
		QueueStateReason: reason,
	}
	s := string(state)
	wire.QueueState = &s
	if retryAfter > 0 {
		ms := retryAfter.Milliseconds()
		wire.RetryAfterMs = &ms
	}
	return json.Marshal(wire)
}

// EncodeCompleted builds a completed poll response body.
func EncodeCompleted(requestID string, result json.RawMessage) ([]byte, error) {
	return json.Marshal(pollWire{Type: TypeCompleted, RequestID: requestID, Result: result})
}

// EncodeFailed builds a failed poll response body.
func EncodeFailed(requestID, code, message string) ([]byte, error) {
	return json.Marshal(pollWire{
		Type:      TypeFailed,
		RequestID: requestID,
		Error:     &wireFailure{Code: code, Message: message},
	})
}
