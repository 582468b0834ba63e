package hubclient

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotConnected    = errors.New("not connected")
	ErrConnectInFlight = errors.New("connect already in progress")
	ErrManagerClosed   = errors.New("manager disconnected")
	ErrNoToken         = errors.New("no token in credential response")
	ErrRefreshFailed   = errors.New("credential refresh failed")
	ErrChannelClosed   = errors.New("channel closed")
)

// APIError is the error form of a failed Outcome.
type APIError struct {
	Kind    OutcomeKind `json:"kind"`
	Status  int         `json:"status,omitempty"`
	Message string      `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return e.Kind.String() + ": " + e.Message
}

// ============================================================================
// Outcome
// ============================================================================

// OutcomeKind classifies how a request/response call ended.
type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota
	// KindTransport means no response reached the client.
	KindTransport
	// KindCancelled means the caller cancelled the call.
	KindCancelled
	// KindSessionExpired means the credentials expired and could not be refreshed.
	KindSessionExpired
	// KindServer means the backend answered with a non-success status.
	KindServer
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransport:
		return "transport"
	case KindCancelled:
		return "cancelled"
	case KindSessionExpired:
		return "session_expired"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// MarshalText renders the kind by name.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of Client.Send. Failures are data, not errors.
type Outcome struct {
	OK        bool            `json:"ok"`
	Kind      OutcomeKind     `json:"kind"`
	Status    int             `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Decode unmarshals Data into v. An empty body leaves v untouched.
func (o *Outcome) Decode(v any) error {
	if len(o.Data) == 0 {
		return nil
	}
	return json.Unmarshal(o.Data, v)
}

// Err returns nil for a successful outcome and an *APIError otherwise.
func (o *Outcome) Err() error {
	if o.OK {
		return nil
	}
	return &APIError{Kind: o.Kind, Status: o.Status, Message: o.Message}
}

// DecodeOutcome decodes the data of a successful outcome into a new T.
func DecodeOutcome[T any](o *Outcome) (*T, error) {
	if err := o.Err(); err != nil {
		return nil, err
	}
	var result T
	if err := o.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
