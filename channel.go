package hubclient

import (
	"context"
	"encoding/json"
)

// TokenFunc supplies a credential for authenticating the duplex channel.
// Client.FetchToken is the usual implementation.
type TokenFunc func(ctx context.Context) (string, error)

// Channel is the duplex transport consumed by Manager. Implementations keep
// their own short transport-level retry loop and report it through the
// reconnecting/reconnected hooks; OnClose fires once the transport gives up.
// Stop never fires OnClose.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Connected reports whether the transport currently has a live connection.
	Connected() bool

	// On registers a handler for a named inbound event.
	On(event string, fn func(payload json.RawMessage))
	// Invoke calls a named remote operation and waits for its completion.
	Invoke(ctx context.Context, method string, args ...any) error

	OnReconnecting(fn func(err error))
	OnReconnected(fn func())
	OnClose(fn func(err error))
}

// ChannelFactory builds a fresh, unstarted Channel. Manager calls it on every
// connect so each connection epoch gets its own transport.
type ChannelFactory func(token TokenFunc) Channel

// ============================================================================
// Wire format
// ============================================================================

const (
	envelopeEvent      = "event"
	envelopeInvoke     = "invoke"
	envelopeCompletion = "completion"
)

// Envelope is the JSON frame exchanged with the hub.
type Envelope struct {
	Type         string          `json:"type"`
	Target       string          `json:"target,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Error        string          `json:"error,omitempty"`
}
