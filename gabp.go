package gabp

import (
	"context"
	"encoding/json"
)

// Subscriber is the contract the event manager fans events out to. TCP
// connections implement it, as do the sinks of the SSE event mirror. A
// Subscriber that reports Connected false, or whose Send fails, is removed
// from every channel it subscribed to.
type Subscriber interface {
	// ID returns the unique identifier for this subscriber. The
	// implementation must guarantee IDs are unique across all active
	// subscribers.
	ID() string

	// Connected reports whether the underlying transport is still open.
	Connected() bool

	// Send transmits a message to the subscriber. Implementations must
	// serialize concurrent sends so that frames never interleave.
	Send(ctx context.Context, msg Message) error
}

// ToolHandler executes a tool invocation. It receives the raw arguments
// value from tools/call and returns a JSON-marshalable result. A returned
// error is surfaced to the bridge as an InternalError response carrying the
// error's message.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)
