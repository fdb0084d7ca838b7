// Package remotestorage specifies the authenticated, reconnecting
// subscription client the orchestrator talks to: set/delete/range over a
// namespace's keys, and a single change-notification subscription scoped
// to the keys declared at token issuance. The wire format and
// reconnection internals of the backing transport are this package's
// concern; callers only ever see Client and the ConnectionState stream.
package remotestorage

import (
	"context"
	"errors"
)

// ConnectionState mirrors the observable `multiplayer.connectionState`
// sub-state exposed on the wrapped store, one state for one state.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	Reconnecting ConnectionState = "RECONNECTING"
)

var (
	// ErrConnect is returned by Connect when the client could not
	// establish a session after its bounded retry schedule.
	ErrConnect = errors.New("remotestorage: connect failed")
	// ErrProtocol wraps a non-success response code from a remote op.
	ErrProtocol = errors.New("remotestorage: protocol error")
	// ErrDestroyed is returned by any operation invoked after Close.
	ErrDestroyed = errors.New("remotestorage: client destroyed")
)

// KV is a single stored key/value pair as returned by Range.
type KV struct {
	Key   string
	Value []byte
}

// RangeResult is one page of a lexicographic range scan. Truncated
// indicates more keys exist past LastKey; the caller resumes with
// start = LastKey + "\x00".
type RangeResult struct {
	Items     []KV
	Truncated bool
	LastKey   string
}

// Notification is a single inbound change-notification delivered to a
// Subscribe handler. Value is nil for a remote deletion.
type Notification struct {
	Key       string
	Value     []byte
	Timestamp int64
}

// Stats is whatever connection diagnostics the transport can offer.
type Stats struct {
	ConnectionState ConnectionState
	PoolSize        int
	IdleConns       int
	LastRoundTrip   int64 // milliseconds, 0 if unknown
}

// Client is the authenticated, reconnecting subscription client the
// orchestrator depends on. Reconnection is the implementation's
// responsibility; callers only react to the ConnectionState transitions
// delivered via OnStateChange.
type Client interface {
	// Connect establishes an authenticated session using token. It emits
	// connection-state transitions as it progresses and fails with
	// ErrConnect after the implementation's bounded retry schedule is
	// exhausted.
	Connect(ctx context.Context, token string) error

	// Disconnect tears down the current session without releasing
	// registered listeners, so a subsequent Connect can resume them.
	Disconnect(ctx context.Context) error

	// Close tears down the session permanently and releases all
	// listeners and background goroutines. Idempotent.
	Close() error

	// Set performs a last-writer-wins write. replace=false requests a
	// set-if-absent write; implementations that cannot honor that return
	// ErrProtocol.
	Set(ctx context.Context, key string, wrappedJSON []byte, replace bool) error

	// Delete removes a single key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Range returns one page of the lexicographic scan [startKey,
	// endKey). pageSize bounds the number of items returned.
	Range(ctx context.Context, startKey, endKey string, pageSize int) (RangeResult, error)

	// Subscribe registers a single change-notification handler and
	// returns a subscription id for later Unsubscribe. Only one
	// subscription is meaningful per Client: one handler per store
	// instance.
	Subscribe(ctx context.Context, handler func(Notification)) (string, error)

	// Unsubscribe tears down a previously registered subscription.
	Unsubscribe(subscriptionID string) error

	// ConnectionStats reports the current state and whatever else the
	// transport exposes.
	ConnectionStats() Stats

	// OnStateChange registers a listener for connection-state
	// transitions and returns a function that removes it. Cleanup is
	// idempotent.
	OnStateChange(fn func(ConnectionState)) (unsubscribe func())
}
