// Package transport provides the channel connecting a context to the
// privileged background hub and to its peer contexts. Two implementations
// exist: a Unix domain socket transport for real deployments and an
// in-memory transport for deterministic tests.
package transport

import (
	"context"

	"github.com/tabwire/bridge/pkg/types"
)

// Transport is a duplex channel to the background hub plus a fan-out
// broadcast channel to peer contexts. All methods are safe for use from
// a single context's event loop; implementations own their goroutines.
type Transport interface {
	// Connect establishes the channel to the background hub
	Connect(ctx context.Context) error

	// Disconnect tears the channel down
	Disconnect() error

	// Send transmits an envelope to the background hub
	Send(ctx context.Context, env *types.Envelope) error

	// Post transmits an envelope to all peer contexts
	Post(ctx context.Context, env *types.Envelope) error

	// Inbound delivers envelopes pushed from the background hub
	// (responses and events)
	Inbound() <-chan *types.Envelope

	// Broadcasts delivers envelopes posted by peer contexts
	Broadcasts() <-chan *types.Envelope

	// Connected reports whether the channel is currently up
	Connected() bool

	// OnStatusChange registers a callback invoked on every online/offline
	// flip. The returned function removes the callback.
	OnStatusChange(cb func(online bool)) func()
}

// Stats reports transport-level counters
type Stats struct {
	Sent       int64 `json:"sent"`
	Received   int64 `json:"received"`
	Posted     int64 `json:"posted"`
	Dropped    int64 `json:"dropped"`
	Reconnects int64 `json:"reconnects"`
}
