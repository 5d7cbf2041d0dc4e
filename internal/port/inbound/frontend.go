// Package inbound defines the driving-side ports of the router.
package inbound

import "context"

// FrontEnd is a downstream-facing transport: it accepts client sessions
// and dispatches their requests into the router engine.
type FrontEnd interface {
	// Start begins serving and returns once the front-end is accepting
	// sessions; serving continues in the background until Shutdown.
	Start(ctx context.Context) error
	// Shutdown closes all client sessions and stops accepting new ones.
	Shutdown(ctx context.Context) error
}
