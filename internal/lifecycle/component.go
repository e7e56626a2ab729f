// Package lifecycle starts and stops the process's long-lived components
// in dependency order: the event store before the engine that replays from
// it, the engine before the servers that query it, and the reverse on the
// way down.
package lifecycle

import "context"

// Component is anything the manager can bring up and tear down. Start and
// Stop receive a context carrying the caller's deadline; both should be
// safe to call more than once.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Name identifies the component in logs and error messages.
	Name() string
}
