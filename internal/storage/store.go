// Package storage holds the durable event store the engine writes through
// and replays from. The engine treats the store as an external collaborator:
// appends are best-effort (a failing store never fails ingest) and replay
// feeds the regular ingest path in timestamp order.
package storage

import (
	"context"

	"github.com/moolen/retrace/internal/models"
)

// Appender persists one event per call. Append must be safe for use from
// the engine's single writer; it is called while the engine holds its write
// lock, so implementations should buffer rather than block on I/O.
type Appender interface {
	Append(event *models.Event) error
}

// Replayer streams persisted events with timestamp >= since in ascending
// timestamp order. The callback returning an error stops the replay and
// propagates the error.
type Replayer interface {
	Replay(ctx context.Context, since int64, fn func(event *models.Event) error) error
}

// Store combines append and replay. The JSONL store implements it; hosts
// without persistence use Nop.
type Store interface {
	Appender
	Replayer
}

// Nop discards appends and replays nothing. The engine defaults to it when
// the host supplies no store.
type Nop struct{}

// Append discards the event.
func (Nop) Append(*models.Event) error { return nil }

// Replay returns immediately without invoking fn.
func (Nop) Replay(context.Context, int64, func(*models.Event) error) error { return nil }
