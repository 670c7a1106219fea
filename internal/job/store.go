package job

import (
	"context"
	"time"
)

// Store persists and retrieves job records.
//
// Implementations assume a single active writer per job: the decode engine
// owns the record while it runs, and a stop request is the one sanctioned
// second writer (it wins by replacing the record wholesale). Writes must be
// atomic from a reader's perspective.
type Store interface {
	Create(ctx context.Context, r *Record) error
	// Get returns (nil, nil) when no record exists for id.
	Get(ctx context.Context, id string) (*Record, error)
	// Write replaces the stored record wholesale. No merge.
	Write(ctx context.Context, r *Record) error
	Exists(ctx context.Context, id string) (bool, error)
	// Delete reports whether a record was actually removed.
	Delete(ctx context.Context, id string) (bool, error)
	// Sweep removes records untouched for longer than maxAge, regardless of
	// status, and returns how many were removed. The backstop against
	// orphaned records from crashed or abandoned jobs.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}
