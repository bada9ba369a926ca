package task

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no task matches the lookup.
var ErrNotFound = errors.New("task not found")

// Store persists tasks. Implementations must be safe for concurrent
// use; serialization of read-modify-write sequences is the Manager's
// job.
type Store interface {
	// Create inserts a new task. Fails if the id already exists.
	Create(ctx context.Context, t *Task) error
	// Get returns the task with the given id, or ErrNotFound.
	Get(ctx context.Context, id TaskID) (*Task, error)
	// GetByHash resolves a task by its on-chain 32-byte identifier,
	// or ErrNotFound.
	GetByHash(ctx context.Context, hash [32]byte) (*Task, error)
	// Update overwrites the stored task. Fails with ErrNotFound if
	// the id is unknown.
	Update(ctx context.Context, t *Task) error
	// GetByStatus returns all tasks currently in the given status.
	GetByStatus(ctx context.Context, status Status) ([]*Task, error)
	// GetExpired returns tasks whose deadline is before now and whose
	// status is still active (created, authorized or running).
	GetExpired(ctx context.Context, now time.Time) ([]*Task, error)
	// List returns tasks ordered newest first.
	List(ctx context.Context, offset, limit int) ([]*Task, error)
	// Count returns the total number of stored tasks.
	Count(ctx context.Context) (int, error)
	// SaveCheckpoint persists a named progress marker, such as the last
	// chain block the lifecycle monitor finished processing.
	SaveCheckpoint(ctx context.Context, name string, value uint64) error
	// LoadCheckpoint returns a saved marker; ok is false when the name
	// has never been saved.
	LoadCheckpoint(ctx context.Context, name string) (value uint64, ok bool, err error)
}
