// Package store defines the durable record of events already mirrored.
package store

import (
	"context"

	"github.com/lsm/feedmirror/internal/feed"
)

// Store records mirrored events by id.
type Store interface {
	// Exists reports whether an event with the given id has been recorded.
	Exists(ctx context.Context, id string) (bool, error)

	// Insert records the event. Inserting an id that already exists is not
	// an error and leaves the original record untouched.
	Insert(ctx context.Context, event feed.Event) error

	// Close releases the backend connection.
	Close() error
}
