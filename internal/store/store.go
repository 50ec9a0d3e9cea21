// Package store is the local reactive record store rooms are read from and
// observed through. A store is the single writer of its records: every
// mutation goes through RunInTransaction and observers see committed state
// only.
package store

import (
	"context"

	"github.com/pkg/errors"

	"room-service/internal/models"
)

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("record not found")

// Store is the local reactive database as seen by room sessions.
type Store interface {
	FindRoom(ctx context.Context, id string) (models.Room, error)
	FindThread(ctx context.Context, id string) (models.Thread, error)
	FindMessage(ctx context.Context, id string) (models.Message, error)
	// LastMessage returns the newest cached message of a room, or of one of
	// its threads when threadID is set.
	LastMessage(ctx context.Context, roomID, threadID string) (models.Message, error)

	// ObserveRoom emits the current record and then every committed change
	// to it, in commit order, until ctx is done.
	ObserveRoom(ctx context.Context, id string) (<-chan models.Room, error)
	// ObserveUnread emits the unread rows of every open, non-archived room
	// other than excludeID, once now and again after every room commit.
	ObserveUnread(ctx context.Context, excludeID string) (<-chan []models.UnreadRow, error)

	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside a transaction.
type Tx interface {
	UpdateRoom(id string, fn func(r *models.Room)) error
	UpdateThread(id string, fn func(t *models.Thread)) error
	UpsertRoom(r models.Room) error
	UpsertThread(t models.Thread) error
	UpsertMessages(msgs []models.Message) error
	DeleteRoom(id string) error
}
