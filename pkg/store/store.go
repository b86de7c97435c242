// Package store defines the persistence contract used by actions and the
// event pipeline, with SQL and in-memory implementations.
//
// A DataIO handle is one unit of work. Writes are buffered in the handle
// until Commit; Close abandons anything not yet committed and releases every
// row lock the handle holds.
package store

import (
	"context"
	"errors"

	"github.com/strophon/actionserver/pkg/contracts"
)

var (
	// ErrNotFound is returned when a requested user does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned by any call on a closed handle.
	ErrClosed = errors.New("store: handle closed")
)

// DataIO is a scoped persistence handle.
type DataIO interface {
	// Commit flushes buffered writes. When nothing was written the handle
	// keeps its transaction (and locks) unless force is set.
	Commit(ctx context.Context, force bool) error
	Close() error

	// GetUser loads a user. With lock set the row stays exclusively locked
	// until the handle commits or closes.
	GetUser(ctx context.Context, id int64, lock bool) (*contracts.User, error)
	GetUserByEmail(ctx context.Context, email string) (*contracts.User, error)
	SetUserEmailConfirmed(ctx context.Context, userID int64) error

	// AddEvents persists events and assigns their IDs.
	AddEvents(ctx context.Context, events []*contracts.Event) error
	MarkEventSeen(ctx context.Context, eventID int64) error
	// GetUnseenEventsSinceFirstUnseen returns, in ID order, the user's unseen
	// events plus every broadcast event at or after the user's first unseen
	// event. A user with nothing unseen gets an empty list.
	GetUnseenEventsSinceFirstUnseen(ctx context.Context, userID int64) ([]*contracts.Event, error)

	IsNameUsed(ctx context.Context, name string) (bool, error)
	IsEmailUsed(ctx context.Context, email string) (bool, error)
	AddUser(ctx context.Context, user *contracts.User) error
	UpdateUser(ctx context.Context, user *contracts.User) error
	DeleteUser(ctx context.Context, user *contracts.User) error
}

// Opener hands out fresh DataIO handles.
type Opener interface {
	Open(ctx context.Context) (DataIO, error)
}
