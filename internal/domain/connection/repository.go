package connection

import (
	"context"
	"time"
)

// Repository defines persistence for connections.
// The implementation is responsible for keeping AccessToken encrypted at rest.
type Repository interface {
	// Upsert registers a connection keyed by its external item id.
	Upsert(ctx context.Context, params CreateParams) (*Connection, error)

	// GetByID returns ErrNotFound when no row matches.
	GetByID(ctx context.Context, id string) (*Connection, error)

	// GetByItemID returns ErrNotFound when no row matches.
	GetByItemID(ctx context.Context, itemID string) (*Connection, error)

	// ListByUserID lists the user's connections that have not been unlinked.
	ListByUserID(ctx context.Context, userID string) ([]*Connection, error)

	// ListDueForSoftRefresh lists enabled connections in a syncable state
	// whose last successful update is older than cutoff, oldest first.
	ListDueForSoftRefresh(ctx context.Context, cutoff time.Time, limit int) ([]*Connection, error)

	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error

	// UpdateCredential replaces the stored credential and the item id it
	// belongs to.
	UpdateCredential(ctx context.Context, id, accessToken, itemID string) error

	// Disable soft-deletes the connection.
	Disable(ctx context.Context, id string, at time.Time) error
}
