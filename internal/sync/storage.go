package sync

import (
	"context"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Storage is the durable layer the engine reads state from and applies
// changes to. Deleting or updating a missing item must be a no-op so that
// redelivered changes stay harmless.
type Storage interface {
	GetSyncState(ctx context.Context, accountID string) (State, error)
	UpdateSyncState(ctx context.Context, accountID string, state State) error

	GetPendingChanges(ctx context.Context, accountID string) ([]PendingChange, error)
	MarkChangeSynced(ctx context.Context, changeID string) error

	InsertItem(ctx context.Context, email mail.Email) error
	UpdateItem(ctx context.Context, id string, updates mail.Updates) error
	DeleteItem(ctx context.Context, id string) error
}

// StateResetter is implemented by storages that support an explicit full
// resync, the only case where a watermark may move backwards.
type StateResetter interface {
	ResetSyncState(ctx context.Context, accountID string) error
}
