package sync

import (
	"errors"
	"fmt"
)

// ErrNoProvider is returned when syncing an account with no registered provider
var ErrNoProvider = errors.New("no provider registered")

// FetchError means the remote pull failed. It aborts the cycle and leaves
// the watermark where it was.
type FetchError struct {
	AccountID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch changes for %s: %v", e.AccountID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ApplyError means one remote change failed to persist locally
type ApplyError struct {
	Kind   string
	ItemID string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s change %s: %v", e.Kind, e.ItemID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// PushError means one pending change failed to reach the provider. The
// change stays queued.
type PushError struct {
	ChangeID string
	Kind     PendingKind
	Err      error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s change %s: %v", e.Kind, e.ChangeID, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }
