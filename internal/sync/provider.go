package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderIMAP      ProviderName = "IMAP"
)

// State is the per-account sync watermark.
// It is persisted whole after every cycle, never merged field by field.
type State struct {
	LastSync *time.Time `json:"last_sync,omitempty"`

	// Gmail: history id; Outlook: delta link
	Cursor string `json:"cursor,omitempty"`

	// IMAP: mailbox UIDVALIDITY and highest seen UID
	UIDValidity uint32 `json:"uid_validity,omitempty"`
	LastUID     uint32 `json:"last_uid,omitempty"`
}

// StateNow returns a state that only records the current time
func StateNow() State {
	now := time.Now().UTC()
	return State{LastSync: &now}
}

// IsZero reports whether the state carries no watermark at all
func (s State) IsZero() bool {
	return s.LastSync == nil && s.Cursor == "" && s.UIDValidity == 0 && s.LastUID == 0
}

// Change is a remote-originated mutation. The set of implementations is
// closed: NewItem, Updated and Deleted.
type Change interface {
	change()
}

// NewItem carries a full snapshot of an email
type NewItem struct {
	Email mail.Email
}

// Updated carries a partial diff for an existing email
type Updated struct {
	ID      string
	Updates mail.Updates
}

// Deleted removes an email
type Deleted struct {
	ID string
}

func (NewItem) change() {}
func (Updated) change() {}
func (Deleted) change() {}

// ChangeID returns the id of the email a change targets
func ChangeID(c Change) string {
	switch c := c.(type) {
	case NewItem:
		return c.Email.ID
	case Updated:
		return c.ID
	case Deleted:
		return c.ID
	default:
		return ""
	}
}

// ChangeKind returns a short name for the change variant
func ChangeKind(c Change) string {
	switch c.(type) {
	case NewItem:
		return "new"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Provider is the per-account remote capability used by the sync engine.
type Provider interface {
	// FetchChangesSince returns remote changes after the given watermark,
	// in the order they must be applied. A failure is reported as an error,
	// never as an empty slice.
	FetchChangesSince(ctx context.Context, state State) ([]Change, error)

	// PushChange delivers one queued local change to the remote backend.
	PushChange(ctx context.Context, change PendingChange) error

	// GetCurrentState returns the provider's authoritative watermark.
	GetCurrentState(ctx context.Context) (State, error)
}
