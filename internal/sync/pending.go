package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// PendingKind enumerates local actions queued for remote delivery
type PendingKind string

const (
	KindArchive     PendingKind = "archive"
	KindTrash       PendingKind = "trash"
	KindStar        PendingKind = "star"
	KindMarkRead    PendingKind = "mark_read"
	KindApplyLabel  PendingKind = "apply_label"
	KindRemoveLabel PendingKind = "remove_label"
	KindSend        PendingKind = "send"
)

// Valid reports whether k is a known kind
func (k PendingKind) Valid() bool {
	switch k {
	case KindArchive, KindTrash, KindStar, KindMarkRead, KindApplyLabel, KindRemoveLabel, KindSend:
		return true
	}
	return false
}

// PendingPayload holds the arguments of a pending change. Which fields are
// set depends on the kind.
type PendingPayload struct {
	ThreadIDs []string    `json:"thread_ids,omitempty"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Starred   bool        `json:"starred,omitempty"`
	Read      bool        `json:"read,omitempty"`
	Label     string      `json:"label,omitempty"`
	Draft     *mail.Draft `json:"draft,omitempty"`
}

// PendingChange is a local mutation waiting to be pushed. It is removed
// from the queue only after a confirmed push.
type PendingChange struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Kind      PendingKind    `json:"kind"`
	Payload   PendingPayload `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks that the payload matches the kind
func (p PendingChange) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("pending change %s: missing account id", p.ID)
	}
	switch p.Kind {
	case KindArchive, KindTrash:
		if len(p.Payload.ThreadIDs) == 0 {
			return fmt.Errorf("%s: no thread ids", p.Kind)
		}
	case KindStar, KindMarkRead:
		if p.Payload.ThreadID == "" {
			return fmt.Errorf("%s: no thread id", p.Kind)
		}
	case KindApplyLabel, KindRemoveLabel:
		if p.Payload.ThreadID == "" || p.Payload.Label == "" {
			return fmt.Errorf("%s: thread id and label are required", p.Kind)
		}
	case KindSend:
		if p.Payload.Draft == nil {
			return fmt.Errorf("%s: no draft", p.Kind)
		}
	default:
		return fmt.Errorf("unknown pending change kind %q", p.Kind)
	}
	return nil
}

func newPending(accountID string, kind PendingKind, payload PendingPayload) PendingChange {
	return PendingChange{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// NewArchive queues archiving of threads
func NewArchive(accountID string, threadIDs ...string) PendingChange {
	return newPending(accountID, KindArchive, PendingPayload{ThreadIDs: threadIDs})
}

// NewTrash queues trashing of threads
func NewTrash(accountID string, threadIDs ...string) PendingChange {
	return newPending(accountID, KindTrash, PendingPayload{ThreadIDs: threadIDs})
}

// NewStar queues starring or unstarring a thread
func NewStar(accountID, threadID string, starred bool) PendingChange {
	return newPending(accountID, KindStar, PendingPayload{ThreadID: threadID, Starred: starred})
}

// NewMarkRead queues marking a thread read or unread
func NewMarkRead(accountID, threadID string, read bool) PendingChange {
	return newPending(accountID, KindMarkRead, PendingPayload{ThreadID: threadID, Read: read})
}

// NewApplyLabel queues adding a label to a thread
func NewApplyLabel(accountID, threadID, label string) PendingChange {
	return newPending(accountID, KindApplyLabel, PendingPayload{ThreadID: threadID, Label: label})
}

// NewRemoveLabel queues removing a label from a thread
func NewRemoveLabel(accountID, threadID, label string) PendingChange {
	return newPending(accountID, KindRemoveLabel, PendingPayload{ThreadID: threadID, Label: label})
}

// NewSend queues sending a draft
func NewSend(accountID string, draft mail.Draft) PendingChange {
	return newPending(accountID, KindSend, PendingPayload{Draft: &draft})
}
