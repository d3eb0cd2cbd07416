package sync

import "time"

// Result summarizes one sync cycle
type Result struct {
	ItemsReceived  int           `json:"items_received"`
	ItemsSent      int           `json:"items_sent"`
	ChangesApplied int           `json:"changes_applied"`
	PendingSynced  int           `json:"pending_synced"`
	Errors         []string      `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

// IsSuccess reports whether the cycle finished without non-fatal errors
func (r Result) IsSuccess() bool {
	return len(r.Errors) == 0
}

// Status is the per-account sync status
type Status string

const (
	StatusNever      Status = "never"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusOffline    Status = "offline"
)

// AccountResult pairs an account with the outcome of its cycle
type AccountResult struct {
	AccountID string
	Result    *Result
	Err       error
}
