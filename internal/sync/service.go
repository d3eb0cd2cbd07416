package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"
)

// progressEvery is how many applied changes pass between progress events
const progressEvery = 50

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBuffer sets the per-subscriber event buffer size
func WithEventBuffer(n int) Option {
	return func(s *Service) {
		s.events = NewBroadcaster(n)
	}
}

// Service orchestrates pull-apply-push cycles for registered accounts
type Service struct {
	storage Storage
	logger  *slog.Logger
	events  *Broadcaster

	providers   map[string]Provider
	providersMu gosync.RWMutex

	status   map[string]Status
	statusMu gosync.RWMutex

	settings   Settings
	settingsMu gosync.RWMutex

	bg background
}

// NewService creates a sync service backed by storage
func NewService(storage Storage, settings Settings, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		logger:    slog.Default(),
		events:    NewBroadcaster(defaultEventBuffer),
		providers: make(map[string]Provider),
		status:    make(map[string]Status),
		settings:  settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sync")
	return s
}

// RegisterProvider registers a provider for an account and resets its status
func (s *Service) RegisterProvider(accountID string, provider Provider) {
	s.providersMu.Lock()
	s.providers[accountID] = provider
	s.providersMu.Unlock()

	s.statusMu.Lock()
	s.status[accountID] = StatusNever
	s.statusMu.Unlock()

	s.logger.Info("provider registered", "account", accountID)
}

// UnregisterProvider removes an account's provider and status
func (s *Service) UnregisterProvider(accountID string) {
	s.providersMu.Lock()
	delete(s.providers, accountID)
	s.providersMu.Unlock()

	s.statusMu.Lock()
	delete(s.status, accountID)
	s.statusMu.Unlock()

	s.logger.Info("provider unregistered", "account", accountID)
}

// AccountIDs returns the registered account ids in sorted order
func (s *Service) AccountIDs() []string {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()

	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) provider(accountID string) (Provider, bool) {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()

	p, ok := s.providers[accountID]
	return p, ok
}

// UpdateSettings replaces the settings. A running background loop picks
// them up on its next iteration.
func (s *Service) UpdateSettings(settings Settings) {
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
}

// Settings returns the current settings
func (s *Service) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// Subscribe returns a subscription to sync events
func (s *Service) Subscribe() *Subscription {
	return s.events.Subscribe()
}

// Status returns an account's sync status, StatusNever if unknown
func (s *Service) Status(accountID string) Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	if st, ok := s.status[accountID]; ok {
		return st
	}
	return StatusNever
}

// Statuses returns a snapshot of all account statuses
func (s *Service) Statuses() map[string]Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make(map[string]Status, len(s.status))
	for id, st := range s.status {
		out[id] = st
	}
	return out
}

// MarkOffline records an external offline signal for an account
func (s *Service) MarkOffline(accountID string) {
	s.setStatus(accountID, StatusOffline)
}

// MarkOnline clears an offline signal. The status becomes StatusNever
// until the next cycle finishes.
func (s *Service) MarkOnline(accountID string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if s.status[accountID] == StatusOffline {
		s.status[accountID] = StatusNever
	}
}

// setStatus updates the status of a registered account
func (s *Service) setStatus(accountID string, status Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if _, ok := s.status[accountID]; !ok {
		return
	}
	s.status[accountID] = status
}

// SyncAccount runs one pull-apply-push cycle for an account. Only a failed
// remote pull (or an unreadable local state) fails the call; per-item
// apply and push failures are reported in Result.Errors.
func (s *Service) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	provider, ok := s.provider(accountID)
	if !ok {
		return nil, fmt.Errorf("sync %s: %w", accountID, ErrNoProvider)
	}

	start := time.Now()
	s.setStatus(accountID, StatusInProgress)
	s.events.Publish(Event{Type: EventStarted, AccountID: accountID})

	result, err := s.runCycle(ctx, accountID, provider)
	if err != nil {
		s.setStatus(accountID, StatusFailed)
		s.events.Publish(Event{Type: EventFailed, AccountID: accountID, Message: err.Error()})
		s.logger.Error("sync failed", "account", accountID, "error", err)
		return nil, err
	}

	result.Duration = time.Since(start)
	s.setStatus(accountID, StatusSuccess)

	snapshot := *result
	snapshot.Errors = append([]string(nil), result.Errors...)
	s.events.Publish(Event{Type: EventCompleted, AccountID: accountID, Result: &snapshot})

	s.logger.Info("sync completed",
		"account", accountID,
		"received", result.ItemsReceived,
		"applied", result.ChangesApplied,
		"pushed", result.PendingSynced,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	return result, nil
}

// runCycle pulls, applies, pushes and finally advances the watermark
func (s *Service) runCycle(ctx context.Context, accountID string, provider Provider) (*Result, error) {
	state, err := s.storage.GetSyncState(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load sync state for %s: %w", accountID, err)
	}

	changes, err := provider.FetchChangesSince(ctx, state)
	if err != nil {
		return nil, &FetchError{AccountID: accountID, Err: err}
	}

	result := &Result{
		ItemsReceived: len(changes),
		Errors:        []string{},
	}

	for i, change := range changes {
		if err := s.apply(ctx, change); err != nil {
			applyErr := &ApplyError{Kind: ChangeKind(change), ItemID: ChangeID(change), Err: err}
			result.Errors = append(result.Errors, applyErr.Error())
			s.logger.Warn("apply change failed", "account", accountID, "error", applyErr)
		} else {
			result.ChangesApplied++
		}

		processed := i + 1
		if processed%progressEvery == 0 && processed < len(changes) {
			s.events.Publish(Event{
				Type:      EventProgress,
				AccountID: accountID,
				Processed: processed,
				Total:     len(changes),
			})
		}
	}

	s.pushPending(ctx, accountID, provider, result)

	newState, err := provider.GetCurrentState(ctx)
	if err != nil {
		s.logger.Warn("get current state failed, recording sync time only", "account", accountID, "error", err)
		newState = StateNow()
	}
	if newState.LastSync == nil {
		now := time.Now().UTC()
		newState.LastSync = &now
	}
	if err := s.storage.UpdateSyncState(ctx, accountID, newState); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("update sync state: %v", err))
		s.logger.Error("update sync state failed", "account", accountID, "error", err)
	}

	return result, nil
}

// pushPending pushes queued local changes in order. Failures stay queued.
func (s *Service) pushPending(ctx context.Context, accountID string, provider Provider, result *Result) {
	pending, err := s.storage.GetPendingChanges(ctx, accountID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load pending changes: %v", err))
		s.logger.Error("load pending changes failed", "account", accountID, "error", err)
		return
	}

	for _, change := range pending {
		if err := provider.PushChange(ctx, change); err != nil {
			pushErr := &PushError{ChangeID: change.ID, Kind: change.Kind, Err: err}
			result.Errors = append(result.Errors, pushErr.Error())
			s.logger.Warn("push change failed", "account", accountID, "error", pushErr)
			continue
		}
		result.ItemsSent++

		if err := s.storage.MarkChangeSynced(ctx, change.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark change %s synced: %v", change.ID, err))
			s.logger.Error("mark change synced failed", "account", accountID, "change", change.ID, "error", err)
			continue
		}
		result.PendingSynced++
	}
}

// apply persists one remote change
func (s *Service) apply(ctx context.Context, change Change) error {
	switch c := change.(type) {
	case NewItem:
		return s.storage.InsertItem(ctx, c.Email)
	case Updated:
		return s.storage.UpdateItem(ctx, c.ID, c.Updates)
	case Deleted:
		return s.storage.DeleteItem(ctx, c.ID)
	default:
		return fmt.Errorf("unsupported change %T", change)
	}
}

// SyncAll syncs every registered account one after another
func (s *Service) SyncAll(ctx context.Context) []AccountResult {
	ids := s.AccountIDs()
	results := make([]AccountResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.SyncAccount(ctx, id)
		results = append(results, AccountResult{AccountID: id, Result: res, Err: err})
	}
	return results
}

// ResetAccount clears an account's watermark so the next cycle performs a
// full resync
func (s *Service) ResetAccount(ctx context.Context, accountID string) error {
	if _, ok := s.provider(accountID); !ok {
		return fmt.Errorf("reset %s: %w", accountID, ErrNoProvider)
	}
	resetter, ok := s.storage.(StateResetter)
	if !ok {
		return fmt.Errorf("reset %s: storage does not support resync", accountID)
	}
	if err := resetter.ResetSyncState(ctx, accountID); err != nil {
		return fmt.Errorf("reset %s: %w", accountID, err)
	}
	s.logger.Info("sync state reset", "account", accountID)
	return nil
}
