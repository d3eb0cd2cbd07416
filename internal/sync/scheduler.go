package sync

import (
	"context"
	gosync "sync"
	"time"
)

// background tracks the current sync loop plus any stopped loops whose
// last cycle is still finishing
type background struct {
	mu      gosync.Mutex
	running bool
	stopCh  chan struct{}
	loops   map[chan struct{}]struct{}
}

// StartBackgroundSync starts the periodic sync loop. Calling it while the
// loop is running, or with a context that is already done, does nothing.
func (s *Service) StartBackgroundSync(ctx context.Context) {
	s.bg.mu.Lock()
	if s.bg.running || ctx.Err() != nil {
		s.bg.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	s.bg.running = true
	s.bg.stopCh = stopCh
	if s.bg.loops == nil {
		s.bg.loops = make(map[chan struct{}]struct{})
	}
	s.bg.loops[done] = struct{}{}
	s.bg.mu.Unlock()

	s.logger.Info("background sync started")
	go s.backgroundLoop(ctx, stopCh, done)
}

// StopBackgroundSync signals the loop to stop. A cycle already in flight
// runs to completion; the loop exits at its next checkpoint.
func (s *Service) StopBackgroundSync() {
	s.bg.mu.Lock()
	defer s.bg.mu.Unlock()

	if !s.bg.running {
		return
	}
	close(s.bg.stopCh)
	s.bg.running = false
	s.logger.Info("background sync stop requested")
}

// IsBackgroundSyncRunning reports whether the loop is running
func (s *Service) IsBackgroundSyncRunning() bool {
	s.bg.mu.Lock()
	defer s.bg.mu.Unlock()
	return s.bg.running
}

// WaitBackgroundSync blocks until every loop started so far has exited,
// including stopped loops still finishing a cycle
func (s *Service) WaitBackgroundSync() {
	s.bg.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.bg.loops))
	for done := range s.bg.loops {
		pending = append(pending, done)
	}
	s.bg.mu.Unlock()

	for _, done := range pending {
		<-done
	}
}

func (s *Service) backgroundLoop(ctx context.Context, stopCh, done chan struct{}) {
	defer s.loopExited(stopCh, done)

	// In-flight cycles are never cancelled by stop or ctx
	syncCtx := context.WithoutCancel(ctx)

	for {
		if stopped(ctx, stopCh) {
			return
		}

		settings := s.Settings()
		if !settings.BackgroundSyncEnabled {
			s.logger.Info("background sync disabled, exiting loop")
			return
		}

		for _, accountID := range s.AccountIDs() {
			if stopped(ctx, stopCh) {
				return
			}
			if s.Status(accountID) == StatusOffline {
				s.logger.Debug("skipping offline account", "account", accountID)
				continue
			}
			if _, err := s.SyncAccount(syncCtx, accountID); err != nil {
				s.logger.Warn("background sync failed", "account", accountID, "error", err)
			}
		}

		interval := settings.SyncInterval
		if interval <= 0 {
			interval = DefaultSettings().SyncInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// loopExited clears the running flag if this loop is still the current one
func (s *Service) loopExited(stopCh, done chan struct{}) {
	s.bg.mu.Lock()
	defer s.bg.mu.Unlock()

	if s.bg.stopCh == stopCh && s.bg.running {
		s.bg.running = false
	}
	delete(s.bg.loops, done)
	close(done)
	s.logger.Info("background sync stopped")
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
