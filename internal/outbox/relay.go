package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Appender queues a message in the outbox
type Appender interface {
	AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}

// Relay forwards terminal sync events to the outbox so they reach NATS
// with the same retry guarantees as stored mail notifications.
type Relay struct {
	out    Appender
	logger *slog.Logger
}

// NewRelay creates a relay writing to out
func NewRelay(out Appender, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{out: out, logger: logger.With("component", "relay")}
}

// Run consumes sub until ctx is cancelled or the subscription closes
func (r *Relay) Run(ctx context.Context, sub *mailsync.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := r.Forward(ctx, ev); err != nil {
				r.logger.Error("relay sync event failed", "account", ev.AccountID, "type", ev.Type, "error", err)
			}
		}
	}
}

// Forward queues a single event. Started and progress events stay local.
func (r *Relay) Forward(ctx context.Context, ev mailsync.Event) error {
	if ev.Type != mailsync.EventCompleted && ev.Type != mailsync.EventFailed {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	eventType := "sync." + string(ev.Type)
	subject := fmt.Sprintf("account.%s.%s", ev.AccountID, eventType)
	msgID := fmt.Sprintf("%s|%s|%d", eventType, ev.AccountID, ev.At.UnixNano())

	return r.out.AppendOutbox(ctx, subject, eventType, payload, msgID)
}
