package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	defaultBatch = 100
	idleDelay    = 500 * time.Millisecond
	errorDelay   = time.Second
)

// Publisher delivers one message with broker-side dedupe on msgID
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Queue is the durable outbox the dispatcher drains
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration, lastErr string) error
	MarkOutboxDead(ctx context.Context, id int64, lastErr string) error
}

// Dispatcher moves outbox rows to the publisher. Failed rows are retried
// after RetryDelay and parked once MaxRetries attempts have failed.
type Dispatcher struct {
	queue    Queue
	pub      Publisher
	settings func() mailsync.Settings
	logger   *slog.Logger
	batch    int
}

// NewDispatcher creates a dispatcher. settings is read on every batch so
// retry policy changes apply without a restart.
func NewDispatcher(queue Queue, pub Publisher, settings func() mailsync.Settings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = mailsync.DefaultSettings
	}
	return &Dispatcher{
		queue:    queue,
		pub:      pub,
		settings: settings,
		logger:   logger.With("component", "outbox"),
		batch:    defaultBatch,
	}
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			d.logger.Error("dispatch outbox failed", "handled", n, "error", err)
			wait = errorDelay
		case n == 0:
			wait = idleDelay
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it recorded
// as published, retried or dead. Rows whose outcome could not be recorded
// are not counted and are reported in the returned error.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.queue.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("dequeue outbox: %w", err)
	}

	settings := d.settings()
	handled := 0
	var markErrs []error
	for _, msg := range messages {
		if err := d.dispatch(ctx, msg, settings); err != nil {
			markErrs = append(markErrs, err)
			continue
		}
		handled++
	}
	return handled, errors.Join(markErrs...)
}

// dispatch publishes one row and records the outcome
func (d *Dispatcher) dispatch(ctx context.Context, msg sqlite.OutboxMessage, settings mailsync.Settings) error {
	if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
		return d.fail(ctx, msg, err, settings)
	}
	if err := d.queue.MarkPublished(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark %d published: %w", msg.ID, err)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, msg sqlite.OutboxMessage, err error, settings mailsync.Settings) error {
	attempts := msg.Retries + 1
	if settings.MaxRetries > 0 && attempts >= settings.MaxRetries {
		d.logger.Error("outbox message dead-lettered", "id", msg.ID, "subject", msg.Subject, "attempts", attempts, "error", err)
		if markErr := d.queue.MarkOutboxDead(ctx, msg.ID, err.Error()); markErr != nil {
			return fmt.Errorf("mark %d dead: %w", msg.ID, markErr)
		}
		return nil
	}

	backoff := settings.RetryDelay * time.Duration(attempts)
	d.logger.Warn("publish failed, retrying", "id", msg.ID, "subject", msg.Subject, "attempt", attempts, "backoff", backoff, "error", err)
	if markErr := d.queue.MarkOutboxRetry(ctx, msg.ID, backoff, err.Error()); markErr != nil {
		return fmt.Errorf("mark %d retry: %w", msg.ID, markErr)
	}
	return nil
}
