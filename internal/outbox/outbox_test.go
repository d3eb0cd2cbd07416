package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type published struct {
	subject string
	msgID   string
}

type fakePublisher struct {
	mu   gosync.Mutex
	err  error
	sent []published
}

func (f *fakePublisher) Publish(subject string, _ []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{subject: subject, msgID: msgID})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchOncePublishes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AppendOutbox(ctx, "account.a.email.received", "email.received", []byte(`{}`), "m-1"))
	require.NoError(t, store.AppendOutbox(ctx, "account.a.email.received", "email.received", []byte(`{}`), "m-2"))

	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, nil, discard())

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []published{
		{subject: "account.a.email.received", msgID: "m-1"},
		{subject: "account.a.email.received", msgID: "m-2"},
	}, pub.sent)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchOnceRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AppendOutbox(ctx, "account.a.sync.failed", "sync.failed", []byte(`{}`), "m-1"))

	settings := mailsync.DefaultSettings()
	settings.MaxRetries = 2
	settings.RetryDelay = 0

	pub := &fakePublisher{err: errors.New("no responders")}
	d := NewDispatcher(store, pub, func() mailsync.Settings { return settings }, discard())

	_, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	stats, err := store.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	_, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	stats, err = store.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, sqlite.OutboxStats{Dead: 1}, stats)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)
	require.NoError(t, store.AppendOutbox(ctx, "account.a.email.received", "email.received", []byte(`{}`), "m-1"))

	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, nil, discard())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

// stuckQueue cannot record published rows, so they stay due
type stuckQueue struct {
	*sqlite.Store
}

func (stuckQueue) MarkPublished(context.Context, int64) error {
	return errors.New("database is locked")
}

func TestDispatchOnceReportsUnrecordedRows(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AppendOutbox(ctx, "account.a.email.received", "email.received", []byte(`{}`), "m-1"))

	d := NewDispatcher(stuckQueue{store}, &fakePublisher{}, nil, discard())

	n, err := d.DispatchOnce(ctx)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "database is locked")
}

func TestDispatcherRunBacksOffWhenMarkFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	require.NoError(t, store.AppendOutbox(ctx, "account.a.email.received", "email.received", []byte(`{}`), "m-1"))

	pub := &fakePublisher{}
	d := NewDispatcher(stuckQueue{store}, pub, nil, discard())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return pub.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, pub.count(), "the same row must not be republished without a delay")

	cancel()
	<-done
}

func TestRelayForwardsTerminalEvents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	relay := NewRelay(store, discard())

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, relay.Forward(ctx, mailsync.Event{Type: mailsync.EventStarted, AccountID: "a", At: at}))
	require.NoError(t, relay.Forward(ctx, mailsync.Event{Type: mailsync.EventProgress, AccountID: "a", At: at}))
	require.NoError(t, relay.Forward(ctx, mailsync.Event{
		Type:      mailsync.EventCompleted,
		AccountID: "a",
		Result:    &mailsync.Result{ItemsReceived: 3},
		At:        at,
	}))
	require.NoError(t, relay.Forward(ctx, mailsync.Event{Type: mailsync.EventFailed, AccountID: "b", Message: "boom", At: at}))

	msgs, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "account.a.sync.completed", msgs[0].Subject)
	assert.Contains(t, string(msgs[0].Payload), `"items_received":3`)
	assert.Equal(t, "account.b.sync.failed", msgs[1].Subject)
}

func TestRelayRunConsumesServiceEvents(t *testing.T) {
	store := newStore(t)
	svc := mailsync.NewService(store, mailsync.DefaultSettings(), mailsync.WithLogger(discard()))
	svc.RegisterProvider("acct", emptyProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := svc.Subscribe()
	done := make(chan struct{})
	go func() {
		NewRelay(store, discard()).Run(ctx, sub)
		close(done)
	}()

	_, err := svc.SyncAccount(context.Background(), "acct")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := store.OutboxStats(context.Background())
		return err == nil && stats.Pending == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

type emptyProvider struct{}

func (emptyProvider) FetchChangesSince(context.Context, mailsync.State) ([]mailsync.Change, error) {
	return nil, nil
}

func (emptyProvider) PushChange(context.Context, mailsync.PendingChange) error { return nil }

func (emptyProvider) GetCurrentState(context.Context) (mailsync.State, error) {
	return mailsync.State{}, nil
}
