package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testProvider struct {
	changes  []mailsync.Change
	fetchErr error
	block    chan struct{}
}

func (p *testProvider) FetchChangesSince(ctx context.Context, _ mailsync.State) ([]mailsync.Change, error) {
	if p.block != nil {
		<-p.block
	}
	return p.changes, p.fetchErr
}

func (p *testProvider) PushChange(context.Context, mailsync.PendingChange) error { return nil }

func (p *testProvider) GetCurrentState(context.Context) (mailsync.State, error) {
	return mailsync.State{Cursor: "1"}, nil
}

type denyVerifier struct{}

func (denyVerifier) UserFromRequest(r *http.Request) (*auth.User, error) {
	if r.Header.Get("Authorization") == "Bearer good" {
		return &auth.User{ID: "u1"}, nil
	}
	return nil, errors.New("bad token")
}

type fixture struct {
	svc     *mailsync.Service
	store   *sqlite.Store
	handler http.Handler
}

func newFixture(t *testing.T, verifier auth.Verifier) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := mailsync.DefaultSettings()
	settings.SyncInterval = time.Hour
	svc := mailsync.NewService(store, settings, mailsync.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		svc.StopBackgroundSync()
		cancel()
		svc.WaitBackgroundSync()
	})

	srv := New(ctx, svc, store, verifier, logger)
	return &fixture{svc: svc, store: store, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func email(id string) mail.Email {
	return mail.Email{ID: id, AccountID: "acct", ThreadID: "t-" + id, Subject: "s " + id, Date: time.Now()}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSyncAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{changes: []mailsync.Change{
		mailsync.NewItem{Email: email("m1")},
		mailsync.NewItem{Email: email("m2")},
	}})

	w := f.do(t, http.MethodPost, "/accounts/acct/sync", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res mailsync.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.ItemsReceived)
	assert.Equal(t, 2, res.ChangesApplied)

	w = f.do(t, http.MethodGet, "/accounts/acct/emails?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var emails []mail.Email
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &emails))
	assert.Len(t, emails, 2)
}

func TestSyncAccountErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("down", &testProvider{fetchErr: errors.New("503")})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/accounts/nope/sync", "").Code)
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/accounts/down/sync", "").Code)
	assert.Equal(t, mailsync.StatusFailed, f.svc.Status("down"))
}

func TestSyncAccountConflict(t *testing.T) {
	f := newFixture(t, nil)
	p := &testProvider{block: make(chan struct{})}
	f.svc.RegisterProvider("acct", p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.SyncAccount(context.Background(), "acct")
	}()
	require.Eventually(t, func() bool {
		return f.svc.Status("acct") == mailsync.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/accounts/acct/sync", "").Code)

	close(p.block)
	<-done
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("a", &testProvider{})
	f.svc.RegisterProvider("b", &testProvider{fetchErr: errors.New("boom")})

	w := f.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out []struct {
		AccountID string `json:"account_id"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].AccountID)
	assert.Empty(t, out[0].Error)
	assert.Contains(t, out[1].Error, "boom")
}

func TestQueueChange(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{})

	w := f.do(t, http.MethodPost, "/accounts/acct/changes", `{"kind":"star","payload":{"thread_id":"t1","starred":true}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var change mailsync.PendingChange
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &change))
	assert.NotEmpty(t, change.ID)
	assert.Equal(t, mailsync.KindStar, change.Kind)

	pending, err := f.store.GetPendingChanges(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, change.ID, pending[0].ID)

	w = f.do(t, http.MethodGet, "/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":"acct","status":"never","pending_changes":1}]`, w.Body.String())
}

func TestQueueChangeRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/accounts/nope/changes", `{"kind":"star"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/accounts/acct/changes", `{"kind":"snooze","payload":{"thread_id":"t"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/accounts/acct/changes", `{"kind":"archive","payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/accounts/acct/changes", `not json`).Code)
}

func TestOfflineToggle(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{})

	w := f.do(t, http.MethodPut, "/accounts/acct/offline", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, mailsync.StatusOffline, f.svc.Status("acct"))

	w = f.do(t, http.MethodDelete, "/accounts/acct/offline", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, mailsync.StatusNever, f.svc.Status("acct"))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/accounts/nope/offline", "").Code)
}

func TestResync(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{})
	_, err := f.svc.SyncAccount(context.Background(), "acct")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/accounts/acct/resync", "").Code)
	st, err := f.store.GetSyncState(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, st.IsZero())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/accounts/nope/resync", "").Code)
}

func TestBackgroundControl(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/background/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":true}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/background", "")
	assert.JSONEq(t, `{"running":true}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/background/stop", "")
	assert.JSONEq(t, `{"running":false}`, w.Body.String())
}

func TestOutboxAndSettings(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.AppendOutbox(context.Background(), "account.a.email.received", "email.received", []byte(`{}`), "m-1"))

	w := f.do(t, http.MethodGet, "/outbox", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":1,"published":0,"dead":0}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"max_items_per_sync":500`)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, denyVerifier{})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/accounts", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.RegisterProvider("acct", &testProvider{})

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the subscription exists once headers are flushed
	_, err = f.svc.SyncAccount(context.Background(), "acct")
	require.NoError(t, err)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(events) < 2 {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"started", "completed"}, events)
}
