package sync

import (
	"context"
	"errors"
	gosync "sync"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// memStorage is an in-memory Storage used by the service tests
type memStorage struct {
	mu      gosync.Mutex
	states  map[string]State
	pending []PendingChange
	emails  map[string]mail.Email

	failInsert   map[string]error
	failPending  error
	stateUpdates int
}

func newMemStorage() *memStorage {
	return &memStorage{
		states:     make(map[string]State),
		emails:     make(map[string]mail.Email),
		failInsert: make(map[string]error),
	}
}

func (m *memStorage) GetSyncState(_ context.Context, accountID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[accountID], nil
}

func (m *memStorage) UpdateSyncState(_ context.Context, accountID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[accountID] = state
	m.stateUpdates++
	return nil
}

func (m *memStorage) ResetSyncState(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, accountID)
	return nil
}

func (m *memStorage) GetPendingChanges(_ context.Context, accountID string) ([]PendingChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPending != nil {
		return nil, m.failPending
	}
	var out []PendingChange
	for _, p := range m.pending {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStorage) MarkChangeSynced(_ context.Context, changeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p.ID == changeID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStorage) InsertItem(_ context.Context, email mail.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failInsert[email.ID]; err != nil {
		return err
	}
	m.emails[email.ID] = email
	return nil
}

func (m *memStorage) UpdateItem(_ context.Context, id string, updates mail.Updates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok {
		return nil
	}
	if updates.IsRead != nil {
		e.IsRead = *updates.IsRead
	}
	if updates.IsStarred != nil {
		e.IsStarred = *updates.IsStarred
	}
	e.Labels = updates.Apply(e.Labels)
	m.emails[id] = e
	return nil
}

func (m *memStorage) DeleteItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emails, id)
	return nil
}

func (m *memStorage) enqueue(p PendingChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p)
}

func (m *memStorage) pendingKinds() []PendingKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]PendingKind, 0, len(m.pending))
	for _, p := range m.pending {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func (m *memStorage) state(accountID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[accountID]
}

// fakeProvider replays canned changes and records pushes
type fakeProvider struct {
	mu       gosync.Mutex
	changes  []Change
	fetchErr error
	pushErr  map[PendingKind]error
	state    State
	stateErr error

	fetches int
	seen    []State
	pushed  []PendingChange

	// block, when set, is waited on inside FetchChangesSince
	block chan struct{}
}

func (f *fakeProvider) FetchChangesSince(_ context.Context, state State) ([]Change, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.seen = append(f.seen, state)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.changes, nil
}

func (f *fakeProvider) PushChange(_ context.Context, change PendingChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[change.Kind]; err != nil {
		return err
	}
	f.pushed = append(f.pushed, change)
	return nil
}

func (f *fakeProvider) GetCurrentState(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

var errRemote = errors.New("remote unavailable")
