package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // pure Go
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, needs cgo
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// ErrIDConflict is returned when an email id is already owned by another account
var ErrIDConflict = errors.New("email id belongs to another account")

// Store is the local mail store. It implements the sync engine's Storage
// and keeps the NATS outbox in the same database.
type Store struct {
	db *sqlx.DB
}

var (
	_ mailsync.Storage       = (*Store)(nil)
	_ mailsync.StateResetter = (*Store)(nil)
)

// Open opens or creates a store at dbPath using the pure Go driver
func Open(dbPath string) (*Store, error) {
	return OpenDriver(DriverModernc, dbPath)
}

// OpenDriver opens or creates a store at dbPath with the named driver
func OpenDriver(driver, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// buildDSN applies WAL, a busy timeout and immediate write transactions in
// each driver's own DSN syntax
func buildDSN(driver, dbPath string) (string, error) {
	switch driver {
	case DriverModernc:
		return dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate", nil
	case DriverCGO:
		return dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type syncStateRow struct {
	LastSync    sql.NullInt64 `db:"last_sync"`
	Cursor      string        `db:"cursor"`
	UIDValidity int64         `db:"uid_validity"`
	LastUID     int64         `db:"last_uid"`
}

// GetSyncState loads an account's watermark. A missing row is the zero state.
func (s *Store) GetSyncState(ctx context.Context, accountID string) (mailsync.State, error) {
	var row syncStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT last_sync, cursor, uid_validity, last_uid
		FROM sync_state WHERE account_id = ?
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return mailsync.State{}, nil
	}
	if err != nil {
		return mailsync.State{}, fmt.Errorf("failed to load sync state: %w", err)
	}

	state := mailsync.State{
		Cursor:      row.Cursor,
		UIDValidity: uint32(row.UIDValidity),
		LastUID:     uint32(row.LastUID),
	}
	if row.LastSync.Valid {
		t := time.UnixMilli(row.LastSync.Int64).UTC()
		state.LastSync = &t
	}
	return state, nil
}

// UpdateSyncState replaces an account's watermark
func (s *Store) UpdateSyncState(ctx context.Context, accountID string, state mailsync.State) error {
	var lastSync sql.NullInt64
	if state.LastSync != nil {
		lastSync = sql.NullInt64{Int64: state.LastSync.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, last_sync, cursor, uid_validity, last_uid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_sync = excluded.last_sync,
			cursor = excluded.cursor,
			uid_validity = excluded.uid_validity,
			last_uid = excluded.last_uid,
			updated_at = excluded.updated_at
	`, accountID, lastSync, state.Cursor, int64(state.UIDValidity), int64(state.LastUID), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// ResetSyncState drops an account's watermark, forcing a full resync
func (s *Store) ResetSyncState(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

// QueuePendingChange appends a local change to the push queue
func (s *Store) QueuePendingChange(ctx context.Context, change mailsync.PendingChange) error {
	if err := change.Validate(); err != nil {
		return fmt.Errorf("invalid pending change: %w", err)
	}

	payload, err := json.Marshal(change.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode pending payload: %w", err)
	}

	createdAt := change.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_changes (id, account_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, change.ID, change.AccountID, string(change.Kind), string(payload), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to queue pending change: %w", err)
	}
	return nil
}

type pendingRow struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// GetPendingChanges returns an account's queued changes oldest first
func (s *Store) GetPendingChanges(ctx context.Context, accountID string) ([]mailsync.PendingChange, error) {
	var rows []pendingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, kind, payload, created_at
		FROM pending_changes
		WHERE account_id = ?
		ORDER BY seq
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}

	changes := make([]mailsync.PendingChange, 0, len(rows))
	for _, r := range rows {
		var payload mailsync.PendingPayload
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, fmt.Errorf("failed to decode pending change %s: %w", r.ID, err)
		}
		changes = append(changes, mailsync.PendingChange{
			ID:        r.ID,
			AccountID: r.AccountID,
			Kind:      mailsync.PendingKind(r.Kind),
			Payload:   payload,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return changes, nil
}

// MarkChangeSynced removes a pushed change from the queue
func (s *Store) MarkChangeSynced(ctx context.Context, changeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, changeID); err != nil {
		return fmt.Errorf("failed to mark change synced: %w", err)
	}
	return nil
}

// CountPendingChanges returns the queue depth for an account
func (s *Store) CountPendingChanges(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_changes WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}
