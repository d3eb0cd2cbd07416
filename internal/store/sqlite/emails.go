package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// EventEmailReceived is the outbox event type appended for new emails
const EventEmailReceived = "email.received"

type emailRow struct {
	ID              string `db:"id"`
	AccountID       string `db:"account_id"`
	ThreadID        string `db:"thread_id"`
	MessageID       string `db:"message_id"`
	InReplyTo       string `db:"in_reply_to"`
	ReferencesJSON  string `db:"references_json"`
	FromJSON        string `db:"from_json"`
	ToJSON          string `db:"to_json"`
	CcJSON          string `db:"cc_json"`
	BccJSON         string `db:"bcc_json"`
	Subject         string `db:"subject"`
	BodyText        string `db:"body_text"`
	BodyHTML        string `db:"body_html"`
	Snippet         string `db:"snippet"`
	SentAt          int64  `db:"sent_at"`
	IsRead          bool   `db:"is_read"`
	IsStarred       bool   `db:"is_starred"`
	IsDraft         bool   `db:"is_draft"`
	LabelsJSON      string `db:"labels_json"`
	AttachmentsJSON string `db:"attachments_json"`
	UpdatedAt       int64  `db:"updated_at"`
}

const emailColumns = `id, account_id, thread_id, message_id, in_reply_to, references_json,
	from_json, to_json, cc_json, bcc_json, subject, body_text, body_html, snippet,
	sent_at, is_read, is_starred, is_draft, labels_json, attachments_json, updated_at`

func toRow(e mail.Email) (emailRow, error) {
	row := emailRow{
		ID:        e.ID,
		AccountID: e.AccountID,
		ThreadID:  e.ThreadID,
		MessageID: e.MessageID,
		InReplyTo: e.InReplyTo,
		Subject:   e.Subject,
		BodyText:  e.BodyText,
		BodyHTML:  e.BodyHTML,
		Snippet:   e.Snippet,
		IsRead:    e.IsRead,
		IsStarred: e.IsStarred,
		IsDraft:   e.IsDraft,
		UpdatedAt: time.Now().Unix(),
	}
	if !e.Date.IsZero() {
		row.SentAt = e.Date.UnixMilli()
	}

	fields := []struct {
		dst *string
		v   any
	}{
		{&row.ReferencesJSON, nonNil(e.References)},
		{&row.FromJSON, e.From},
		{&row.ToJSON, nonNil(e.To)},
		{&row.CcJSON, nonNil(e.Cc)},
		{&row.BccJSON, nonNil(e.Bcc)},
		{&row.LabelsJSON, nonNil(e.Labels)},
		{&row.AttachmentsJSON, nonNil(e.Attachments)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return emailRow{}, fmt.Errorf("failed to encode email %s: %w", e.ID, err)
		}
		*f.dst = string(b)
	}
	return row, nil
}

func (r emailRow) toEmail() (mail.Email, error) {
	e := mail.Email{
		ID:        r.ID,
		AccountID: r.AccountID,
		ThreadID:  r.ThreadID,
		MessageID: r.MessageID,
		InReplyTo: r.InReplyTo,
		Subject:   r.Subject,
		BodyText:  r.BodyText,
		BodyHTML:  r.BodyHTML,
		Snippet:   r.Snippet,
		IsRead:    r.IsRead,
		IsStarred: r.IsStarred,
		IsDraft:   r.IsDraft,
	}
	if r.SentAt != 0 {
		e.Date = time.UnixMilli(r.SentAt).UTC()
	}

	fields := []struct {
		src string
		dst any
	}{
		{r.ReferencesJSON, &e.References},
		{r.FromJSON, &e.From},
		{r.ToJSON, &e.To},
		{r.CcJSON, &e.Cc},
		{r.BccJSON, &e.Bcc},
		{r.LabelsJSON, &e.Labels},
		{r.AttachmentsJSON, &e.Attachments},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return mail.Email{}, fmt.Errorf("failed to decode email %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// nonNil keeps nil slices encoding as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// InsertItem upserts an email. The first insert of an id also appends an
// email.received outbox row in the same transaction; re-inserting an
// existing id replaces the row without notifying again. An id already
// stored for another account is rejected with ErrIDConflict.
func (s *Store) InsertItem(ctx context.Context, email mail.Email) error {
	row, err := toRow(email)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO emails (`+emailColumns+`)
		VALUES (:id, :account_id, :thread_id, :message_id, :in_reply_to, :references_json,
			:from_json, :to_json, :cc_json, :bcc_json, :subject, :body_text, :body_html, :snippet,
			:sent_at, :is_read, :is_starred, :is_draft, :labels_json, :attachments_json, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to insert email %s: %w", email.ID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert email %s: %w", email.ID, err)
	}

	if inserted == 0 {
		res, err = tx.NamedExecContext(ctx, `
			UPDATE emails SET
				account_id = :account_id, thread_id = :thread_id, message_id = :message_id,
				in_reply_to = :in_reply_to, references_json = :references_json,
				from_json = :from_json, to_json = :to_json, cc_json = :cc_json, bcc_json = :bcc_json,
				subject = :subject, body_text = :body_text, body_html = :body_html, snippet = :snippet,
				sent_at = :sent_at, is_read = :is_read, is_starred = :is_starred, is_draft = :is_draft,
				labels_json = :labels_json, attachments_json = :attachments_json, updated_at = :updated_at
			WHERE id = :id AND account_id = :account_id
		`, row)
		if err != nil {
			return fmt.Errorf("failed to replace email %s: %w", email.ID, err)
		}
		replaced, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to replace email %s: %w", email.ID, err)
		}
		if replaced == 0 {
			return fmt.Errorf("email %s for account %s: %w", email.ID, email.AccountID, ErrIDConflict)
		}
	} else if err := appendEmailReceived(ctx, tx, email); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// appendEmailReceived writes the notification for a newly stored email
func appendEmailReceived(ctx context.Context, tx *sqlx.Tx, email mail.Email) error {
	event := map[string]any{
		"event_id":   uuid.NewString(),
		"ts":         time.Now().Unix(),
		"account_id": email.AccountID,
		"email_id":   email.ID,
		"thread_id":  email.ThreadID,
		"message_id": email.MessageID,
		"subject":    email.Subject,
		"from":       email.From,
		"to":         nonNil(email.To),
		"snippet":    email.Snippet,
		"labels":     nonNil(email.Labels),
	}
	if !email.Date.IsZero() {
		event["msg_date"] = email.Date.Unix()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", EventEmailReceived, err)
	}

	msgID := fmt.Sprintf("%s|%s|%s", EventEmailReceived, email.AccountID, email.ID)
	subject := fmt.Sprintf("account.%s.%s", email.AccountID, EventEmailReceived)
	return appendOutbox(ctx, tx, subject, EventEmailReceived, payload, msgID)
}

// UpdateItem applies a partial diff to a stored email. Missing ids are ignored.
func (s *Store) UpdateItem(ctx context.Context, id string, updates mail.Updates) error {
	if updates.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur struct {
		IsRead     bool   `db:"is_read"`
		IsStarred  bool   `db:"is_starred"`
		LabelsJSON string `db:"labels_json"`
	}
	err = tx.GetContext(ctx, &cur, `SELECT is_read, is_starred, labels_json FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load email %s: %w", id, err)
	}

	var labels []string
	if cur.LabelsJSON != "" {
		if err := json.Unmarshal([]byte(cur.LabelsJSON), &labels); err != nil {
			return fmt.Errorf("failed to decode labels of %s: %w", id, err)
		}
	}

	isRead, isStarred := cur.IsRead, cur.IsStarred
	if updates.IsRead != nil {
		isRead = *updates.IsRead
	}
	if updates.IsStarred != nil {
		isStarred = *updates.IsStarred
	}

	labelsJSON, err := json.Marshal(updates.Apply(labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels of %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE emails SET is_read = ?, is_starred = ?, labels_json = ?, updated_at = ?
		WHERE id = ?
	`, isRead, isStarred, string(labelsJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update email %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteItem removes an email. Missing ids are ignored.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete email %s: %w", id, err)
	}
	return nil
}

// GetEmail loads one email by id
func (s *Store) GetEmail(ctx context.Context, id string) (*mail.Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email %s: %w", id, err)
	}

	e, err := row.toEmail()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEmails returns an account's most recent emails
func (s *Store) ListEmails(ctx context.Context, accountID string, limit int) ([]mail.Email, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []emailRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+emailColumns+` FROM emails
		WHERE account_id = ?
		ORDER BY sent_at DESC, id
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}

	emails := make([]mail.Email, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, nil
}
