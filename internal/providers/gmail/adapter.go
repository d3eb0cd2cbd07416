package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelDraft   = "DRAFT"

	// Gmail caps list page sizes at 500
	maxPageSize = 500
)

var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

// Adapter implements the sync Provider for Gmail
type Adapter struct {
	svc       *gmail.Service
	user      string
	accountID string
	maxItems  int64
}

var _ mailsync.Provider = (*Adapter)(nil)

// New creates a new Gmail adapter from an OAuth token
func New(ctx context.Context, tok *auth.Token, accountID string, maxItems int) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailModifyScope, gmail.GmailSendScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return NewWithService(svc, accountID, maxItems), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, accountID string, maxItems int) *Adapter {
	if maxItems <= 0 || maxItems > maxPageSize {
		maxItems = maxPageSize
	}
	return &Adapter{svc: svc, user: "me", accountID: accountID, maxItems: int64(maxItems)}
}

// FetchChangesSince returns history changes after the cursor. Without a
// cursor, or when Gmail has expired it, the most recent messages are
// returned as new items instead.
func (a *Adapter) FetchChangesSince(ctx context.Context, state mailsync.State) ([]mailsync.Change, error) {
	if state.Cursor == "" {
		return a.backfill(ctx)
	}

	startHistoryID, err := strconv.ParseUint(state.Cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history ID in cursor: %w", err)
	}

	changes, err := a.history(ctx, startHistoryID)
	if err != nil {
		if isNotFound(err) {
			return a.backfill(ctx)
		}
		return nil, fmt.Errorf("failed to sync history: %w", err)
	}
	return changes, nil
}

func (a *Adapter) history(ctx context.Context, startHistoryID uint64) ([]mailsync.Change, error) {
	call := a.svc.Users.History.List(a.user).
		StartHistoryId(startHistoryID).
		HistoryTypes(historyTypes...).
		MaxResults(a.maxItems)

	var changes []mailsync.Change
	added := make(map[string]bool)

	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || added[rec.Message.Id] {
					continue
				}
				added[rec.Message.Id] = true

				email, err := a.getEmail(ctx, rec.Message.Id)
				if err != nil {
					// Added then removed before we looked
					if isNotFound(err) {
						continue
					}
					return fmt.Errorf("failed to get message %s: %w", rec.Message.Id, err)
				}
				changes = append(changes, mailsync.NewItem{Email: email})
			}

			for _, rec := range h.MessagesDeleted {
				if rec.Message == nil {
					continue
				}
				changes = append(changes, mailsync.Deleted{ID: rec.Message.Id})
			}

			for _, rec := range h.LabelsAdded {
				if rec.Message == nil {
					continue
				}
				changes = append(changes, mailsync.Updated{
					ID:      rec.Message.Id,
					Updates: labelUpdates(rec.LabelIds, true),
				})
			}

			for _, rec := range h.LabelsRemoved {
				if rec.Message == nil {
					continue
				}
				changes = append(changes, mailsync.Updated{
					ID:      rec.Message.Id,
					Updates: labelUpdates(rec.LabelIds, false),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// labelUpdates maps a label delta onto an Updates diff. UNREAD and STARRED
// also drive the read and starred flags.
func labelUpdates(labels []string, added bool) mail.Updates {
	var u mail.Updates
	for _, l := range labels {
		switch l {
		case labelUnread:
			u.IsRead = mail.Bool(!added)
		case labelStarred:
			u.IsStarred = mail.Bool(added)
		}
	}
	if added {
		u.AddLabels = labels
	} else {
		u.RemoveLabels = labels
	}
	return u
}

// backfill lists the newest messages, bounded by maxItems
func (a *Adapter) backfill(ctx context.Context) ([]mailsync.Change, error) {
	resp, err := a.svc.Users.Messages.List(a.user).
		IncludeSpamTrash(false).
		MaxResults(a.maxItems).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to backfill messages: %w", err)
	}

	changes := make([]mailsync.Change, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		email, err := a.getEmail(ctx, m.Id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get message %s: %w", m.Id, err)
		}
		changes = append(changes, mailsync.NewItem{Email: email})
	}
	return changes, nil
}

func (a *Adapter) getEmail(ctx context.Context, id string) (mail.Email, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return mail.Email{}, err
	}
	return normalize(msg, a.accountID), nil
}

// GetCurrentState returns the mailbox's latest history id
func (a *Adapter) GetCurrentState(ctx context.Context) (mailsync.State, error) {
	profile, err := a.svc.Users.GetProfile(a.user).Context(ctx).Do()
	if err != nil {
		return mailsync.State{}, fmt.Errorf("failed to get profile: %w", err)
	}

	state := mailsync.StateNow()
	if profile.HistoryId != 0 {
		state.Cursor = strconv.FormatUint(profile.HistoryId, 10)
	}
	return state, nil
}

// PushChange applies a queued local change through the Gmail API
func (a *Adapter) PushChange(ctx context.Context, change mailsync.PendingChange) error {
	p := change.Payload

	switch change.Kind {
	case mailsync.KindArchive:
		for _, id := range p.ThreadIDs {
			if err := a.modifyThread(ctx, id, nil, []string{labelInbox}); err != nil {
				return err
			}
		}
		return nil

	case mailsync.KindTrash:
		for _, id := range p.ThreadIDs {
			if _, err := a.svc.Users.Threads.Trash(a.user, id).Context(ctx).Do(); err != nil {
				return fmt.Errorf("trash thread %s: %w", id, err)
			}
		}
		return nil

	case mailsync.KindStar:
		if p.Starred {
			return a.modifyThread(ctx, p.ThreadID, []string{labelStarred}, nil)
		}
		return a.modifyThread(ctx, p.ThreadID, nil, []string{labelStarred})

	case mailsync.KindMarkRead:
		if p.Read {
			return a.modifyThread(ctx, p.ThreadID, nil, []string{labelUnread})
		}
		return a.modifyThread(ctx, p.ThreadID, []string{labelUnread}, nil)

	case mailsync.KindApplyLabel:
		return a.modifyThread(ctx, p.ThreadID, []string{p.Label}, nil)

	case mailsync.KindRemoveLabel:
		return a.modifyThread(ctx, p.ThreadID, nil, []string{p.Label})

	case mailsync.KindSend:
		if p.Draft == nil {
			return fmt.Errorf("send %s: no draft", change.ID)
		}
		return a.send(ctx, *p.Draft)

	default:
		return fmt.Errorf("unsupported change kind %q", change.Kind)
	}
}

func (a *Adapter) modifyThread(ctx context.Context, threadID string, add, remove []string) error {
	req := &gmail.ModifyThreadRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := a.svc.Users.Threads.Modify(a.user, threadID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("modify thread %s: %w", threadID, err)
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, draft mail.Draft) error {
	raw, err := draft.Compose(time.Now())
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if _, err := a.svc.Users.Messages.Send(a.user, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// normalize converts a Gmail message to an Email
func normalize(m *gmail.Message, accountID string) mail.Email {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	e := mail.Email{
		ID:        m.Id,
		AccountID: accountID,
		ThreadID:  m.ThreadId,
		MessageID: headers["message-id"],
		InReplyTo: headers["in-reply-to"],
		Subject:   headers["subject"],
		To:        parseAddrs(headers["to"]),
		Cc:        parseAddrs(headers["cc"]),
		Bcc:       parseAddrs(headers["bcc"]),
		Snippet:   m.Snippet,
		Labels:    m.LabelIds,
		IsRead:    true,
	}
	if e.MessageID == "" {
		e.MessageID = "<" + m.Id + ">"
	}
	if refs := strings.Fields(headers["references"]); len(refs) > 0 {
		e.References = refs
	}
	if from := parseAddrs(headers["from"]); len(from) > 0 {
		e.From = from[0]
	}
	if m.InternalDate != 0 {
		e.Date = time.UnixMilli(m.InternalDate).UTC()
	}

	for _, l := range m.LabelIds {
		switch l {
		case labelUnread:
			e.IsRead = false
		case labelStarred:
			e.IsStarred = true
		case labelDraft:
			e.IsDraft = true
		}
	}

	if m.Payload != nil {
		walkParts(m.Payload, &e)
	}
	return e
}

// walkParts fills bodies and attachments from the MIME tree
func walkParts(part *gmail.MessagePart, e *mail.Email) {
	if part.Filename != "" && part.Body != nil {
		e.Attachments = append(e.Attachments, mail.Attachment{
			ID:          part.Body.AttachmentId,
			Filename:    part.Filename,
			ContentType: part.MimeType,
			SizeBytes:   part.Body.Size,
		})
	} else if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if e.BodyText == "" {
				e.BodyText = decodeBody(part.Body.Data)
			}
		case "text/html":
			if e.BodyHTML == "" {
				e.BodyHTML = decodeBody(part.Body.Data)
			}
		}
	}

	for _, child := range part.Parts {
		walkParts(child, e)
	}
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

// parseAddrs parses an address header, falling back to a bare split when
// the header is not RFC 5322 clean
func parseAddrs(s string) []mail.Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	if list, err := gomail.ParseAddressList(s); err == nil {
		out := make([]mail.Address, 0, len(list))
		for _, a := range list {
			out = append(out, mail.Address{Email: a.Address, Name: a.Name})
		}
		return out
	}

	var out []mail.Address
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, mail.Address{Email: p})
		}
	}
	return out
}
