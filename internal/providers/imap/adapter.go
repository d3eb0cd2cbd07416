package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/mail"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

var (
	archiveMailboxes = []string{"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive"}
	trashMailboxes   = []string{"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"}
)

// ErrUIDValidity is returned when a pushed change refers to a message from
// a previous UIDVALIDITY epoch of the mailbox
var ErrUIDValidity = errors.New("imap: uidvalidity changed")

// ErrForeignMessage is returned when a pushed change names a message of
// another account
var ErrForeignMessage = errors.New("imap: message belongs to another account")

// Adapter implements the sync provider contract for a single IMAP mailbox.
// The watermark is the mailbox UIDVALIDITY plus the highest UID seen.
type Adapter struct {
	cfg       Config
	accountID string
	maxItems  int

	mu    gosync.Mutex
	state mailsync.State
}

// New creates an IMAP adapter for the given account
func New(cfg Config, accountID string, maxItems int) *Adapter {
	if maxItems <= 0 {
		maxItems = 500
	}
	return &Adapter{cfg: cfg, accountID: accountID, maxItems: maxItems}
}

// FetchChangesSince returns every message with a UID above the stored
// watermark, oldest first and bounded by maxItems. A zero watermark or a
// UIDVALIDITY change backfills the most recent maxItems messages.
func (a *Adapter) FetchChangesSince(ctx context.Context, st mailsync.State) ([]mailsync.Change, error) {
	client, err := a.cfg.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	sel, err := client.Select(a.cfg.mailbox(), &goimap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", a.cfg.mailbox(), err)
	}

	lastUID := st.LastUID
	if st.UIDValidity != sel.UIDValidity {
		lastUID = 0
	}

	criteria := &goimap.SearchCriteria{
		UID: []goimap.UIDSet{{goimap.UIDRange{Start: goimap.UID(lastUID + 1), Stop: 0}}},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", a.cfg.mailbox(), err)
	}

	uids := window(data.AllUIDs(), lastUID, a.maxItems)

	next := mailsync.State{UIDValidity: sel.UIDValidity, LastUID: lastUID}
	if len(uids) == 0 {
		a.remember(next)
		return nil, nil
	}

	section := &goimap.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(goimap.UIDSetNum(uids...), &goimap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	changes := make([]mailsync.Change, 0, len(uids))
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collecting message: %w", err)
		}

		e := normalize(a.accountID, sel.UIDValidity, uint32(buf.UID), buf.Envelope, buf.Flags, buf.FindBodySection(section))
		changes = append(changes, mailsync.NewItem{Email: e})
		if uint32(buf.UID) > next.LastUID {
			next.LastUID = uint32(buf.UID)
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	a.remember(next)
	return changes, nil
}

// GetCurrentState returns the watermark reached by the last fetch. Before
// any fetch it reads the mailbox status directly.
func (a *Adapter) GetCurrentState(ctx context.Context) (mailsync.State, error) {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()

	if st.UIDValidity == 0 {
		client, err := a.cfg.connect(ctx)
		if err != nil {
			return mailsync.State{}, err
		}
		defer func() { _ = client.Logout().Wait() }()

		sel, err := client.Select(a.cfg.mailbox(), &goimap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return mailsync.State{}, fmt.Errorf("selecting %s: %w", a.cfg.mailbox(), err)
		}
		st.UIDValidity = sel.UIDValidity
		if sel.UIDNext > 0 {
			st.LastUID = uint32(sel.UIDNext) - 1
		}
	}

	now := time.Now().UTC()
	st.LastSync = &now
	return st, nil
}

func (a *Adapter) remember(st mailsync.State) {
	a.mu.Lock()
	a.state = st
	a.mu.Unlock()
}

// PushChange applies a pending change. Thread ids are message ids of the
// form "<uidvalidity>:<uid>" since IMAP has no native threads.
func (a *Adapter) PushChange(ctx context.Context, change mailsync.PendingChange) error {
	if change.Kind == mailsync.KindSend {
		return a.cfg.sendDraft(ctx, *change.Payload.Draft)
	}

	ids := change.Payload.ThreadIDs
	if change.Payload.ThreadID != "" {
		ids = []string{change.Payload.ThreadID}
	}

	client, err := a.cfg.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	sel, err := client.Select(a.cfg.mailbox(), nil).Wait()
	if err != nil {
		return fmt.Errorf("selecting %s: %w", a.cfg.mailbox(), err)
	}

	uids, err := uidsFor(ids, a.accountID, sel.UIDValidity)
	if err != nil {
		return err
	}
	set := goimap.UIDSetNum(uids...)

	switch change.Kind {
	case mailsync.KindArchive:
		return moveOrDelete(client, set, archiveMailboxes)
	case mailsync.KindTrash:
		return moveOrDelete(client, set, trashMailboxes)
	case mailsync.KindStar, mailsync.KindMarkRead, mailsync.KindApplyLabel, mailsync.KindRemoveLabel:
		store, err := flagStore(change)
		if err != nil {
			return err
		}
		if err := client.Store(set, store, nil).Close(); err != nil {
			return fmt.Errorf("storing flags: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported change kind %q", change.Kind)
	}
}

// flagStore maps a flag-style pending change to an IMAP STORE.
// Labels become keywords.
func flagStore(change mailsync.PendingChange) (*goimap.StoreFlags, error) {
	p := change.Payload
	op := func(add bool) goimap.StoreFlagsOp {
		if add {
			return goimap.StoreFlagsAdd
		}
		return goimap.StoreFlagsDel
	}

	switch change.Kind {
	case mailsync.KindStar:
		return &goimap.StoreFlags{Op: op(p.Starred), Silent: true, Flags: []goimap.Flag{goimap.FlagFlagged}}, nil
	case mailsync.KindMarkRead:
		return &goimap.StoreFlags{Op: op(p.Read), Silent: true, Flags: []goimap.Flag{goimap.FlagSeen}}, nil
	case mailsync.KindApplyLabel:
		return &goimap.StoreFlags{Op: goimap.StoreFlagsAdd, Silent: true, Flags: []goimap.Flag{keyword(p.Label)}}, nil
	case mailsync.KindRemoveLabel:
		return &goimap.StoreFlags{Op: goimap.StoreFlagsDel, Silent: true, Flags: []goimap.Flag{keyword(p.Label)}}, nil
	}
	return nil, fmt.Errorf("%s is not a flag change", change.Kind)
}

// keyword turns a label into a valid IMAP keyword atom
func keyword(label string) goimap.Flag {
	return goimap.Flag(strings.Map(func(r rune) rune {
		switch {
		case r <= ' ', r > '~', strings.ContainsRune(`(){%*"\]`, r):
			return '_'
		}
		return r
	}, label))
}

// moveOrDelete moves the set to the first mailbox that exists, falling back
// to flagging the messages \Deleted
func moveOrDelete(client *imapclient.Client, set goimap.UIDSet, mailboxes []string) error {
	for _, mbox := range mailboxes {
		if _, err := client.Move(set, mbox).Wait(); err == nil {
			return nil
		}
	}

	err := client.Store(set, &goimap.StoreFlags{
		Op:     goimap.StoreFlagsAdd,
		Silent: true,
		Flags:  []goimap.Flag{goimap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flagging deleted: %w", err)
	}
	return nil
}

// window picks the UIDs to fetch this cycle. UID SEARCH "n:*" always returns
// the highest message even when it is below n, so those are dropped.
func window(all []goimap.UID, lastUID uint32, limit int) []goimap.UID {
	uids := make([]goimap.UID, 0, len(all))
	for _, uid := range all {
		if uint32(uid) > lastUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if limit > 0 && len(uids) > limit {
		if lastUID == 0 {
			return uids[len(uids)-limit:]
		}
		return uids[:limit]
	}
	return uids
}

// messageID scopes a UID to its account and UIDVALIDITY epoch so ids from
// different mailboxes never collide in a shared store
func messageID(accountID string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", accountID, uidValidity, uid)
}

// parseMessageID splits from the right since account ids may contain ':'
func parseMessageID(id string) (accountID string, uidValidity, uid uint32, err error) {
	rest, u, ok := cutLast(id)
	if !ok {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	accountID, v, ok := cutLast(rest)
	if !ok || accountID == "" {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q: %w", id, err)
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil || pu == 0 {
		return "", 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	return accountID, uint32(pv), uint32(pu), nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func uidsFor(ids []string, accountID string, uidValidity uint32) ([]goimap.UID, error) {
	uids := make([]goimap.UID, 0, len(ids))
	for _, id := range ids {
		acct, v, uid, err := parseMessageID(id)
		if err != nil {
			return nil, err
		}
		if acct != accountID {
			return nil, fmt.Errorf("message %s: %w", id, ErrForeignMessage)
		}
		if v != uidValidity {
			return nil, fmt.Errorf("message %s: %w", id, ErrUIDValidity)
		}
		uids = append(uids, goimap.UID(uid))
	}
	return uids, nil
}

// normalize builds an Email from fetched IMAP data
func normalize(accountID string, uidValidity, uid uint32, env *goimap.Envelope, flags []goimap.Flag, raw []byte) mail.Email {
	id := messageID(accountID, uidValidity, uid)
	e := mail.Email{
		ID:        id,
		AccountID: accountID,
		ThreadID:  id,
	}

	if env != nil {
		e.Subject = env.Subject
		e.Date = env.Date
		e.MessageID = env.MessageID
		if len(env.InReplyTo) > 0 {
			e.InReplyTo = env.InReplyTo[0]
		}
		if from := addresses(env.From); len(from) > 0 {
			e.From = from[0]
		}
		e.To = addresses(env.To)
		e.Cc = addresses(env.Cc)
		e.Bcc = addresses(env.Bcc)
	}

	for _, f := range flags {
		switch f {
		case goimap.FlagSeen:
			e.IsRead = true
		case goimap.FlagFlagged:
			e.IsStarred = true
		case goimap.FlagDraft:
			e.IsDraft = true
		default:
			if !strings.HasPrefix(string(f), `\`) {
				e.Labels = append(e.Labels, string(f))
			}
		}
	}

	if raw != nil {
		e.BodyText, e.BodyHTML, e.Attachments = parseBody(raw)
	}
	e.Snippet = snippet(e.BodyText)
	return e
}

func addresses(in []goimap.Address) []mail.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(in))
	for _, a := range in {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		out = append(out, mail.Address{Email: a.Addr(), Name: a.Name})
	}
	return out
}

// parseBody extracts text and html bodies plus attachment metadata from a
// raw RFC 5322 message
func parseBody(raw []byte) (text, html string, attachments []mail.Attachment) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && text == "":
				text = string(body)
			case strings.HasPrefix(ct, "text/html") && html == "":
				html = string(body)
			}
		case *gomail.AttachmentHeader:
			name, _ := h.Filename()
			ct, _, _ := h.ContentType()
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				continue
			}
			attachments = append(attachments, mail.Attachment{
				ID:          strconv.Itoa(len(attachments) + 1),
				Filename:    name,
				ContentType: ct,
				SizeBytes:   n,
			})
		}
	}
	return text, html, attachments
}

func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if r := []rune(s); len(r) > 200 {
		return string(r[:200])
	}
	return s
}
