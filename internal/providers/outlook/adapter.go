package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	folderInbox   = "inbox"
	folderArchive = "archive"
	folderDeleted = "deleteditems"
)

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients",
	"ccRecipients", "bccRecipients", "bodyPreview", "body", "receivedDateTime",
	"isRead", "isDraft", "flag", "categories", "hasAttachments",
}

// Adapter implements the sync Provider for Outlook/Microsoft Graph
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	accountID string
	pageSize  int

	mu        gosync.Mutex
	deltaLink string
}

var _ mailsync.Provider = (*Adapter)(nil)

// New creates a new Outlook adapter
func New(ctx context.Context, tok *auth.Token, accountID string, maxItems int) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if maxItems <= 0 {
		maxItems = 100
	}
	return &Adapter{client: client, accountID: accountID, pageSize: maxItems}, nil
}

// FetchChangesSince walks the inbox delta feed from the stored delta link.
// An empty cursor starts a new delta round, which returns the current
// inbox as new items.
func (a *Adapter) FetchChangesSince(ctx context.Context, state mailsync.State) ([]mailsync.Change, error) {
	changes, deltaLink, err := a.delta(ctx, state.Cursor)
	if err != nil && state.Cursor != "" && isGone(err) {
		changes, deltaLink, err = a.delta(ctx, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sync messages: %w", err)
	}

	a.mu.Lock()
	a.deltaLink = deltaLink
	a.mu.Unlock()

	return changes, nil
}

func (a *Adapter) delta(ctx context.Context, cursor string) ([]mailsync.Change, string, error) {
	base := a.client.Me().MailFolders().ByMailFolderId(folderInbox).Messages().Delta()

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", a.pageSize))

	builder := base
	config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers}
	if cursor != "" {
		builder = base.WithUrl(cursor)
	} else {
		config.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: messageFields,
		}
	}

	var changes []mailsync.Change
	for {
		resp, err := builder.GetAsDeltaGetResponse(ctx, config)
		if err != nil {
			return nil, "", err
		}

		for _, msg := range resp.GetValue() {
			if c := a.toChange(msg); c != nil {
				changes = append(changes, c)
			}
		}

		if next := resp.GetOdataNextLink(); next != nil && *next != "" {
			builder = base.WithUrl(*next)
			config = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers}
			continue
		}

		deltaLink := cursor
		if link := resp.GetOdataDeltaLink(); link != nil {
			deltaLink = *link
		}
		return changes, deltaLink, nil
	}
}

// toChange maps a delta entry. Delta does not distinguish new from
// changed messages, so both become a full snapshot.
func (a *Adapter) toChange(msg models.Messageable) mailsync.Change {
	id := deref(msg.GetId())
	if id == "" {
		return nil
	}
	if _, removed := msg.GetAdditionalData()["@removed"]; removed {
		return mailsync.Deleted{ID: id}
	}
	return mailsync.NewItem{Email: normalize(msg, a.accountID)}
}

// GetCurrentState returns the delta link captured by the last fetch
func (a *Adapter) GetCurrentState(context.Context) (mailsync.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := mailsync.StateNow()
	state.Cursor = a.deltaLink
	return state, nil
}

// PushChange applies a queued local change through Graph
func (a *Adapter) PushChange(ctx context.Context, change mailsync.PendingChange) error {
	p := change.Payload

	switch change.Kind {
	case mailsync.KindArchive:
		return a.moveThreads(ctx, p.ThreadIDs, folderArchive)

	case mailsync.KindTrash:
		return a.moveThreads(ctx, p.ThreadIDs, folderDeleted)

	case mailsync.KindStar:
		return a.patchThread(ctx, p.ThreadID, func(_ models.Messageable, patch *models.Message) {
			flag := models.NewFollowupFlag()
			status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
			if p.Starred {
				status = models.FLAGGED_FOLLOWUPFLAGSTATUS
			}
			flag.SetFlagStatus(&status)
			patch.SetFlag(flag)
		})

	case mailsync.KindMarkRead:
		return a.patchThread(ctx, p.ThreadID, func(_ models.Messageable, patch *models.Message) {
			read := p.Read
			patch.SetIsRead(&read)
		})

	case mailsync.KindApplyLabel:
		return a.patchThread(ctx, p.ThreadID, func(cur models.Messageable, patch *models.Message) {
			cats := cur.GetCategories()
			if !slices.Contains(cats, p.Label) {
				cats = append(cats, p.Label)
			}
			patch.SetCategories(cats)
		})

	case mailsync.KindRemoveLabel:
		return a.patchThread(ctx, p.ThreadID, func(cur models.Messageable, patch *models.Message) {
			patch.SetCategories(slices.DeleteFunc(slices.Clone(cur.GetCategories()), func(c string) bool {
				return c == p.Label
			}))
		})

	case mailsync.KindSend:
		if p.Draft == nil {
			return fmt.Errorf("send %s: no draft", change.ID)
		}
		return a.send(ctx, *p.Draft)

	default:
		return fmt.Errorf("unsupported change kind %q", change.Kind)
	}
}

// threadMessages lists the messages of a conversation
func (a *Adapter) threadMessages(ctx context.Context, conversationID string) ([]models.Messageable, error) {
	filter := fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''"))
	top := int32(a.pageSize)
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id", "categories"},
			Top:    &top,
		},
	}

	resp, err := a.client.Me().Messages().Get(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("list conversation %s: %w", conversationID, err)
	}
	return resp.GetValue(), nil
}

func (a *Adapter) patchThread(ctx context.Context, conversationID string, build func(cur models.Messageable, patch *models.Message)) error {
	msgs, err := a.threadMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		id := deref(m.GetId())
		if id == "" {
			continue
		}
		patch := models.NewMessage()
		build(m, patch)
		if _, err := a.client.Me().Messages().ByMessageId(id).Patch(ctx, patch, nil); err != nil {
			return fmt.Errorf("patch message %s: %w", id, err)
		}
	}
	return nil
}

func (a *Adapter) moveThreads(ctx context.Context, conversationIDs []string, folder string) error {
	for _, convID := range conversationIDs {
		msgs, err := a.threadMessages(ctx, convID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			id := deref(m.GetId())
			if id == "" {
				continue
			}
			body := users.NewItemMessagesItemMovePostRequestBody()
			dest := folder
			body.SetDestinationId(&dest)
			if _, err := a.client.Me().Messages().ByMessageId(id).Move().Post(ctx, body, nil); err != nil {
				return fmt.Errorf("move message %s to %s: %w", id, folder, err)
			}
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, draft mail.Draft) error {
	if len(draft.Recipients()) == 0 {
		return fmt.Errorf("send: no recipients")
	}

	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(toGraphMessage(draft))
	save := true
	body.SetSaveToSentItems(&save)

	if err := a.client.Me().SendMail().Post(ctx, body, nil); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// toGraphMessage builds the Graph message for a draft
func toGraphMessage(d mail.Draft) models.Messageable {
	msg := models.NewMessage()

	subject := d.Subject
	msg.SetSubject(&subject)

	itemBody := models.NewItemBody()
	content := d.BodyText
	contentType := models.TEXT_BODYTYPE
	if d.BodyHTML != "" {
		content = d.BodyHTML
		contentType = models.HTML_BODYTYPE
	}
	itemBody.SetContent(&content)
	itemBody.SetContentType(&contentType)
	msg.SetBody(itemBody)

	msg.SetToRecipients(toRecipients(d.To))
	if len(d.Cc) > 0 {
		msg.SetCcRecipients(toRecipients(d.Cc))
	}
	if len(d.Bcc) > 0 {
		msg.SetBccRecipients(toRecipients(d.Bcc))
	}
	return msg
}

func toRecipients(addrs []mail.Address) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		email := models.NewEmailAddress()
		address := a.Email
		email.SetAddress(&address)
		if a.Name != "" {
			name := a.Name
			email.SetName(&name)
		}
		r := models.NewRecipient()
		r.SetEmailAddress(email)
		out = append(out, r)
	}
	return out
}

// normalize converts an Outlook message to an Email
func normalize(m models.Messageable, accountID string) mail.Email {
	e := mail.Email{
		ID:        deref(m.GetId()),
		AccountID: accountID,
		ThreadID:  deref(m.GetConversationId()),
		MessageID: deref(m.GetInternetMessageId()),
		Subject:   deref(m.GetSubject()),
		Snippet:   deref(m.GetBodyPreview()),
		To:        extractAddresses(m.GetToRecipients()),
		Cc:        extractAddresses(m.GetCcRecipients()),
		Bcc:       extractAddresses(m.GetBccRecipients()),
		Labels:    m.GetCategories(),
		IsRead:    derefBool(m.GetIsRead()),
		IsDraft:   derefBool(m.GetIsDraft()),
	}

	if from := m.GetFrom(); from != nil {
		if addrs := extractAddresses([]models.Recipientable{from}); len(addrs) > 0 {
			e.From = addrs[0]
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		e.Date = rcvd.UTC()
	}

	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			e.IsStarred = true
		}
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			e.BodyHTML = content
		} else {
			e.BodyText = content
		}
	}

	return e
}

// extractAddresses extracts addresses from recipients
func extractAddresses(recipients []models.Recipientable) []mail.Address {
	var addrs []mail.Address
	for _, r := range recipients {
		if r == nil {
			continue
		}
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := deref(emailAddr.GetAddress()); addr != "" {
				addrs = append(addrs, mail.Address{Email: addr, Name: deref(emailAddr.GetName())})
			}
		}
	}
	return addrs
}

func isGone(err error) bool {
	var odataErr *odataerrors.ODataError
	return errors.As(err, &odataErr) && odataErr.ResponseStatusCode == http.StatusGone
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	return b != nil && *b
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiry,
	}, nil
}
