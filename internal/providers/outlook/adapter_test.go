package outlook

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/mail"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func ptr[T any](v T) *T { return &v }

func recipient(addr, name string) models.Recipientable {
	email := models.NewEmailAddress()
	email.SetAddress(ptr(addr))
	if name != "" {
		email.SetName(ptr(name))
	}
	r := models.NewRecipient()
	r.SetEmailAddress(email)
	return r
}

func graphMessage() *models.Message {
	m := models.NewMessage()
	m.SetId(ptr("AAMk1"))
	m.SetConversationId(ptr("conv-1"))
	m.SetInternetMessageId(ptr("<id-1@example.com>"))
	m.SetSubject(ptr("Quarterly report"))
	m.SetBodyPreview(ptr("Numbers attached"))
	m.SetIsRead(ptr(false))
	m.SetCategories([]string{"Work"})
	m.SetReceivedDateTime(ptr(time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)))
	m.SetToRecipients([]models.Recipientable{recipient("bob@example.com", "Bob")})

	from := models.NewRecipient()
	fromAddr := models.NewEmailAddress()
	fromAddr.SetAddress(ptr("alice@example.com"))
	from.SetEmailAddress(fromAddr)
	m.SetFrom(from)

	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(ptr(models.FLAGGED_FOLLOWUPFLAGSTATUS))
	m.SetFlag(flag)

	body := models.NewItemBody()
	body.SetContent(ptr("<b>hi</b>"))
	body.SetContentType(ptr(models.HTML_BODYTYPE))
	m.SetBody(body)
	return m
}

func TestNormalize(t *testing.T) {
	e := normalize(graphMessage(), "acct")

	assert.Equal(t, "AAMk1", e.ID)
	assert.Equal(t, "acct", e.AccountID)
	assert.Equal(t, "conv-1", e.ThreadID)
	assert.Equal(t, "<id-1@example.com>", e.MessageID)
	assert.Equal(t, "Quarterly report", e.Subject)
	assert.Equal(t, "Numbers attached", e.Snippet)
	assert.Equal(t, mail.Address{Email: "alice@example.com"}, e.From)
	assert.Equal(t, []mail.Address{{Email: "bob@example.com", Name: "Bob"}}, e.To)
	assert.Equal(t, []string{"Work"}, e.Labels)
	assert.False(t, e.IsRead)
	assert.True(t, e.IsStarred)
	assert.Equal(t, "<b>hi</b>", e.BodyHTML)
	assert.Empty(t, e.BodyText)
	assert.Equal(t, 2025, e.Date.Year())
}

func TestToChange(t *testing.T) {
	a := &Adapter{accountID: "acct"}

	c := a.toChange(graphMessage())
	item, ok := c.(mailsync.NewItem)
	require.True(t, ok)
	assert.Equal(t, "AAMk1", item.Email.ID)

	removed := models.NewMessage()
	removed.SetId(ptr("AAMk2"))
	removed.SetAdditionalData(map[string]any{"@removed": map[string]any{"reason": "deleted"}})
	assert.Equal(t, mailsync.Deleted{ID: "AAMk2"}, a.toChange(removed))

	assert.Nil(t, a.toChange(models.NewMessage()))
}

func TestToGraphMessage(t *testing.T) {
	msg := toGraphMessage(mail.Draft{
		To:       []mail.Address{{Email: "bob@example.com"}},
		Cc:       []mail.Address{{Email: "carol@example.com", Name: "Carol"}},
		Subject:  "Lunch",
		BodyText: "noon?",
	})

	assert.Equal(t, "Lunch", *msg.GetSubject())
	assert.Equal(t, "noon?", *msg.GetBody().GetContent())
	assert.Equal(t, models.TEXT_BODYTYPE, *msg.GetBody().GetContentType())
	require.Len(t, msg.GetToRecipients(), 1)
	assert.Equal(t, "bob@example.com", *msg.GetToRecipients()[0].GetEmailAddress().GetAddress())
	require.Len(t, msg.GetCcRecipients(), 1)
	assert.Equal(t, "Carol", *msg.GetCcRecipients()[0].GetEmailAddress().GetName())
	assert.Nil(t, msg.GetBccRecipients())
}

func TestGetCurrentStateReturnsLastDeltaLink(t *testing.T) {
	a := &Adapter{accountID: "acct"}
	st, err := a.GetCurrentState(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)

	a.deltaLink = "https://graph.microsoft.com/v1.0/me/mailFolders/inbox/messages/delta?$deltatoken=abc"
	st, err = a.GetCurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.deltaLink, st.Cursor)
	assert.NotNil(t, st.LastSync)
}

func TestStaticTokenCredential(t *testing.T) {
	expiry := time.Now().Add(time.Minute)
	cred := &staticTokenCredential{token: "tok", expiry: expiry}
	tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Token)
	assert.True(t, expiry.Equal(tok.ExpiresOn))
}
