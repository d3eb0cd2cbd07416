package mail

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressString(t *testing.T) {
	assert.Equal(t, "Test User <test@example.com>", Address{Email: "test@example.com", Name: "Test User"}.String())
	assert.Equal(t, "test@example.com", Address{Email: "test@example.com"}.String())
}

func TestUpdatesIsEmpty(t *testing.T) {
	assert.True(t, Updates{}.IsEmpty())
	assert.False(t, Updates{IsRead: Bool(true)}.IsEmpty())
	assert.False(t, Updates{RemoveLabels: []string{"INBOX"}}.IsEmpty())
}

func TestUpdatesApplyLabels(t *testing.T) {
	tests := []struct {
		name    string
		labels  []string
		updates Updates
		want    []string
	}{
		{
			name:    "add new label",
			labels:  []string{"INBOX"},
			updates: Updates{AddLabels: []string{"Work"}},
			want:    []string{"INBOX", "Work"},
		},
		{
			name:    "add existing label is idempotent",
			labels:  []string{"INBOX", "Work"},
			updates: Updates{AddLabels: []string{"Work"}},
			want:    []string{"INBOX", "Work"},
		},
		{
			name:    "remove label",
			labels:  []string{"INBOX", "Work"},
			updates: Updates{RemoveLabels: []string{"INBOX"}},
			want:    []string{"Work"},
		},
		{
			name:    "remove missing label",
			labels:  nil,
			updates: Updates{RemoveLabels: []string{"INBOX"}},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.updates.Apply(tt.labels))
		})
	}
}

func TestDraftCompose(t *testing.T) {
	d := Draft{
		ID:        "draft-1",
		From:      Address{Email: "me@example.com", Name: "Me"},
		To:        []Address{{Email: "you@example.com"}},
		Cc:        []Address{{Email: "cc@example.com"}},
		Subject:   "Re: Lunch",
		BodyText:  "Sounds good",
		InReplyTo: "<msg-1@example.com>",
	}

	raw, err := d.Compose(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "Subject: Re: Lunch")
	assert.Contains(t, msg, "you@example.com")
	assert.Contains(t, msg, "In-Reply-To: <msg-1@example.com>")
	assert.Contains(t, msg, "Sounds good")
	assert.True(t, strings.Contains(msg, "Message-Id:") || strings.Contains(msg, "Message-ID:"))
}

func TestDraftComposeRequiresRecipients(t *testing.T) {
	_, err := Draft{ID: "empty"}.Compose(time.Now())
	require.Error(t, err)
}

func TestDraftRecipients(t *testing.T) {
	d := Draft{
		To:  []Address{{Email: "a@example.com"}},
		Cc:  []Address{{Email: "b@example.com"}},
		Bcc: []Address{{Email: "c@example.com"}},
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, d.Recipients())
}
