package mail

import (
	"fmt"
	"time"
)

// Address represents an email address with optional display name
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// String renders "Name <email>" or the bare address when no name is set
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Attachment represents a file attached to an email
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Inline      bool   `json:"inline"`
}

// Email represents a normalized message across providers
type Email struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	ThreadID    string       `json:"thread_id"`
	MessageID   string       `json:"message_id"` // RFC 5322 Message-ID
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	From        Address      `json:"from"`
	To          []Address    `json:"to,omitempty"`
	Cc          []Address    `json:"cc,omitempty"`
	Bcc         []Address    `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Snippet     string       `json:"snippet"`
	Date        time.Time    `json:"date"`
	IsRead      bool         `json:"is_read"`
	IsStarred   bool         `json:"is_starred"`
	IsDraft     bool         `json:"is_draft"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Updates is a partial diff of an email's mutable metadata.
// Nil pointers leave the field untouched.
type Updates struct {
	IsRead       *bool    `json:"is_read,omitempty"`
	IsStarred    *bool    `json:"is_starred,omitempty"`
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
}

// IsEmpty reports whether the diff changes nothing
func (u Updates) IsEmpty() bool {
	return u.IsRead == nil && u.IsStarred == nil && len(u.AddLabels) == 0 && len(u.RemoveLabels) == 0
}

// Apply returns a copy of labels with the diff's label changes applied.
// Order is preserved and duplicates are not introduced.
func (u Updates) Apply(labels []string) []string {
	remove := make(map[string]bool, len(u.RemoveLabels))
	for _, l := range u.RemoveLabels {
		remove[l] = true
	}

	seen := make(map[string]bool, len(labels)+len(u.AddLabels))
	out := make([]string, 0, len(labels)+len(u.AddLabels))
	for _, l := range append(append([]string{}, labels...), u.AddLabels...) {
		if remove[l] || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Draft is an outgoing message queued for delivery
type Draft struct {
	ID         string    `json:"id"`
	From       Address   `json:"from"`
	To         []Address `json:"to"`
	Cc         []Address `json:"cc,omitempty"`
	Bcc        []Address `json:"bcc,omitempty"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text,omitempty"`
	BodyHTML   string    `json:"body_html,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
}

// Recipients returns every envelope recipient address
func (d Draft) Recipients() []string {
	var rcpts []string
	for _, group := range [][]Address{d.To, d.Cc, d.Bcc} {
		for _, a := range group {
			rcpts = append(rcpts, a.Email)
		}
	}
	return rcpts
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}
