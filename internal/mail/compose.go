package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Compose renders the draft as an RFC 5322 message
func (d Draft) Compose(now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := d.WriteTo(&buf, now); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the draft as a multipart/alternative message to w
func (d Draft) WriteTo(w io.Writer, now time.Time) error {
	if len(d.To)+len(d.Cc)+len(d.Bcc) == 0 {
		return fmt.Errorf("draft %s has no recipients", d.ID)
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)
	h.SetAddressList("From", toAddressList([]Address{d.From}))
	h.SetAddressList("To", toAddressList(d.To))
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(d.Cc))
	}
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{trimMsgID(d.InReplyTo)})
	}
	if len(d.References) > 0 {
		refs := make([]string, 0, len(d.References))
		for _, r := range d.References {
			refs = append(refs, trimMsgID(r))
		}
		h.SetMsgIDList("References", refs)
	}
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	mw, err := gomail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", d.BodyText},
		{"text/html", d.BodyHTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph gomail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

func toAddressList(addrs []Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.Email == "" {
			continue
		}
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
