package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Config holds IMAP and SMTP connection settings for one account
type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"-"`
	// TLS selects implicit TLS; otherwise STARTTLS is used
	TLS bool `mapstructure:"tls"`
	// Mailbox to sync, INBOX when empty
	Mailbox string `mapstructure:"mailbox"`
}

func (c Config) mailbox() string {
	if c.Mailbox == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// connect dials the IMAP server and authenticates.
// The caller must Logout the returned client.
func (c Config) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.Host, c.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if c.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.Username, c.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("IMAP login as %s: %w", c.Username, err)
	}
	return client, nil
}

// sendDraft delivers a draft over SMTP, implicit TLS or STARTTLS
// depending on the account config
func (c Config) sendDraft(ctx context.Context, d mail.Draft) error {
	if d.From.Email == "" {
		d.From = mail.Address{Email: c.Username}
	}
	body, err := d.Compose(time.Now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(c.SMTPHost, c.SMTPPort)
	tlsConfig := &tls.Config{ServerName: c.SMTPHost}
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	if c.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, c.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if !c.TLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}

	auth := smtp.PlainAuth("", c.Username, c.Password, c.SMTPHost)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	if err := client.Mail(d.From.Email); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range d.Recipients() {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}
	return client.Quit()
}
