package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/lysyi3m/rss-mailer/app/apperr"
)

type Transport interface {
	Deliver(ctx context.Context, msg *Message) error
}

var _ Transport = (*SMTPTransport)(nil)

const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	// BounceDomain enables VERP envelope senders when set.
	BounceDomain string
	Timeout      time.Duration
	TLSConfig    *tls.Config
}

// SMTPTransport owns one SMTP connection, dialled on first use and reused for
// every message. A connection that fails mid-transaction is dropped and the
// next message dials again.
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time

	mu     sync.Mutex
	client *smtp.Client
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

func (t *SMTPTransport) Deliver(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transport("deliver email to", msg.To, err)
	}

	now := t.now()
	data, err := Compose(msg, now)
	if err != nil {
		return apperr.Transport("deliver email to", msg.To, err)
	}

	sender := msg.FromAddress
	if t.cfg.BounceDomain != "" {
		nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		sender, err = BounceAddress(msg.To, t.cfg.BounceDomain, now, nonce)
		if err != nil {
			return apperr.Transport("deliver email to", msg.To, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(ctx, sender, msg.To, data); err != nil {
		return apperr.Transport("deliver email to", msg.To, err)
	}

	slog.Debug("Email delivered", "to", msg.To, "envelope_from", sender, "bytes", len(data))
	return nil
}

func (t *SMTPTransport) send(ctx context.Context, from, to string, data []byte) error {
	client, err := t.connection()
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			commandTimeout, submissionTimeout := client.CommandTimeout, client.SubmissionTimeout
			client.CommandTimeout, client.SubmissionTimeout = remaining, remaining
			defer func() {
				client.CommandTimeout, client.SubmissionTimeout = commandTimeout, submissionTimeout
			}()
		}
	}

	err = t.transaction(client, from, to, data)
	if err == nil {
		return nil
	}

	if resetErr := client.Reset(); resetErr != nil {
		slog.Warn("Dropping SMTP connection", "host", t.cfg.Host, "error", resetErr)
		client.Close()
		t.client = nil
	}
	return err
}

func (t *SMTPTransport) transaction(client *smtp.Client, from, to string, data []byte) error {
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return nil
}

func (t *SMTPTransport) connection() (*smtp.Client, error) {
	if t.client != nil {
		return t.client, nil
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	tlsConfig := t.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: t.cfg.Host}
	}

	var (
		client *smtp.Client
		err    error
	)
	switch t.cfg.Security {
	case SecurityTLS:
		client, err = smtp.DialTLS(addr, tlsConfig)
	case SecurityStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	case SecurityNone:
		client, err = smtp.Dial(addr)
	default:
		return nil, fmt.Errorf("unknown SMTP security mode %q", t.cfg.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if t.cfg.Timeout > 0 {
		client.CommandTimeout = t.cfg.Timeout
		client.SubmissionTimeout = t.cfg.Timeout
	}

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to authenticate to %s: %w", addr, err)
		}
	}

	slog.Debug("SMTP connection established", "addr", addr, "security", t.cfg.Security)
	t.client = client
	return client, nil
}

// Close ends the SMTP session if one is open.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Quit()
	t.client = nil
	return err
}
