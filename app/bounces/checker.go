// Package bounces scans the bounce mailbox for delivery failure reports
// addressed to VERP envelope senders.
package bounces

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/email"
)

const (
	SecurityTLS  = "tls"
	SecurityNone = "none"
)

var recipientHeaders = []string{"To", "Delivered-To", "X-Original-To"}

type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	Security string
	Timeout  time.Duration
}

type Bounce struct {
	UID       uint32
	Recipient string
	SentAt    time.Time
	Subject   string
}

type Checker struct {
	cfg IMAPConfig
}

func NewChecker(cfg IMAPConfig) *Checker {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	return &Checker{cfg: cfg}
}

// Run returns the bounces among the unseen messages of the mailbox and marks
// every scanned message as seen.
func (c *Checker) Run(ctx context.Context) ([]Bounce, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	imapClient, err := c.dial(addr)
	if err != nil {
		return nil, apperr.Transport("connect to", addr, err)
	}
	defer imapClient.Logout()

	if c.cfg.Timeout > 0 {
		imapClient.Timeout = c.cfg.Timeout
	}

	if err := imapClient.Login(c.cfg.Username, c.cfg.Password); err != nil {
		return nil, apperr.Transport("log in to", addr, err)
	}

	if _, err := imapClient.Select(c.cfg.Mailbox, false); err != nil {
		return nil, apperr.Transport("select mailbox", c.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := imapClient.UidSearch(criteria)
	if err != nil {
		return nil, apperr.Transport("search mailbox", c.cfg.Mailbox, err)
	}
	if len(uids) == 0 {
		slog.Debug("No unseen messages in bounce mailbox", "mailbox", c.cfg.Mailbox)
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- imapClient.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	var bounces []Bounce
	for msg := range messages {
		bounce, ok, err := parseBounce(msg, section)
		if err != nil {
			slog.Warn("Failed to parse bounce mailbox message", "uid", msg.Uid, "error", err)
			continue
		}
		if ok {
			bounces = append(bounces, bounce)
		}
	}

	if err := <-done; err != nil {
		return nil, apperr.Transport("fetch messages from", c.cfg.Mailbox, err)
	}

	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return nil, apperr.Transport("mark messages as seen in", c.cfg.Mailbox, err)
	}

	slog.Debug("Bounce mailbox scanned", "mailbox", c.cfg.Mailbox, "messages", len(uids), "bounces", len(bounces))
	return bounces, nil
}

func (c *Checker) dial(addr string) (*client.Client, error) {
	switch c.cfg.Security {
	case SecurityTLS:
		return client.DialTLS(addr, &tls.Config{ServerName: c.cfg.Host})
	case SecurityNone:
		return client.Dial(addr)
	default:
		return nil, fmt.Errorf("unknown IMAP security mode %q", c.cfg.Security)
	}
}

func parseBounce(msg *imap.Message, section *imap.BodySectionName) (Bounce, bool, error) {
	r := msg.GetBody(section)
	if r == nil {
		return Bounce{}, false, fmt.Errorf("server did not return message headers")
	}

	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Bounce{}, false, fmt.Errorf("failed to read message: %w", err)
	}
	h := mail.Header{Header: entity.Header}

	for _, name := range recipientHeaders {
		for _, value := range h.Values(name) {
			for _, candidate := range strings.Split(value, ",") {
				address := strings.TrimSpace(candidate)
				if parsed, err := mail.ParseAddress(address); err == nil {
					address = parsed.Address
				}

				info, err := email.ParseBounceAddress(address)
				if err != nil {
					continue
				}

				subject, _ := h.Subject()
				return Bounce{
					UID:       msg.Uid,
					Recipient: info.Recipient,
					SentAt:    info.SentAt,
					Subject:   subject,
				}, true, nil
			}
		}
	}

	return Bounce{}, false, nil
}
