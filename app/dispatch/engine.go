// Package dispatch mails pending inbox items to the confirmed subscribers of
// a feed.
package dispatch

import (
	"context"
	"html/template"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/items"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
)

type ItemDeleter interface {
	DeleteItem(ctx context.Context, item items.StoredItem) error
}

var _ ItemDeleter = (*items.Store)(nil)

type Report struct {
	SentExpected int
	Sent         int
	Failed       int
	Deleted      int
	DeleteFailed int
	// Cancelled is set when the context ended before every item was handled.
	Cancelled bool
}

type Engine struct {
	transport   email.Transport
	fromAddress string
	baseURL     string
	metrics     *metrics.Metrics
}

func NewEngine(transport email.Transport, fromAddress, baseURL string, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		transport:   transport,
		fromAddress: fromAddress,
		baseURL:     baseURL,
		metrics:     m,
	}
}

// Send delivers every pending item, oldest first, to every confirmed
// subscriber. Delivery failures are counted and never retried. Each item is
// deleted once all its deliveries were attempted, whatever their outcome. An
// item interrupted by cancellation is kept for the next run.
func (e *Engine) Send(ctx context.Context, cfg *feed.Config, store ItemDeleter, pending []items.StoredItem, confirmed []subscribers.HashedEmail) Report {
	start := time.Now()
	report := Report{SentExpected: len(pending) * len(confirmed)}

	bodySpec, err := feed.ParseBodySpec(cfg.EmailBodySpec)
	if err != nil {
		slog.Warn("Invalid email body spec, sending full text", "feed", cfg.ID, "spec", cfg.EmailBodySpec)
		bodySpec = feed.BodySpec{FullText: true}
	}

	for _, item := range pending {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		for _, subscriber := range confirmed {
			if ctx.Err() != nil {
				report.Cancelled = true
				break
			}

			msg, err := e.buildMessage(cfg, bodySpec, item, subscriber)
			if err == nil {
				err = e.transport.Deliver(ctx, msg)
			}
			if err != nil && ctx.Err() != nil {
				report.Cancelled = true
				break
			}
			if err != nil {
				report.Failed++
				e.metrics.EmailsFailed.WithLabelValues(cfg.ID).Inc()
				slog.Error("Failed to send email",
					"feed", cfg.ID,
					"item", item.Name,
					"subscriber", subscriber.SaltedHash,
					"error", err)
				continue
			}
			report.Sent++
			e.metrics.EmailsSent.WithLabelValues(cfg.ID).Inc()
		}

		// Recipients not yet attempted still need the item.
		if report.Cancelled {
			slog.Warn("Dispatch cancelled, keeping item", "feed", cfg.ID, "item", item.Name)
			break
		}

		if err := store.DeleteItem(ctx, item); err != nil {
			report.DeleteFailed++
			e.metrics.ItemsDeleted.WithLabelValues(cfg.ID, "failed").Inc()
			slog.Error("Failed to delete dispatched item", "feed", cfg.ID, "item", item.Name, "error", err)
			continue
		}
		report.Deleted++
		e.metrics.ItemsDeleted.WithLabelValues(cfg.ID, "deleted").Inc()
	}

	slog.Info("Dispatch completed",
		"feed", cfg.ID,
		"items", len(pending),
		"subscribers", len(confirmed),
		"sent_expected", report.SentExpected,
		"sent", report.Sent,
		"failed", report.Failed,
		"deleted", report.Deleted,
		"delete_failed", report.DeleteFailed,
		"cancelled", report.Cancelled,
		"duration", time.Since(start))

	return report
}

func (e *Engine) buildMessage(cfg *feed.Config, bodySpec feed.BodySpec, item items.StoredItem, subscriber subscribers.HashedEmail) (*email.Message, error) {
	unsubscribeURL := UnsubscribeURL(e.baseURL, cfg.ID, subscriber.SaltedHash, cfg.DisplayName, subscriber.EmailAddress)

	data := bodyData{
		Title:          item.Title,
		Author:         item.Author,
		Link:           item.Link,
		DisplayName:    cfg.DisplayName,
		UnsubscribeURL: unsubscribeURL,
	}
	if bodySpec.FullText {
		data.Content = template.HTML(item.Content)
	} else {
		data.Excerpt = email.Excerpt(item.Content, bodySpec.Words)
	}

	body, err := renderBody(data)
	if err != nil {
		return nil, err
	}

	return &email.Message{
		FromName:           cfg.DisplayName,
		FromAddress:        e.fromAddress,
		To:                 subscriber.EmailAddress,
		ReplyTo:            cfg.ReplyTo,
		Subject:            Subject(cfg, item.Item),
		HTMLBody:           body,
		ListUnsubscribeURL: unsubscribeURL,
	}, nil
}

// Subject is the item title, or the custom subject of the feed.
func Subject(cfg *feed.Config, item feed.Item) string {
	if cfg.EmailSubjectSpec == "" || cfg.EmailSubjectSpec == feed.SubjectItemTitle {
		return item.Title
	}
	return cfg.EmailSubjectSpec
}
