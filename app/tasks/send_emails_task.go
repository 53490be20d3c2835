package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-mailer/app/dispatch"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/items"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
)

// SendEmailsTask mails every pending inbox item to the confirmed subscribers
// of the feed.
type SendEmailsTask struct {
	Task
	deps   *Dependencies
	Report dispatch.Report
}

func NewSendEmailsTask(feedID string, deps *Dependencies) *SendEmailsTask {
	return &SendEmailsTask{
		Task: NewTask(TaskTypeSendEmails, feedID),
		deps: deps,
	}
}

func (t *SendEmailsTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	store := t.deps.feedStore(t.FeedName)

	feedConfig, err := feed.LoadConfig(ctx, store, t.FeedName)
	if err != nil {
		return err
	}

	itemStore := items.NewStore(store)
	pending, err := itemStore.ReadPendingItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending items: %w", err)
	}
	for _, invalid := range pending.Invalid {
		slog.Warn("Invalid inbox item", "feed", t.FeedName, "item", invalid.Name, "reason", invalid.Reason)
	}
	t.deps.Metrics.ItemsInvalid.WithLabelValues(t.FeedName, "inbox").Add(float64(len(pending.Invalid)))

	list, err := subscribers.NewStore(store).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}
	for _, invalid := range list.Invalid {
		slog.Warn("Invalid subscriber entry", "feed", t.FeedName, "entry", invalid.String())
	}

	if len(pending.Valid) == 0 {
		slog.Debug("No pending items", "feed", t.FeedName)
	}

	t.Report = t.deps.Engine.Send(ctx, feedConfig, itemStore, pending.Valid, list.Confirmed())
	if t.Report.Cancelled {
		return ctx.Err()
	}

	slog.Info("Task completed",
		"type", t.GetType(),
		"feed", t.FeedName,
		"duration", t.GetDuration(),
		"sent", t.Report.Sent,
		"failed", t.Report.Failed)

	return nil
}
