package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
)

type BounceMatch struct {
	Recipient string
	FeedID    string
	// SaltedHash is empty when the recipient is not a subscriber of FeedID.
	SaltedHash string
}

// CheckBouncesTask reads the bounce mailbox and reports which subscribers the
// bounces belong to. Subscriber records are left untouched.
type CheckBouncesTask struct {
	Task
	deps    *Dependencies
	feedIDs []string
	Matches []BounceMatch
}

func NewCheckBouncesTask(feedIDs []string, deps *Dependencies) *CheckBouncesTask {
	return &CheckBouncesTask{
		Task:    NewTask(TaskTypeCheckBounces, ""),
		deps:    deps,
		feedIDs: feedIDs,
	}
}

func (t *CheckBouncesTask) Execute(ctx context.Context) error {
	if t.deps.BounceChecker == nil {
		return fmt.Errorf("bounce checking is not configured")
	}

	found, err := t.deps.BounceChecker.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to check bounces: %w", err)
	}

	lists := t.loadSubscribers(ctx)

	for _, bounce := range found {
		_, domain, _ := strings.Cut(bounce.Recipient, "@")
		t.deps.Metrics.Bounces.WithLabelValues(domain).Inc()

		matched := false
		for _, entry := range lists {
			hash := subscribers.Hash(bounce.Recipient, entry.salt)
			if _, ok := entry.list.FindByHash(hash); !ok {
				continue
			}
			matched = true
			t.Matches = append(t.Matches, BounceMatch{Recipient: bounce.Recipient, FeedID: entry.feedID, SaltedHash: hash})
			slog.Warn("Email bounced",
				"feed", entry.feedID,
				"subscriber", hash,
				"sent_at", bounce.SentAt,
				"subject", bounce.Subject)
		}

		if !matched {
			t.Matches = append(t.Matches, BounceMatch{Recipient: bounce.Recipient})
			slog.Warn("Email bounced for unknown subscriber", "domain", domain, "sent_at", bounce.SentAt)
		}
	}

	slog.Info("Task completed",
		"type", t.GetType(),
		"duration", t.GetDuration(),
		"bounces", len(found))

	return nil
}

type feedSubscribers struct {
	feedID string
	salt   string
	list   *subscribers.List
}

func (t *CheckBouncesTask) loadSubscribers(ctx context.Context) []feedSubscribers {
	var lists []feedSubscribers
	for _, feedID := range t.feedIDs {
		store := t.deps.feedStore(feedID)

		feedConfig, err := feed.LoadConfig(ctx, store, feedID)
		if err != nil {
			slog.Warn("Skipping feed for bounce matching", "feed", feedID, "error", err)
			continue
		}

		list, err := subscribers.NewStore(store).Load(ctx)
		if err != nil {
			slog.Warn("Skipping feed for bounce matching", "feed", feedID, "error", err)
			continue
		}

		lists = append(lists, feedSubscribers{feedID: feedID, salt: feedConfig.HashingSalt, list: list})
	}
	return lists
}
