package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/items"
)

type CheckFeedResult struct {
	Total    int
	Invalid  int
	Filtered int
	New      int
	Stored   int
}

// CheckFeedTask fetches a feed and stores the posts published after the
// watermark in the feed inbox.
type CheckFeedTask struct {
	Task
	deps   *Dependencies
	Result CheckFeedResult
}

func NewCheckFeedTask(feedID string, deps *Dependencies) *CheckFeedTask {
	return &CheckFeedTask{
		Task: NewTask(TaskTypeCheckFeed, feedID),
		deps: deps,
	}
}

func (t *CheckFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := t.execute(ctx)
	result := "success"
	if err != nil {
		result = "error"
	}
	t.deps.Metrics.FeedChecks.WithLabelValues(t.FeedName, result).Inc()
	return err
}

func (t *CheckFeedTask) execute(ctx context.Context) error {
	store := t.deps.feedStore(t.FeedName)

	feedConfig, err := feed.LoadConfig(ctx, store, t.FeedName)
	if err != nil {
		return err
	}

	fetchCtx := ctx
	if feedConfig.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, time.Duration(feedConfig.Timeout)*time.Second)
		defer cancel()
	}

	raw, err := t.deps.Fetcher.Run(fetchCtx, feedConfig.URL)
	if err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}

	parsed, err := t.deps.Parser.Run(raw)
	if err != nil {
		return fmt.Errorf("failed to parse feed: %w", err)
	}
	t.Result.Total = len(parsed.Valid) + len(parsed.Invalid)
	t.Result.Invalid = len(parsed.Invalid)

	for _, invalid := range parsed.Invalid {
		attrs := []any{"feed", t.FeedName, "reason", invalid.Reason}
		if invalid.Raw != nil {
			attrs = append(attrs, "title", invalid.Raw.Title, "link", invalid.Raw.Link)
		}
		slog.Warn("Invalid feed item", attrs...)
	}
	t.deps.Metrics.ItemsInvalid.WithLabelValues(t.FeedName, "feed").Add(float64(len(parsed.Invalid)))

	kept, excluded := t.deps.Filterer.Run(parsed.Valid, feedConfig.Filters)
	for _, filtered := range excluded {
		slog.Debug("Feed item filtered", "feed", t.FeedName, "title", filtered.Item.Title, "reason", filtered.Reason)
	}
	t.Result.Filtered = len(excluded)
	t.deps.Metrics.ItemsFiltered.WithLabelValues(t.FeedName).Add(float64(len(excluded)))

	itemStore := items.NewStore(store)

	watermark, err := itemStore.LoadWatermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	newItems := feed.SelectNewItems(kept, watermark.Ptr())
	feed.SortByPublication(newItems)
	t.Result.New = len(newItems)

	if feedConfig.ExtractContent {
		t.extractContent(ctx, newItems)
	}

	stored, err := itemStore.RecordNewItems(ctx, newItems)
	t.Result.Stored = stored
	t.deps.Metrics.ItemsStored.WithLabelValues(t.FeedName).Add(float64(stored))
	if err != nil {
		return fmt.Errorf("failed to store items: %w", err)
	}

	if err := itemStore.RecordWatermark(ctx, newItems); err != nil {
		return fmt.Errorf("failed to store watermark: %w", err)
	}

	slog.Info("Task completed",
		"type", t.GetType(),
		"feed", t.FeedName,
		"duration", t.GetDuration(),
		"total", t.Result.Total,
		"invalid", t.Result.Invalid,
		"filtered", t.Result.Filtered,
		"new", t.Result.New,
		"stored", t.Result.Stored)

	return nil
}

// extractContent replaces item content with the article extracted from the
// item page. Items keep their feed content when extraction fails.
func (t *CheckFeedTask) extractContent(ctx context.Context, newItems []feed.Item) {
	successCount := 0
	errorCount := 0

	for i := range newItems {
		if ctx.Err() != nil {
			return
		}

		page, err := t.deps.Fetcher.FetchPage(ctx, newItems[i].Link)
		if err == nil {
			var content string
			content, err = t.deps.Extractor.Run(page, newItems[i].Link)
			if err == nil {
				newItems[i].Content = content
				successCount++
				continue
			}
		}

		errorCount++
		slog.Warn("Failed to extract content for item", "feed", t.FeedName, "url", newItems[i].Link, "error", err)
	}

	slog.Debug("Content extraction finished", "feed", t.FeedName, "success", successCount, "errors", errorCount)
}
