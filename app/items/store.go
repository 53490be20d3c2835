// Package items is the per-feed inbox of posts waiting to be mailed, plus the
// watermark of the newest stored post.
package items

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/storage"
)

const (
	InboxDir     = "inbox"
	WatermarkKey = "lastPostTimestamp.json"
)

type StoredItem struct {
	feed.Item
	// Name is "<unix-publication-timestamp>-<content hash>", without extension.
	Name string
}

type InvalidStoredItem struct {
	Name   string
	Reason string
}

type PendingItems struct {
	Valid   []StoredItem
	Invalid []InvalidStoredItem
}

// Watermark is unset when the feed was never fetched or the stored value is
// unreadable.
type Watermark struct {
	Time time.Time
	Set  bool
}

// Ptr returns nil for an unset watermark.
func (w Watermark) Ptr() *time.Time {
	if !w.Set {
		return nil
	}
	t := w.Time
	return &t
}

type record struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Author  string `json:"author"`
	PubDate string `json:"pubDate"`
	Link    string `json:"link"`
}

type watermarkRecord struct {
	LastPostTimestamp string `json:"lastPostTimestamp"`
}

// Store persists the inbox of one feed. The underlying store must be scoped
// to the feed root.
type Store struct {
	store storage.Store
}

func NewStore(s storage.Store) *Store {
	return &Store{store: s}
}

// ItemName derives the idempotent record name of an item.
func ItemName(item feed.Item) string {
	timestamp := item.PublishedAt.UTC().Format(time.RFC3339)
	hash := sha256.Sum256([]byte(item.Title + item.Content + timestamp))
	return fmt.Sprintf("%d-%s", item.PublishedAt.Unix(), hex.EncodeToString(hash[:]))
}

func itemKey(name string) string {
	return path.Join(InboxDir, name+".json")
}

// RecordNewItems writes one inbox record per distinct item. The first failed
// write aborts the batch; records already written are kept.
func (s *Store) RecordNewItems(ctx context.Context, items []feed.Item) (int, error) {
	written := make(map[string]bool, len(items))

	for _, item := range items {
		name := ItemName(item)
		if written[name] {
			continue
		}

		data, err := json.Marshal(record{
			Title:   item.Title,
			Content: item.Content,
			Author:  item.Author,
			PubDate: item.PublishedAt.UTC().Format(time.RFC3339Nano),
			Link:    item.Link,
		})
		if err != nil {
			return len(written), apperr.Storage("encode item", name, err)
		}

		if err := s.store.Save(ctx, itemKey(name), data); err != nil {
			return len(written), fmt.Errorf("failed to record item %s: %w", name, err)
		}
		written[name] = true
	}

	return len(written), nil
}

// RecordWatermark stores the newest publication time of the batch at full
// precision. An empty batch leaves the watermark untouched.
func (s *Store) RecordWatermark(ctx context.Context, items []feed.Item) error {
	latest, ok := feed.LatestPublication(items)
	if !ok {
		return nil
	}

	err := storage.SaveJSON(ctx, s.store, WatermarkKey, watermarkRecord{
		LastPostTimestamp: latest.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to record watermark: %w", err)
	}
	return nil
}

func (s *Store) LoadWatermark(ctx context.Context) (Watermark, error) {
	var rec watermarkRecord
	err := storage.LoadJSON(ctx, s.store, WatermarkKey, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return Watermark{}, nil
	}
	if apperr.KindOf(err) == apperr.KindStorage {
		return Watermark{}, err
	}
	if err != nil {
		slog.Warn("Ignoring corrupt watermark", "key", WatermarkKey, "error", err)
		return Watermark{}, nil
	}

	ts, err := time.Parse(time.RFC3339, rec.LastPostTimestamp)
	if err != nil {
		slog.Warn("Ignoring corrupt watermark", "key", WatermarkKey, "value", rec.LastPostTimestamp, "error", err)
		return Watermark{}, nil
	}

	return Watermark{Time: ts.UTC(), Set: true}, nil
}

// ReadPendingItems loads every inbox record, oldest first. Records that do not
// decode or fail the item checks are reported in Invalid.
func (s *Store) ReadPendingItems(ctx context.Context) (*PendingItems, error) {
	keys, err := s.store.List(ctx, InboxDir+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	pending := &PendingItems{}
	for _, key := range keys {
		name, ok := strings.CutSuffix(path.Base(key), ".json")
		if !ok || path.Dir(key) != InboxDir {
			continue
		}

		data, err := s.store.Load(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read item %s: %w", name, err)
		}

		item, reason := decodeRecord(data)
		if reason != "" {
			pending.Invalid = append(pending.Invalid, InvalidStoredItem{Name: name, Reason: reason})
			continue
		}
		pending.Valid = append(pending.Valid, StoredItem{Item: item, Name: name})
	}

	sort.SliceStable(pending.Valid, func(i, j int) bool {
		return pending.Valid[i].PublishedAt.Before(pending.Valid[j].PublishedAt)
	})

	return pending, nil
}

func (s *Store) DeleteItem(ctx context.Context, item StoredItem) error {
	if err := s.store.Remove(ctx, itemKey(item.Name)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Storage("delete item", item.Name, err)
		}
		return fmt.Errorf("failed to delete item %s: %w", item.Name, err)
	}
	return nil
}

// decodeRecord applies the same field checks the parser applies to feed
// entries.
func decodeRecord(data []byte) (feed.Item, string) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return feed.Item{}, fmt.Sprintf("Item record is not valid JSON: %v", err)
	}

	switch {
	case strings.TrimSpace(rec.Title) == "":
		return feed.Item{}, feed.ReasonTitleMissing
	case strings.TrimSpace(rec.Content) == "":
		return feed.Item{}, feed.ReasonContentMissing
	case strings.TrimSpace(rec.Author) == "":
		return feed.Item{}, feed.ReasonAuthorMissing
	case strings.TrimSpace(rec.PubDate) == "":
		return feed.Item{}, feed.ReasonTimestampMissing
	}

	publishedAt, err := time.Parse(time.RFC3339, rec.PubDate)
	if err != nil {
		return feed.Item{}, feed.InvalidTimestampReason(rec.PubDate)
	}

	if strings.TrimSpace(rec.Link) == "" {
		return feed.Item{}, feed.ReasonLinkMissing
	}
	link, err := url.Parse(rec.Link)
	if err != nil || (link.Scheme != "http" && link.Scheme != "https") || link.Host == "" {
		return feed.Item{}, feed.InvalidLinkReason(rec.Link)
	}

	return feed.Item{
		Title:       rec.Title,
		Content:     rec.Content,
		Author:      rec.Author,
		PublishedAt: publishedAt.UTC(),
		Link:        rec.Link,
	}, ""
}
