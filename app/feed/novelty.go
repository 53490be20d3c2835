package feed

import (
	"sort"
	"time"
)

// SelectNewItems keeps items published strictly after the watermark. A nil
// watermark means the feed was never fetched and every item is new. Items
// dated in the future are kept; only the watermark is compared.
func SelectNewItems(items []Item, watermark *time.Time) []Item {
	if watermark == nil {
		return append([]Item(nil), items...)
	}

	cutoff := watermark.UTC()
	selected := make([]Item, 0, len(items))
	for _, item := range items {
		if item.PublishedAt.UTC().After(cutoff) {
			selected = append(selected, item)
		}
	}
	return selected
}

// SortByPublication orders items oldest first, keeping feed order for ties.
func SortByPublication(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})
}

// LatestPublication returns the newest publication time, or false for an
// empty batch.
func LatestPublication(items []Item) (time.Time, bool) {
	if len(items) == 0 {
		return time.Time{}, false
	}
	latest := items[0].PublishedAt
	for _, item := range items[1:] {
		if item.PublishedAt.After(latest) {
			latest = item.PublishedAt
		}
	}
	return latest.UTC(), true
}
