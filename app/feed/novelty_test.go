package feed

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestSelectNewItems_NoWatermark(t *testing.T) {
	items := []Item{
		{Title: "a", PublishedAt: mustTime(t, "2020-01-01T00:00:00Z")},
		{Title: "b", PublishedAt: mustTime(t, "2020-01-03T00:00:00Z")},
	}

	selected := SelectNewItems(items, nil)
	if len(selected) != 2 {
		t.Errorf("Expected all items without a watermark, got %d", len(selected))
	}
}

func TestSelectNewItems_StrictlyAfterWatermark(t *testing.T) {
	watermark := mustTime(t, "2020-01-02T00:00:00Z")
	items := []Item{
		{Title: "old", PublishedAt: mustTime(t, "2020-01-01T00:00:00Z")},
		{Title: "equal", PublishedAt: watermark},
		{Title: "new", PublishedAt: mustTime(t, "2020-01-03T00:00:00Z")},
		{Title: "newer", PublishedAt: mustTime(t, "2020-01-04T00:00:00Z")},
	}

	selected := SelectNewItems(items, &watermark)
	if len(selected) != 2 {
		t.Fatalf("Expected 2 new items, got %d", len(selected))
	}
	if selected[0].Title != "new" || selected[1].Title != "newer" {
		t.Errorf("Unexpected selection: %v", selected)
	}

	next, ok := LatestPublication(selected)
	if !ok {
		t.Fatal("Expected a latest publication time")
	}
	if again := SelectNewItems(items, &next); len(again) != 0 {
		t.Errorf("Expected no items after advancing the watermark, got %d", len(again))
	}
}

func TestSelectNewItems_ComparesInstantsAcrossOffsets(t *testing.T) {
	// 01:30+02:00 is 23:30Z on the previous day.
	watermark := mustTime(t, "2021-03-27T23:00:00Z")
	items := []Item{
		{Title: "before", PublishedAt: mustTime(t, "2021-03-28T00:30:00+02:00")},
		{Title: "after", PublishedAt: mustTime(t, "2021-03-28T01:30:00+02:00")},
	}

	selected := SelectNewItems(items, &watermark)
	if len(selected) != 1 || selected[0].Title != "after" {
		t.Errorf("Expected only 'after', got %v", selected)
	}
}

func TestSelectNewItems_FutureItemsPass(t *testing.T) {
	watermark := time.Now().UTC()
	items := []Item{{Title: "future", PublishedAt: watermark.Add(48 * time.Hour)}}

	if selected := SelectNewItems(items, &watermark); len(selected) != 1 {
		t.Errorf("Expected future item to pass, got %d", len(selected))
	}
}

func TestSortByPublication(t *testing.T) {
	items := []Item{
		{Title: "c", PublishedAt: mustTime(t, "2020-01-03T00:00:00Z")},
		{Title: "a", PublishedAt: mustTime(t, "2020-01-01T00:00:00Z")},
		{Title: "b", PublishedAt: mustTime(t, "2020-01-02T00:00:00Z")},
	}

	SortByPublication(items)

	for i, want := range []string{"a", "b", "c"} {
		if items[i].Title != want {
			t.Errorf("Expected %s at %d, got %s", want, i, items[i].Title)
		}
	}
}

func TestLatestPublication_Empty(t *testing.T) {
	if _, ok := LatestPublication(nil); ok {
		t.Error("Expected no latest publication for an empty batch")
	}
}
