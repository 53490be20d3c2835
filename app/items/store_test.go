package items

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/storage"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	s := storage.Scoped(storage.NewFileStore(t.TempDir()), "my-blog")
	return NewStore(s), s
}

func testItem(title string, published string) feed.Item {
	ts, err := time.Parse(time.RFC3339, published)
	if err != nil {
		panic(err)
	}
	return feed.Item{
		Title:       title,
		Content:     "<p>" + title + "</p>",
		Author:      "Jane",
		PublishedAt: ts,
		Link:        "https://blog.example.com/" + strings.ReplaceAll(title, " ", "-"),
	}
}

func TestRecordNewItemsIsIdempotent(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()
	item := testItem("First post", "2020-01-03T00:00:00Z")

	n, err := store.RecordNewItems(ctx, []feed.Item{item, item})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 record written, got %d", n)
	}

	if _, err := store.RecordNewItems(ctx, []feed.Item{item}); err != nil {
		t.Fatal(err)
	}

	keys, err := raw.List(ctx, InboxDir+"/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("Expected exactly one inbox record, got %v", keys)
	}
	expected := "inbox/" + ItemName(item) + ".json"
	if keys[0] != expected {
		t.Errorf("Expected key %s, got %s", expected, keys[0])
	}
	if !strings.HasPrefix(ItemName(item), "1578009600-") {
		t.Errorf("Expected name to start with the unix timestamp, got %s", ItemName(item))
	}
}

func TestItemNameDependsOnContent(t *testing.T) {
	a := testItem("Post", "2020-01-03T00:00:00Z")
	b := a
	b.Content = "<p>edited</p>"
	c := a
	c.Link = "https://blog.example.com/moved"

	if ItemName(a) == ItemName(b) {
		t.Error("Expected edited content to change the name")
	}
	if ItemName(a) != ItemName(c) {
		t.Error("Expected the link not to take part in the name")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	w, err := store.LoadWatermark(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.Set || w.Ptr() != nil {
		t.Error("Expected unset watermark for a new feed")
	}

	items := []feed.Item{
		testItem("b", "2020-01-04T00:00:00Z"),
		testItem("a", "2020-01-03T00:00:00Z"),
	}
	if err := store.RecordWatermark(ctx, items); err != nil {
		t.Fatal(err)
	}

	data, err := raw.Load(ctx, WatermarkKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"lastPostTimestamp": "2020-01-04T00:00:00Z"`) {
		t.Errorf("Unexpected watermark record: %s", data)
	}

	w, err = store.LoadWatermark(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Set || !w.Time.Equal(items[0].PublishedAt) {
		t.Errorf("Expected watermark %v, got %+v", items[0].PublishedAt, w)
	}

	if err := store.RecordWatermark(ctx, nil); err != nil {
		t.Fatal(err)
	}
	w, _ = store.LoadWatermark(ctx)
	if !w.Time.Equal(items[0].PublishedAt) {
		t.Error("Expected an empty batch to leave the watermark untouched")
	}
}

func TestCorruptWatermarkIsUnset(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{`{not json`, `{"lastPostTimestamp": "yesterday"}`} {
		if err := raw.Save(ctx, WatermarkKey, []byte(content)); err != nil {
			t.Fatal(err)
		}
		w, err := store.LoadWatermark(ctx)
		if err != nil {
			t.Fatalf("Expected corrupt watermark to be tolerated, got %v", err)
		}
		if w.Set {
			t.Errorf("Expected corrupt watermark %q to be unset", content)
		}
	}
}

func TestWatermarkKeepsFractionalSeconds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	item := testItem("Precise post", "2020-01-04T10:00:00.123456Z")

	selected := feed.SelectNewItems([]feed.Item{item}, nil)
	if _, err := store.RecordNewItems(ctx, selected); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordWatermark(ctx, selected); err != nil {
		t.Fatal(err)
	}

	w, err := store.LoadWatermark(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Time.Equal(item.PublishedAt) {
		t.Errorf("Expected watermark %v, got %v", item.PublishedAt, w.Time)
	}
	if again := feed.SelectNewItems([]feed.Item{item}, w.Ptr()); len(again) != 0 {
		t.Errorf("Expected no items after the watermark, got %d", len(again))
	}

	pending, err := store.ReadPendingItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Valid) != 1 || !pending.Valid[0].PublishedAt.Equal(item.PublishedAt) {
		t.Errorf("Expected stored pubDate %v, got %+v", item.PublishedAt, pending.Valid)
	}
}

func TestReadPendingItems(t *testing.T) {
	store, raw := newTestStore(t)
	ctx := context.Background()

	items := []feed.Item{
		testItem("newest", "2020-01-05T00:00:00Z"),
		testItem("oldest", "2020-01-01T00:00:00Z"),
		testItem("middle", "2020-01-03T00:00:00Z"),
	}
	if _, err := store.RecordNewItems(ctx, items); err != nil {
		t.Fatal(err)
	}

	raw.Save(ctx, "inbox/1-corrupt.json", []byte(`{"title":`))
	raw.Save(ctx, "inbox/2-nolink.json", []byte(`{"title":"t","content":"c","author":"a","pubDate":"2020-01-01T00:00:00Z","link":""}`))
	raw.Save(ctx, "inbox/3-baddate.json", []byte(`{"title":"t","content":"c","author":"a","pubDate":"soon","link":"https://x.example"}`))
	raw.Save(ctx, "inbox/notes.txt", []byte(`ignored`))

	pending, err := store.ReadPendingItems(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(pending.Valid) != 3 {
		t.Fatalf("Expected 3 valid items, got %d", len(pending.Valid))
	}
	for i, want := range []string{"oldest", "middle", "newest"} {
		if pending.Valid[i].Title != want {
			t.Errorf("Expected %s at %d, got %s", want, i, pending.Valid[i].Title)
		}
		if pending.Valid[i].Name != ItemName(pending.Valid[i].Item) {
			t.Errorf("Expected stored name to match derived name at %d", i)
		}
	}

	if len(pending.Invalid) != 3 {
		t.Fatalf("Expected 3 invalid items, got %v", pending.Invalid)
	}
	reasons := map[string]string{}
	for _, inv := range pending.Invalid {
		reasons[inv.Name] = inv.Reason
	}
	if !strings.HasPrefix(reasons["1-corrupt"], "Item record is not valid JSON") {
		t.Errorf("Unexpected reason for corrupt record: %s", reasons["1-corrupt"])
	}
	if reasons["2-nolink"] != "Post link is missing" {
		t.Errorf("Unexpected reason for record without link: %s", reasons["2-nolink"])
	}
	if reasons["3-baddate"] != "Post publication timestamp is not a valid date: soon" {
		t.Errorf("Unexpected reason for record with bad date: %s", reasons["3-baddate"])
	}
}

func TestReadPendingItemsEmptyInbox(t *testing.T) {
	store, _ := newTestStore(t)

	pending, err := store.ReadPendingItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Valid) != 0 || len(pending.Invalid) != 0 {
		t.Errorf("Expected empty inbox, got %+v", pending)
	}
}

func TestDeleteItem(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordNewItems(ctx, []feed.Item{testItem("post", "2020-01-03T00:00:00Z")}); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.ReadPendingItems(ctx)

	if err := store.DeleteItem(ctx, pending.Valid[0]); err != nil {
		t.Fatal(err)
	}

	err := store.DeleteItem(ctx, pending.Valid[0])
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindStorage {
		t.Errorf("Expected storage error kind, got %v", err)
	}
}

type failingStore struct {
	storage.Store
	failAfter int
	saves     int
}

func (f *failingStore) Save(ctx context.Context, key string, data []byte) error {
	f.saves++
	if f.saves > f.failAfter {
		return apperr.Storage("save", key, errors.New("disk full"))
	}
	return f.Store.Save(ctx, key, data)
}

func TestRecordNewItemsAbortsOnFirstFailure(t *testing.T) {
	base := storage.NewFileStore(t.TempDir())
	fs := &failingStore{Store: base, failAfter: 1}
	store := NewStore(fs)

	items := []feed.Item{
		testItem("one", "2020-01-01T00:00:00Z"),
		testItem("two", "2020-01-02T00:00:00Z"),
		testItem("three", "2020-01-03T00:00:00Z"),
	}

	n, err := store.RecordNewItems(context.Background(), items)
	if err == nil {
		t.Fatal("Expected error")
	}
	if n != 1 {
		t.Errorf("Expected 1 record committed before failure, got %d", n)
	}
	if !strings.Contains(err.Error(), ItemName(items[1])) {
		t.Errorf("Expected error to name the failing item, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindStorage {
		t.Errorf("Expected storage error, got %v", err)
	}
	if fs.saves != 2 {
		t.Errorf("Expected no writes after the failure, got %d saves", fs.saves)
	}

	keys, _ := base.List(context.Background(), "inbox/")
	if len(keys) != 1 {
		t.Errorf("Expected committed record to be kept, got %v", keys)
	}
}
