package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/items"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/storage"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
	"github.com/lysyi3m/rss-mailer/app/tasks"
)

const (
	testFeedID = "my-blog"
	testSalt   = "0123456789abcdef"
	testAPIKey = "secret"
)

type fakeTransport struct {
	mu       sync.Mutex
	messages []*email.Message
}

func (f *fakeTransport) Deliver(ctx context.Context, msg *email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

type fakeScheduler struct {
	checks []string
	sends  []string
}

var _ tasks.TaskSchedulerInterface = (*fakeScheduler)(nil)

func (f *fakeScheduler) Start() error { return nil }

func (f *fakeScheduler) Stop() {}

func (f *fakeScheduler) EnqueueTask(task tasks.TaskInterface) error { return nil }

func (f *fakeScheduler) EnqueueFeedCheck(feedID string) error {
	f.checks = append(f.checks, feedID)
	return nil
}

func (f *fakeScheduler) EnqueueEmailSending(feedID string) error {
	f.sends = append(f.sends, feedID)
	return nil
}

type testEnv struct {
	store     storage.Store
	transport *fakeTransport
	scheduler *fakeScheduler
	server    http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewFileStore(t.TempDir())
	cfg := feed.Config{
		DisplayName: "My Blog",
		URL:         "https://blog.example.com/feed.xml",
		HashingSalt: testSalt,
	}
	if err := storage.SaveJSON(context.Background(), storage.Scoped(store, testFeedID), feed.ConfigKey, cfg); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store, transport: &fakeTransport{}, scheduler: &fakeScheduler{}}
	handler := NewHandler(store, env.transport, env.scheduler, metrics.NewNop(), "https://mailer.example.com", "mailer@example.com", "test")
	env.server = NewServer(handler, testAPIKey)
	return env
}

func (e *testEnv) do(method, target string, body url.Values, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *testEnv) subscribers(t *testing.T) *subscribers.List {
	t.Helper()
	list, err := subscribers.NewStore(storage.Scoped(e.store, testFeedID)).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["feeds"] != float64(1) {
		t.Errorf("Expected 1 feed, got %v", body["feeds"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/subscribe", url.Values{"feedId": {testFeedID}, "email": {"Reader@Example.com"}}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	list := env.subscribers(t)
	if len(list.Valid) != 1 || list.Valid[0].IsConfirmed {
		t.Fatalf("Expected one unconfirmed subscriber, got %+v", list.Valid)
	}
	hash := list.Valid[0].SaltedHash
	if hash != subscribers.Hash("reader@example.com", testSalt) {
		t.Errorf("Expected hash of normalized address, got %s", hash)
	}

	if len(env.transport.messages) != 1 {
		t.Fatalf("Expected 1 confirmation email, got %d", len(env.transport.messages))
	}
	confirmURL := "https://mailer.example.com/confirm?id=" + testFeedID + "-" + hash
	if !strings.Contains(env.transport.messages[0].HTMLBody, confirmURL) {
		t.Errorf("Expected confirmation link %s in email", confirmURL)
	}

	id := subscribers.SubscriberID(testFeedID, hash)
	w = env.do(http.MethodGet, "/confirm?id="+url.QueryEscape(id), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on confirm, got %d", w.Code)
	}
	if confirmed := env.subscribers(t).Confirmed(); len(confirmed) != 1 {
		t.Fatalf("Expected 1 confirmed subscriber, got %d", len(confirmed))
	}

	// A second subscribe for a confirmed address sends nothing.
	w = env.do(http.MethodPost, "/subscribe", url.Values{"feedId": {testFeedID}, "email": {"reader@example.com"}}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for existing subscriber, got %d", w.Code)
	}
	if len(env.transport.messages) != 1 {
		t.Errorf("Expected no new confirmation email, got %d messages", len(env.transport.messages))
	}

	// One-click unsubscribe posts to the link from the email.
	unsubscribe := "/unsubscribe.html?id=" + url.QueryEscape(id) + "&displayName=My+Blog&email=reader%40example.com"
	w = env.do(http.MethodPost, unsubscribe, url.Values{"List-Unsubscribe": {"One-Click"}}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on unsubscribe, got %d", w.Code)
	}
	if list := env.subscribers(t); len(list.Valid) != 0 {
		t.Errorf("Expected subscriber removed, got %+v", list.Valid)
	}

	w = env.do(http.MethodGet, unsubscribe, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected repeated unsubscribe to succeed, got %d", w.Code)
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		values url.Values
		want   int
	}{
		{"invalid email", url.Values{"feedId": {testFeedID}, "email": {"not-an-address"}}, http.StatusBadRequest},
		{"missing feed", url.Values{"email": {"reader@example.com"}}, http.StatusBadRequest},
		{"unknown feed", url.Values{"feedId": {"other"}, "email": {"reader@example.com"}}, http.StatusNotFound},
		{"path traversal", url.Values{"feedId": {".."}, "email": {"reader@example.com"}}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/subscribe", tt.values, nil)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	if len(env.transport.messages) != 0 {
		t.Errorf("Expected no emails, got %d", len(env.transport.messages))
	}
}

func TestConfirmUnknownSubscriber(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/confirm?id="+testFeedID+"-deadbeef", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/confirm?id=nohyphen", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", w.Code)
	}
}

func TestAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodGet, "/api/feeds", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/feeds", nil, map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/feeds", nil, map[string]string{"Authorization": "Bearer " + testAPIKey}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer key, got %d", w.Code)
	}
}

func TestAPIListFeeds(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/feeds", nil, map[string]string{"X-API-Key": testAPIKey})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body struct {
		Feeds []feedSummary `json:"feeds"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Feeds[0].ID != testFeedID || body.Feeds[0].DisplayName != "My Blog" {
		t.Errorf("Unexpected feeds response %+v", body)
	}
}

func TestAPIEnqueueTasks(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-API-Key": testAPIKey}

	if w := env.do(http.MethodPost, "/api/feeds/"+testFeedID+"/check", nil, headers); w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for check, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/feeds/"+testFeedID+"/send", nil, headers); w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for send, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/feeds/unknown/check", nil, headers); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown feed, got %d", w.Code)
	}

	if len(env.scheduler.checks) != 1 || len(env.scheduler.sends) != 1 {
		t.Errorf("Expected one check and one send, got %v and %v", env.scheduler.checks, env.scheduler.sends)
	}
}

func TestAPIGetInbox(t *testing.T) {
	env := newTestEnv(t)

	published := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)
	pending := []feed.Item{
		{Title: "Older", Content: "<p>A</p>", Author: "Jane", PublishedAt: published, Link: "https://blog.example.com/older"},
		{Title: "Newer", Content: "<p>B</p>", Author: "Jane", PublishedAt: published.Add(time.Hour), Link: "https://blog.example.com/newer"},
	}
	if _, err := items.NewStore(storage.Scoped(env.store, testFeedID)).RecordNewItems(context.Background(), pending); err != nil {
		t.Fatal(err)
	}

	w := env.do(http.MethodGet, "/api/feeds/"+testFeedID+"/inbox.xml", nil, map[string]string{"X-API-Key": testAPIKey})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Feed-Items") != "2" {
		t.Errorf("Expected 2 items, got %s", w.Header().Get("X-Feed-Items"))
	}

	body := w.Body.String()
	if strings.Index(body, "<title>Newer</title>") > strings.Index(body, "<title>Older</title>") {
		t.Error("Expected newest item first")
	}
}
