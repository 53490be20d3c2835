package api

import (
	"sync"

	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/storage"
	"github.com/lysyi3m/rss-mailer/app/tasks"
)

type Handler struct {
	store       storage.Store
	transport   email.Transport
	scheduler   tasks.TaskSchedulerInterface
	metrics     *metrics.Metrics
	generator   *feed.Generator
	baseURL     string
	fromAddress string

	// subscribersMu guards read-modify-write cycles of emails.json.
	subscribersMu sync.Mutex
}

type subscribeRequest struct {
	FeedID string `form:"feedId" json:"feedId" binding:"required"`
	Email  string `form:"email" json:"email" binding:"required,email"`
}

type feedSummary struct {
	ID                   string `json:"id"`
	DisplayName          string `json:"display_name"`
	URL                  string `json:"url"`
	PendingItems         int    `json:"pending_items"`
	InvalidItems         int    `json:"invalid_items"`
	Subscribers          int    `json:"subscribers"`
	ConfirmedSubscribers int    `json:"confirmed_subscribers"`
	LastPostTimestamp    string `json:"last_post_timestamp,omitempty"`
	Error                string `json:"error,omitempty"`
}
