package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/dispatch"
	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/items"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/storage"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
	"github.com/lysyi3m/rss-mailer/app/tasks"
)

// NewHandler expects store rooted at the data directory.
func NewHandler(store storage.Store, transport email.Transport, scheduler tasks.TaskSchedulerInterface,
	m *metrics.Metrics, baseURL, fromAddress, version string) *Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Handler{
		store:       store,
		transport:   transport,
		scheduler:   scheduler,
		metrics:     m,
		generator:   feed.NewGenerator(version),
		baseURL:     baseURL,
		fromAddress: fromAddress,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if feedIDs, err := storage.FeedIDs(c.Request.Context(), h.store); err == nil {
		health["feeds"] = len(feedIDs)
	} else {
		slog.Error("Storage error", "operation", "list_feeds", "error", err)
		health["status"] = "degraded"
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription request", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	feedConfig, subscriber, confirmed, err := h.addSubscriber(ctx, req.FeedID, req.Email)
	if err != nil {
		h.respondError(c, req.FeedID, "subscribe", err)
		return
	}

	if confirmed {
		c.JSON(http.StatusOK, gin.H{"status": "already_subscribed", "feed": feedConfig.DisplayName})
		return
	}

	msg, err := dispatch.ConfirmationMessage(feedConfig, h.fromAddress, h.baseURL, subscriber)
	if err == nil {
		err = h.transport.Deliver(ctx, msg)
	}
	if err != nil {
		slog.Error("Failed to send confirmation email", "feed", req.FeedID, "subscriber", subscriber.SaltedHash, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send confirmation email"})
		return
	}

	slog.Info("Confirmation email sent", "feed", req.FeedID, "subscriber", subscriber.SaltedHash)
	c.JSON(http.StatusAccepted, gin.H{"status": "confirmation_sent", "feed": feedConfig.DisplayName})
}

// addSubscriber records an unconfirmed subscriber unless the address is
// already on the list. confirmed reports an existing confirmed subscription.
func (h *Handler) addSubscriber(ctx context.Context, feedID, address string) (*feed.Config, subscribers.HashedEmail, bool, error) {
	h.subscribersMu.Lock()
	defer h.subscribersMu.Unlock()

	feedConfig, store, list, err := h.loadSubscribers(ctx, feedID)
	if err != nil {
		return nil, subscribers.HashedEmail{}, false, err
	}

	subscriber, err := subscribers.NewHashedEmail(address, feedConfig.HashingSalt, false)
	if err != nil {
		return nil, subscribers.HashedEmail{}, false, err
	}

	if existing, ok := list.FindByHash(subscriber.SaltedHash); ok {
		return feedConfig, existing, existing.IsConfirmed, nil
	}

	list.Add(subscriber)
	if err := store.Save(ctx, list); err != nil {
		return nil, subscribers.HashedEmail{}, false, err
	}

	return feedConfig, subscriber, false, nil
}

func (h *Handler) Confirm(c *gin.Context) {
	h.updateSubscriber(c, "confirm", func(list *subscribers.List, hash string) (bool, bool) {
		ok := list.Confirm(hash)
		return ok, ok
	}, "confirmed")
}

// Unsubscribe is idempotent: removing an unknown subscriber still succeeds.
func (h *Handler) Unsubscribe(c *gin.Context) {
	h.updateSubscriber(c, "unsubscribe", func(list *subscribers.List, hash string) (bool, bool) {
		return list.Remove(hash), true
	}, "unsubscribed")
}

// updateSubscriber applies change to the list of the feed named by the id
// parameter. change reports whether the list was modified and whether the
// request succeeded.
func (h *Handler) updateSubscriber(c *gin.Context, operation string,
	change func(list *subscribers.List, hash string) (changed bool, ok bool), status string) {
	id := c.Query("id")
	if id == "" {
		id = c.PostForm("id")
	}

	feedID, hash, err := subscribers.ParseSubscriberID(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscriber id"})
		return
	}

	ctx := c.Request.Context()

	h.subscribersMu.Lock()
	defer h.subscribersMu.Unlock()

	feedConfig, store, list, err := h.loadSubscribers(ctx, feedID)
	if err != nil {
		h.respondError(c, feedID, operation, err)
		return
	}

	changed, ok := change(list, hash)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscriber not found"})
		return
	}

	if changed {
		if err := store.Save(ctx, list); err != nil {
			h.respondError(c, feedID, operation, err)
			return
		}
		slog.Info("Subscriber updated", "operation", operation, "feed", feedID, "subscriber", hash)
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "feed": feedConfig.DisplayName})
}

func (h *Handler) loadSubscribers(ctx context.Context, feedID string) (*feed.Config, *subscribers.Store, *subscribers.List, error) {
	scoped := storage.Scoped(h.store, feedID)
	feedConfig, err := feed.LoadConfig(ctx, scoped, feedID)
	if err != nil {
		return nil, nil, nil, err
	}

	store := subscribers.NewStore(scoped)
	list, err := store.Load(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	return feedConfig, store, list, nil
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	ctx := c.Request.Context()

	feedIDs, err := storage.FeedIDs(ctx, h.store)
	if err != nil {
		slog.Error("Storage error", "operation", "list_feeds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Storage error"})
		return
	}

	feeds := make([]feedSummary, 0, len(feedIDs))
	for _, feedID := range feedIDs {
		feeds = append(feeds, h.summarize(ctx, feedID))
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}

func (h *Handler) summarize(ctx context.Context, feedID string) feedSummary {
	summary := feedSummary{ID: feedID}
	scoped := storage.Scoped(h.store, feedID)

	feedConfig, err := feed.LoadConfig(ctx, scoped, feedID)
	if err != nil {
		summary.Error = err.Error()
		return summary
	}
	summary.DisplayName = feedConfig.DisplayName
	summary.URL = feedConfig.URL

	itemStore := items.NewStore(scoped)
	if pending, err := itemStore.ReadPendingItems(ctx); err == nil {
		summary.PendingItems = len(pending.Valid)
		summary.InvalidItems = len(pending.Invalid)
	}
	if watermark, err := itemStore.LoadWatermark(ctx); err == nil && watermark.Set {
		summary.LastPostTimestamp = watermark.Time.UTC().Format(time.RFC3339)
	}

	if list, err := subscribers.NewStore(scoped).Load(ctx); err == nil {
		summary.Subscribers = len(list.Valid)
		summary.ConfirmedSubscribers = len(list.Confirmed())
	}

	return summary
}

// APIGetInbox renders the pending items of a feed as RSS, newest first.
func (h *Handler) APIGetInbox(c *gin.Context) {
	feedID := c.Param("id")
	ctx := c.Request.Context()
	scoped := storage.Scoped(h.store, feedID)

	feedConfig, err := feed.LoadConfig(ctx, scoped, feedID)
	if err != nil {
		h.respondError(c, feedID, "get_inbox", err)
		return
	}

	pending, err := items.NewStore(scoped).ReadPendingItems(ctx)
	if err != nil {
		h.respondError(c, feedID, "get_inbox", err)
		return
	}

	inbox := make([]feed.Item, 0, len(pending.Valid))
	for i := len(pending.Valid) - 1; i >= 0; i-- {
		inbox = append(inbox, pending.Valid[i].Item)
	}

	selfLink := ""
	if h.baseURL != "" {
		selfLink = fmt.Sprintf("%s/api/feeds/%s/inbox.xml", h.baseURL, feedID)
	}

	rss, err := h.generator.Run(feedConfig, selfLink, inbox)
	if err != nil {
		slog.Error("RSS generation error", "feed", feedID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(inbox)))
	c.Header("X-Feed-Name", feedID)

	c.String(http.StatusOK, rss)
}

func (h *Handler) APICheckFeed(c *gin.Context) {
	h.enqueue(c, tasks.TaskTypeCheckFeed)
}

func (h *Handler) APISendEmails(c *gin.Context) {
	h.enqueue(c, tasks.TaskTypeSendEmails)
}

func (h *Handler) enqueue(c *gin.Context, taskType tasks.TaskType) {
	feedID := c.Param("id")
	if err := feed.ValidateFeedID(feedID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid feed id"})
		return
	}

	if _, err := feed.LoadConfig(c.Request.Context(), storage.Scoped(h.store, feedID), feedID); err != nil {
		h.respondError(c, feedID, string(taskType), err)
		return
	}

	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is not running"})
		return
	}

	var err error
	switch taskType {
	case tasks.TaskTypeCheckFeed:
		err = h.scheduler.EnqueueFeedCheck(feedID)
	case tasks.TaskTypeSendEmails:
		err = h.scheduler.EnqueueEmailSending(feedID)
	}
	if err != nil {
		slog.Error("Error enqueueing task", "type", string(taskType), "feed", feedID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"feed":    feedID,
		"type":    taskType,
	})
}

func (h *Handler) respondError(c *gin.Context, feedID, operation string, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration:
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "operation", operation, "feed", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
