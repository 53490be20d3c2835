package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline counters and task timings.
type Metrics struct {
	Registry prometheus.Gatherer

	EmailsSent    *prometheus.CounterVec
	EmailsFailed  *prometheus.CounterVec
	ItemsStored   *prometheus.CounterVec
	ItemsInvalid  *prometheus.CounterVec
	ItemsFiltered *prometheus.CounterVec
	ItemsDeleted  *prometheus.CounterVec
	FeedChecks    *prometheus.CounterVec
	Bounces       *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EmailsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_emails_sent_total",
			Help: "Total number of emails accepted by the SMTP server",
		}, []string{"feed"}),
		EmailsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_emails_failed_total",
			Help: "Total number of emails that could not be delivered",
		}, []string{"feed"}),
		ItemsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_items_stored_total",
			Help: "Total number of new feed items written to the inbox",
		}, []string{"feed"}),
		ItemsInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_items_invalid_total",
			Help: "Total number of feed or inbox items rejected by validation",
		}, []string{"feed", "stage"}),
		ItemsFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_items_filtered_total",
			Help: "Total number of feed items excluded by feed filters",
		}, []string{"feed"}),
		ItemsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_items_deleted_total",
			Help: "Total number of inbox items removed after dispatch",
		}, []string{"feed", "result"}),
		FeedChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_feed_checks_total",
			Help: "Total number of feed checks by result",
		}, []string{"feed", "result"}),
		Bounces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rss_mailer_bounces_total",
			Help: "Total number of bounce messages found in the bounce mailbox",
		}, []string{"domain"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rss_mailer_task_duration_seconds",
			Help:    "Time spent running pipeline tasks",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// NewNop returns metrics registered on a private registry, for callers that
// do not export them.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
