package tasks

import (
	"context"

	"github.com/lysyi3m/rss-mailer/app/bounces"
	"github.com/lysyi3m/rss-mailer/app/dispatch"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/storage"
)

// TaskSchedulerInterface is what the HTTP API needs from the scheduler.
type TaskSchedulerInterface interface {
	Start() error
	Stop()
	EnqueueTask(task TaskInterface) error
	EnqueueFeedCheck(feedID string) error
	EnqueueEmailSending(feedID string) error
}

type BounceChecker interface {
	Run(ctx context.Context) ([]bounces.Bounce, error)
}

var _ BounceChecker = (*bounces.Checker)(nil)

// Dependencies are the components shared by every task. Store is rooted at
// the data directory; each feed lives under its own ID.
type Dependencies struct {
	Store         storage.Store
	Fetcher       *feed.Fetcher
	Parser        *feed.Parser
	Filterer      *feed.Filterer
	Extractor     *feed.ContentExtractor
	Engine        *dispatch.Engine
	BounceChecker BounceChecker
	Metrics       *metrics.Metrics
}

func (d *Dependencies) feedStore(feedID string) storage.Store {
	return storage.Scoped(d.Store, feedID)
}
