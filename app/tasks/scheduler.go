package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lysyi3m/rss-mailer/app/storage"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type SchedulerConfig struct {
	WorkerCount    int
	QueueSize      int
	TaskTimeout    time.Duration
	CheckSchedule  string
	SendSchedule   string
	BounceSchedule string
	// RunOnStart enqueues a check of every feed as soon as the scheduler starts.
	RunOnStart bool
}

type Scheduler struct {
	deps      *Dependencies
	config    SchedulerConfig
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	taskQueue chan TaskInterface

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewScheduler(deps *Dependencies, config SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 300
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 5 * time.Minute
	}

	return &Scheduler{
		deps:      deps,
		config:    config,
		cron:      cron.New(),
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, config.QueueSize),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) Start() error {
	schedules := []struct {
		spec string
		name string
		fn   func()
	}{
		{s.config.CheckSchedule, "check", s.enqueueFeedChecks},
		{s.config.SendSchedule, "send", s.enqueueEmailSendings},
		{s.config.BounceSchedule, "bounce", s.enqueueBounceCheck},
	}

	for _, schedule := range schedules {
		if schedule.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(schedule.spec, schedule.fn); err != nil {
			return fmt.Errorf("failed to schedule %s tasks %q: %w", schedule.name, schedule.spec, err)
		}
	}

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if s.config.RunOnStart {
		s.enqueueFeedChecks()
	}

	s.cron.Start()
	slog.Info("Scheduler started",
		"workers", s.config.WorkerCount,
		"check", s.config.CheckSchedule,
		"send", s.config.SendSchedule,
		"bounce", s.config.BounceSchedule)

	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) EnqueueFeedCheck(feedID string) error {
	return s.EnqueueTask(NewCheckFeedTask(feedID, s.deps))
}

func (s *Scheduler) EnqueueEmailSending(feedID string) error {
	return s.EnqueueTask(NewSendEmailsTask(feedID, s.deps))
}

func (s *Scheduler) feedIDs() []string {
	ids, err := storage.FeedIDs(s.ctx, s.deps.Store)
	if err != nil {
		slog.Error("Failed to list feeds", "error", err)
		return nil
	}
	if len(ids) == 0 {
		slog.Debug("No feeds found")
	}
	return ids
}

func (s *Scheduler) enqueueFeedChecks() {
	for _, feedID := range s.feedIDs() {
		if err := s.EnqueueFeedCheck(feedID); err != nil {
			slog.Warn("Failed to enqueue CheckFeedTask", "feed", feedID, "error", err)
		}
	}
}

func (s *Scheduler) enqueueEmailSendings() {
	for _, feedID := range s.feedIDs() {
		if err := s.EnqueueEmailSending(feedID); err != nil {
			slog.Warn("Failed to enqueue SendEmailsTask", "feed", feedID, "error", err)
		}
	}
}

func (s *Scheduler) enqueueBounceCheck() {
	if s.deps.BounceChecker == nil {
		return
	}
	if err := s.EnqueueTask(NewCheckBouncesTask(s.feedIDs(), s.deps)); err != nil {
		slog.Warn("Failed to enqueue CheckBouncesTask", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

// feedLock serializes tasks touching the same feed directory.
func (s *Scheduler) feedLock(feedID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[feedID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[feedID] = lock
	}
	return lock
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	if feedID := task.GetFeedName(); feedID != "" {
		lock := s.feedLock(feedID)
		if !lock.TryLock() {
			slog.Debug("Feed busy, skipping task", "type", string(task.GetType()), "feed", feedID)
			return
		}
		defer lock.Unlock()
	}

	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.config.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	s.deps.Metrics.TaskDuration.WithLabelValues(string(task.GetType())).Observe(task.GetDuration().Seconds())

	if err != nil {
		slog.Error("Worker task execution failed",
			"worker_id", workerID,
			"type", string(task.GetType()),
			"id", task.GetID(),
			"feed", task.GetFeedName(),
			"error", err)
	}
}
