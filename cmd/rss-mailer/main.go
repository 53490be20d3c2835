package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lysyi3m/rss-mailer/app/api"
	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/bounces"
	"github.com/lysyi3m/rss-mailer/app/cfg"
	"github.com/lysyi3m/rss-mailer/app/dispatch"
	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/metrics"
	"github.com/lysyi3m/rss-mailer/app/storage"
	"github.com/lysyi3m/rss-mailer/app/tasks"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		return 1
	}

	appConfig, err := cfg.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return apperr.ExitCode(err)
	}
	if appConfig == nil {
		// Help was shown
		return 0
	}

	setupLogging(appConfig.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runMode(ctx, appConfig)
	if err != nil {
		slog.Error("Run failed", "mode", appConfig.Mode, "path", appConfig.Path, "kind", apperr.KindOf(err).String(), "error", err)
	}
	return apperr.ExitCode(err)
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runMode(ctx context.Context, appConfig *cfg.Cfg) error {
	store, closeStore, err := openStore(appConfig)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	deps := &tasks.Dependencies{
		Store:     store,
		Fetcher:   feed.NewFetcher(appConfig.UserAgent, appConfig.FetchTimeout),
		Parser:    feed.NewParser(),
		Filterer:  feed.NewFilterer(),
		Extractor: feed.NewContentExtractor(),
		Metrics:   m,
	}

	var transport email.Transport
	if appConfig.SMTPHost != "" {
		smtpTransport := email.NewSMTPTransport(email.SMTPConfig{
			Host:         appConfig.SMTPHost,
			Port:         appConfig.SMTPPort,
			Username:     appConfig.SMTPUsername,
			Password:     appConfig.SMTPPassword,
			Security:     appConfig.SMTPSecurity,
			BounceDomain: appConfig.BounceDomain,
			Timeout:      appConfig.SMTPTimeout,
		})
		defer func() {
			if err := smtpTransport.Close(); err != nil {
				slog.Debug("Failed to close SMTP connection", "error", err)
			}
		}()
		transport = smtpTransport
		deps.Engine = dispatch.NewEngine(transport, appConfig.FromAddress, appConfig.BaseUrl, m)
	}

	if appConfig.IMAPHost != "" {
		deps.BounceChecker = bounces.NewChecker(bounces.IMAPConfig{
			Host:     appConfig.IMAPHost,
			Port:     appConfig.IMAPPort,
			Username: appConfig.IMAPUsername,
			Password: appConfig.IMAPPassword,
			Mailbox:  appConfig.IMAPMailbox,
			Security: appConfig.IMAPSecurity,
			Timeout:  appConfig.IMAPTimeout,
		})
	}

	var task tasks.TaskInterface
	switch appConfig.Mode {
	case cfg.ModeServe:
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return serve(ctx, appConfig, deps, transport)
	case cfg.ModeRSSChecking:
		task = tasks.NewCheckFeedTask(appConfig.FeedID(), deps)
	case cfg.ModeEmailSending:
		task = tasks.NewSendEmailsTask(appConfig.FeedID(), deps)
	case cfg.ModeBounceChecking:
		task = tasks.NewCheckBouncesTask([]string{appConfig.FeedID()}, deps)
	default:
		return apperr.Configuration("select mode", fmt.Errorf("unknown mode %q", appConfig.Mode))
	}

	task.Start()
	return task.Execute(ctx)
}

func openStore(appConfig *cfg.Cfg) (storage.Store, func(), error) {
	switch appConfig.Storage {
	case cfg.StorageSQLite:
		store, err := storage.OpenSQLite(appConfig.DatabasePath())
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("Failed to close database", "path", appConfig.DatabasePath(), "error", err)
			}
		}, nil
	default:
		return storage.NewFileStore(appConfig.DataRoot()), func() {}, nil
	}
}

func serve(ctx context.Context, appConfig *cfg.Cfg, deps *tasks.Dependencies, transport email.Transport) error {
	slog.Info("Starting RSS Mailer server", "version", appConfig.Version, "data", appConfig.DataRoot())

	scheduler := tasks.NewScheduler(deps, tasks.SchedulerConfig{
		WorkerCount:    appConfig.WorkerCount,
		TaskTimeout:    appConfig.TaskTimeout,
		CheckSchedule:  appConfig.CheckSchedule,
		SendSchedule:   appConfig.SendSchedule,
		BounceSchedule: appConfig.BounceSchedule,
		RunOnStart:     true,
	})
	if err := scheduler.Start(); err != nil {
		return apperr.Configuration("start scheduler", err)
	}
	defer scheduler.Stop()

	handler := api.NewHandler(deps.Store, transport, scheduler, deps.Metrics, appConfig.BaseUrl, appConfig.FromAddress, appConfig.Version)
	httpServer := &http.Server{
		Addr:         ":" + appConfig.Port,
		Handler:      api.NewServer(handler, appConfig.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appConfig.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErrChan:
		serveErr = apperr.Transport("serve HTTP on", httpServer.Addr, err)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return serveErr
}
