// Package app wires the compliance services from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/api"
	"github.com/qualys/sbcompliance/internal/compliance"
	"github.com/qualys/sbcompliance/internal/config"
	"github.com/qualys/sbcompliance/internal/evidence"
	"github.com/qualys/sbcompliance/internal/metrics"
	"github.com/qualys/sbcompliance/internal/notifications"
	"github.com/qualys/sbcompliance/internal/queue"
	"github.com/qualys/sbcompliance/internal/remediation"
	"github.com/qualys/sbcompliance/internal/scheduler"
	"github.com/qualys/sbcompliance/internal/supabase"
)

// Dependencies holds every long-lived service of the process.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Supabase *supabase.Client
	Evidence *evidence.Recorder
	Hub      *evidence.Hub
	Feed     *queue.Queue

	feedWorker *queue.Worker

	Checks   *compliance.Service
	Fixes    *remediation.Service
	Notifier *notifications.Service
	Monitor  *scheduler.Monitor
}

// NewDependencies builds the services described by cfg. The Redis feed and
// the monitor are only created when configured.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()

	deps.Supabase = supabase.NewClient(supabase.Config{
		BaseURL:                 cfg.Supabase.APIBaseURL,
		Timeout:                 cfg.Supabase.Timeout,
		RateLimit:               cfg.Supabase.RateLimit,
		Burst:                   cfg.Supabase.Burst,
		BreakerMaxRequests:      cfg.Supabase.Breaker.MaxRequests,
		BreakerInterval:         cfg.Supabase.Breaker.Interval,
		BreakerTimeout:          cfg.Supabase.Breaker.Timeout,
		BreakerFailureThreshold: cfg.Supabase.Breaker.FailureThreshold,
	}, deps.Metrics, logger)

	if err := deps.initEvidence(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize evidence: %w", err)
	}

	checkExec := compliance.NewExecutor(deps.Supabase, deps.Evidence)
	deps.Checks = compliance.NewService(
		compliance.NewCheckers(deps.Supabase, checkExec, deps.Evidence, logger),
		deps.Evidence, deps.Metrics, logger)

	deps.Fixes = remediation.NewDefaultService(deps.Supabase, deps.Evidence, deps.Metrics, logger,
		cfg.Remediation.TableConcurrency, cfg.Remediation.ReplicationSlot)

	deps.Notifier = notifications.NewService(notifications.SlackConfig{
		WebhookURL: cfg.Notifications.Slack.WebhookURL,
		Channel:    cfg.Notifications.Slack.Channel,
		IconEmoji:  ":shield:",
		Enabled:    cfg.Notifications.Slack.Enabled,
	}, logger)

	if cfg.Monitor.Enabled {
		if err := deps.initMonitor(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize monitor: %w", err)
		}
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("evidence_dir", cfg.Evidence.Dir),
		zap.Bool("redis_feed", deps.Feed != nil),
		zap.Bool("monitor", deps.Monitor != nil))
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = metrics.New(d.Registry)
}

func (d *Dependencies) initEvidence(ctx context.Context) error {
	cfg := d.Config
	d.Hub = evidence.NewHub(d.Logger)

	opts := []evidence.Option{
		evidence.WithSink(d.Hub),
		evidence.WithMemoryLimit(cfg.Evidence.MemoryLimit),
	}

	if cfg.Redis.Enabled() {
		feed, err := queue.New(ctx, queue.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			RecentMax: cfg.Redis.RecentMax,
		})
		if err != nil {
			return fmt.Errorf("connecting evidence feed: %w", err)
		}
		d.Feed = feed
		d.feedWorker = queue.NewWorker(feed, d.Logger, queue.WorkerConfig{BufferSize: cfg.Redis.BufferSize})
		d.feedWorker.Start()
		opts = append(opts, evidence.WithSink(d.feedWorker))
	}

	d.Evidence = evidence.NewRecorder(cfg.Evidence.Dir, d.Logger, d.Metrics, opts...)
	if err := d.Evidence.Ready(); err != nil {
		d.Logger.Warn("evidence directory is not writable, records will stay in memory", zap.Error(err))
	}
	return nil
}

func (d *Dependencies) initMonitor() error {
	cfg := d.Config.Monitor
	var fixes scheduler.Fixer
	if cfg.AutoFix {
		fixes = d.Fixes
	}
	var notifier scheduler.Notifier
	if d.Notifier.Enabled() {
		notifier = d.Notifier
	}

	monitor, err := scheduler.NewMonitor(scheduler.Config{
		Schedule: cfg.Schedule,
		Projects: cfg.Projects,
		Token:    cfg.Token,
		AutoFix:  cfg.AutoFix,
	}, d.Checks, fixes, notifier, d.Evidence, d.Logger)
	if err != nil {
		return err
	}
	d.Monitor = monitor
	return nil
}

// Server builds the HTTP server over the dependencies.
func (d *Dependencies) Server() (*api.Server, error) {
	deps := api.Dependencies{
		Projects: d.Supabase,
		Checks:   d.Checks,
		Fixes:    d.Fixes,
		Evidence: d.Evidence,
		Stream:   d.Hub,
		Gatherer: d.Registry,
	}
	if d.Feed != nil {
		deps.Recent = d.Feed
	}
	if d.Monitor != nil {
		deps.Monitor = d.Monitor
	}
	return api.NewServer(d.Config, deps, api.WithLogger(d.Logger))
}

func (d *Dependencies) Close() {
	if d.feedWorker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.feedWorker.Close(ctx); err != nil {
			d.Logger.Warn("draining evidence feed", zap.Error(err))
		}
		cancel()
	}
	if d.Feed != nil {
		if err := d.Feed.Close(); err != nil {
			d.Logger.Warn("closing evidence feed", zap.Error(err))
		}
	}
	_ = d.Logger.Sync()
}
