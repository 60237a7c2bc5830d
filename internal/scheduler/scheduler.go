// Package scheduler runs compliance checks for a fixed set of projects on a
// cron schedule, optionally fixing and notifying on failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/sbcompliance/internal/models"
)

var ErrRunInProgress = errors.New("a monitor run is already in progress")

type Checker interface {
	Run(ctx context.Context, projectRef, credential string) *models.ComplianceReport
}

type Fixer interface {
	Run(ctx context.Context, projectRef, credential string, req models.FixRequest) *models.FixResult
}

type Notifier interface {
	NotifyComplianceFailure(ctx context.Context, report *models.ComplianceReport) error
	NotifyFixCompleted(ctx context.Context, result *models.FixResult) error
	NotifyMonitorFailed(ctx context.Context, projectRef string, err error) error
}

type Recorder interface {
	Record(ctx context.Context, action string, status models.EvidenceStatus, details map[string]any, projectRef string) string
}

// ExecutionStatus represents run execution status
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ProjectRun is the outcome of one project within a monitor run.
type ProjectRun struct {
	ProjectRef    string             `json:"projectRef"`
	CheckID       string             `json:"checkId"`
	OverallStatus models.CheckStatus `json:"overallStatus"`
	FixID         string             `json:"fixId,omitempty"`
	FixSuccess    *bool              `json:"fixSuccess,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Run tracks one monitor execution
type Run struct {
	ID        string          `json:"id"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Projects  []ProjectRun    `json:"projects"`
}

type Config struct {
	Schedule string
	Projects []string
	Token    string
	AutoFix  bool
	// Concurrency caps projects checked at once; 0 checks them one by one.
	Concurrency int
}

// Monitor manages the scheduled compliance run
type Monitor struct {
	cron     *cron.Cron
	entry    cron.EntryID
	cfg      Config
	checks   Checker
	fixes    Fixer
	notifier Notifier
	rec      Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	lastRun *Run
}

// NewMonitor validates the schedule and registers the run with cron. The
// monitor does not fire until Start is called. fixes, notifier and rec may
// be nil.
func NewMonitor(cfg Config, checks Checker, fixes Fixer, notifier Notifier, rec Recorder, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checks == nil {
		return nil, fmt.Errorf("monitor requires a checker")
	}
	if cfg.AutoFix && fixes == nil {
		return nil, fmt.Errorf("auto fix requires a fixer")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	m := &Monitor{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		cfg:      cfg,
		checks:   checks,
		fixes:    fixes,
		notifier: notifier,
		rec:      rec,
		logger:   logger.Named("monitor"),
	}

	entry, err := m.cron.AddFunc(cfg.Schedule, func() {
		if _, err := m.RunNow(context.Background()); err != nil {
			m.logger.Warn("scheduled run skipped", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	m.entry = entry
	return m, nil
}

func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("monitor started",
		zap.String("schedule", m.cfg.Schedule),
		zap.Strings("projects", m.cfg.Projects),
		zap.Time("next_run", m.NextRun()))
}

// Stop stops the scheduler. The returned context is done once a running
// job completes.
func (m *Monitor) Stop() context.Context {
	return m.cron.Stop()
}

// NextRun returns the next scheduled run, zero before Start.
func (m *Monitor) NextRun() time.Time {
	return m.cron.Entry(m.entry).Next
}

func (m *Monitor) LastRun() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRun == nil {
		return nil
	}
	cp := *m.lastRun
	cp.Projects = append([]ProjectRun(nil), m.lastRun.Projects...)
	return &cp
}

// RunNow checks every configured project and returns when all are done.
// Only one run executes at a time.
func (m *Monitor) RunNow(ctx context.Context) (*Run, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	startTime := time.Now().UTC()
	run := &Run{
		ID:        fmt.Sprintf("run-%d", startTime.UnixNano()),
		Status:    StatusRunning,
		StartedAt: startTime,
		Projects:  make([]ProjectRun, len(m.cfg.Projects)),
	}
	m.logger.Info("executing monitor run", zap.String("run_id", run.ID), zap.Int("projects", len(m.cfg.Projects)))

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, ref := range m.cfg.Projects {
		i, ref := i, ref
		g.Go(func() error {
			run.Projects[i] = m.runProject(ctx, ref)
			return nil
		})
	}
	g.Wait()

	endTime := time.Now().UTC()
	run.EndedAt = &endTime
	run.Status = StatusCompleted
	for _, p := range run.Projects {
		if p.OverallStatus != models.CheckPass && (p.FixSuccess == nil || !*p.FixSuccess) {
			run.Status = StatusFailed
		}
	}

	if m.rec != nil {
		status := models.EvidenceSuccess
		if run.Status == StatusFailed {
			status = models.EvidenceWarning
		}
		m.rec.Record(ctx, "monitor_run_completed", status, map[string]any{
			"runId":    run.ID,
			"projects": run.Projects,
			"duration": endTime.Sub(startTime).String(),
		}, "")
	}

	m.logger.Info("monitor run completed",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Duration("duration", endTime.Sub(startTime)))

	m.mu.Lock()
	m.lastRun = run
	m.mu.Unlock()

	cp := *run
	return &cp, nil
}

func (m *Monitor) runProject(ctx context.Context, ref string) ProjectRun {
	report := m.checks.Run(ctx, ref, m.cfg.Token)
	pr := ProjectRun{
		ProjectRef:    ref,
		CheckID:       report.CheckID,
		OverallStatus: report.Summary.OverallStatus,
	}
	if pr.OverallStatus == models.CheckPass {
		return pr
	}

	// Nothing was checked, so there is nothing to report or fix.
	if err := report.CheckFailure(); err != nil {
		pr.Error = err.Error()
		m.logger.Warn("scheduled check could not reach project", zap.String("project_ref", ref), zap.Error(err))
		if m.rec != nil {
			m.rec.Record(ctx, "monitor_check_failed", models.EvidenceError, map[string]any{
				"checkId": report.CheckID,
				"error":   pr.Error,
			}, ref)
		}
		if m.notifier != nil {
			if nerr := m.notifier.NotifyMonitorFailed(ctx, ref, err); nerr != nil {
				m.logger.Warn("monitor failure notification failed", zap.String("project_ref", ref), zap.Error(nerr))
			}
		}
		return pr
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyComplianceFailure(ctx, report); err != nil {
			m.logger.Warn("compliance failure notification failed", zap.String("project_ref", ref), zap.Error(err))
		}
	}

	if !m.cfg.AutoFix {
		return pr
	}

	result := m.fixes.Run(ctx, ref, m.cfg.Token, models.FixRequest{})
	pr.FixID = result.FixID
	success := result.Success
	pr.FixSuccess = &success

	if m.notifier != nil {
		if err := m.notifier.NotifyFixCompleted(ctx, result); err != nil {
			m.logger.Warn("fix notification failed", zap.String("project_ref", ref), zap.Error(err))
		}
	}
	return pr
}
