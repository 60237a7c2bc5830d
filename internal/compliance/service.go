package compliance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/sbcompliance/internal/metrics"
	"github.com/qualys/sbcompliance/internal/models"
)

// Service runs the checkers of a project concurrently and merges their
// results into one report.
type Service struct {
	checkers []Checker
	rec      Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(checkers []Checker, rec Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		checkers: checkers,
		rec:      rec,
		metrics:  m,
		logger:   named(logger, "compliance"),
		now:      time.Now,
	}
}

// Run checks projectRef. It always returns a report: a failing or panicking
// checker only degrades its own category.
func (s *Service) Run(ctx context.Context, projectRef, credential string) *models.ComplianceReport {
	categories := make([]string, 0, len(s.checkers))
	for _, c := range s.checkers {
		categories = append(categories, string(c.Category()))
	}
	checkID := s.rec.Record(ctx, "compliance_check_initiated", models.EvidenceInfo, map[string]any{
		"checks": categories,
	}, projectRef)

	results := make([]models.CategoryResult, len(s.checkers))
	// Checker goroutines never return an error so no branch cancels another.
	var g errgroup.Group
	for i, c := range s.checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = s.runChecker(ctx, c, projectRef, credential, checkID)
			return nil
		})
	}
	g.Wait()

	report := &models.ComplianceReport{
		ProjectRef: projectRef,
		Timestamp:  s.now().UTC(),
		CheckID:    checkID,
	}
	for _, res := range results {
		switch r := res.(type) {
		case *models.MFACheckResult:
			report.MFA = r
		case *models.RLSCheckResult:
			report.RLS = r
		case *models.PITRCheckResult:
			report.PITR = r
		}
	}
	fillMissing(report)
	report.Summarize()

	s.observe(report)
	s.rec.Record(ctx, "compliance_check_completed", models.EvidenceSuccess, map[string]any{
		"checkId":       checkID,
		"summary":       report.Summary,
		"overallStatus": report.Summary.OverallStatus,
	}, projectRef)

	s.logger.Info("compliance check completed",
		zap.String("project_ref", projectRef),
		zap.String("check_id", checkID),
		zap.String("overall_status", string(report.Summary.OverallStatus)))
	return report
}

func (s *Service) runChecker(ctx context.Context, c Checker, projectRef, credential, parentCheckID string) (res models.CategoryResult) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%s check panicked: %v", c.Category(), p)
			s.logger.Error("checker panicked", zap.String("category", string(c.Category())), zap.Any("panic", p), zap.Stack("stack"))
			checkFailed(ctx, s.rec, c.Category(), projectRef, parentCheckID, "", err)
			res = ErrorResult(c.Category(), err)
		}
	}()
	return c.Check(ctx, projectRef, credential, parentCheckID)
}

// ErrorResult is the degraded payload of a category whose probe failed.
func ErrorResult(cat models.Category, err error) models.CategoryResult {
	switch cat {
	case models.CategoryMFA:
		return &models.MFACheckResult{Users: []models.MFAUser{}, Error: err.Error()}
	case models.CategoryRLS:
		return &models.RLSCheckResult{Tables: []models.RLSTable{}, Error: err.Error()}
	default:
		return &models.PITRCheckResult{Status: models.CheckError, Error: err.Error()}
	}
}

func fillMissing(report *models.ComplianceReport) {
	if report.MFA == nil {
		report.MFA = ErrorResult(models.CategoryMFA, fmt.Errorf("mfa check not configured")).(*models.MFACheckResult)
	}
	if report.RLS == nil {
		report.RLS = ErrorResult(models.CategoryRLS, fmt.Errorf("rls check not configured")).(*models.RLSCheckResult)
	}
	if report.PITR == nil {
		report.PITR = ErrorResult(models.CategoryPITR, fmt.Errorf("pitr check not configured")).(*models.PITRCheckResult)
	}
}

func (s *Service) observe(report *models.ComplianceReport) {
	s.metrics.ChecksTotal.WithLabelValues(string(models.CategoryMFA), string(summaryStatus(report.MFA.Error, report.MFA.Summary))).Inc()
	s.metrics.ChecksTotal.WithLabelValues(string(models.CategoryRLS), string(summaryStatus(report.RLS.Error, report.RLS.Summary))).Inc()
	s.metrics.ChecksTotal.WithLabelValues(string(models.CategoryPITR), string(report.PITR.Status)).Inc()
	s.metrics.ReportsTotal.WithLabelValues(string(report.Summary.OverallStatus)).Inc()
}

func summaryStatus(errMsg string, sum models.ComplianceSummary) models.CheckStatus {
	switch {
	case errMsg != "":
		return models.CheckError
	case sum.Failing > 0:
		return models.CheckFail
	}
	return models.CheckPass
}
