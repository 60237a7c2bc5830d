// Package remediation plans and applies fixes for failing MFA, RLS and PITR
// controls of a Supabase project.
package remediation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/sbcompliance/internal/compliance"
	"github.com/qualys/sbcompliance/internal/metrics"
	"github.com/qualys/sbcompliance/internal/models"
)

// Prober reads the current state of one category to decide whether it
// needs fixing.
type Prober interface {
	Probe(ctx context.Context, projectRef, credential string, c models.Category) (Plan, error)
}

// CheckerProber probes with the reduced forms of the compliance checks.
type CheckerProber struct {
	MFA  *compliance.MFAChecker
	RLS  *compliance.RLSChecker
	PITR *compliance.PITRChecker
}

func (p *CheckerProber) Probe(ctx context.Context, projectRef, credential string, c models.Category) (Plan, error) {
	plan := Plan{Category: c}
	switch c {
	case models.CategoryMFA:
		enabled, err := p.MFA.GlobalStatus(ctx, projectRef, credential)
		if err != nil {
			return plan, err
		}
		plan.Needed = !enabled
	case models.CategoryRLS:
		tables, err := p.RLS.ListTables(ctx, projectRef, credential)
		if err != nil {
			return plan, err
		}
		for _, t := range tables {
			if !t.RLSEnabled {
				plan.Tables = append(plan.Tables, t)
			}
		}
		plan.Needed = len(plan.Tables) > 0
	case models.CategoryPITR:
		enabled, err := p.PITR.Enabled(ctx, projectRef, credential)
		if err != nil {
			return plan, err
		}
		plan.Needed = !enabled
	default:
		return plan, fmt.Errorf("unknown category %q", c)
	}
	return plan, nil
}

// Service runs the fix state machine: plan from a fresh probe, apply the
// needed fixes concurrently, aggregate.
type Service struct {
	prober  Prober
	fixers  map[models.Category]Fixer
	rec     compliance.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(prober Prober, rec compliance.Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		prober:  prober,
		fixers:  make(map[models.Category]Fixer),
		rec:     rec,
		metrics: m,
		logger:  named(logger, "remediation"),
		now:     time.Now,
	}
}

// RegisterFixer registers the fixer for its category.
func (s *Service) RegisterFixer(f Fixer) {
	s.fixers[f.Category()] = f
}

// Run fixes projectRef according to req. It never consults an earlier
// report: what needs fixing is always re-probed.
func (s *Service) Run(ctx context.Context, projectRef, credential string, req models.FixRequest) *models.FixResult {
	fixID := s.rec.Record(ctx, "compliance_fix_request", models.EvidenceInfo, map[string]any{
		"fixMfa":  req.Enabled(models.CategoryMFA),
		"fixRls":  req.Enabled(models.CategoryRLS),
		"fixPitr": req.Enabled(models.CategoryPITR),
	}, projectRef)

	plans := s.plan(ctx, projectRef, credential, req)
	s.recordPlan(ctx, projectRef, fixID, plans)

	result := &models.FixResult{ProjectRef: projectRef, FixID: fixID}

	var g errgroup.Group
	for _, c := range models.Categories {
		plan := plans[c]
		out := result.Outcome(c)
		switch {
		case plan.ProbeErr != nil:
			*out = models.FixOutcome{Needed: true}
			out.Fail("status check failed: " + plan.ProbeErr.Error())
		case !plan.Needed:
			*out = models.FixOutcome{}
		default:
			g.Go(func() error {
				*out = s.runFixer(ctx, projectRef, credential, plan, fixID)
				return nil
			})
		}
	}
	g.Wait()

	result.Timestamp = s.now().UTC()
	result.Aggregate()

	for _, c := range models.Categories {
		s.metrics.FixesTotal.WithLabelValues(string(c), string(result.Outcome(c).Label())).Inc()
	}

	status := models.EvidenceSuccess
	if !result.Success {
		status = models.EvidenceFailure
	}
	s.rec.Record(ctx, "compliance_fix_completed", status, map[string]any{
		"parentFixId": fixID,
		"success":     result.Success,
		"summary":     result.Summary,
	}, projectRef)

	s.logger.Info("compliance fix completed",
		zap.String("project_ref", projectRef),
		zap.String("fix_id", fixID),
		zap.Bool("success", result.Success),
		zap.String("mfa", string(result.Summary.MFA)),
		zap.String("rls", string(result.Summary.RLS)),
		zap.String("pitr", string(result.Summary.PITR)))
	return result
}

// plan probes every opted-in category concurrently. Categories the caller
// opted out of are not probed.
func (s *Service) plan(ctx context.Context, projectRef, credential string, req models.FixRequest) map[models.Category]Plan {
	plans := make([]Plan, len(models.Categories))

	var g errgroup.Group
	for i, c := range models.Categories {
		i, c := i, c
		if !req.Enabled(c) {
			plans[i] = Plan{Category: c}
			continue
		}
		g.Go(func() error {
			plan, err := s.probe(ctx, projectRef, credential, c)
			if err != nil {
				plan = Plan{Category: c, ProbeErr: err}
			}
			plan.OptIn = true
			plans[i] = plan
			return nil
		})
	}
	g.Wait()

	out := make(map[models.Category]Plan, len(plans))
	for _, p := range plans {
		out[p.Category] = p
	}
	return out
}

func (s *Service) probe(ctx context.Context, projectRef, credential string, c models.Category) (plan Plan, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("status probe panicked", zap.String("category", string(c)), zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("%s probe panicked: %v", c, p)
		}
	}()
	return s.prober.Probe(ctx, projectRef, credential, c)
}

func (s *Service) recordPlan(ctx context.Context, projectRef, fixID string, plans map[models.Category]Plan) {
	details := map[string]any{"parentFixId": fixID}
	for _, c := range models.Categories {
		p := plans[c]
		entry := map[string]any{"optIn": p.OptIn, "needed": p.Needed || p.ProbeErr != nil}
		if p.ProbeErr != nil {
			entry["error"] = p.ProbeErr.Error()
		}
		if c == models.CategoryRLS && len(p.Tables) > 0 {
			names := make([]string, len(p.Tables))
			for i, t := range p.Tables {
				names[i] = qualifiedName(t)
			}
			entry["tables"] = names
		}
		details[string(c)] = entry
	}
	s.rec.Record(ctx, "fix_plan_completed", models.EvidenceInfo, details, projectRef)
}

func (s *Service) runFixer(ctx context.Context, projectRef, credential string, plan Plan, fixID string) (out models.FixOutcome) {
	f, ok := s.fixers[plan.Category]
	if !ok {
		out = models.FixOutcome{Needed: true}
		out.Fail(fmt.Sprintf("no fixer registered for %s", plan.Category))
		return out
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("fixer panicked", zap.String("category", string(plan.Category)), zap.Any("panic", p), zap.Stack("stack"))
			out = models.FixOutcome{Needed: true, Applied: true}
			out.Fail(fmt.Sprintf("%s fix panicked: %v", plan.Category, p))
			s.rec.Record(ctx, string(plan.Category)+"_fix_failure", models.EvidenceFailure, map[string]any{
				"parentFixId": fixID,
				"error":       *out.Error,
			}, projectRef)
		}
	}()
	return f.Fix(ctx, projectRef, credential, plan, fixID)
}

// NewDefaultService wires the prober and the three fixers over api.
func NewDefaultService(api API, rec compliance.Recorder, m *metrics.Metrics, logger *zap.Logger, tableConcurrency int, replicationSlot string) *Service {
	exec := compliance.NewExecutor(api, rec)
	prober := &CheckerProber{
		MFA:  compliance.NewMFAChecker(api, exec, rec, logger),
		RLS:  compliance.NewRLSChecker(exec, rec, logger),
		PITR: compliance.NewPITRChecker(api, rec, logger),
	}

	s := NewService(prober, rec, m, logger)
	s.RegisterFixer(NewMFAFixer(api, rec, logger))
	s.RegisterFixer(NewRLSFixer(exec, rec, logger, tableConcurrency))
	s.RegisterFixer(NewPITRFixer(api, exec, rec, logger, replicationSlot))
	return s
}
