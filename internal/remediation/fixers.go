package remediation

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/sbcompliance/internal/compliance"
	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

const DefaultReplicationSlot = "sbcompliance_pitr_slot"

// Fixer applies one category's remediation. Fix never fails: errors are
// folded into the returned outcome.
type Fixer interface {
	Category() models.Category
	Fix(ctx context.Context, projectRef, credential string, plan Plan, parentFixID string) models.FixOutcome
}

// API is the part of the Supabase client fixes need.
type API interface {
	compliance.ManagementAPI
	UpdateAuthConfig(ctx context.Context, credential, projectRef string, update supabase.AuthConfigUpdate) error
	UpdateBackups(ctx context.Context, credential, projectRef string, pitrEnabled bool) error
}

func errorDetails(details map[string]any, err error) map[string]any {
	details["error"] = err.Error()
	if code := supabase.StatusCode(err); code != 0 {
		details["statusCode"] = code
		details["responseBody"] = supabase.ResponseBody(err)
	}
	return details
}

type MFAFixer struct {
	api    API
	rec    compliance.Recorder
	logger *zap.Logger
}

func NewMFAFixer(api API, rec compliance.Recorder, logger *zap.Logger) *MFAFixer {
	return &MFAFixer{api: api, rec: rec, logger: named(logger, "mfa_fixer")}
}

func (f *MFAFixer) Category() models.Category { return models.CategoryMFA }

// Fix enables and requires MFA with a single auth config update.
func (f *MFAFixer) Fix(ctx context.Context, projectRef, credential string, plan Plan, parentFixID string) models.FixOutcome {
	out := models.FixOutcome{Needed: true, Applied: true, Strategy: StrategyAuthConfig}
	attemptID := f.rec.Record(ctx, "mfa_fix_attempt", models.EvidenceInfo, map[string]any{
		"parentFixId": parentFixID,
	}, projectRef)

	on := true
	err := f.api.UpdateAuthConfig(ctx, credential, projectRef, supabase.AuthConfigUpdate{MFAEnabled: &on, MFARequired: &on})
	if err != nil {
		f.logger.Warn("enabling mfa failed", zap.String("project_ref", projectRef), zap.Error(err))
		f.rec.Record(ctx, "mfa_fix_failure", models.EvidenceFailure, errorDetails(map[string]any{
			"parentFixId": parentFixID,
			"mfaFixId":    attemptID,
		}, err), projectRef)
		out.Fail(err.Error())
		return out
	}

	out.Success = true
	f.rec.Record(ctx, "mfa_fix_success", models.EvidenceSuccess, map[string]any{
		"parentFixId": parentFixID,
		"mfaFixId":    attemptID,
		"strategy":    StrategyAuthConfig,
	}, projectRef)
	return out
}

type RLSFixer struct {
	exec        *compliance.Executor
	rec         compliance.Recorder
	logger      *zap.Logger
	concurrency int
}

// NewRLSFixer returns the RLS fixer. concurrency caps the per-table fallback;
// 0 runs every table at once.
func NewRLSFixer(exec *compliance.Executor, rec compliance.Recorder, logger *zap.Logger, concurrency int) *RLSFixer {
	return &RLSFixer{exec: exec, rec: rec, logger: named(logger, "rls_fixer"), concurrency: concurrency}
}

func (f *RLSFixer) Category() models.Category { return models.CategoryRLS }

func qualifiedName(t models.RLSTable) string {
	return t.Schema + "." + t.Name
}

func enableRLSStatement(t models.RLSTable) string {
	return fmt.Sprintf("ALTER TABLE %s.%s ENABLE ROW LEVEL SECURITY;", pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name))
}

func batchStatement(tables []models.RLSTable) string {
	sql := "BEGIN;\n"
	for _, t := range tables {
		sql += enableRLSStatement(t) + "\n"
	}
	return sql + "COMMIT;"
}

// Fix enables RLS on the plan's tables in one transaction. If the
// transaction fails every table is altered on its own, concurrently.
func (f *RLSFixer) Fix(ctx context.Context, projectRef, credential string, plan Plan, parentFixID string) models.FixOutcome {
	out := models.FixOutcome{Needed: true, Applied: true, Strategy: StrategyBatch}

	names := make([]string, len(plan.Tables))
	for i, t := range plan.Tables {
		names[i] = qualifiedName(t)
	}
	attemptID := f.rec.Record(ctx, "rls_fix_attempt", models.EvidenceInfo, map[string]any{
		"parentFixId": parentFixID,
		"tables":      names,
	}, projectRef)

	_, err := f.exec.Execute(ctx, projectRef, credential, batchStatement(plan.Tables), "rls_batch_fix")
	if err == nil {
		out.Success = true
		out.Tables = make([]models.TableFixResult, len(names))
		for i, name := range names {
			out.Tables[i] = models.TableFixResult{Table: name, Success: true}
		}
		f.rec.Record(ctx, "rls_fix_success", models.EvidenceSuccess, map[string]any{
			"parentFixId": parentFixID,
			"rlsFixId":    attemptID,
			"strategy":    StrategyBatch,
			"tables":      names,
		}, projectRef)
		return out
	}

	f.logger.Info("batch rls fix failed, falling back to per-table", zap.String("project_ref", projectRef), zap.Error(err))
	f.rec.Record(ctx, "rls_batch_fix_failure", models.EvidenceWarning, errorDetails(map[string]any{
		"parentFixId": parentFixID,
		"rlsFixId":    attemptID,
	}, err), projectRef)

	out.Strategy = StrategyPerTable
	out.Tables = f.fixTables(ctx, projectRef, credential, plan.Tables, parentFixID, attemptID)

	failed := 0
	for _, t := range out.Tables {
		if !t.Success {
			failed++
		}
	}
	if failed == 0 {
		out.Success = true
		f.rec.Record(ctx, "rls_fix_success", models.EvidenceSuccess, map[string]any{
			"parentFixId": parentFixID,
			"rlsFixId":    attemptID,
			"strategy":    StrategyPerTable,
			"tables":      names,
		}, projectRef)
		return out
	}

	out.Fail(fmt.Sprintf("failed to enable RLS on %d of %d tables", failed, len(out.Tables)))
	status := models.EvidenceFailure
	if failed < len(out.Tables) {
		status = models.EvidencePartialSuccess
	}
	f.rec.Record(ctx, "rls_fix_failure", status, map[string]any{
		"parentFixId": parentFixID,
		"rlsFixId":    attemptID,
		"strategy":    StrategyPerTable,
		"failed":      failed,
		"total":       len(out.Tables),
		"error":       *out.Error,
	}, projectRef)
	return out
}

func (f *RLSFixer) fixTables(ctx context.Context, projectRef, credential string, tables []models.RLSTable, parentFixID, rlsFixID string) []models.TableFixResult {
	results := make([]models.TableFixResult, len(tables))

	// Table goroutines never return an error so one failure does not cancel
	// the others.
	var g errgroup.Group
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			name := qualifiedName(t)
			tableAttemptID := f.rec.Record(ctx, "rls_table_fix_attempt", models.EvidenceInfo, map[string]any{
				"parentFixId": parentFixID,
				"rlsFixId":    rlsFixID,
				"table":       name,
			}, projectRef)

			_, err := f.exec.Execute(ctx, projectRef, credential, enableRLSStatement(t), "rls_table_fix")
			if err != nil {
				results[i] = models.TableFixResult{Table: name, Error: err.Error()}
				f.rec.Record(ctx, "rls_table_fix_failure", models.EvidenceError, errorDetails(map[string]any{
					"parentFixId": parentFixID,
					"rlsFixId":    rlsFixID,
					"tableFixId":  tableAttemptID,
					"table":       name,
				}, err), projectRef)
				return nil
			}

			results[i] = models.TableFixResult{Table: name, Success: true}
			f.rec.Record(ctx, "rls_table_fix_success", models.EvidenceSuccess, map[string]any{
				"parentFixId": parentFixID,
				"rlsFixId":    rlsFixID,
				"tableFixId":  tableAttemptID,
				"table":       name,
			}, projectRef)
			return nil
		})
	}
	g.Wait()
	return results
}

type PITRFixer struct {
	api    API
	exec   *compliance.Executor
	rec    compliance.Recorder
	logger *zap.Logger
	slot   string
}

func NewPITRFixer(api API, exec *compliance.Executor, rec compliance.Recorder, logger *zap.Logger, slot string) *PITRFixer {
	if slot == "" {
		slot = DefaultReplicationSlot
	}
	return &PITRFixer{api: api, exec: exec, rec: rec, logger: named(logger, "pitr_fixer"), slot: slot}
}

func (f *PITRFixer) Category() models.Category { return models.CategoryPITR }

// Fix creates a physical replication slot through SQL and falls back to
// enabling pitr_enabled through the backups configuration.
func (f *PITRFixer) Fix(ctx context.Context, projectRef, credential string, plan Plan, parentFixID string) models.FixOutcome {
	out := models.FixOutcome{Needed: true, Applied: true, Strategy: StrategySQL}
	attemptID := f.rec.Record(ctx, "pitr_fix_attempt", models.EvidenceInfo, map[string]any{
		"parentFixId": parentFixID,
		"slot":        f.slot,
	}, projectRef)

	sql := fmt.Sprintf("SELECT pg_create_physical_replication_slot(%s, true);", pq.QuoteLiteral(f.slot))
	_, sqlErr := f.exec.Execute(ctx, projectRef, credential, sql, "pitr_sql_fix")
	if sqlErr == nil {
		out.Success = true
		f.rec.Record(ctx, "pitr_fix_success", models.EvidenceSuccess, map[string]any{
			"parentFixId": parentFixID,
			"pitrFixId":   attemptID,
			"strategy":    StrategySQL,
		}, projectRef)
		return out
	}

	f.rec.Record(ctx, "pitr_sql_fix_failure", models.EvidenceWarning, errorDetails(map[string]any{
		"parentFixId": parentFixID,
		"pitrFixId":   attemptID,
	}, sqlErr), projectRef)

	out.Strategy = StrategyBackupsAPI
	apiAttemptID := f.rec.Record(ctx, "pitr_api_fix_attempt", models.EvidenceInfo, map[string]any{
		"parentFixId": parentFixID,
		"pitrFixId":   attemptID,
	}, projectRef)

	if err := f.api.UpdateBackups(ctx, credential, projectRef, true); err != nil {
		f.logger.Warn("enabling pitr failed", zap.String("project_ref", projectRef), zap.Error(err))
		f.rec.Record(ctx, "pitr_fix_failure", models.EvidenceFailure, errorDetails(map[string]any{
			"parentFixId": parentFixID,
			"pitrFixId":   attemptID,
			"apiFixId":    apiAttemptID,
			"sqlError":    sqlErr.Error(),
		}, err), projectRef)
		out.Fail(fmt.Sprintf("sql strategy: %v; backups api: %v", sqlErr, err))
		return out
	}

	out.Success = true
	f.rec.Record(ctx, "pitr_fix_success", models.EvidenceSuccess, map[string]any{
		"parentFixId": parentFixID,
		"pitrFixId":   attemptID,
		"apiFixId":    apiAttemptID,
		"strategy":    StrategyBackupsAPI,
	}, projectRef)
	return out
}

func named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.Named(name)
}
