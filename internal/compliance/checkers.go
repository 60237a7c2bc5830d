package compliance

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/models"
)

// Checker probes one control of a project. Check never fails: probe errors
// are folded into the returned result.
type Checker interface {
	Category() models.Category
	Check(ctx context.Context, projectRef, credential, parentCheckID string) models.CategoryResult
}

// NewCheckers returns the MFA, RLS and PITR checkers in report order.
func NewCheckers(api ManagementAPI, exec *Executor, rec Recorder, logger *zap.Logger) []Checker {
	return []Checker{
		NewMFAChecker(api, exec, rec, logger),
		NewRLSChecker(exec, rec, logger),
		NewPITRChecker(api, rec, logger),
	}
}

func checkFailed(ctx context.Context, rec Recorder, cat models.Category, projectRef, parentCheckID, checkID string, err error) {
	rec.Record(ctx, string(cat)+"_check_failed", models.EvidenceError, map[string]any{
		"parentCheckId": parentCheckID,
		"checkId":       checkID,
		"error":         err.Error(),
	}, projectRef)
}

type MFAChecker struct {
	api    ManagementAPI
	exec   *Executor
	rec    Recorder
	logger *zap.Logger
}

func NewMFAChecker(api ManagementAPI, exec *Executor, rec Recorder, logger *zap.Logger) *MFAChecker {
	return &MFAChecker{api: api, exec: exec, rec: rec, logger: named(logger, "mfa_checker")}
}

func (c *MFAChecker) Category() models.Category { return models.CategoryMFA }

// GlobalStatus reports whether any MFA signal is switched on for the
// project: a configured SMS provider, mfa_enabled or external_mfa_enabled.
func (c *MFAChecker) GlobalStatus(ctx context.Context, projectRef, credential string) (bool, error) {
	cfg, err := c.api.GetAuthConfig(ctx, credential, projectRef)
	if err != nil {
		return false, fmt.Errorf("fetching auth config: %w", err)
	}
	sms := strings.TrimSpace(cfg.SMSProvider)
	smsConfigured := sms != "" && !strings.EqualFold(sms, "NONE")
	return smsConfigured || bool(cfg.MFAEnabled) || bool(cfg.ExternalMFAEnabled), nil
}

// Check reports the global MFA flag and per-user factor status. When the
// user query fails the user list is empty and the summary is zero while the
// global flag is still reported.
func (c *MFAChecker) Check(ctx context.Context, projectRef, credential, parentCheckID string) models.CategoryResult {
	checkID := c.rec.Record(ctx, "mfa_check_initiated", models.EvidenceInfo, map[string]any{
		"parentCheckId": parentCheckID,
	}, projectRef)
	result := &models.MFACheckResult{CheckID: checkID, Users: []models.MFAUser{}}

	enabled, err := c.GlobalStatus(ctx, projectRef, credential)
	if err != nil {
		checkFailed(ctx, c.rec, models.CategoryMFA, projectRef, parentCheckID, checkID, err)
		result.Error = err.Error()
		return result
	}
	result.MFAEnabledGlobally = enabled

	rows, err := c.exec.Execute(ctx, projectRef, credential, mfaUsersQuery, "mfa_users")
	if err != nil {
		c.logger.Warn("mfa user query failed", zap.String("project_ref", projectRef), zap.Error(err))
		c.rec.Record(ctx, "mfa_user_query_failed", models.EvidenceWarning, map[string]any{
			"parentCheckId": parentCheckID,
			"checkId":       checkID,
			"error":         err.Error(),
		}, projectRef)
	}

	for _, row := range rows {
		user := models.MFAUser{
			ID:     row.String("id"),
			Email:  row.String("email"),
			HasMFA: row.Bool("has_mfa"),
			Status: models.CheckFail,
		}
		if user.HasMFA {
			user.Status = models.CheckPass
		}
		result.Users = append(result.Users, user)
		result.Summary.Add(user.HasMFA)
	}

	details := map[string]any{
		"parentCheckId":      parentCheckID,
		"checkId":            checkID,
		"mfaEnabledGlobally": enabled,
		"summary":            result.Summary,
	}
	status := models.EvidenceSuccess
	if err != nil {
		status = models.EvidencePartialSuccess
		details["userQueryError"] = err.Error()
	}
	c.rec.Record(ctx, "mfa_check_completed", status, details, projectRef)
	return result
}

type RLSChecker struct {
	exec   *Executor
	rec    Recorder
	logger *zap.Logger
}

func NewRLSChecker(exec *Executor, rec Recorder, logger *zap.Logger) *RLSChecker {
	return &RLSChecker{exec: exec, rec: rec, logger: named(logger, "rls_checker")}
}

func (c *RLSChecker) Category() models.Category { return models.CategoryRLS }

// ListTables returns the public user tables. A table passes iff row-level
// security is enabled on it; policies are informational.
func (c *RLSChecker) ListTables(ctx context.Context, projectRef, credential string) ([]models.RLSTable, error) {
	rows, err := c.exec.Execute(ctx, projectRef, credential, rlsTablesQuery, "rls_tables")
	if err != nil {
		return nil, err
	}

	tables := make([]models.RLSTable, 0, len(rows))
	for _, row := range rows {
		t := models.RLSTable{
			Schema:      row.String("schema"),
			Name:        row.String("name"),
			RLSEnabled:  row.Bool("rls_enabled"),
			HasPolicies: row.Bool("has_policies"),
			Status:      models.CheckFail,
		}
		if t.Schema == "" {
			t.Schema = "public"
		}
		if t.RLSEnabled {
			t.Status = models.CheckPass
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (c *RLSChecker) Check(ctx context.Context, projectRef, credential, parentCheckID string) models.CategoryResult {
	checkID := c.rec.Record(ctx, "rls_check_initiated", models.EvidenceInfo, map[string]any{
		"parentCheckId": parentCheckID,
	}, projectRef)
	result := &models.RLSCheckResult{CheckID: checkID, Tables: []models.RLSTable{}}

	tables, err := c.ListTables(ctx, projectRef, credential)
	if err != nil {
		c.logger.Warn("rls table query failed", zap.String("project_ref", projectRef), zap.Error(err))
		checkFailed(ctx, c.rec, models.CategoryRLS, projectRef, parentCheckID, checkID, err)
		result.Error = err.Error()
		return result
	}

	result.Tables = tables
	for _, t := range tables {
		result.Summary.Add(t.RLSEnabled)
	}

	c.rec.Record(ctx, "rls_check_completed", models.EvidenceSuccess, map[string]any{
		"parentCheckId": parentCheckID,
		"checkId":       checkID,
		"summary":       result.Summary,
	}, projectRef)
	return result
}

type PITRChecker struct {
	api    ManagementAPI
	rec    Recorder
	logger *zap.Logger
}

func NewPITRChecker(api ManagementAPI, rec Recorder, logger *zap.Logger) *PITRChecker {
	return &PITRChecker{api: api, rec: rec, logger: named(logger, "pitr_checker")}
}

func (c *PITRChecker) Category() models.Category { return models.CategoryPITR }

// Enabled reports whether pitr_enabled is the JSON literal true.
func (c *PITRChecker) Enabled(ctx context.Context, projectRef, credential string) (bool, error) {
	cfg, err := c.api.GetBackups(ctx, credential, projectRef)
	if err != nil {
		return false, fmt.Errorf("fetching backup config: %w", err)
	}
	return bool(cfg.PITREnabled), nil
}

// Check counts PITR as a single unit. A failed fetch yields status error and
// a zero summary.
func (c *PITRChecker) Check(ctx context.Context, projectRef, credential, parentCheckID string) models.CategoryResult {
	checkID := c.rec.Record(ctx, "pitr_check_initiated", models.EvidenceInfo, map[string]any{
		"parentCheckId": parentCheckID,
	}, projectRef)
	result := &models.PITRCheckResult{CheckID: checkID}

	enabled, err := c.Enabled(ctx, projectRef, credential)
	if err != nil {
		c.logger.Warn("backup config fetch failed", zap.String("project_ref", projectRef), zap.Error(err))
		checkFailed(ctx, c.rec, models.CategoryPITR, projectRef, parentCheckID, checkID, err)
		result.Status = models.CheckError
		result.Error = err.Error()
		return result
	}

	result.PITREnabled = enabled
	result.Status = models.CheckFail
	if enabled {
		result.Status = models.CheckPass
	}
	result.Summary.Add(enabled)

	c.rec.Record(ctx, "pitr_check_completed", models.EvidenceSuccess, map[string]any{
		"parentCheckId": parentCheckID,
		"checkId":       checkID,
		"pitrEnabled":   enabled,
		"summary":       result.Summary,
	}, projectRef)
	return result
}

func named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.Named(name)
}
