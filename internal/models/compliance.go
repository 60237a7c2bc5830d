package models

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryMFA  Category = "mfa"
	CategoryRLS  Category = "rls"
	CategoryPITR Category = "pitr"
)

// Categories lists the checked controls in report order.
var Categories = []Category{CategoryMFA, CategoryRLS, CategoryPITR}

type CheckStatus string

const (
	CheckPass  CheckStatus = "pass"
	CheckFail  CheckStatus = "fail"
	CheckError CheckStatus = "error"
)

// ComplianceSummary counts evaluated units of one category: users for MFA,
// tables for RLS, a single synthetic unit for PITR. All counts are zero when
// the underlying probe failed.
type ComplianceSummary struct {
	Total   int `json:"total"`
	Passing int `json:"passing"`
	Failing int `json:"failing"`
}

// Add counts one unit.
func (s *ComplianceSummary) Add(pass bool) {
	s.Total++
	if pass {
		s.Passing++
	} else {
		s.Failing++
	}
}

// CategoryResult is implemented by the per-category check payloads.
type CategoryResult interface {
	ResultCategory() Category
}

type MFAUser struct {
	ID     string      `json:"id"`
	Email  string      `json:"email"`
	HasMFA bool        `json:"hasMFA"`
	Status CheckStatus `json:"status"`
}

type MFACheckResult struct {
	CheckID            string            `json:"checkId,omitempty"`
	MFAEnabledGlobally bool              `json:"mfaEnabledGlobally"`
	Users              []MFAUser         `json:"users"`
	Summary            ComplianceSummary `json:"summary"`
	Error              string            `json:"error,omitempty"`
}

func (*MFACheckResult) ResultCategory() Category { return CategoryMFA }

type RLSTable struct {
	Schema      string      `json:"schema"`
	Name        string      `json:"name"`
	RLSEnabled  bool        `json:"rlsEnabled"`
	HasPolicies bool        `json:"hasPolicies"`
	Status      CheckStatus `json:"status"`
}

type RLSCheckResult struct {
	CheckID string            `json:"checkId,omitempty"`
	Tables  []RLSTable        `json:"tables"`
	Summary ComplianceSummary `json:"summary"`
	Error   string            `json:"error,omitempty"`
}

func (*RLSCheckResult) ResultCategory() Category { return CategoryRLS }

type PITRCheckResult struct {
	CheckID     string            `json:"checkId,omitempty"`
	PITREnabled bool              `json:"pitrEnabled"`
	Status      CheckStatus       `json:"status"`
	Summary     ComplianceSummary `json:"summary"`
	Error       string            `json:"error,omitempty"`
}

func (*PITRCheckResult) ResultCategory() Category { return CategoryPITR }

type PITRSummary struct {
	ComplianceSummary
	Status CheckStatus `json:"status"`
}

type ReportSummary struct {
	MFA           ComplianceSummary `json:"mfa"`
	RLS           ComplianceSummary `json:"rls"`
	PITR          PITRSummary       `json:"pitr"`
	OverallStatus CheckStatus       `json:"overallStatus"`
}

type ComplianceReport struct {
	ProjectRef string           `json:"projectRef"`
	Timestamp  time.Time        `json:"timestamp"`
	CheckID    string           `json:"checkId"`
	MFA        *MFACheckResult  `json:"mfa"`
	RLS        *RLSCheckResult  `json:"rls"`
	PITR       *PITRCheckResult `json:"pitr"`
	Summary    ReportSummary    `json:"summary"`
}

// Summarize fills Summary from the category payloads. The report passes only
// when no MFA user and no RLS table is failing and PITR is enabled.
func (r *ComplianceReport) Summarize() {
	r.Summary = ReportSummary{
		MFA:  r.MFA.Summary,
		RLS:  r.RLS.Summary,
		PITR: PITRSummary{ComplianceSummary: r.PITR.Summary, Status: r.PITR.Status},
	}
	r.Summary.OverallStatus = OverallStatus(r.Summary.MFA, r.Summary.RLS, r.PITR.Status)
}

// CheckFailure reports a report in which every category failed to be checked,
// typically a revoked token or an unreachable project. It is nil when at
// least one category produced a result.
func (r *ComplianceReport) CheckFailure() error {
	if r.MFA == nil || r.RLS == nil || r.PITR == nil {
		return nil
	}
	if r.MFA.Error == "" || r.RLS.Error == "" || r.PITR.Error == "" {
		return nil
	}
	return fmt.Errorf("mfa: %s; rls: %s; pitr: %s", r.MFA.Error, r.RLS.Error, r.PITR.Error)
}

func OverallStatus(mfa, rls ComplianceSummary, pitr CheckStatus) CheckStatus {
	if mfa.Failing == 0 && rls.Failing == 0 && pitr == CheckPass {
		return CheckPass
	}
	return CheckFail
}
