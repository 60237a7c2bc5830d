package models

import "time"

type FixLabel string

const (
	FixNoActionNeeded FixLabel = "no_action_needed"
	FixFixed          FixLabel = "fixed"
	FixPartiallyFixed FixLabel = "partially_fixed"
	FixFailed         FixLabel = "failed"
)

// FixRequest carries the caller's per-category opt-in. A nil flag means true.
type FixRequest struct {
	FixMFA  *bool `json:"fixMfa,omitempty"`
	FixRLS  *bool `json:"fixRls,omitempty"`
	FixPITR *bool `json:"fixPitr,omitempty"`
}

func (r FixRequest) Enabled(c Category) bool {
	var flag *bool
	switch c {
	case CategoryMFA:
		flag = r.FixMFA
	case CategoryRLS:
		flag = r.FixRLS
	case CategoryPITR:
		flag = r.FixPITR
	default:
		return false
	}
	return flag == nil || *flag
}

type TableFixResult struct {
	Table   string `json:"table"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type FixOutcome struct {
	Needed   bool             `json:"needed"`
	Applied  bool             `json:"applied"`
	Success  bool             `json:"success"`
	Error    *string          `json:"error"`
	Strategy string           `json:"strategy,omitempty"`
	Tables   []TableFixResult `json:"tables,omitempty"`
}

// Fail marks the outcome failed with msg.
func (o *FixOutcome) Fail(msg string) {
	o.Success = false
	o.Error = &msg
}

// Label reduces the outcome to the compact summary value shown in the UI.
// partially_fixed only arises for outcomes with per-table results.
func (o FixOutcome) Label() FixLabel {
	switch {
	case !o.Needed:
		return FixNoActionNeeded
	case o.Success:
		return FixFixed
	}
	for _, t := range o.Tables {
		if t.Success {
			return FixPartiallyFixed
		}
	}
	return FixFailed
}

type FixSummary struct {
	MFA  FixLabel `json:"mfa"`
	RLS  FixLabel `json:"rls"`
	PITR FixLabel `json:"pitr"`
}

type FixResult struct {
	ProjectRef string     `json:"projectRef"`
	Timestamp  time.Time  `json:"timestamp"`
	FixID      string     `json:"fixId"`
	Success    bool       `json:"success"`
	MFA        FixOutcome `json:"mfa"`
	RLS        FixOutcome `json:"rls"`
	PITR       FixOutcome `json:"pitr"`
	Summary    FixSummary `json:"summary"`
}

// Outcome returns a pointer to the outcome for c.
func (r *FixResult) Outcome(c Category) *FixOutcome {
	switch c {
	case CategoryMFA:
		return &r.MFA
	case CategoryRLS:
		return &r.RLS
	case CategoryPITR:
		return &r.PITR
	}
	return nil
}

// Aggregate derives Summary and Success: every needed category must have
// succeeded, categories that were not needed count as satisfied.
func (r *FixResult) Aggregate() {
	r.Summary = FixSummary{
		MFA:  r.MFA.Label(),
		RLS:  r.RLS.Label(),
		PITR: r.PITR.Label(),
	}
	r.Success = true
	for _, c := range Categories {
		o := r.Outcome(c)
		if o.Needed && !o.Success {
			r.Success = false
		}
	}
}
