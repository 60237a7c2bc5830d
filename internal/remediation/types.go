package remediation

import (
	"github.com/qualys/sbcompliance/internal/models"
)

// RiskLevel indicates how disruptive a fix is for the project.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Strategy names reported in fix outcomes.
const (
	StrategyAuthConfig = "auth_config"
	StrategyBatch      = "batch"
	StrategyPerTable   = "per_table"
	StrategySQL        = "sql"
	StrategyBackupsAPI = "backups_api"
)

// Plan is the planning decision for one category.
type Plan struct {
	Category models.Category
	OptIn    bool
	Needed   bool

	// Tables lists the tables without row-level security for RLS plans.
	Tables []models.RLSTable

	// ProbeErr is set when the status probe failed; the fix is then
	// reported as needed and failed without touching the project.
	ProbeErr error
}

// Definition describes a fix and its strategies in the order they are tried.
type Definition struct {
	Category    models.Category `json:"category"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Strategies  []string        `json:"strategies"`
}

// GetDefinitions returns the available fixes in report order.
func GetDefinitions() []Definition {
	return []Definition{
		{
			Category:    models.CategoryMFA,
			Name:        "Enable MFA",
			Description: "Enable and require multi-factor authentication in the project's auth configuration",
			RiskLevel:   RiskMedium,
			Strategies:  []string{StrategyAuthConfig},
		},
		{
			Category:    models.CategoryRLS,
			Name:        "Enable Row Level Security",
			Description: "Enable row-level security on every public table that lacks it, in one transaction or table by table",
			RiskLevel:   RiskHigh,
			Strategies:  []string{StrategyBatch, StrategyPerTable},
		},
		{
			Category:    models.CategoryPITR,
			Name:        "Enable Point-in-Time Recovery",
			Description: "Create a physical replication slot, or enable PITR through the backups configuration",
			RiskLevel:   RiskLow,
			Strategies:  []string{StrategySQL, StrategyBackupsAPI},
		},
	}
}
