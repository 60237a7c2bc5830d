package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qualys/sbcompliance/internal/evidence"
	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/reports"
)

var checkPDF string

var checkCmd = &cobra.Command{
	Use:   "check <project-ref>",
	Short: "Check MFA, RLS and PITR compliance of a project",
	Long: `Check MFA, RLS and PITR compliance of a project.

The exit status is non-zero when the project is not compliant.

Examples:
  sbcompliance check abcdefghijklmnop
  sbcompliance check abcdefghijklmnop --pdf report.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := args[0]
		if !evidence.ValidProjectRef(ref) {
			return evidence.ErrInvalidProjectRef
		}
		cred, err := resolveCredential()
		if err != nil {
			return err
		}

		deps, err := newDependencies(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer deps.Close()

		report := deps.Checks.Run(cmd.Context(), ref, cred.Token)

		if checkPDF != "" {
			pdf, err := reports.ComplianceReportPDF(report)
			if err != nil {
				return err
			}
			if err := os.WriteFile(checkPDF, pdf, 0o644); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			deps.Evidence.Record(cmd.Context(), "compliance_report_generated", models.EvidenceInfo, map[string]any{
				"parentCheckId": report.CheckID,
				"overallStatus": report.Summary.OverallStatus,
				"bytes":         len(pdf),
			}, ref)
		}

		if opts.jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}

		if report.Summary.OverallStatus != models.CheckPass {
			return fmt.Errorf("project %s is not compliant", ref)
		}
		return nil
	},
}

var fixFlags struct {
	mfa, rls, pitr bool
}

var fixCmd = &cobra.Command{
	Use:   "fix <project-ref>",
	Short: "Fix failing MFA, RLS and PITR controls of a project",
	Long: `Fix failing MFA, RLS and PITR controls of a project.

The current state is read again before anything is changed; controls that
already pass are left alone.

Examples:
  sbcompliance fix abcdefghijklmnop
  sbcompliance fix abcdefghijklmnop --rls=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := args[0]
		if !evidence.ValidProjectRef(ref) {
			return evidence.ErrInvalidProjectRef
		}
		cred, err := resolveCredential()
		if err != nil {
			return err
		}

		deps, err := newDependencies(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer deps.Close()

		req := models.FixRequest{FixMFA: &fixFlags.mfa, FixRLS: &fixFlags.rls, FixPITR: &fixFlags.pitr}
		result := deps.Fixes.Run(cmd.Context(), ref, cred.Token, req)

		if opts.jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			printFixResult(cmd.OutOrStdout(), result)
		}

		if !result.Success {
			return fmt.Errorf("fix %s did not succeed", result.FixID)
		}
		return nil
	},
}

var evidenceCSV bool

var evidenceCmd = &cobra.Command{
	Use:   "evidence <project-ref>",
	Short: "Print the persisted evidence trail of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rec := evidence.NewRecorder(cfg.Evidence.Dir, nil, nil)
		records, err := rec.ListForProject(args[0])
		if err != nil {
			return err
		}

		switch {
		case evidenceCSV:
			return reports.StreamEvidenceCSV(cmd.OutOrStdout(), records)
		case opts.jsonOutput:
			return printJSON(cmd.OutOrStdout(), records)
		}
		printEvidence(cmd.OutOrStdout(), records)
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List the projects the token can access",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cred, err := resolveCredential()
		if err != nil {
			return err
		}

		deps, err := newDependencies(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer deps.Close()

		projects, err := deps.Supabase.ListProjects(cmd.Context(), cred.Token)
		if err != nil {
			return err
		}
		if opts.jsonOutput {
			return printJSON(cmd.OutOrStdout(), projects)
		}
		printProjects(cmd.OutOrStdout(), projects)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkPDF, "pdf", "", "Also write the report as PDF to this file")

	fixCmd.Flags().BoolVar(&fixFlags.mfa, "mfa", true, "Fix MFA")
	fixCmd.Flags().BoolVar(&fixFlags.rls, "rls", true, "Fix row level security")
	fixCmd.Flags().BoolVar(&fixFlags.pitr, "pitr", true, "Fix point-in-time recovery")

	evidenceCmd.Flags().BoolVar(&evidenceCSV, "csv", false, "Print as CSV")

	rootCmd.AddCommand(checkCmd, fixCmd, evidenceCmd, projectsCmd)
}
