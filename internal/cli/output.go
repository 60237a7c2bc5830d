package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	bold      = color.New(color.Bold)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusBadge(s models.CheckStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case models.CheckPass:
		return passColor.Sprint(label)
	case models.CheckFail:
		return failColor.Sprint(label)
	default:
		return warnColor.Sprint(label)
	}
}

func fixBadge(l models.FixLabel) string {
	switch l {
	case models.FixFixed:
		return passColor.Sprint(string(l))
	case models.FixFailed:
		return failColor.Sprint(string(l))
	case models.FixPartiallyFixed:
		return warnColor.Sprint(string(l))
	default:
		return string(l)
	}
}

func printReport(w io.Writer, r *models.ComplianceReport) {
	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintf(w, "PROJECT: %s\n", r.ProjectRef)
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "Overall: %s\n", statusBadge(r.Summary.OverallStatus))
	fmt.Fprintf(w, "Check:   %s\n\n", r.CheckID)

	mfa := r.MFA
	fmt.Fprintf(w, "MFA   %d/%d users with a verified factor (enabled for project: %t)\n",
		mfa.Summary.Passing, mfa.Summary.Total, mfa.MFAEnabledGlobally)
	if mfa.Error != "" {
		fmt.Fprintf(w, "      error: %s\n", mfa.Error)
	}
	for _, u := range mfa.Users {
		if u.Status != models.CheckPass {
			fmt.Fprintf(w, "      %s %s\n", statusBadge(u.Status), u.Email)
		}
	}

	rls := r.RLS
	fmt.Fprintf(w, "RLS   %d/%d tables with row level security\n", rls.Summary.Passing, rls.Summary.Total)
	if rls.Error != "" {
		fmt.Fprintf(w, "      error: %s\n", rls.Error)
	}
	for _, t := range rls.Tables {
		if t.Status != models.CheckPass {
			fmt.Fprintf(w, "      %s %s.%s\n", statusBadge(t.Status), t.Schema, t.Name)
		}
	}

	fmt.Fprintf(w, "PITR  %s\n", statusBadge(r.PITR.Status))
	if r.PITR.Error != "" {
		fmt.Fprintf(w, "      error: %s\n", r.PITR.Error)
	}
}

func printFixResult(w io.Writer, r *models.FixResult) {
	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintf(w, "FIX: %s (%s)\n", r.ProjectRef, r.FixID)
	fmt.Fprintln(w, "----------------------------------------")
	for _, c := range models.Categories {
		out := r.Outcome(c)
		line := fmt.Sprintf("%-5s %s", strings.ToUpper(string(c)), fixBadge(out.Label()))
		if out.Strategy != "" {
			line += fmt.Sprintf(" via %s", out.Strategy)
		}
		fmt.Fprintln(w, line)
		if out.Error != nil {
			fmt.Fprintf(w, "      error: %s\n", *out.Error)
		}
		for _, t := range out.Tables {
			if !t.Success {
				fmt.Fprintf(w, "      %s %s: %s\n", failColor.Sprint("FAILED"), t.Table, t.Error)
			}
		}
	}
	if r.Success {
		passColor.Fprintln(w, "\nAll requested fixes succeeded")
	} else {
		failColor.Fprintln(w, "\nSome fixes failed")
	}
}

func printEvidence(w io.Writer, records []models.EvidenceRecord) {
	for _, r := range records {
		status := string(r.Status)
		switch r.Status {
		case models.EvidenceSuccess:
			status = passColor.Sprint(status)
		case models.EvidenceFailure, models.EvidenceError:
			status = failColor.Sprint(status)
		case models.EvidenceWarning, models.EvidencePartialSuccess:
			status = warnColor.Sprint(status)
		}
		fmt.Fprintf(w, "%s  %-32s %s  %s\n", r.Timestamp.UTC().Format("2006-01-02 15:04:05.000"), r.Action, status, r.ID)
	}
}

func printProjects(w io.Writer, projects []supabase.Project) {
	for _, p := range projects {
		ref := p.Ref
		if ref == "" {
			ref = p.ID
		}
		fmt.Fprintf(w, "%-24s %-32s %-16s %s\n", ref, p.Name, p.Region, p.Status)
	}
}
