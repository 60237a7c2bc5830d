package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/sbcompliance/internal/auth"
	"github.com/qualys/sbcompliance/internal/evidence"
	"github.com/qualys/sbcompliance/internal/models"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		opts = globalOptions{configPath: "config.yaml", envFile: ".env"}
		evidenceCSV = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetBuildInfo("1.2.3", "abc123", "2024-05-01")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sbcompliance 1.2.3")
	assert.Contains(t, out, "commit: abc123")
}

func TestEvidenceCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("evidence:\n  dir: "+filepath.Join(dir, "evidence")+"\n"), 0o644))

	rec := evidence.NewRecorder(filepath.Join(dir, "evidence"), nil, nil)
	rec.Record(context.Background(), "compliance_check_started", models.EvidenceInfo, map[string]any{"projectRef": "abcd"}, "abcd")

	out, err := execute(t, "evidence", "abcd", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Contains(t, out, "compliance_check_started")

	out, err = execute(t, "evidence", "abcd", "--csv", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Contains(t, out, "ID,Timestamp,Project,Action,Status,Details")
}

func TestCheckCommand_RequiresToken(t *testing.T) {
	t.Setenv(TokenEnv, "")
	dir := t.TempDir()
	_, err := execute(t, "check", "abcd", "--config", filepath.Join(dir, "absent.yaml"), "--env-file", filepath.Join(dir, "missing.env"))
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrMissingToken)
}

func TestCheckCommand_InvalidRef(t *testing.T) {
	_, err := execute(t, "check", "../etc")
	assert.ErrorIs(t, err, evidence.ErrInvalidProjectRef)
}

func TestResolveCredential(t *testing.T) {
	t.Setenv(TokenEnv, "sbp_from_env")
	opts.token = ""
	cred, err := resolveCredential()
	require.NoError(t, err)
	assert.Equal(t, "sbp_from_env", cred.Token)
	assert.Equal(t, auth.KindPersonalAccessToken, cred.Kind)

	opts.token = "sbp_flag"
	t.Cleanup(func() { opts.token = "" })
	cred, err = resolveCredential()
	require.NoError(t, err)
	assert.Equal(t, "sbp_flag", cred.Token)
}

func TestPrintReport(t *testing.T) {
	r := &models.ComplianceReport{
		ProjectRef: "abcd",
		CheckID:    "chk-1",
		Timestamp:  time.Now(),
		MFA: &models.MFACheckResult{
			Users: []models.MFAUser{
				{Email: "a@example.com", HasMFA: true, Status: models.CheckPass},
				{Email: "b@example.com", Status: models.CheckFail},
			},
			Summary: models.ComplianceSummary{Total: 2, Passing: 1, Failing: 1},
		},
		RLS:  &models.RLSCheckResult{Error: "query failed"},
		PITR: &models.PITRCheckResult{Status: models.CheckPass},
	}
	r.Summarize()

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "PROJECT: abcd")
	assert.Contains(t, out, "Overall: FAIL")
	assert.Contains(t, out, "MFA   1/2 users")
	assert.Contains(t, out, "FAIL b@example.com")
	assert.NotContains(t, out, "a@example.com")
	assert.Contains(t, out, "error: query failed")
}

func TestPrintFixResult(t *testing.T) {
	msg := "failed to enable RLS on 1 of 2 tables"
	r := &models.FixResult{
		ProjectRef: "abcd",
		FixID:      "fix-1",
		MFA:        models.FixOutcome{},
		RLS: models.FixOutcome{
			Needed: true, Applied: true, Strategy: "per_table", Error: &msg,
			Tables: []models.TableFixResult{
				{Table: "public.a", Success: true},
				{Table: "public.b", Error: "permission denied"},
			},
		},
		PITR: models.FixOutcome{Needed: true, Applied: true, Success: true, Strategy: "sql"},
	}
	r.Aggregate()

	var buf bytes.Buffer
	printFixResult(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "MFA   no_action_needed")
	assert.Contains(t, out, "RLS   partially_fixed via per_table")
	assert.Contains(t, out, "FAILED public.b: permission denied")
	assert.Contains(t, out, "PITR  fixed via sql")
	assert.Contains(t, out, "Some fixes failed")
}
