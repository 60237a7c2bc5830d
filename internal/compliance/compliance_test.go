package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

func newService(api *fakeAPI, rec *memRecorder) *Service {
	exec := NewExecutor(api, rec)
	return NewService(NewCheckers(api, exec, rec, nil), rec, nil, nil)
}

func TestNormalizeRows(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"flat rows", `[{"a":1},{"a":2}]`, 2},
		{"nested result sets", `[[{"a":1}],[{"a":2},{"a":3}]]`, 3},
		{"empty array", `[]`, 0},
		{"object payload", `{"result":[{"a":1}]}`, 0},
		{"null payload", `null`, 0},
		{"absent payload", ``, 0},
		{"non object rows skipped", `[{"a":1},2,"x",null]`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := NormalizeRows([]byte(tt.raw))
			assert.NotNil(t, rows)
			assert.Len(t, rows, tt.want)
		})
	}
}

func TestExecutor_RecordsAttemptAndOutcome(t *testing.T) {
	api := &fakeAPI{tablesJSON: `[{"name":"t1"}]`}
	rec := &memRecorder{}
	exec := NewExecutor(api, rec)

	rows, err := exec.Execute(context.Background(), "proj", "tok", "SELECT * FROM pg_tables", "rls_tables")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	attempts := rec.byAction("sql_query_attempt")
	require.Len(t, attempts, 1)
	success := rec.byAction("sql_query_success")
	require.Len(t, success, 1)
	assert.Equal(t, attempts[0].ID, success[0].Details["attemptId"])
	assert.Equal(t, 1, success[0].Details["rowCount"])
}

func TestExecutor_FailureIsRecordedAndReturned(t *testing.T) {
	upstream := &supabase.APIError{Kind: supabase.ErrQueryFailed, Op: supabase.OpRunQuery, StatusCode: 400, Body: `{"message":"syntax"}`}
	api := &fakeAPI{tablesErr: upstream}
	rec := &memRecorder{}
	exec := NewExecutor(api, rec)

	_, err := exec.Execute(context.Background(), "proj", "tok", "SELECT * FROM pg_tables", "rls_tables")
	require.Error(t, err)
	assert.ErrorIs(t, err, supabase.ErrQueryFailed)

	failures := rec.byAction("sql_query_failure")
	require.Len(t, failures, 1)
	assert.Equal(t, 400, failures[0].Details["statusCode"])
	assert.Equal(t, `{"message":"syntax"}`, failures[0].Details["responseBody"])
	assert.Equal(t, rec.byAction("sql_query_attempt")[0].ID, failures[0].Details["attemptId"])
}

func TestExecutor_TruncatesLoggedQuery(t *testing.T) {
	rec := &memRecorder{}
	exec := NewExecutor(&fakeAPI{}, rec)

	long := "SELECT '" + strings.Repeat("x", 2000) + "'"
	_, err := exec.Execute(context.Background(), "proj", "tok", long, "long")
	require.NoError(t, err)

	logged := rec.byAction("sql_query_attempt")[0].Details["query"].(string)
	assert.Len(t, logged, maxLoggedQuery)
}

func TestMFAChecker_GlobalStatus(t *testing.T) {
	tests := []struct {
		name string
		auth string
		want bool
	}{
		{"nothing configured", `{}`, false},
		{"sms provider NONE", `{"sms_provider":"NONE"}`, false},
		{"sms provider lower none", `{"sms_provider":"none"}`, false},
		{"sms provider set", `{"sms_provider":"twilio"}`, true},
		{"mfa flag", `{"mfa_enabled":true}`, true},
		{"external flag", `{"external_mfa_enabled":true}`, true},
		{"string flag ignored", `{"mfa_enabled":"true"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{authJSON: tt.auth}
			rec := &memRecorder{}
			c := NewMFAChecker(api, NewExecutor(api, rec), rec, nil)

			got, err := c.GlobalStatus(context.Background(), "proj", "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMFAChecker_UserQueryFailureZeroesSummary(t *testing.T) {
	for _, auth := range []string{`{"mfa_enabled":true}`, `{}`} {
		api := &fakeAPI{authJSON: auth, usersErr: errors.New("relation auth.mfa_factors does not exist")}
		rec := &memRecorder{}
		c := NewMFAChecker(api, NewExecutor(api, rec), rec, nil)

		res := c.Check(context.Background(), "proj", "tok", "parent").(*models.MFACheckResult)

		assert.Empty(t, res.Error)
		assert.Empty(t, res.Users)
		assert.Equal(t, models.ComplianceSummary{}, res.Summary)
		assert.Len(t, rec.byAction("mfa_user_query_failed"), 1)
		assert.Equal(t, models.EvidenceWarning, rec.byAction("mfa_user_query_failed")[0].Status)
		completed := rec.byAction("mfa_check_completed")
		require.Len(t, completed, 1)
		assert.Equal(t, models.EvidencePartialSuccess, completed[0].Status)
		assert.Contains(t, completed[0].Details["userQueryError"], "mfa_factors")
	}
}

func TestMFAChecker_CompletedIsSuccessWhenUsersLoad(t *testing.T) {
	api := scenarioAPI()
	rec := &memRecorder{}
	c := NewMFAChecker(api, NewExecutor(api, rec), rec, nil)

	c.Check(context.Background(), "proj", "tok", "parent")

	completed := rec.byAction("mfa_check_completed")
	require.Len(t, completed, 1)
	assert.Equal(t, models.EvidenceSuccess, completed[0].Status)
	assert.NotContains(t, completed[0].Details, "userQueryError")
}

func TestMFAChecker_ConfigFailure(t *testing.T) {
	api := &fakeAPI{authErr: &supabase.APIError{Kind: supabase.ErrAuth, Op: supabase.OpGetAuthConfig, StatusCode: 401}}
	rec := &memRecorder{}
	c := NewMFAChecker(api, NewExecutor(api, rec), rec, nil)

	res := c.Check(context.Background(), "proj", "tok", "parent").(*models.MFACheckResult)

	assert.NotEmpty(t, res.Error)
	assert.Equal(t, models.ComplianceSummary{}, res.Summary)
	failed := rec.byAction("mfa_check_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "parent", failed[0].Details["parentCheckId"])
}

func TestRLSChecker_PoliciesDoNotAffectStatus(t *testing.T) {
	api := &fakeAPI{tablesJSON: `[
		{"schema":"public","name":"a","rls_enabled":true,"has_policies":false},
		{"schema":"public","name":"b","rls_enabled":false,"has_policies":true},
		{"schema":"public","name":"c","rls_enabled":"t","has_policies":"f"}
	]`}
	rec := &memRecorder{}
	c := NewRLSChecker(NewExecutor(api, rec), rec, nil)

	res := c.Check(context.Background(), "proj", "tok", "parent").(*models.RLSCheckResult)
	require.Len(t, res.Tables, 3)

	assert.Equal(t, models.CheckPass, res.Tables[0].Status)
	assert.False(t, res.Tables[0].HasPolicies)
	assert.Equal(t, models.CheckFail, res.Tables[1].Status)
	assert.True(t, res.Tables[1].HasPolicies)
	assert.Equal(t, models.CheckPass, res.Tables[2].Status)
	assert.Equal(t, models.ComplianceSummary{Total: 3, Passing: 2, Failing: 1}, res.Summary)
}

func TestRLSChecker_QueryFailureFailsCheck(t *testing.T) {
	api := &fakeAPI{tablesErr: errors.New("boom")}
	rec := &memRecorder{}
	c := NewRLSChecker(NewExecutor(api, rec), rec, nil)

	res := c.Check(context.Background(), "proj", "tok", "parent").(*models.RLSCheckResult)

	assert.Contains(t, res.Error, "boom")
	assert.Empty(t, res.Tables)
	assert.Len(t, rec.byAction("rls_check_failed"), 1)
}

func TestPITRChecker_StrictBoolean(t *testing.T) {
	tests := []struct {
		body   string
		want   bool
		status models.CheckStatus
	}{
		{`{"pitr_enabled":true}`, true, models.CheckPass},
		{`{"pitr_enabled":false}`, false, models.CheckFail},
		{`{"pitr_enabled":"true"}`, false, models.CheckFail},
		{`{"pitr_enabled":1}`, false, models.CheckFail},
		{`{}`, false, models.CheckFail},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			api := &fakeAPI{backupsJSON: tt.body}
			rec := &memRecorder{}
			c := NewPITRChecker(api, rec, nil)

			res := c.Check(context.Background(), "proj", "tok", "parent").(*models.PITRCheckResult)
			assert.Equal(t, tt.want, res.PITREnabled)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, 1, res.Summary.Total)
		})
	}
}

func TestPITRChecker_FetchFailure(t *testing.T) {
	api := &fakeAPI{backupsErr: &supabase.APIError{Kind: supabase.ErrUpstreamUnavailable, Op: supabase.OpGetBackups, StatusCode: 503}}
	rec := &memRecorder{}
	c := NewPITRChecker(api, rec, nil)

	res := c.Check(context.Background(), "proj", "tok", "parent").(*models.PITRCheckResult)

	assert.Equal(t, models.CheckError, res.Status)
	assert.Equal(t, 0, res.Summary.Total)
}

func TestService_ScenarioReport(t *testing.T) {
	rec := &memRecorder{}
	report := newService(scenarioAPI(), rec).Run(context.Background(), "proj", "tok")

	assert.Equal(t, models.ComplianceSummary{Total: 2, Passing: 1, Failing: 1}, report.Summary.MFA)
	assert.Equal(t, models.ComplianceSummary{Total: 3, Passing: 2, Failing: 1}, report.Summary.RLS)
	assert.Equal(t, models.ComplianceSummary{Total: 1, Passing: 0, Failing: 1}, report.Summary.PITR.ComplianceSummary)
	assert.Equal(t, models.CheckFail, report.Summary.OverallStatus)
	assert.True(t, report.MFA.MFAEnabledGlobally)

	root := rec.byAction("compliance_check_initiated")
	require.Len(t, root, 1)
	assert.Equal(t, root[0].ID, report.CheckID)
	for _, action := range []string{"mfa_check_initiated", "rls_check_initiated", "pitr_check_initiated"} {
		recs := rec.byAction(action)
		require.Len(t, recs, 1, action)
		assert.Equal(t, report.CheckID, recs[0].Details["parentCheckId"], action)
	}
	assert.Len(t, rec.byAction("compliance_check_completed"), 1)
}

func TestService_AllPassing(t *testing.T) {
	api := &fakeAPI{
		authJSON:    `{"mfa_enabled":true}`,
		backupsJSON: `{"pitr_enabled":true}`,
		usersJSON:   `[{"id":"u1","email":"a@example.com","has_mfa":true}]`,
		tablesJSON:  `[{"schema":"public","name":"t","rls_enabled":true,"has_policies":false}]`,
	}
	report := newService(api, &memRecorder{}).Run(context.Background(), "proj", "tok")

	assert.Equal(t, models.CheckPass, report.Summary.OverallStatus)
}

func TestService_FailuresAreIsolated(t *testing.T) {
	api := scenarioAPI()
	api.tablesErr = errors.New("catalog unavailable")
	api.backupsErr = errors.New("backups unavailable")

	report := newService(api, &memRecorder{}).Run(context.Background(), "proj", "tok")

	assert.Equal(t, models.ComplianceSummary{Total: 2, Passing: 1, Failing: 1}, report.Summary.MFA)
	assert.NotEmpty(t, report.RLS.Error)
	assert.Equal(t, models.CheckError, report.PITR.Status)
	assert.Equal(t, 0, report.Summary.PITR.Total)
	assert.Equal(t, models.CheckFail, report.Summary.OverallStatus)
}

type panickingChecker struct{}

func (panickingChecker) Category() models.Category { return models.CategoryRLS }

func (panickingChecker) Check(context.Context, string, string, string) models.CategoryResult {
	panic("nil map write")
}

func TestService_PanicDegradesOneCategory(t *testing.T) {
	api := scenarioAPI()
	rec := &memRecorder{}
	exec := NewExecutor(api, rec)
	svc := NewService([]Checker{
		NewMFAChecker(api, exec, rec, nil),
		panickingChecker{},
		NewPITRChecker(api, rec, nil),
	}, rec, nil, nil)

	report := svc.Run(context.Background(), "proj", "tok")

	assert.Contains(t, report.RLS.Error, "panicked")
	assert.Equal(t, 2, report.Summary.MFA.Total)
	assert.Equal(t, models.CheckFail, report.PITR.Status)
	assert.Len(t, rec.byAction("rls_check_failed"), 1)
}
