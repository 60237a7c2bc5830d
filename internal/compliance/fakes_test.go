package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

type fakeAPI struct {
	authJSON    string
	authErr     error
	backupsJSON string
	backupsErr  error
	usersJSON   string
	usersErr    error
	tablesJSON  string
	tablesErr   error

	mu      sync.Mutex
	queries []string
}

func (f *fakeAPI) GetAuthConfig(ctx context.Context, credential, projectRef string) (*supabase.AuthConfig, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	var cfg supabase.AuthConfig
	if err := json.Unmarshal([]byte(f.authJSON), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (f *fakeAPI) GetBackups(ctx context.Context, credential, projectRef string) (*supabase.BackupConfig, error) {
	if f.backupsErr != nil {
		return nil, f.backupsErr
	}
	var cfg supabase.BackupConfig
	if err := json.Unmarshal([]byte(f.backupsJSON), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (f *fakeAPI) RunQuery(ctx context.Context, credential, projectRef, sql string) (supabase.QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	f.mu.Unlock()

	switch {
	case strings.Contains(sql, "auth.mfa_factors"):
		if f.usersErr != nil {
			return nil, f.usersErr
		}
		return supabase.QueryResult(f.usersJSON), nil
	case strings.Contains(sql, "pg_tables"):
		if f.tablesErr != nil {
			return nil, f.tablesErr
		}
		return supabase.QueryResult(f.tablesJSON), nil
	}
	return supabase.QueryResult(`[]`), nil
}

type memRecorder struct {
	mu      sync.Mutex
	n       int
	records []models.EvidenceRecord
}

func (m *memRecorder) Record(ctx context.Context, action string, status models.EvidenceStatus, details map[string]any, projectRef string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	id := fmt.Sprintf("ev-%d", m.n)
	ref := projectRef
	m.records = append(m.records, models.EvidenceRecord{ID: id, Action: action, Status: status, Details: details, ProjectRef: &ref})
	return id
}

func (m *memRecorder) byAction(action string) []models.EvidenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvidenceRecord
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// scenarioAPI is a project with two users (one with MFA), three tables (one
// without RLS) and PITR disabled.
func scenarioAPI() *fakeAPI {
	return &fakeAPI{
		authJSON:    `{"sms_provider":"twilio","mfa_enabled":false}`,
		backupsJSON: `{"region":"us-east-1","pitr_enabled":false}`,
		usersJSON: `[
			{"id":"u1","email":"a@example.com","has_mfa":true},
			{"id":"u2","email":"b@example.com","has_mfa":false}
		]`,
		tablesJSON: `[
			{"schema":"public","name":"orders","rls_enabled":true,"has_policies":true},
			{"schema":"public","name":"profiles","rls_enabled":true,"has_policies":false},
			{"schema":"public","name":"audit","rls_enabled":false,"has_policies":false}
		]`,
	}
}
