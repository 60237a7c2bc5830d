package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/sbcompliance/internal/models"
)

type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func newWebhook(t *testing.T, status int) (*webhook, *httptest.Server) {
	t.Helper()
	h := &webhook{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
			h.mu.Lock()
			h.messages = append(h.messages, msg)
			h.mu.Unlock()
		}
		w.WriteHeader(h.status)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func failingReport() *models.ComplianceReport {
	r := &models.ComplianceReport{
		ProjectRef: "abcd",
		CheckID:    "chk-1",
		Timestamp:  time.Now(),
		MFA:        &models.MFACheckResult{Summary: models.ComplianceSummary{Total: 2, Passing: 1, Failing: 1}},
		RLS:        &models.RLSCheckResult{},
		PITR:       &models.PITRCheckResult{Status: models.CheckPass, Summary: models.ComplianceSummary{Total: 1, Passing: 1}},
	}
	r.Summarize()
	return r
}

func TestNotifyComplianceFailure(t *testing.T) {
	hook, srv := newWebhook(t, http.StatusOK)
	svc := NewService(SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#compliance"}, nil)

	require.NoError(t, svc.NotifyComplianceFailure(context.Background(), failingReport()))

	require.Len(t, hook.messages, 1)
	msg := hook.messages[0]
	assert.Equal(t, "#compliance", msg.Channel)
	assert.Equal(t, "sbcompliance", msg.Username)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Compliance Check Failed", msg.Attachments[0].Title)
	assert.Equal(t, "#dc3545", msg.Attachments[0].Color)
	assert.Contains(t, msg.Attachments[0].Fields, SlackField{Title: "MFA", Value: "1/2 users passing", Short: true})
}

func TestNotifyComplianceFailure_PassingReportIgnored(t *testing.T) {
	hook, srv := newWebhook(t, http.StatusOK)
	svc := NewService(SlackConfig{Enabled: true, WebhookURL: srv.URL}, nil)

	r := failingReport()
	r.MFA.Summary = models.ComplianceSummary{Total: 2, Passing: 2}
	r.Summarize()

	require.NoError(t, svc.NotifyComplianceFailure(context.Background(), r))
	assert.Empty(t, hook.messages)
}

func TestSend_DisabledAndSeverityFilter(t *testing.T) {
	hook, srv := newWebhook(t, http.StatusOK)

	disabled := NewService(SlackConfig{WebhookURL: srv.URL}, nil)
	require.NoError(t, disabled.NotifyMonitorFailed(context.Background(), "abcd", errors.New("boom")))

	filtered := NewService(SlackConfig{Enabled: true, WebhookURL: srv.URL, MinSeverity: SeverityCritical}, nil)
	require.NoError(t, filtered.NotifyMonitorFailed(context.Background(), "abcd", errors.New("boom")))

	assert.Empty(t, hook.messages)
}

func TestSend_WebhookError(t *testing.T) {
	_, srv := newWebhook(t, http.StatusInternalServerError)
	svc := NewService(SlackConfig{Enabled: true, WebhookURL: srv.URL}, nil)

	err := svc.NotifyFixCompleted(context.Background(), &models.FixResult{ProjectRef: "abcd", FixID: "fix-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack returned status 500")
}

func TestNilServiceIsDisabled(t *testing.T) {
	var svc *Service
	assert.False(t, svc.Enabled())
}
