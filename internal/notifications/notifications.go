package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyComplianceFailure NotificationType = "compliance_failure"
	NotifyFixCompleted      NotificationType = "fix_completed"
	NotifyMonitorFailed     NotificationType = "monitor_failed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  Severity
	Fields    []SlackField
	Timestamp time.Time
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity Severity
}

// Service delivers notifications to a Slack incoming webhook.
type Service struct {
	config SlackConfig
	logger *zap.Logger
	client *http.Client
}

func NewService(config SlackConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Username == "" {
		config.Username = "sbcompliance"
	}

	return &Service{
		config: config,
		logger: logger.Named("notifications"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Service) Enabled() bool {
	return s != nil && s.config.Enabled && s.config.WebhookURL != ""
}

// Send posts notif unless the service is disabled or notif is below the
// configured minimum severity.
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	if !s.Enabled() || !s.shouldNotify(notif.Severity) {
		return nil
	}
	if err := s.sendSlack(ctx, notif); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func (s *Service) shouldNotify(actual Severity) bool {
	if s.config.MinSeverity == "" {
		return true
	}
	return severityOrder[actual] >= severityOrder[s.config.MinSeverity]
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	msg := SlackMessage{
		Channel:   s.config.Channel,
		Username:  s.config.Username,
		IconEmoji: s.config.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    notif.Fields,
				Footer:    "Supabase Compliance Monitor",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		zap.String("type", string(notif.Type)),
		zap.String("title", notif.Title))
	return nil
}

func severityToColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#dc3545"
	case SeverityWarning:
		return "#ffc107"
	default:
		return "#36a64f"
	}
}

// NotifyComplianceFailure reports a failing compliance check. Passing
// reports are ignored.
func (s *Service) NotifyComplianceFailure(ctx context.Context, report *models.ComplianceReport) error {
	if report == nil || report.Summary.OverallStatus == models.CheckPass {
		return nil
	}

	sum := report.Summary
	notif := &Notification{
		Type:     NotifyComplianceFailure,
		Title:    "Compliance Check Failed",
		Message:  fmt.Sprintf("Project %s is not compliant", report.ProjectRef),
		Severity: SeverityCritical,
		Fields: []SlackField{
			{Title: "Project", Value: report.ProjectRef, Short: true},
			{Title: "Check ID", Value: report.CheckID, Short: true},
			{Title: "MFA", Value: fmt.Sprintf("%d/%d users passing", sum.MFA.Passing, sum.MFA.Total), Short: true},
			{Title: "RLS", Value: fmt.Sprintf("%d/%d tables passing", sum.RLS.Passing, sum.RLS.Total), Short: true},
			{Title: "PITR", Value: string(sum.PITR.Status), Short: true},
		},
		Timestamp: report.Timestamp,
	}
	return s.Send(ctx, notif)
}

// NotifyFixCompleted reports the outcome of an automatic fix.
func (s *Service) NotifyFixCompleted(ctx context.Context, result *models.FixResult) error {
	if result == nil {
		return nil
	}

	severity := SeverityInfo
	title := "Compliance Fix Applied"
	if !result.Success {
		severity = SeverityWarning
		title = "Compliance Fix Incomplete"
	}
	notif := &Notification{
		Type:     NotifyFixCompleted,
		Title:    title,
		Message:  fmt.Sprintf("Fix %s finished for project %s", result.FixID, result.ProjectRef),
		Severity: severity,
		Fields: []SlackField{
			{Title: "MFA", Value: string(result.Summary.MFA), Short: true},
			{Title: "RLS", Value: string(result.Summary.RLS), Short: true},
			{Title: "PITR", Value: string(result.Summary.PITR), Short: true},
		},
		Timestamp: result.Timestamp,
	}
	return s.Send(ctx, notif)
}

// NotifyMonitorFailed reports a scheduled run that could not check a project.
func (s *Service) NotifyMonitorFailed(ctx context.Context, projectRef string, err error) error {
	notif := &Notification{
		Type:     NotifyMonitorFailed,
		Title:    "Scheduled Compliance Check Failed",
		Message:  fmt.Sprintf("Scheduled check failed for project %s: %s", projectRef, err.Error()),
		Severity: SeverityWarning,
		Fields: []SlackField{
			{Title: "Project", Value: projectRef, Short: true},
		},
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}
