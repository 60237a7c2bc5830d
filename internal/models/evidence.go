package models

import "time"

type EvidenceStatus string

const (
	EvidenceInfo           EvidenceStatus = "info"
	EvidenceSuccess        EvidenceStatus = "success"
	EvidenceWarning        EvidenceStatus = "warning"
	EvidenceError          EvidenceStatus = "error"
	EvidencePartialSuccess EvidenceStatus = "partial_success"
	EvidenceFailure        EvidenceStatus = "failure"
)

// EvidenceRecord is one immutable entry of the audit trail. Details may carry
// back-references (parentCheckId, parentFixId, <category>FixId, attemptId)
// to earlier records of the same project.
type EvidenceRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	Status     EvidenceStatus `json:"status"`
	Details    map[string]any `json:"details"`
	ProjectRef *string        `json:"projectRef"`
}

// Ref returns the project reference or "" for global records.
func (r EvidenceRecord) Ref() string {
	if r.ProjectRef == nil {
		return ""
	}
	return *r.ProjectRef
}
