package supabase

import (
	"bytes"
	"encoding/json"
)

// Flag is a boolean that is true only when the upstream JSON value is the
// literal true. Strings, numbers, null or a missing field decode to false and
// never fail the surrounding document.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	*f = Flag(bytes.Equal(bytes.TrimSpace(data), []byte("true")))
	return nil
}

type Project struct {
	ID             string `json:"id"`
	Ref            string `json:"ref,omitempty"`
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
	Region         string `json:"region"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// AuthConfig is the subset of GET /projects/{ref}/config/auth the MFA
// check reads.
type AuthConfig struct {
	SMSProvider        string `json:"sms_provider"`
	MFAEnabled         Flag   `json:"mfa_enabled"`
	MFARequired        Flag   `json:"mfa_required"`
	ExternalMFAEnabled Flag   `json:"external_mfa_enabled"`
}

type AuthConfigUpdate struct {
	MFAEnabled  *bool `json:"mfa_enabled,omitempty"`
	MFARequired *bool `json:"mfa_required,omitempty"`
}

// BackupConfig is the subset of GET /projects/{ref}/database/backups the
// PITR check reads.
type BackupConfig struct {
	Region      string `json:"region"`
	WALGEnabled Flag   `json:"walg_enabled"`
	PITREnabled Flag   `json:"pitr_enabled"`
}

type backupUpdate struct {
	PITREnabled bool `json:"pitr_enabled"`
}

type queryRequest struct {
	Query string `json:"query"`
}

// QueryResult is the undecoded payload of the SQL endpoint. Its shape varies
// between a flat row array and an array of result sets.
type QueryResult = json.RawMessage
