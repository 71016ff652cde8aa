package store

import (
	"encoding/json"
	"time"
)

// ServiceID builds the stable identifier for a service name.
func ServiceID(name string) string { return "service:" + name }

// ToolID builds the stable identifier for a tool within a service.
func ToolID(serviceName, toolName string) string {
	return "tool:" + serviceName + "/" + toolName
}

// TransportSpec is the persisted transport descriptor for a service:
// either a spawn spec or a remote spec, mirroring the config entry.
type TransportSpec struct {
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	AutoApprove   []string          `json:"autoApprove,omitempty"`
	DisabledTools []string          `json:"disabledTools,omitempty"`
}

// ServiceRecord is a row of the service table.
type ServiceRecord struct {
	ID        string
	Name      string
	Title     string
	Version   string
	Transport TransportSpec
	Disabled  bool
}

// ToolRecord is a row of the tool table. (ServiceID, Name) is unique.
type ToolRecord struct {
	ID           string
	ServiceID    string
	ServiceName  string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	InputTy      string
	OutputTy     string
	ContentHash  string
	UsageCount   int64
}

// ToolSimilarity pairs a tool with its cosine similarity to a query.
type ToolSimilarity struct {
	Tool       ToolRecord
	Similarity float64
}

// RuleRecord is a row of the symbolic_rule table. Antecedents and
// consequents are stored as JSON-encoded expression lists and decoded by
// the symbolic package.
type RuleRecord struct {
	ID          string
	Name        string
	Description string
	Antecedents json.RawMessage
	Consequents json.RawMessage
	Confidence  float64
	Priority    int
	Active      bool
}

// UserRecord is a row of the user table.
type UserRecord struct {
	ID          string
	ExternalID  string
	Provider    string
	Email       string
	DisplayName string
	Active      bool
}

// Preferences is a row of the user_preferences table.
type Preferences struct {
	UserID                    string
	DefaultApprovalMode       string
	TrustedServices           []string
	BlockedServices           []string
	ElicitationTimeoutSeconds int
	RememberDecisions         bool
	NotifyOnApproval          bool
	NotifyOnCompletion        bool
}

// DefaultPreferences returns the lazily-materialized defaults.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:                    userID,
		DefaultApprovalMode:       "prompt",
		TrustedServices:           []string{},
		BlockedServices:           []string{},
		ElicitationTimeoutSeconds: 300,
		RememberDecisions:         true,
		NotifyOnApproval:          true,
	}
}

// Permission statuses and scopes.
const (
	PermGranted  = "granted"
	PermDenied   = "denied"
	PermRequired = "required"
	PermExpired  = "expired"

	ScopeOneShot    = "one_shot"
	ScopePersistent = "persistent"
)

// PermissionRecord is a row of the permission table. Tool is empty for
// service-wide permissions.
type PermissionRecord struct {
	ID        string
	UserID    string
	Service   string
	Tool      string
	Status    string
	Scope     string
	ExpiresAt *time.Time
}

// Live reports whether the permission currently authorizes a call.
func (p *PermissionRecord) Live(now time.Time) bool {
	if p.Status != PermGranted {
		return false
	}
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return false
	}
	return true
}

// APIKeyRecord is a row of the api_key table. The full key is never
// stored; only its SHA-256 and display prefix.
type APIKeyRecord struct {
	Prefix    string
	KeyHash   string
	UserID    string
	Name      string
	Active    bool
	ExpiresAt *time.Time
	Scopes    []string
}

// Audit action vocabulary (closed set).
const (
	AuditLogin                = "login"
	AuditToolExecuted         = "tool_executed"
	AuditPermissionGranted    = "permission_granted"
	AuditPermissionDenied     = "permission_denied"
	AuditPermissionRevoked    = "permission_revoked"
	AuditElicitationRequested = "elicitation_requested"
	AuditElicitationCompleted = "elicitation_completed"
	AuditOAuthStarted         = "oauth_started"
	AuditOAuthCompleted       = "oauth_completed"
	AuditPreferencesUpdated   = "preferences_updated"
)

// AuditEntry is a row of the audit_log table.
type AuditEntry struct {
	UserID    string
	Action    string
	Resource  string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// CompatibilityRecord is a row of tool_compatibility: output of from_tool
// can feed input of to_tool with the given confidence.
type CompatibilityRecord struct {
	FromTool   string
	ToTool     string
	Confidence float64
}
