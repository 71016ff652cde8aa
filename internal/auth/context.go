// Package auth authenticates HTTP callers: Bearer JWTs against a JWKS
// endpoint, static or database-backed API keys, and (optionally)
// anonymous access.
package auth

// UserContext identifies the authenticated caller for filtering,
// permissions, and audit.
type UserContext struct {
	UserID      string
	ExternalID  string
	Provider    string
	Email       string
	DisplayName string
	Anonymous   bool
}

// Anonymous is the context used when anonymous access is allowed.
func Anonymous() *UserContext {
	return &UserContext{Provider: "anonymous", Anonymous: true}
}
