package auth

import (
	"errors"
	"time"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read field values, download configuration and open
	// sync sessions.
	RoleViewer Role = "viewer"

	// RoleEditor can also write fields, submit configuration edits and
	// rename units.
	RoleEditor Role = "editor"

	// RoleInstaller can also include, exclude and reset, run extension
	// commands, supply configuration and manage tokens.
	RoleInstaller Role = "installer"
)

// ValidRoles is the set of valid roles, least privileged first.
var ValidRoles = []Role{RoleViewer, RoleEditor, RoleInstaller}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// EditorToken is the stored record of an issued token. The signed token
// itself is never stored.
type EditorToken struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the token is neither revoked nor expired at now.
func (t *EditorToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Sentinel errors for auth operations.
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenUnknown = errors.New("token not found")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")
)
