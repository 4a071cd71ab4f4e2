// Package token issues and decodes session tokens.
//
// A token is the string "<role>_token_<userID>". It is not signed and does not
// expire: whoever holds the string holds the session. The role is fixed at
// issuance, so an admin token keeps authorizing admin calls even after the
// account it was issued for has been deleted.
package token

import (
	"strings"

	"github.com/christopherjohns/chatguard/internal/apperr"
)

// Role is the privilege level carried by a token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const marker = "_token_"

// Claims is the decoded content of a session token.
type Claims struct {
	Role   Role
	UserID string
}

// IsAdmin reports whether the claims carry the admin role.
func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// Issue returns the token for userID with the given role.
func Issue(role Role, userID string) string {
	return string(role) + marker + userID
}

// Decode parses raw, accepting an optional "Bearer " prefix. It fails with an
// auth error when the token is empty or malformed.
func Decode(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return Claims{}, apperr.Auth("missing session token")
	}

	prefix, userID, ok := strings.Cut(raw, marker)
	if !ok || userID == "" {
		return Claims{}, apperr.Auth("malformed session token")
	}

	switch Role(prefix) {
	case RoleUser, RoleAdmin:
		return Claims{Role: Role(prefix), UserID: userID}, nil
	default:
		return Claims{}, apperr.Auth("unknown token role")
	}
}

// RequireAdmin decodes raw and fails with a forbidden error unless the token
// carries the admin role. No registry lookup is made.
func RequireAdmin(raw string) (Claims, error) {
	claims, err := Decode(raw)
	if err != nil {
		return Claims{}, err
	}
	if !claims.IsAdmin() {
		return Claims{}, apperr.Forbidden("admin access required")
	}
	return claims, nil
}
