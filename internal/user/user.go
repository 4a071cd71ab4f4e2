package user

import (
	"strings"
	"time"

	"github.com/christopherjohns/chatguard/internal/token"
)

// User is a registered account, keyed by its normalized username.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	SourceIP    string    `json:"sourceIp,omitempty"`
}

// Role returns the token role granted to u.
func (u User) Role() token.Role {
	if u.IsAdmin {
		return token.RoleAdmin
	}
	return token.RoleUser
}

// Public returns the view of u that is safe to hand to clients.
func (u User) Public() PublicUser {
	return PublicUser{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		IsAdmin:     u.IsAdmin,
	}
}

// PublicUser is the client-facing user view.
type PublicUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	IsAdmin     bool   `json:"isAdmin"`
}

// Normalize returns the uniqueness key for a username.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
