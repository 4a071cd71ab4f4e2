// Package session resolves bearer tokens into the principals acting on rooms.
package session

import (
	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/ban"
	"github.com/christopherjohns/chatguard/internal/token"
	"github.com/christopherjohns/chatguard/internal/user"
)

// Principal is the identity behind a token.
type Principal struct {
	UserID   string
	Username string
	Role     token.Role
}

// Users looks accounts up by id.
type Users interface {
	GetByID(id string) (user.User, bool)
}

// Bans answers ban queries by username and by the id of a deleted account.
type Bans interface {
	IsBanned(username string) bool
	GetByUserID(userID string) (ban.Record, bool)
}

// Authenticator resolves tokens against the registry and the ban ledger.
type Authenticator struct {
	users Users
	bans  Bans
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(users Users, bans Bans) *Authenticator {
	return &Authenticator{users: users, bans: bans}
}

// Authenticate decodes raw and resolves its username.
//
// A ban deletes the account only after the ban record is in place, so a
// token whose account is gone is checked against the ledger by user id: if
// the ban is found the result is a banned error carrying the principal,
// otherwise the session is simply stale.
func (a *Authenticator) Authenticate(raw string) (Principal, error) {
	claims, err := token.Decode(raw)
	if err != nil {
		return Principal{}, err
	}

	if u, ok := a.users.GetByID(claims.UserID); ok {
		p := Principal{UserID: u.ID, Username: u.Username, Role: claims.Role}
		if a.bans.IsBanned(u.Username) {
			return p, apperr.Banned("You are banned")
		}
		return p, nil
	}

	if rec, ok := a.bans.GetByUserID(claims.UserID); ok {
		p := Principal{UserID: claims.UserID, Username: rec.Username, Role: claims.Role}
		return p, apperr.Banned("You are banned")
	}
	return Principal{}, apperr.Auth("Session no longer valid")
}
