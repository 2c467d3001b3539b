package auth

import (
	"errors"
	"time"

	"github.com/permitdesk/permitdesk/internal/access"
)

// ErrAccountNotFound indicates no account matches the lookup.
var ErrAccountNotFound = errors.New("auth: account not found")

// Account represents a user that can sign in.
type Account struct {
	Identity     access.Identity
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Record converts the account into what the resolver knows about the user.
func (a Account) Record() access.AuthRecord {
	return access.AuthRecord{Identity: a.Identity, Email: a.Email, Name: a.Name}
}
