package users

import (
	"time"

	"github.com/permitdesk/permitdesk/internal/access"
)

// User represents a user account for management.
type User struct {
	Identity  access.Identity `json:"identity"`
	Email     string          `json:"email"`
	Name      string          `json:"name"`
	Role      access.Role     `json:"role"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Detail is one account together with its stored permission bundle.
type Detail struct {
	User         User                     `json:"user"`
	PageAccess   []access.PageAccessEntry `json:"page_access"`
	Capabilities access.CapabilityFlags   `json:"capabilities"`
	// Seeded is false until the account's first login stores defaults.
	Seeded bool `json:"seeded"`
}
