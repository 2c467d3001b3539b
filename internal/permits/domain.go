package permits

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Status is the closed set of permit states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusUploaded Status = "uploaded"
)

// Statuses lists every status in workflow order.
func Statuses() []Status {
	return []Status{StatusPending, StatusApproved, StatusRejected, StatusUploaded}
}

// ParseStatus normalises raw input into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Label is the human readable form used in history entries, e.g. "Approved".
// Casers carry state, so each call builds its own.
func (s Status) Label() string {
	return cases.Title(language.English).String(string(s))
}

// Permit is a guest permit tracked through the upload workflow.
type Permit struct {
	ID            uuid.UUID `json:"id"`
	Code          string    `json:"permit_code"`
	GuestName     string    `json:"guest_name"`
	ArrivalDate   time.Time `json:"arrival_date"`
	DepartureDate time.Time `json:"departure_date"`
	Status        Status    `json:"status"`
	Uploaded      bool      `json:"uploaded"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	UpdatedBy     string    `json:"updated_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateInput is one manually entered or bulk imported permit.
type CreateInput struct {
	Code          string    `json:"permit_code" validate:"required,max=64"`
	GuestName     string    `json:"guest_name" validate:"required,max=200"`
	ArrivalDate   time.Time `json:"arrival_date" validate:"required"`
	DepartureDate time.Time `json:"departure_date" validate:"required,gtefield=ArrivalDate"`
	Status        Status    `json:"status" validate:"omitempty,oneof=pending approved rejected uploaded"`
}

// ListFilters narrows permit listings.
type ListFilters struct {
	Status Status
	Search string
	Limit  int
	Offset int
}

// StatusUpdate carries the fields a transition writes. From is the status
// the transition was validated against; the write only applies while the
// stored row still holds it.
type StatusUpdate struct {
	ID        uuid.UUID
	From      Status
	Status    Status
	Uploaded  bool
	UpdatedAt time.Time
	UpdatedBy string
}

// BatchResult reports the outcome of a bulk import.
type BatchResult struct {
	Created []Permit `json:"created"`
	Skipped []string `json:"skipped"`
}
