package audit

import (
	"time"

	"github.com/google/uuid"
)

// SubjectKind selects the sink a history entry is written to.
type SubjectKind string

const (
	SubjectPermit SubjectKind = "permit"
	SubjectUser   SubjectKind = "user"
)

// Subject identifies what a history entry is about.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// PermitSubject returns the subject for a permit id.
func PermitSubject(id uuid.UUID) Subject {
	return Subject{Kind: SubjectPermit, ID: id.String()}
}

// UserSubject returns the subject for a user identity.
func UserSubject(identity string) Subject {
	return Subject{Kind: SubjectUser, ID: identity}
}

// Well known actions. Permit transitions use free text ("Status updated to Approved").
const (
	ActionLogin         = "login"
	ActionLoginFailed   = "login_failed"
	ActionLogout        = "logout"
	ActionPermitCreated = "Permit created"
	ActionRoleChanged   = "role_changed"
	ActionAccessChanged = "access_changed"
	ActionCapsChanged   = "capabilities_changed"
)

// Entry is one immutable history record.
type Entry struct {
	ID       uuid.UUID      `json:"id"`
	Subject  Subject        `json:"subject"`
	Action   string         `json:"action"`
	Actor    string         `json:"actor"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TimelineFilters narrows a timeline query. Zero values disable a filter.
type TimelineFilters struct {
	Kind      SubjectKind
	SubjectID string
	From      time.Time
	To        time.Time
	Actor     string
	Action    string
	Page      int
	PageSize  int
}

// PagingInfo holds simple page metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
