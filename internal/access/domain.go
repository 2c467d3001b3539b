package access

import (
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleUser    Role = "user"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleStaff, RoleViewer, RoleAnalyst, RoleUser}
}

// ParseRole normalises a stored role value. Unknown values map to RoleUser.
func ParseRole(raw string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Roles() {
		if role == known {
			return role
		}
	}
	return RoleUser
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// PageID identifies a navigable section of the back office.
type PageID string

const (
	PageDashboard    PageID = "dashboard"
	PageTracker      PageID = "tracker"
	PageTickets      PageID = "tickets"
	PageReports      PageID = "reports"
	PageUsers        PageID = "users"
	PageSettings     PageID = "settings"
	PageSystemStatus PageID = "system-status"
)

// Pages lists every known page in navigation order.
func Pages() []PageID {
	return []PageID{PageDashboard, PageTracker, PageTickets, PageReports, PageUsers, PageSettings, PageSystemStatus}
}

// Valid reports whether p belongs to the closed page set.
func (p PageID) Valid() bool {
	for _, known := range Pages() {
		if p == known {
			return true
		}
	}
	return false
}

// Identity is the opaque user key issued by the authentication provider.
type Identity string

// AuthRecord is what the authentication provider knows about the current user.
type AuthRecord struct {
	Identity Identity
	Email    string
	Name     string
}

// DerivedName returns a display name when no profile row exists.
func (a AuthRecord) DerivedName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if at := strings.Index(a.Email, "@"); at > 0 {
		return a.Email[:at]
	}
	if a.Email != "" {
		return a.Email
	}
	return string(a.Identity)
}

// UserProfile is the persisted account profile.
type UserProfile struct {
	Identity    Identity  `json:"identity"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// PageAccessEntry holds the four flags for one page.
type PageAccessEntry struct {
	Page      PageID `json:"page"`
	CanView   bool   `json:"can_view"`
	CanEdit   bool   `json:"can_edit"`
	CanDelete bool   `json:"can_delete"`
	CanCreate bool   `json:"can_create"`
}

// Capability names a page-independent permission.
type Capability string

const (
	CapExportData      Capability = "export_data"
	CapImportData      Capability = "import_data"
	CapManageUsers     Capability = "manage_users"
	CapViewReports     Capability = "view_reports"
	CapManageSettings  Capability = "manage_settings"
	CapApproveRequests Capability = "approve_requests"
	CapBulkOperations  Capability = "bulk_operations"
)

// CapabilityFlags is the per-identity capability record.
type CapabilityFlags struct {
	CanExportData      bool `json:"can_export_data"`
	CanImportData      bool `json:"can_import_data"`
	CanManageUsers     bool `json:"can_manage_users"`
	CanViewReports     bool `json:"can_view_reports"`
	CanManageSettings  bool `json:"can_manage_settings"`
	CanApproveRequests bool `json:"can_approve_requests"`
	CanBulkOperations  bool `json:"can_bulk_operations"`
}

// Has reports the flag for the named capability.
func (c CapabilityFlags) Has(capability Capability) bool {
	switch capability {
	case CapExportData:
		return c.CanExportData
	case CapImportData:
		return c.CanImportData
	case CapManageUsers:
		return c.CanManageUsers
	case CapViewReports:
		return c.CanViewReports
	case CapManageSettings:
		return c.CanManageSettings
	case CapApproveRequests:
		return c.CanApproveRequests
	case CapBulkOperations:
		return c.CanBulkOperations
	default:
		return false
	}
}

// Bundle is the complete permission set for one identity.
type Bundle struct {
	PageAccess   []PageAccessEntry `json:"page_access"`
	Capabilities CapabilityFlags   `json:"capabilities"`
}

// ResolvedProfile is the session-scoped view of a user's access. It is rebuilt
// wholesale by the resolver and never patched in place.
type ResolvedProfile struct {
	Profile      UserProfile                `json:"profile"`
	Pages        map[PageID]PageAccessEntry `json:"pages"`
	Capabilities CapabilityFlags            `json:"capabilities"`
	IsAdmin      bool                       `json:"is_admin"`
	ResolvedAt   time.Time                  `json:"resolved_at"`
}

// Identity returns the identity of the resolved user.
func (p *ResolvedProfile) Identity() Identity {
	if p == nil {
		return ""
	}
	return p.Profile.Identity
}

// Role returns the resolved role, RoleUser for a nil profile.
func (p *ResolvedProfile) Role() Role {
	if p == nil {
		return RoleUser
	}
	return p.Profile.Role
}

func newResolvedProfile(profile UserProfile, entries []PageAccessEntry, caps CapabilityFlags, at time.Time) *ResolvedProfile {
	pages := make(map[PageID]PageAccessEntry, len(entries))
	for _, entry := range entries {
		pages[entry.Page] = entry
	}
	return &ResolvedProfile{
		Profile:      profile,
		Pages:        pages,
		Capabilities: caps,
		IsAdmin:      profile.Role == RoleAdmin,
		ResolvedAt:   at,
	}
}

// Clone returns a deep copy so callers sharing a resolution never alias maps.
func (p *ResolvedProfile) Clone() *ResolvedProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.Pages = make(map[PageID]PageAccessEntry, len(p.Pages))
	for page, entry := range p.Pages {
		out.Pages[page] = entry
	}
	return &out
}

// FromBundle builds a resolved profile from a complete bundle, such as role
// defaults or a bundle an administrator just saved.
func FromBundle(profile UserProfile, bundle Bundle, at time.Time) *ResolvedProfile {
	profile.Role = ParseRole(string(profile.Role))
	return newResolvedProfile(profile, bundle.PageAccess, bundle.Capabilities, at)
}
