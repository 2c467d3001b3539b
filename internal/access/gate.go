package access

// PageAction selects one of the four page flags.
type PageAction string

const (
	ActionView   PageAction = "view"
	ActionEdit   PageAction = "edit"
	ActionCreate PageAction = "create"
	ActionDelete PageAction = "delete"
)

// CanViewPage reports whether the profile may open the page.
func CanViewPage(profile *ResolvedProfile, page PageID) bool {
	return Allowed(profile, page, ActionView)
}

// CanEditPage reports whether the profile may modify records on the page.
func CanEditPage(profile *ResolvedProfile, page PageID) bool {
	return Allowed(profile, page, ActionEdit)
}

// CanCreateOnPage reports whether the profile may create records on the page.
func CanCreateOnPage(profile *ResolvedProfile, page PageID) bool {
	return Allowed(profile, page, ActionCreate)
}

// CanDeleteOnPage reports whether the profile may delete records on the page.
func CanDeleteOnPage(profile *ResolvedProfile, page PageID) bool {
	return Allowed(profile, page, ActionDelete)
}

// Allowed evaluates a page action. Admins pass unconditionally. A page missing
// from the resolved map falls back to the role default, never to true. A nil
// profile (logged out) is denied everything.
func Allowed(profile *ResolvedProfile, page PageID, action PageAction) bool {
	if profile == nil {
		return false
	}
	if profile.IsAdmin || profile.Profile.Role == RoleAdmin {
		return true
	}
	entry, ok := profile.Pages[page]
	if !ok {
		entry, _ = defaultEntry(profile.Profile.Role, page)
	}
	switch action {
	case ActionView:
		return entry.CanView
	case ActionEdit:
		return entry.CanEdit
	case ActionCreate:
		return entry.CanCreate
	case ActionDelete:
		return entry.CanDelete
	default:
		return false
	}
}

// HasCapability reports a capability flag, with the admin bypass applied.
func HasCapability(profile *ResolvedProfile, capability Capability) bool {
	if profile == nil {
		return false
	}
	if profile.IsAdmin || profile.Profile.Role == RoleAdmin {
		return true
	}
	return profile.Capabilities.Has(capability)
}

// VisiblePages returns the pages the profile may view, in navigation order.
func VisiblePages(profile *ResolvedProfile) []PageID {
	var pages []PageID
	for _, page := range Pages() {
		if CanViewPage(profile, page) {
			pages = append(pages, page)
		}
	}
	return pages
}
