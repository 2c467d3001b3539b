package access

type pageRule struct {
	view   []PageID
	edit   []PageID
	delete []PageID
}

var basicPages = []PageID{PageDashboard, PageTracker, PageTickets, PageReports}

var pageRules = map[Role]pageRule{
	RoleAdmin: {
		view:   Pages(),
		edit:   Pages(),
		delete: Pages(),
	},
	RoleManager: {
		view: []PageID{PageDashboard, PageTracker, PageTickets, PageReports, PageUsers, PageSettings},
		edit: []PageID{PageDashboard, PageTracker, PageTickets, PageReports},
	},
	RoleStaff: {
		view: basicPages,
		edit: []PageID{PageTracker, PageTickets},
	},
	RoleViewer: {
		view: basicPages,
	},
	RoleAnalyst: {
		view: basicPages,
	},
	RoleUser: {
		view: []PageID{PageDashboard, PageTracker, PageTickets},
		edit: []PageID{PageTickets},
	},
}

var capabilityRules = map[Role]CapabilityFlags{
	RoleAdmin: {
		CanExportData:      true,
		CanImportData:      true,
		CanManageUsers:     true,
		CanViewReports:     true,
		CanManageSettings:  true,
		CanApproveRequests: true,
		CanBulkOperations:  true,
	},
	RoleManager: {
		CanExportData:      true,
		CanViewReports:     true,
		CanApproveRequests: true,
	},
	RoleStaff:   {},
	RoleViewer:  {CanViewReports: true},
	RoleAnalyst: {CanExportData: true, CanViewReports: true},
	RoleUser:    {},
}

// DefaultsFor returns the permission bundle a fresh account of the given role
// receives. Every page is present with all four flags set explicitly. Roles
// outside the closed set get the RoleUser bundle.
func DefaultsFor(role Role) Bundle {
	if !role.Valid() {
		role = RoleUser
	}
	rule := pageRules[role]
	entries := make([]PageAccessEntry, 0, len(Pages()))
	for _, page := range Pages() {
		editable := containsPage(rule.edit, page)
		entries = append(entries, PageAccessEntry{
			Page:      page,
			CanView:   containsPage(rule.view, page),
			CanEdit:   editable,
			CanCreate: editable,
			CanDelete: containsPage(rule.delete, page),
		})
	}
	return Bundle{PageAccess: entries, Capabilities: capabilityRules[role]}
}

// defaultEntry returns the role default for a single page.
func defaultEntry(role Role, page PageID) (PageAccessEntry, bool) {
	for _, entry := range DefaultsFor(role).PageAccess {
		if entry.Page == page {
			return entry, true
		}
	}
	return PageAccessEntry{Page: page}, false
}

func containsPage(pages []PageID, page PageID) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}
