package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, identity access.Identity) (User, error)
	UpdateRole(ctx context.Context, identity access.Identity, role access.Role) error
}

// PermissionStore reads and overwrites stored permission bundles.
type PermissionStore interface {
	FetchAccess(ctx context.Context, identity access.Identity) ([]access.PageAccessEntry, error)
	FetchCapabilities(ctx context.Context, identity access.Identity) (access.CapabilityFlags, error)
	UpsertAccess(ctx context.Context, identity access.Identity, entries []access.PageAccessEntry) error
	UpsertCapabilities(ctx context.Context, identity access.Identity, flags access.CapabilityFlags) error
}

// HistoryRecorder appends audit entries.
type HistoryRecorder interface {
	Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error)
}

// Service handles account administration. Every mutation requires the
// manage-users capability and appends a user activity entry.
type Service struct {
	repo    RepositoryPort
	store   PermissionStore
	history HistoryRecorder
	logger  *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, store PermissionStore, history HistoryRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, store: store, history: history, logger: logger}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context, actor *access.ResolvedProfile) ([]User, error) {
	if !access.CanViewPage(actor, access.PageUsers) {
		return nil, access.ErrPermissionDenied
	}
	return s.repo.ListUsers(ctx)
}

// Detail returns one account with its stored bundle. Accounts that never
// logged in report the role defaults with Seeded false.
func (s *Service) Detail(ctx context.Context, actor *access.ResolvedProfile, identity access.Identity) (Detail, error) {
	if !access.CanViewPage(actor, access.PageUsers) {
		return Detail{}, access.ErrPermissionDenied
	}
	user, err := s.repo.GetUser(ctx, identity)
	if err != nil {
		return Detail{}, err
	}
	defaults := access.DefaultsFor(user.Role)
	detail := Detail{User: user, PageAccess: defaults.PageAccess, Capabilities: defaults.Capabilities}

	entries, err := s.store.FetchAccess(ctx, identity)
	if err != nil {
		return Detail{}, err
	}
	if len(entries) > 0 {
		detail.PageAccess = entries
		detail.Seeded = true
	}
	caps, err := s.store.FetchCapabilities(ctx, identity)
	switch {
	case err == nil:
		detail.Capabilities = caps
	case errors.Is(err, access.ErrNotFound):
	default:
		return Detail{}, err
	}
	return detail, nil
}

// ChangeRole updates the stored role. Existing permission rows are kept; the
// new role's defaults apply only to accounts that were never seeded.
func (s *Service) ChangeRole(ctx context.Context, actor *access.ResolvedProfile, identity access.Identity, role access.Role) (User, error) {
	if err := s.requireManager(actor); err != nil {
		return User{}, err
	}
	role = access.Role(strings.ToLower(strings.TrimSpace(string(role))))
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: %q", access.ErrInvalidRole, role)
	}
	user, err := s.repo.GetUser(ctx, identity)
	if err != nil {
		return User{}, err
	}
	if err := s.repo.UpdateRole(ctx, identity, role); err != nil {
		return User{}, err
	}
	previous := user.Role
	user.Role = role
	s.record(ctx, actor, identity, audit.ActionRoleChanged, map[string]any{"from": string(previous), "to": string(role)})
	return user, nil
}

// ReplaceAccess overwrites the page rows named in entries.
func (s *Service) ReplaceAccess(ctx context.Context, actor *access.ResolvedProfile, identity access.Identity, entries []access.PageAccessEntry) error {
	if err := s.requireManager(actor); err != nil {
		return err
	}
	seen := make(map[access.PageID]struct{}, len(entries))
	pages := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Page.Valid() {
			return fmt.Errorf("%w: %q", access.ErrInvalidPage, entry.Page)
		}
		if _, dup := seen[entry.Page]; dup {
			return fmt.Errorf("%w: %q listed twice", access.ErrInvalidPage, entry.Page)
		}
		seen[entry.Page] = struct{}{}
		pages = append(pages, string(entry.Page))
	}
	if _, err := s.repo.GetUser(ctx, identity); err != nil {
		return err
	}
	if err := s.store.UpsertAccess(ctx, identity, entries); err != nil {
		return err
	}
	s.record(ctx, actor, identity, audit.ActionAccessChanged, map[string]any{"pages": pages})
	return nil
}

// ReplaceCapabilities overwrites the capability row.
func (s *Service) ReplaceCapabilities(ctx context.Context, actor *access.ResolvedProfile, identity access.Identity, flags access.CapabilityFlags) error {
	if err := s.requireManager(actor); err != nil {
		return err
	}
	if _, err := s.repo.GetUser(ctx, identity); err != nil {
		return err
	}
	if err := s.store.UpsertCapabilities(ctx, identity, flags); err != nil {
		return err
	}
	s.record(ctx, actor, identity, audit.ActionCapsChanged, map[string]any{"capabilities": flags})
	return nil
}

func (s *Service) requireManager(actor *access.ResolvedProfile) error {
	if !access.HasCapability(actor, access.CapManageUsers) {
		return access.ErrPermissionDenied
	}
	return nil
}

// record logs history failures; the change itself already succeeded.
func (s *Service) record(ctx context.Context, actor *access.ResolvedProfile, identity access.Identity, action string, meta map[string]any) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Record(ctx, audit.UserSubject(string(identity)), action, string(actor.Identity()), meta); err != nil {
		s.logger.Warn("record user activity",
			slog.String("identity", string(identity)),
			slog.String("action", action),
			slog.Any("error", err))
	}
}
