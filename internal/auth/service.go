package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
	"github.com/permitdesk/permitdesk/internal/shared"
)

// HistoryRecorder appends audit entries.
type HistoryRecorder interface {
	Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	history HistoryRecorder
	logger  *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, history HistoryRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, history: history, logger: logger}
}

// Authenticate validates email/password credentials. Failed attempts against
// a known account are recorded as login_failed.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	acc, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			s.logger.Error("auth lookup", slog.Any("error", err))
		}
		return nil, shared.ErrInvalidCredentials
	}
	if !acc.IsActive {
		s.recordFailure(ctx, acc, "inactive")
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		s.recordFailure(ctx, acc, "bad_password")
		return nil, shared.ErrInvalidCredentials
	}
	return acc, nil
}

// Source returns an IdentitySource that re-reads the account, so refreshes
// notice deactivated users.
func (s *Service) Source(identity access.Identity) access.IdentitySource {
	return accountSource{repo: s.repo, identity: identity}
}

// RecordLogout appends a logout entry for the identity.
func (s *Service) RecordLogout(ctx context.Context, identity access.Identity) {
	if s.history == nil || identity == "" {
		return
	}
	if _, err := s.history.Record(ctx, audit.UserSubject(string(identity)), audit.ActionLogout, string(identity), nil); err != nil {
		s.logger.Warn("record logout", slog.String("identity", string(identity)), slog.Any("error", err))
	}
}

func (s *Service) recordFailure(ctx context.Context, acc *Account, reason string) {
	if s.history == nil {
		return
	}
	id := string(acc.Identity)
	if _, err := s.history.Record(ctx, audit.UserSubject(id), audit.ActionLoginFailed, id, map[string]any{"reason": reason}); err != nil {
		s.logger.Warn("record login failure", slog.String("identity", id), slog.Any("error", err))
	}
}

type accountSource struct {
	repo     Repository
	identity access.Identity
}

func (a accountSource) Current(ctx context.Context) (access.AuthRecord, error) {
	if strings.TrimSpace(string(a.identity)) == "" {
		return access.AuthRecord{}, access.ErrIdentityUnavailable
	}
	acc, err := a.repo.FindByIdentity(ctx, a.identity)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return access.AuthRecord{}, access.ErrIdentityUnavailable
		}
		return access.AuthRecord{}, err
	}
	if !acc.IsActive {
		return access.AuthRecord{}, access.ErrIdentityUnavailable
	}
	return acc.Record(), nil
}
