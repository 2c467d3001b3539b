package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/permitdesk/permitdesk/internal/audit"
)

// IdentitySource is the authentication collaborator that knows the current
// user. It returns ErrIdentityUnavailable when nobody is signed in.
type IdentitySource interface {
	Current(ctx context.Context) (AuthRecord, error)
}

// StaticIdentity is an IdentitySource holding an already authenticated record.
type StaticIdentity AuthRecord

// Current implements IdentitySource.
func (s StaticIdentity) Current(context.Context) (AuthRecord, error) {
	if strings.TrimSpace(string(s.Identity)) == "" {
		return AuthRecord{}, ErrIdentityUnavailable
	}
	return AuthRecord(s), nil
}

// HistoryRecorder appends audit entries.
type HistoryRecorder interface {
	Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error)
}

// ResolverObserver receives seeding and fetch failure signals, typically
// exported as metrics.
type ResolverObserver interface {
	PermissionsSeeded(kind string, err error)
	PermissionFetchFailed(kind string)
}

const (
	kindAccess       = "page_access"
	kindCapabilities = "capabilities"
)

// Resolution is the outcome of one resolver run. Warnings carry recovered
// failures (ErrPermissionFetchFailed, ErrPermissionWriteFailed,
// audit.ErrWriteFailed); the profile is usable regardless.
type Resolution struct {
	Profile            *ResolvedProfile
	Warnings           []error
	SeededAccess       bool
	SeededCapabilities bool
}

// Resolver builds the session-scoped access profile. It seeds role defaults
// only for identities that have nothing persisted and never overwrites stored
// rows.
type Resolver struct {
	store    Store
	profiles ProfileStore
	history  HistoryRecorder
	logger   *slog.Logger
	observer ResolverObserver
	now      func() time.Time
	group    singleflight.Group
}

// NewResolver wires the resolver collaborators. history and profiles may be nil.
func NewResolver(store Store, profiles ProfileStore, history HistoryRecorder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		profiles: profiles,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock.
func (r *Resolver) WithNow(fn func() time.Time) *Resolver {
	if fn != nil {
		r.now = fn
	}
	return r
}

// WithObserver attaches a metrics observer.
func (r *Resolver) WithObserver(o ResolverObserver) *Resolver {
	r.observer = o
	return r
}

// Resolve runs the resolution steps in order for the identity the source
// reports. Concurrent calls for one identity share a single run; each caller
// receives its own copy of the profile.
func (r *Resolver) Resolve(ctx context.Context, src IdentitySource) (Resolution, error) {
	if src == nil {
		return Resolution{}, ErrIdentityUnavailable
	}
	auth, err := src.Current(ctx)
	if err != nil {
		if errors.Is(err, ErrIdentityUnavailable) {
			return Resolution{}, err
		}
		return Resolution{}, fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
	}
	if strings.TrimSpace(string(auth.Identity)) == "" {
		return Resolution{}, ErrIdentityUnavailable
	}

	ch := r.group.DoChan(string(auth.Identity), func() (any, error) {
		return r.resolve(ctx, auth)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		// The shared run may have died with the leader's context.
		if res.Shared && ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
			return r.resolve(ctx, auth)
		}
		return Resolution{}, res.Err
	}
	out := res.Val.(Resolution)
	out.Profile = out.Profile.Clone()
	out.Warnings = append([]error(nil), out.Warnings...)
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, auth AuthRecord) (Resolution, error) {
	if r.store == nil {
		return Resolution{}, errors.New("access: permission store not configured")
	}
	var out Resolution
	identity := auth.Identity
	logger := r.logger.With(slog.String("identity", string(identity)))

	profile, warn := r.loadProfile(ctx, auth)
	if warn != nil {
		logger.Warn("profile lookup failed, using fallback profile", slog.Any("error", warn))
		out.Warnings = append(out.Warnings, warn)
	}
	defaults := DefaultsFor(profile.Role)

	entries, err := r.store.FetchAccess(ctx, identity)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Resolution{}, ctxErr
		}
		logger.Warn("page access fetch failed, using role defaults for this session", slog.Any("error", err))
		r.fetchFailed(kindAccess)
		out.Warnings = append(out.Warnings, fmt.Errorf("%w: page access: %w", ErrPermissionFetchFailed, err))
		entries = defaults.PageAccess
	case len(entries) == 0:
		entries = defaults.PageAccess
		out.SeededAccess = true
		werr := r.store.SeedAccess(ctx, identity, entries)
		r.seeded(kindAccess, werr)
		if werr != nil {
			logger.Warn("page access seeding failed", slog.Any("error", werr))
			out.Warnings = append(out.Warnings, fmt.Errorf("%w: page access: %w", ErrPermissionWriteFailed, werr))
			break
		}
		// Rows written by someone else between the fetch and the seed win.
		if stored, ferr := r.store.FetchAccess(ctx, identity); ferr == nil && len(stored) > 0 {
			entries = stored
		}
	}

	caps, err := r.store.FetchCapabilities(ctx, identity)
	switch {
	case errors.Is(err, ErrNotFound):
		caps = defaults.Capabilities
		out.SeededCapabilities = true
		werr := r.store.SeedCapabilities(ctx, identity, caps)
		r.seeded(kindCapabilities, werr)
		if werr != nil {
			logger.Warn("capability seeding failed", slog.Any("error", werr))
			out.Warnings = append(out.Warnings, fmt.Errorf("%w: capabilities: %w", ErrPermissionWriteFailed, werr))
			break
		}
		if stored, ferr := r.store.FetchCapabilities(ctx, identity); ferr == nil {
			caps = stored
		}
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Resolution{}, ctxErr
		}
		logger.Warn("capability fetch failed, using role defaults for this session", slog.Any("error", err))
		r.fetchFailed(kindCapabilities)
		out.Warnings = append(out.Warnings, fmt.Errorf("%w: capabilities: %w", ErrPermissionFetchFailed, err))
		caps = defaults.Capabilities
	}

	out.Profile = newResolvedProfile(profile, entries, caps, r.now())

	if r.history != nil {
		meta := map[string]any{
			"role":                string(profile.Role),
			"seeded_access":       out.SeededAccess,
			"seeded_capabilities": out.SeededCapabilities,
		}
		if _, err := r.history.Record(ctx, audit.UserSubject(string(identity)), audit.ActionLogin, string(identity), meta); err != nil {
			logger.Warn("login history not recorded", slog.Any("error", err))
			out.Warnings = append(out.Warnings, err)
		}
	}
	return out, nil
}

// loadProfile falls back to a name derived from the auth record and RoleUser
// when no profile row exists or the lookup fails.
func (r *Resolver) loadProfile(ctx context.Context, auth AuthRecord) (UserProfile, error) {
	fallback := UserProfile{
		Identity:    auth.Identity,
		DisplayName: auth.DerivedName(),
		Email:       auth.Email,
		Role:        RoleUser,
	}
	if r.profiles == nil {
		return fallback, nil
	}
	profile, err := r.profiles.FetchProfile(ctx, auth.Identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("%w: profile: %w", ErrPermissionFetchFailed, err)
	}
	profile.Identity = auth.Identity
	profile.Role = ParseRole(string(profile.Role))
	if strings.TrimSpace(profile.DisplayName) == "" {
		profile.DisplayName = auth.DerivedName()
	}
	if profile.Email == "" {
		profile.Email = auth.Email
	}
	return profile, nil
}

func (r *Resolver) seeded(kind string, err error) {
	if r.observer != nil {
		r.observer.PermissionsSeeded(kind, err)
	}
}

func (r *Resolver) fetchFailed(kind string) {
	if r.observer != nil {
		r.observer.PermissionFetchFailed(kind)
	}
}
