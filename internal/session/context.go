// Package session holds the per-login orchestrator that ties the access
// resolver, the gate and the permit workflow together for one user.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/permits"
)

// ErrClosed is returned for work attempted on, or finishing after, a closed
// session. Results that complete after Close are discarded.
var ErrClosed = errors.New("session: closed")

// ProfileResolver produces resolved access profiles.
type ProfileResolver interface {
	Resolve(ctx context.Context, src access.IdentitySource) (access.Resolution, error)
}

// PermitService is the subset of the permit service a session drives.
type PermitService interface {
	List(ctx context.Context, actor *access.ResolvedProfile, filters permits.ListFilters) ([]permits.Permit, error)
	Transition(ctx context.Context, actor *access.ResolvedProfile, id uuid.UUID, to permits.Status) (permits.TransitionResult, error)
}

// Context is one user's session. It is created at login, refreshed on demand
// and torn down at logout. The resolved profile is only ever replaced as a
// whole.
type Context struct {
	resolver ProfileResolver
	permits  PermitService
	source   access.IdentitySource
	logger   *slog.Logger

	mu       sync.RWMutex
	active   bool
	profile  *access.ResolvedProfile
	warnings []error
	board    []permits.Permit

	lifetime context.Context
	cancel   context.CancelFunc
}

// New builds an inactive session for the identity source.
func New(resolver ProfileResolver, permitSvc PermitService, src access.IdentitySource, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Context{
		resolver: resolver,
		permits:  permitSvc,
		source:   src,
		logger:   logger,
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// Restore rebuilds an active session from a stored profile snapshot without
// resolving again, so per-request handlers do not re-record logins. Refresh
// still works when resolver and src are set.
func Restore(profile *access.ResolvedProfile, resolver ProfileResolver, permitSvc PermitService, src access.IdentitySource, logger *slog.Logger) *Context {
	c := New(resolver, permitSvc, src, logger)
	if profile != nil {
		c.active = true
		c.profile = profile.Clone()
	}
	return c
}

// Start resolves the profile and activates the session. A resolver failure
// leaves the session logged out.
func (c *Context) Start(ctx context.Context) (access.Resolution, error) {
	c.mu.Lock()
	if c.lifetime.Err() != nil {
		c.mu.Unlock()
		return access.Resolution{}, ErrClosed
	}
	c.active = true
	c.mu.Unlock()
	return c.resolve(ctx, true)
}

// Refresh re-runs resolution and swaps the profile wholesale.
func (c *Context) Refresh(ctx context.Context) (access.Resolution, error) {
	if !c.Active() {
		return access.Resolution{}, ErrClosed
	}
	return c.resolve(ctx, false)
}

// resolve keeps the previous profile when a refresh fails for any reason
// other than the identity going away.
func (c *Context) resolve(ctx context.Context, starting bool) (access.Resolution, error) {
	if c.resolver == nil {
		return access.Resolution{}, errors.New("session: resolver not configured")
	}
	opCtx, stop := c.bind(ctx)
	defer stop()

	res, err := c.resolver.Resolve(opCtx, c.source)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return access.Resolution{}, ErrClosed
	}
	if err != nil {
		if starting || errors.Is(err, access.ErrIdentityUnavailable) {
			c.profile = nil
			c.active = false
		}
		return access.Resolution{}, err
	}
	for _, w := range res.Warnings {
		c.logger.Warn("session resolved with warning",
			slog.String("identity", string(res.Profile.Identity())),
			slog.Any("error", w))
	}
	c.profile = res.Profile
	c.warnings = res.Warnings
	return res, nil
}

// Close deactivates the session and cancels in-flight work. It is safe to
// call more than once.
func (c *Context) Close() {
	c.mu.Lock()
	c.active = false
	c.profile = nil
	c.warnings = nil
	c.board = nil
	c.mu.Unlock()
	c.cancel()
}

// Active reports whether the session is live.
func (c *Context) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Profile returns the resolved profile, nil when logged out.
func (c *Context) Profile() *access.ResolvedProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Warnings returns the non-fatal failures of the last resolution.
func (c *Context) Warnings() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]error(nil), c.warnings...)
}

// CanViewPage consults the gate with the current profile.
func (c *Context) CanViewPage(page access.PageID) bool {
	return access.CanViewPage(c.Profile(), page)
}

// HasCapability consults the gate with the current profile.
func (c *Context) HasCapability(capability access.Capability) bool {
	return access.HasCapability(c.Profile(), capability)
}

// LoadPermits fetches the tracker board and keeps it for the session.
func (c *Context) LoadPermits(ctx context.Context, filters permits.ListFilters) ([]permits.Permit, error) {
	profile, err := c.requireProfile()
	if err != nil {
		return nil, err
	}
	opCtx, stop := c.bind(ctx)
	defer stop()

	list, err := c.permits.List(opCtx, profile, filters)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, ErrClosed
	}
	c.board = list
	return append([]permits.Permit(nil), list...), nil
}

// Permits returns the board loaded by LoadPermits.
func (c *Context) Permits() []permits.Permit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]permits.Permit(nil), c.board...)
}

// Transition changes a permit's status. The board is updated only after the
// change is confirmed, and only if the session is still active.
func (c *Context) Transition(ctx context.Context, id uuid.UUID, to permits.Status) (permits.TransitionResult, error) {
	profile, err := c.requireProfile()
	if err != nil {
		return permits.TransitionResult{}, err
	}
	opCtx, stop := c.bind(ctx)
	defer stop()

	result, err := c.permits.Transition(opCtx, profile, id, to)
	if err != nil {
		return permits.TransitionResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return permits.TransitionResult{}, ErrClosed
	}
	for i := range c.board {
		if c.board[i].ID == result.Permit.ID {
			c.board[i] = result.Permit
			break
		}
	}
	return result, nil
}

func (c *Context) requireProfile() (*access.ResolvedProfile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.active {
		return nil, ErrClosed
	}
	if c.profile == nil {
		return nil, access.ErrIdentityUnavailable
	}
	return c.profile, nil
}

// bind derives a context cancelled by either the caller or Close.
func (c *Context) bind(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}
