package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/permitdesk/permitdesk/internal/audit"
)

type memoryStore struct {
	mu                sync.Mutex
	access            map[Identity][]PageAccessEntry
	caps              map[Identity]CapabilityFlags
	fetchAccessErr    error
	fetchCapsErr      error
	writeErr          error
	upsertAccessCalls int
	upsertCapsCalls   int
	seedAccessCalls   int
	seedCapsCalls     int
	// beforeSeed runs under the lock ahead of every seed write.
	beforeSeed func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		access: make(map[Identity][]PageAccessEntry),
		caps:   make(map[Identity]CapabilityFlags),
	}
}

func (s *memoryStore) FetchAccess(ctx context.Context, identity Identity) ([]PageAccessEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchAccessErr != nil {
		return nil, s.fetchAccessErr
	}
	return append([]PageAccessEntry(nil), s.access[identity]...), nil
}

func (s *memoryStore) FetchCapabilities(ctx context.Context, identity Identity) (CapabilityFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchCapsErr != nil {
		return CapabilityFlags{}, s.fetchCapsErr
	}
	caps, ok := s.caps[identity]
	if !ok {
		return CapabilityFlags{}, ErrNotFound
	}
	return caps, nil
}

func (s *memoryStore) UpsertAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertAccessCalls++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.access[identity] = append([]PageAccessEntry(nil), entries...)
	return nil
}

func (s *memoryStore) UpsertCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCapsCalls++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.caps[identity] = flags
	return nil
}

func (s *memoryStore) SeedAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedAccessCalls++
	if s.beforeSeed != nil {
		s.beforeSeed()
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	have := make(map[PageID]bool)
	for _, e := range s.access[identity] {
		have[e.Page] = true
	}
	for _, e := range entries {
		if !have[e.Page] {
			s.access[identity] = append(s.access[identity], e)
			have[e.Page] = true
		}
	}
	return nil
}

func (s *memoryStore) SeedCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedCapsCalls++
	if s.beforeSeed != nil {
		s.beforeSeed()
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.caps[identity]; !ok {
		s.caps[identity] = flags
	}
	return nil
}

type stubProfiles struct {
	profiles map[Identity]UserProfile
	err      error
}

func (s stubProfiles) FetchProfile(ctx context.Context, identity Identity) (UserProfile, error) {
	if s.err != nil {
		return UserProfile{}, s.err
	}
	p, ok := s.profiles[identity]
	if !ok {
		return UserProfile{}, ErrNotFound
	}
	return p, nil
}

type stubHistory struct {
	entries []audit.Entry
	err     error
	onCall  func()
}

func (s *stubHistory) Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error) {
	if s.onCall != nil {
		s.onCall()
	}
	entry := audit.Entry{Subject: subject, Action: action, Actor: actor, Metadata: meta}
	if s.err != nil {
		return entry, s.err
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

type countingObserver struct {
	seeded      map[string]int
	fetchFailed map[string]int
}

func (o *countingObserver) PermissionsSeeded(kind string, err error) {
	if o.seeded == nil {
		o.seeded = make(map[string]int)
	}
	o.seeded[kind]++
}

func (o *countingObserver) PermissionFetchFailed(kind string) {
	if o.fetchFailed == nil {
		o.fetchFailed = make(map[string]int)
	}
	o.fetchFailed[kind]++
}

func viewerProfiles() stubProfiles {
	return stubProfiles{profiles: map[Identity]UserProfile{
		"u-1": {Identity: "u-1", DisplayName: "Vera", Email: "vera@example.com", Role: RoleViewer},
	}}
}

func TestResolveSeedsDefaultsForNewIdentity(t *testing.T) {
	store := newMemoryStore()
	history := &stubHistory{}
	observer := &countingObserver{}
	resolver := NewResolver(store, viewerProfiles(), history, nil).WithObserver(observer)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.True(t, res.SeededAccess)
	require.True(t, res.SeededCapabilities)
	require.Equal(t, DefaultsFor(RoleViewer).PageAccess, store.access["u-1"])
	require.Equal(t, DefaultsFor(RoleViewer).Capabilities, store.caps["u-1"])
	require.Equal(t, 1, observer.seeded[kindAccess])
	require.Equal(t, 1, observer.seeded[kindCapabilities])

	require.True(t, CanViewPage(res.Profile, PageDashboard))
	require.False(t, CanViewPage(res.Profile, PageUsers))
	require.False(t, res.Profile.IsAdmin)
	require.Equal(t, "Vera", res.Profile.Profile.DisplayName)
}

func TestResolveNeverReseedsCustomizedRows(t *testing.T) {
	store := newMemoryStore()
	custom := DefaultsFor(RoleViewer).PageAccess
	for i := range custom {
		if custom[i].Page == PageUsers {
			custom[i].CanView = true
		}
	}
	store.access["u-1"] = custom
	store.caps["u-1"] = CapabilityFlags{CanExportData: true}
	resolver := NewResolver(store, viewerProfiles(), &stubHistory{}, nil)

	for i := 0; i < 2; i++ {
		res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
		require.NoError(t, err)
		require.False(t, res.SeededAccess)
		require.False(t, res.SeededCapabilities)
		require.True(t, CanViewPage(res.Profile, PageUsers))
		require.True(t, HasCapability(res.Profile, CapExportData))
		require.False(t, HasCapability(res.Profile, CapViewReports))
	}
	require.Zero(t, store.seedAccessCalls)
	require.Zero(t, store.seedCapsCalls)
	require.Equal(t, custom, store.access["u-1"])
}

func TestResolveSeedKeepsRowsWrittenAfterFetch(t *testing.T) {
	store := newMemoryStore()
	custom := DefaultsFor(RoleViewer).PageAccess
	for i := range custom {
		switch custom[i].Page {
		case PageUsers:
			custom[i] = PageAccessEntry{Page: PageUsers, CanView: true, CanEdit: true}
		case PageReports:
			custom[i].CanView = false
		}
	}
	customCaps := CapabilityFlags{CanManageUsers: true}
	// An administrator saves the account between the resolver's read and its seed.
	store.beforeSeed = func() {
		store.access["u-1"] = append([]PageAccessEntry(nil), custom...)
		store.caps["u-1"] = customCaps
	}
	resolver := NewResolver(store, viewerProfiles(), &stubHistory{}, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.True(t, res.SeededAccess)
	require.Equal(t, 1, store.seedAccessCalls)
	require.Equal(t, 1, store.seedCapsCalls)
	require.Zero(t, store.upsertAccessCalls)
	require.Zero(t, store.upsertCapsCalls)

	require.Equal(t, custom, store.access["u-1"])
	require.Equal(t, customCaps, store.caps["u-1"])
	require.True(t, CanEditPage(res.Profile, PageUsers))
	require.False(t, CanViewPage(res.Profile, PageReports))
	require.True(t, HasCapability(res.Profile, CapManageUsers))
	require.False(t, HasCapability(res.Profile, CapViewReports))
}

func TestResolveSeedingIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	resolver := NewResolver(store, viewerProfiles(), nil, nil)
	defaults := DefaultsFor(RoleViewer)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, store.access["u-1"], len(Pages()))
	require.ElementsMatch(t, defaults.PageAccess, store.access["u-1"])
	require.Equal(t, defaults.Capabilities, store.caps["u-1"])

	// Seeding an identity that already has rows writes nothing new.
	require.NoError(t, store.SeedAccess(context.Background(), "u-1", defaults.PageAccess))
	require.NoError(t, store.SeedCapabilities(context.Background(), "u-1", CapabilityFlags{CanManageUsers: true}))
	require.Len(t, store.access["u-1"], len(Pages()))
	require.Equal(t, defaults.Capabilities, store.caps["u-1"])
}

func TestResolveFetchErrorUsesDefaultsWithoutPersisting(t *testing.T) {
	store := newMemoryStore()
	store.fetchAccessErr = errors.New("timeout")
	store.fetchCapsErr = errors.New("timeout")
	observer := &countingObserver{}
	resolver := NewResolver(store, viewerProfiles(), &stubHistory{}, nil).WithObserver(observer)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		require.ErrorIs(t, w, ErrPermissionFetchFailed)
	}
	require.Zero(t, store.seedAccessCalls)
	require.Zero(t, store.seedCapsCalls)
	require.True(t, CanViewPage(res.Profile, PageReports))
	require.Equal(t, DefaultsFor(RoleViewer).Capabilities, res.Profile.Capabilities)
	require.Equal(t, 1, observer.fetchFailed[kindAccess])
}

func TestResolveWriteFailureKeepsInMemoryDefaults(t *testing.T) {
	store := newMemoryStore()
	store.writeErr = errors.New("read-only replica")
	resolver := NewResolver(store, viewerProfiles(), &stubHistory{}, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 2)
	require.ErrorIs(t, res.Warnings[0], ErrPermissionWriteFailed)
	require.ErrorIs(t, res.Warnings[1], ErrPermissionWriteFailed)
	require.NotNil(t, res.Profile)
	require.True(t, CanViewPage(res.Profile, PageDashboard))
	require.Empty(t, store.access)
}

func TestResolveWithoutIdentity(t *testing.T) {
	history := &stubHistory{}
	resolver := NewResolver(newMemoryStore(), viewerProfiles(), history, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{})
	require.ErrorIs(t, err, ErrIdentityUnavailable)
	require.Nil(t, res.Profile)
	require.Empty(t, history.entries)

	_, err = resolver.Resolve(context.Background(), nil)
	require.ErrorIs(t, err, ErrIdentityUnavailable)
}

func TestResolveFallsBackWhenProfileMissing(t *testing.T) {
	store := newMemoryStore()
	resolver := NewResolver(store, stubProfiles{}, &stubHistory{}, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-9", Email: "jane@example.com"})
	require.NoError(t, err)
	require.Equal(t, "jane", res.Profile.Profile.DisplayName)
	require.Equal(t, RoleUser, res.Profile.Role())
	require.Equal(t, DefaultsFor(RoleUser).PageAccess, store.access["u-9"])
}

func TestResolveProfileErrorFallsBackToUserRole(t *testing.T) {
	resolver := NewResolver(newMemoryStore(), stubProfiles{err: errors.New("boom")}, &stubHistory{}, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1", Name: "Ann"})
	require.NoError(t, err)
	require.Equal(t, RoleUser, res.Profile.Role())
	require.Len(t, res.Warnings, 1)
	require.ErrorIs(t, res.Warnings[0], ErrPermissionFetchFailed)
}

func TestResolveRecordsLoginLast(t *testing.T) {
	store := newMemoryStore()
	history := &stubHistory{}
	var accessWrites, capWrites int
	history.onCall = func() {
		accessWrites, capWrites = store.seedAccessCalls, store.seedCapsCalls
	}
	resolver := NewResolver(store, viewerProfiles(), history, nil)

	_, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	// Seeding must already be finished when the login entry is written.
	require.Equal(t, 1, accessWrites)
	require.Equal(t, 1, capWrites)
	require.Len(t, history.entries, 1)
	entry := history.entries[0]
	require.Equal(t, audit.UserSubject("u-1"), entry.Subject)
	require.Equal(t, audit.ActionLogin, entry.Action)
	require.Equal(t, "u-1", entry.Actor)
	require.Equal(t, true, entry.Metadata["seeded_access"])
}

func TestResolveHistoryFailureIsWarning(t *testing.T) {
	history := &stubHistory{err: audit.ErrWriteFailed}
	resolver := NewResolver(newMemoryStore(), viewerProfiles(), history, nil)

	res, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Profile)
	require.Len(t, res.Warnings, 1)
	require.ErrorIs(t, res.Warnings[0], audit.ErrWriteFailed)
}

func TestResolveReturnsIndependentCopies(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	resolver := NewResolver(newMemoryStore(), viewerProfiles(), nil, nil).WithNow(func() time.Time { return fixed })

	first, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), StaticIdentity{Identity: "u-1"})
	require.NoError(t, err)
	require.Equal(t, fixed, first.Profile.ResolvedAt)

	first.Profile.Pages[PageUsers] = PageAccessEntry{Page: PageUsers, CanView: true}
	require.False(t, CanViewPage(second.Profile, PageUsers))
}

func TestResolveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newMemoryStore()
	store.fetchAccessErr = context.Canceled
	resolver := NewResolver(store, viewerProfiles(), &stubHistory{}, nil)

	_, err := resolver.Resolve(ctx, StaticIdentity{Identity: "u-1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.seedAccessCalls)
}
