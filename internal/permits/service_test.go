package permits

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
)

type memoryRepo struct {
	stubWriter
	permits      map[uuid.UUID]Permit
	deleted      []uuid.UUID
	beforeUpdate func()
}

func newMemoryRepo(seed ...Permit) *memoryRepo {
	repo := &memoryRepo{permits: make(map[uuid.UUID]Permit)}
	for _, p := range seed {
		repo.permits[p.ID] = p
	}
	return repo
}

func (m *memoryRepo) Create(ctx context.Context, p Permit) error {
	for _, existing := range m.permits {
		if existing.Code == p.Code {
			return ErrDuplicateCode
		}
	}
	m.permits[p.ID] = p
	return nil
}

func (m *memoryRepo) CreateBatch(ctx context.Context, batch []Permit) ([]Permit, []string, error) {
	var created []Permit
	var skipped []string
	for _, p := range batch {
		if err := m.Create(ctx, p); err != nil {
			skipped = append(skipped, p.Code)
			continue
		}
		created = append(created, p)
	}
	return created, skipped, nil
}

func (m *memoryRepo) Get(ctx context.Context, id uuid.UUID) (Permit, error) {
	p, ok := m.permits[id]
	if !ok {
		return Permit{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryRepo) List(ctx context.Context, filters ListFilters) ([]Permit, error) {
	out := []Permit{}
	for _, p := range m.permits {
		if filters.Status != "" && p.Status != filters.Status {
			continue
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(p.GuestName), strings.ToLower(filters.Search)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memoryRepo) ListDepartingBetween(ctx context.Context, from, to time.Time) ([]Permit, error) {
	out := []Permit{}
	for _, p := range m.permits {
		if p.Status == StatusUploaded || p.DepartureDate.Before(from) || p.DepartureDate.After(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryRepo) UpdateStatus(ctx context.Context, update StatusUpdate) (Permit, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
	p, ok := m.permits[update.ID]
	if !ok {
		return Permit{}, ErrNotFound
	}
	m.stubWriter.stored = p
	stored, err := m.stubWriter.UpdateStatus(ctx, update)
	if err != nil {
		return Permit{}, err
	}
	m.permits[p.ID] = stored
	return stored, nil
}

func (m *memoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.permits[id]; !ok {
		return ErrNotFound
	}
	delete(m.permits, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type stubReader struct{ subjects []audit.Subject }

func (s *stubReader) History(ctx context.Context, subject audit.Subject) ([]audit.Entry, error) {
	s.subjects = append(s.subjects, subject)
	return []audit.Entry{}, nil
}

func newTestService(repo *memoryRepo, history *stubHistory) *Service {
	engine := NewEngine(repo, history, nil).WithNow(func() time.Time { return fixedNow })
	return NewService(repo, engine, history, &stubReader{}, nil).WithNow(func() time.Time { return fixedNow })
}

func validInput(code string) CreateInput {
	return CreateInput{Code: code, GuestName: "Ana Lima", ArrivalDate: day(2024, 6, 12), DepartureDate: day(2024, 6, 14)}
}

func TestServiceCreateRecordsHistory(t *testing.T) {
	repo := newMemoryRepo()
	history := &stubHistory{}
	svc := newTestService(repo, history)

	permit, err := svc.Create(context.Background(), actorWithRole(access.RoleStaff), validInput(" P-1 "))
	require.NoError(t, err)
	require.Equal(t, "P-1", permit.Code)
	require.Equal(t, StatusPending, permit.Status)
	require.Equal(t, fixedNow, permit.CreatedAt)
	require.Len(t, history.entries, 1)
	require.Equal(t, audit.ActionPermitCreated, history.entries[0].Action)
	require.Equal(t, audit.PermitSubject(permit.ID), history.entries[0].Subject)
}

func TestServiceCreateValidates(t *testing.T) {
	svc := newTestService(newMemoryRepo(), &stubHistory{})
	input := validInput("P-1")
	input.DepartureDate = day(2024, 6, 1)
	_, err := svc.Create(context.Background(), actorWithRole(access.RoleAdmin), input)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), actorWithRole(access.RoleAdmin), CreateInput{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestServiceCreateRequiresTrackerCreate(t *testing.T) {
	svc := newTestService(newMemoryRepo(), &stubHistory{})
	_, err := svc.Create(context.Background(), actorWithRole(access.RoleAnalyst), validInput("P-1"))
	require.ErrorIs(t, err, access.ErrPermissionDenied)
}

func TestServiceCreateBatchRequiresImportCapability(t *testing.T) {
	repo := newMemoryRepo()
	history := &stubHistory{}
	svc := newTestService(repo, history)
	inputs := []CreateInput{validInput("P-1"), validInput("P-2"), validInput("P-1")}

	_, err := svc.CreateBatch(context.Background(), actorWithRole(access.RoleManager), inputs)
	require.ErrorIs(t, err, access.ErrPermissionDenied)

	importer := actorWithRole(access.RoleStaff)
	importer.Capabilities.CanImportData = true
	result, err := svc.CreateBatch(context.Background(), importer, inputs)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)
	require.Equal(t, []string{"P-1"}, result.Skipped)
	require.Len(t, history.entries, 2)
	require.Equal(t, "import", history.entries[0].Metadata["source"])
}

func TestServiceCreateBatchRejectsInvalidRowUpFront(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &stubHistory{})
	_, err := svc.CreateBatch(context.Background(), actorWithRole(access.RoleAdmin), []CreateInput{validInput("P-1"), {Code: "P-2"}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Contains(t, err.Error(), "row 2")
	require.Empty(t, repo.permits)
}

func TestServicePendingUploadsScenario(t *testing.T) {
	inSeven := Permit{ID: uuid.New(), Code: "P-7", Status: StatusPending, DepartureDate: day(2024, 6, 17)}
	tomorrow := Permit{ID: uuid.New(), Code: "P-1", Status: StatusApproved, DepartureDate: day(2024, 6, 11)}
	inEight := Permit{ID: uuid.New(), Code: "P-8", Status: StatusPending, DepartureDate: day(2024, 6, 18)}
	svc := newTestService(newMemoryRepo(inSeven, tomorrow, inEight), &stubHistory{})

	view, err := svc.PendingUploads(context.Background(), actorWithRole(access.RoleViewer))
	require.NoError(t, err)
	require.Len(t, view, 2)
	require.Equal(t, "P-1", view[0].Permit.Code)
	require.Equal(t, 1, view[0].DaysUntilDeparture)
	require.True(t, view[0].Urgent)
	require.Equal(t, "P-7", view[1].Permit.Code)
	require.Equal(t, 7, view[1].DaysUntilDeparture)
	require.False(t, view[1].Urgent)

	_, err = svc.PendingUploads(context.Background(), nil)
	require.ErrorIs(t, err, access.ErrPermissionDenied)
}

func TestServiceTransitionPersists(t *testing.T) {
	permit := pendingPermit()
	repo := newMemoryRepo(permit)
	history := &stubHistory{}
	svc := newTestService(repo, history)

	result, err := svc.Transition(context.Background(), actorWithRole(access.RoleManager), permit.ID, StatusRejected)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Permit.Status)
	require.Equal(t, StatusRejected, repo.permits[permit.ID].Status)
	require.Equal(t, "Status updated to Rejected", history.entries[0].Action)

	_, err = svc.Transition(context.Background(), actorWithRole(access.RoleManager), uuid.New(), StatusApproved)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceTransitionLosesToConcurrentChange(t *testing.T) {
	permit := pendingPermit()
	repo := newMemoryRepo(permit)
	history := &stubHistory{}
	svc := newTestService(repo, history)
	repo.beforeUpdate = func() {
		p := repo.permits[permit.ID]
		p.Status = StatusUploaded
		p.Uploaded = true
		repo.permits[permit.ID] = p
	}

	_, err := svc.Transition(context.Background(), actorWithRole(access.RoleStaff), permit.ID, StatusRejected)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusUploaded, repo.permits[permit.ID].Status)
	require.Empty(t, history.entries)
}

func TestServiceCreateHistoryOutlivesRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := newMemoryRepo()
	history := &stubHistory{}
	svc := newTestService(repo, history)

	permit, err := svc.Create(ctx, actorWithRole(access.RoleStaff), validInput("P-1"))
	require.NoError(t, err)
	require.Len(t, history.entries, 1)
	require.Equal(t, audit.PermitSubject(permit.ID), history.entries[0].Subject)
}

func TestServiceDeleteIsAdminOnlyByDefault(t *testing.T) {
	permit := pendingPermit()
	repo := newMemoryRepo(permit)
	history := &stubHistory{}
	svc := newTestService(repo, history)

	err := svc.Delete(context.Background(), actorWithRole(access.RoleManager), permit.ID)
	require.ErrorIs(t, err, access.ErrPermissionDenied)

	require.NoError(t, svc.Delete(context.Background(), actorWithRole(access.RoleAdmin), permit.ID))
	require.Equal(t, []uuid.UUID{permit.ID}, repo.deleted)
	require.Equal(t, "permit_deleted", history.entries[0].Action)
	require.Equal(t, audit.SubjectUser, history.entries[0].Subject.Kind)
}

func TestServiceListRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(newMemoryRepo(pendingPermit()), &stubHistory{})
	_, err := svc.List(context.Background(), actorWithRole(access.RoleUser), ListFilters{Status: "archived"})
	require.ErrorIs(t, err, ErrInvalidStatus)

	rows, err := svc.List(context.Background(), actorWithRole(access.RoleUser), ListFilters{Search: "guest"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestServiceHistoryReadsPermitSubject(t *testing.T) {
	permit := pendingPermit()
	repo := newMemoryRepo(permit)
	reader := &stubReader{}
	engine := NewEngine(repo, nil, nil)
	svc := NewService(repo, engine, nil, reader, nil)

	_, err := svc.History(context.Background(), actorWithRole(access.RoleStaff), permit.ID)
	require.NoError(t, err)
	require.Equal(t, []audit.Subject{audit.PermitSubject(permit.ID)}, reader.subjects)
}
