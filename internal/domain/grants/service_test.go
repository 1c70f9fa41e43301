package grants

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"patient-access/internal/domain/audit"
	"patient-access/internal/domain/permissions"
	"patient-access/internal/domain/tokens"
	"patient-access/internal/ports/auth"
	"patient-access/internal/ports/directory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// -------------------------
// Fakes
// -------------------------

type testRepo struct {
	mu   sync.Mutex
	byID map[string]Grant
}

func newTestRepo() *testRepo {
	return &testRepo{byID: map[string]Grant{}}
}

func (r *testRepo) Create(ctx context.Context, g Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[g.ID]; ok {
		return errors.New("repo: already exists")
	}
	r.byID[g.ID] = g
	return nil
}

func (r *testRepo) GetByID(ctx context.Context, id string) (Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return g, nil
}

func (r *testRepo) List(ctx context.Context, f Filter) ([]Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Grant{}
	for _, g := range r.byID {
		if f.PatientID != "" && g.PatientID != f.PatientID {
			continue
		}
		if f.OrganizationID != "" && g.OrganizationID != f.OrganizationID {
			continue
		}
		if f.PractitionerID != "" && g.RequestingPractitionerID != f.PractitionerID {
			continue
		}
		if !f.ExpiresBefore.IsZero() && g.ExpiresAt.After(f.ExpiresBefore) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, g.Status) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (r *testRepo) Transition(ctx context.Context, from Status, g Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[g.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	r.byID[g.ID] = g
	return nil
}

func (r *testRepo) AttachNotification(ctx context.Context, grantID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[grantID]
	if !ok {
		return ErrNotFound
	}
	g.NotificationJobID = jobID
	r.byID[grantID] = g
	return nil
}

func (r *testRepo) stored(id string) Grant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type fakeTokens struct {
	mu        sync.Mutex
	byToken   map[string]tokens.Token
	revokeErr error
	storeErr  error
	// storeDelay simula la latencia de un backend durable.
	storeDelay time.Duration
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{byToken: map[string]tokens.Token{}}
}

func (f *fakeTokens) Store(ctx context.Context, in tokens.StoreInput) error {
	if f.storeDelay > 0 {
		time.Sleep(f.storeDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.byToken[in.Token] = tokens.Token{
		Token:          in.Token,
		GrantID:        in.GrantID,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		Type:           in.Type,
		ExpiresAt:      in.ExpiresAt,
	}
	return nil
}

func (f *fakeTokens) RevokeForGrant(ctx context.Context, grantID, by, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return 0, f.revokeErr
	}
	n := 0
	for k, t := range f.byToken {
		if t.GrantID == grantID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedBy = by
			f.byToken[k] = t
			n++
		}
	}
	return n, nil
}

func (f *fakeTokens) RevokeForUser(ctx context.Context, userID, by, reason string) (int, error) {
	return 0, nil
}

func (f *fakeTokens) ListForGrant(ctx context.Context, grantID string) ([]tokens.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []tokens.Token{}
	for _, t := range f.byToken {
		if t.GrantID == grantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byToken)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyAccessRequest(ctx context.Context, g Grant) (string, error) {
	args := m.Called(ctx, g)
	return args.String(0), args.Error(1)
}

func (m *mockNotifier) CompleteRequest(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAuditor) Record(ctx context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAuditor) types() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Type)
	}
	return out
}

type fakeDirectory map[string]directory.Practitioner

func (d fakeDirectory) GetPractitioner(ctx context.Context, id string) (directory.Practitioner, error) {
	p, ok := d[id]
	if !ok {
		return directory.Practitioner{}, directory.ErrNotFound
	}
	return p, nil
}

func (d fakeDirectory) FindByUserID(ctx context.Context, userID string) (directory.Practitioner, error) {
	for _, p := range d {
		if p.UserID == userID {
			return p, nil
		}
	}
	return directory.Practitioner{}, directory.ErrNotFound
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) GrantTransition(action string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[action]++
}

// -------------------------
// Fixture
// -------------------------

const (
	patient = "patient-1"
	org     = "org-1"
	doc     = "pr-1"
	docUser = "doc-user-1"
	admin   = "pr-admin"
	manager = "pr-manager"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	repo     *testRepo
	tokens   *fakeTokens
	notifier *mockNotifier
	audit    *fakeAuditor
	observer *countingObserver
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     newTestRepo(),
		tokens:   newFakeTokens(),
		notifier: &mockNotifier{},
		audit:    &fakeAuditor{},
		observer: &countingObserver{},
		now:      t0,
	}
	f.notifier.On("NotifyAccessRequest", mock.Anything, mock.Anything).Return("job-1", nil).Maybe()
	f.notifier.On("CompleteRequest", mock.Anything, mock.Anything).Return(nil).Maybe()

	dir := fakeDirectory{
		doc: {
			ID:     doc,
			UserID: docUser,
			Memberships: []directory.Membership{{
				OrganizationID: org,
				Active:         true,
				Permissions:    permissions.Set{CanAccessPatientRecords: true, CanRequestAuthorizationGrants: true},
			}},
		},
		manager: {
			ID:     manager,
			UserID: "manager-user",
			Memberships: []directory.Membership{{
				OrganizationID: org,
				Active:         true,
				Permissions:    permissions.Set{CanManageOrganization: true},
			}},
		},
		admin: {
			ID:     admin,
			UserID: "admin-user",
			Memberships: []directory.Membership{{
				OrganizationID: org,
				Active:         true,
				Permissions: permissions.Set{
					CanApproveAuthorizationGrants: true,
					CanRevokeAuthorizationGrants:  true,
				},
			}},
		},
	}

	f.svc = NewService(f.repo, Deps{
		Tokens:    f.tokens,
		Notifier:  f.notifier,
		Audit:     f.audit,
		Directory: dir,
		Observer:  f.observer,
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) request(t *testing.T, window int, scopes ...string) Grant {
	t.Helper()
	g, err := f.svc.Request(context.Background(), RequestInput{
		PatientID:                patient,
		OrganizationID:           org,
		RequestingPractitionerID: doc,
		Scopes:                   scopes,
		TimeWindowHours:          window,
		Actor:                    Actor{UserID: docUser, Role: auth.RolePractitioner, PractitionerID: doc},
	})
	require.NoError(t, err)
	return g
}

var patientActor = Actor{UserID: patient, Role: auth.RolePatient}

func kindOf(t *testing.T, err error) error {
	t.Helper()
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	return gerr.Kind
}

// -------------------------
// Request
// -------------------------

func TestService_Request_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RequestInput
	}{
		{name: "missing patient", in: RequestInput{OrganizationID: org, Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 1}},
		{name: "missing organization", in: RequestInput{PatientID: patient, Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 1}},
		{name: "window zero", in: RequestInput{PatientID: patient, OrganizationID: org, Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 0}},
		{name: "window too long", in: RequestInput{PatientID: patient, OrganizationID: org, Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 25}},
		{name: "no scopes", in: RequestInput{PatientID: patient, OrganizationID: org, TimeWindowHours: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	t.Run("unknown scope is listed", func(t *testing.T) {
		_, err := f.svc.Request(ctx, RequestInput{
			PatientID: patient, OrganizationID: org, TimeWindowHours: 1,
			Scopes: []string{"canViewMedicalHistory", "canTeleport"},
		})
		var gerr *Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, ErrValidation, gerr.Kind)
		assert.Equal(t, []string{"canTeleport"}, gerr.InvalidScopes)
	})
}

func TestService_Request_CreatesPendingGrant(t *testing.T) {
	f := newFixture(t)

	g := f.request(t, 2, "canViewMedicalHistory", "canViewPrescriptions")

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, StatusPending, g.Status)
	assert.Equal(t, t0.Add(2*time.Hour), g.ExpiresAt)
	assert.True(t, g.AccessScope.CanViewMedicalHistory)
	assert.True(t, g.AccessScope.CanViewPrescriptions)
	assert.False(t, g.AccessScope.CanCreateEncounters)
	assert.Equal(t, "job-1", g.NotificationJobID)
	assert.Equal(t, "job-1", f.repo.stored(g.ID).NotificationJobID)
	assert.Equal(t, []audit.EventType{audit.EventGrantRequested}, f.audit.types())
	assert.Equal(t, 0, f.tokens.count())
	f.notifier.AssertCalled(t, "NotifyAccessRequest", mock.Anything, mock.MatchedBy(func(x Grant) bool { return x.ID == g.ID }))
}

func TestService_Request_NotificationFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.notifier.ExpectedCalls = nil
	f.notifier.On("NotifyAccessRequest", mock.Anything, mock.Anything).Return("", errors.New("queue down"))

	g := f.request(t, 1, "canViewMedicalHistory")

	assert.Equal(t, StatusPending, g.Status)
	assert.Empty(t, g.NotificationJobID)
}

func TestService_Request_DuplicateOpenGrant(t *testing.T) {
	f := newFixture(t)
	first := f.request(t, 1, "canViewMedicalHistory")

	_, err := f.svc.Request(context.Background(), RequestInput{
		PatientID: patient, OrganizationID: org, RequestingPractitionerID: doc,
		Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 1,
	})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrConflict, gerr.Kind)
	assert.Equal(t, first.ID, gerr.ExistingGrantID)

	// Un scope distinto no es duplicado.
	other := f.request(t, 1, "canViewPrescriptions")
	assert.NotEqual(t, first.ID, other.ID)

	// Vencido el primero, se puede volver a pedir.
	f.advance(time.Hour)
	again := f.request(t, 1, "canViewMedicalHistory")
	assert.NotEqual(t, first.ID, again.ID)
}

func TestService_Request_PractitionerPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("missing permission", func(t *testing.T) {
		_, err := f.svc.Request(ctx, RequestInput{
			PatientID: patient, OrganizationID: org, RequestingPractitionerID: doc,
			Scopes: []string{"canCreateEncounters"}, TimeWindowHours: 1,
		})
		var gerr *Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, ErrForbidden, gerr.Kind)
		assert.Equal(t, []permissions.Permission{permissions.CanModifyPatientRecords}, gerr.MissingPermissions)
	})

	t.Run("not a member", func(t *testing.T) {
		_, err := f.svc.Request(ctx, RequestInput{
			PatientID: patient, OrganizationID: "org-2", RequestingPractitionerID: doc,
			Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 1,
		})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("unknown practitioner", func(t *testing.T) {
		_, err := f.svc.Request(ctx, RequestInput{
			PatientID: patient, OrganizationID: org, RequestingPractitionerID: "ghost",
			Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 1,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

// -------------------------
// Approve / Deny
// -------------------------

func TestService_Approve_IssuesTokenAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 2, "canViewMedicalHistory")
	f.advance(10 * time.Minute)

	res, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Grant.Status)
	require.NotNil(t, res.Grant.GrantedAt)
	assert.Equal(t, f.now, *res.Grant.GrantedAt)
	require.NotNil(t, res.Token)
	assert.Equal(t, g.ExpiresAt, res.Token.ExpiresAt)
	assert.Equal(t, patient, res.Token.UserID)
	assert.Equal(t, tokens.TypeAccess, res.Token.Type)
	f.notifier.AssertCalled(t, "CompleteRequest", mock.Anything, "job-1")

	again, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Grant.Status)
	require.NotNil(t, again.Token)
	assert.Equal(t, res.Token.Token, again.Token.Token)
	assert.Equal(t, 1, f.tokens.count())

	assert.Equal(t, 1, f.observer.counts["approved"])
}

func TestService_Approve_Authorization(t *testing.T) {
	ctx := context.Background()

	t.Run("stranger", func(t *testing.T) {
		f := newFixture(t)
		g := f.request(t, 1, "canViewMedicalHistory")
		_, err := f.svc.Approve(ctx, g.ID, Actor{UserID: "someone-else", Role: auth.RolePatient})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("requesting practitioner cannot approve own request", func(t *testing.T) {
		f := newFixture(t)
		g := f.request(t, 1, "canViewMedicalHistory")
		_, err := f.svc.Approve(ctx, g.ID, Actor{UserID: docUser, Role: auth.RolePractitioner, PractitionerID: doc})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("org administrator with permission", func(t *testing.T) {
		f := newFixture(t)
		g := f.request(t, 1, "canViewMedicalHistory")
		res, err := f.svc.Approve(ctx, g.ID, Actor{UserID: "admin-user", Role: auth.RolePractitioner, PractitionerID: admin})
		require.NoError(t, err)
		assert.Equal(t, StatusActive, res.Grant.Status)
	})

	t.Run("system role", func(t *testing.T) {
		f := newFixture(t)
		g := f.request(t, 1, "canViewMedicalHistory")
		_, err := f.svc.Approve(ctx, g.ID, SystemActor)
		require.NoError(t, err)
	})

	t.Run("unknown grant", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Approve(ctx, "nope", patientActor)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestService_Approve_ExpiredPending(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 1, "canViewMedicalHistory")

	// expiresAt exacto ya cuenta como vencido
	f.advance(time.Hour)

	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.Error(t, err)
	assert.Equal(t, ErrExpired, kindOf(t, err))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 0, f.tokens.count())
	assert.Equal(t, StatusPending, f.repo.stored(g.ID).Status)
}

func TestService_Deny(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 1, "canViewMedicalHistory")

	denied, err := f.svc.Deny(context.Background(), g.ID, patientActor, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, denied.Status)
	assert.Equal(t, "denied by patient", denied.RevocationReason)
	assert.Equal(t, patient, denied.RevokedBy)
	assert.Equal(t, 0, f.tokens.count())

	_, err = f.svc.Approve(context.Background(), g.ID, patientActor)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.Deny(context.Background(), g.ID, patientActor, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_Deny_ActiveGrantIsConflict(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 1, "canViewMedicalHistory")
	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)

	_, err = f.svc.Deny(context.Background(), g.ID, patientActor, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_ConcurrentApproveDeny_OneWinner(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 1, "canViewMedicalHistory")

	var (
		wg        sync.WaitGroup
		approved  atomic.Int32
		denied    atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			if i%2 == 0 {
				var res Approval
				res, err = f.svc.Approve(context.Background(), g.ID, patientActor)
				if err == nil && res.Grant.Status == StatusActive {
					approved.Add(1)
				}
			} else {
				_, err = f.svc.Deny(context.Background(), g.ID, patientActor, "")
				if err == nil {
					denied.Add(1)
				}
			}
			if errors.Is(err, ErrConflict) {
				conflicts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	final := f.repo.stored(g.ID).Status
	switch final {
	case StatusActive:
		// Approve es idempotente: varios approve pueden "ganar", ningún deny.
		assert.Zero(t, denied.Load())
		assert.GreaterOrEqual(t, approved.Load(), int32(1))
		assert.LessOrEqual(t, f.tokens.count(), 1)
	case StatusRevoked:
		assert.Equal(t, int32(1), denied.Load())
		assert.Zero(t, approved.Load())
		assert.Equal(t, 0, f.tokens.count())
	default:
		t.Fatalf("unexpected final status %s", final)
	}
	assert.Equal(t, int32(16), approved.Load()+denied.Load()+conflicts.Load())
}

func TestService_ConcurrentApproves_IssueOneToken(t *testing.T) {
	f := newFixture(t)
	f.tokens.storeDelay = 5 * time.Millisecond
	g := f.request(t, 4, "canViewMedicalHistory")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued []string
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Approve(context.Background(), g.ID, patientActor)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, StatusActive, res.Grant.Status)
			if res.Token != nil {
				mu.Lock()
				issued = append(issued, res.Token.Token)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, f.tokens.count(), "one live token per grant")
	require.NotEmpty(t, issued)
	for _, tok := range issued {
		assert.Equal(t, issued[0], tok)
	}
	assert.Equal(t, 1, f.observer.counts["approved"])

	// un reintento posterior devuelve el mismo token
	again, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)
	require.NotNil(t, again.Token)
	assert.Equal(t, issued[0], again.Token.Token)
	assert.Equal(t, 1, f.tokens.count())
}

func TestService_Approve_TokenFailureRevertsToPending(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 4, "canViewMedicalHistory")

	f.tokens.storeErr = errors.New("store down")
	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.Error(t, err)
	assert.Equal(t, StatusPending, f.repo.stored(g.ID).Status)
	assert.Nil(t, f.repo.stored(g.ID).GrantedAt)
	assert.Zero(t, f.tokens.count())

	f.tokens.storeErr = nil
	res, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)
	require.NotNil(t, res.Token)
	assert.Equal(t, 1, f.tokens.count())
}

// -------------------------
// Revoke
// -------------------------

func TestService_Revoke_CascadesToTokens(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 4, "canViewMedicalHistory")
	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)

	res, err := f.svc.Revoke(context.Background(), g.ID, patientActor, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, res.Grant.Status)
	assert.Equal(t, "no longer needed", res.Grant.RevocationReason)
	assert.Equal(t, 1, res.TokensRevoked)

	list, _ := f.tokens.ListForGrant(context.Background(), g.ID)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsRevoked)

	_, err = f.svc.Revoke(context.Background(), g.ID, patientActor, "")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, f.audit.types(), audit.EventGrantRevoked)
}

func TestService_Revoke_CascadeFailureIsReported(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 4, "canViewMedicalHistory")
	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)

	f.tokens.revokeErr = errors.New("store down")
	_, err = f.svc.Revoke(context.Background(), g.ID, patientActor, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestService_Revoke_ExpiredIsConflict(t *testing.T) {
	f := newFixture(t)
	g := f.request(t, 1, "canViewMedicalHistory")
	_, err := f.svc.Approve(context.Background(), g.ID, patientActor)
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	_, err = f.svc.Revoke(context.Background(), g.ID, patientActor, "")
	assert.Equal(t, ErrExpired, kindOf(t, err))
}

func TestService_RevokeAllForPatient(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, 4, "canViewMedicalHistory")
	_ = f.request(t, 4, "canViewPrescriptions")
	_, err := f.svc.Approve(context.Background(), a.ID, patientActor)
	require.NoError(t, err)

	res, err := f.svc.RevokeAllForPatient(context.Background(), patient, patientActor, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.GrantsRevoked)
	assert.Equal(t, 1, res.TokensRevoked)

	res, err = f.svc.RevokeAllForPatient(context.Background(), patient, patientActor, "")
	require.NoError(t, err)
	assert.Zero(t, res.GrantsRevoked)
}

func TestService_RevokeAllForOrganization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.request(t, 4, "canViewMedicalHistory")
	_ = f.request(t, 4, "canViewPrescriptions")
	_, err := f.svc.Approve(ctx, a.ID, patientActor)
	require.NoError(t, err)

	other := Grant{
		ID:              "grant-org-2",
		PatientID:       patient,
		OrganizationID:  "org-2",
		Status:          StatusPending,
		AccessScope:     AccessScope{CanViewMedicalHistory: true},
		TimeWindowHours: 4,
		CreatedAt:       t0,
		UpdatedAt:       t0,
		ExpiresAt:       t0.Add(4 * time.Hour),
	}
	require.NoError(t, f.repo.Create(ctx, other))
	_, err = f.svc.Approve(ctx, other.ID, patientActor)
	require.NoError(t, err)

	t.Run("requires canManageOrganization", func(t *testing.T) {
		docActor := Actor{UserID: docUser, Role: auth.RolePractitioner, PractitionerID: doc}
		_, err := f.svc.RevokeAllForOrganization(ctx, org, docActor, "")
		assert.Equal(t, ErrForbidden, kindOf(t, err))

		_, err = f.svc.RevokeAllForOrganization(ctx, org, patientActor, "")
		assert.Equal(t, ErrForbidden, kindOf(t, err))

		_, err = f.svc.RevokeAllForOrganization(ctx, " ", Actor{UserID: "ops", Role: auth.RoleAdmin}, "")
		assert.Equal(t, ErrValidation, kindOf(t, err))

		assert.Equal(t, StatusActive, f.repo.stored(a.ID).Status)
	})

	t.Run("manager locks down only their organization", func(t *testing.T) {
		mgr := Actor{UserID: "manager-user", Role: auth.RolePractitioner, PractitionerID: manager}
		res, err := f.svc.RevokeAllForOrganization(ctx, org, mgr, "security incident")
		require.NoError(t, err)
		assert.Equal(t, 2, res.GrantsRevoked)
		assert.Equal(t, 1, res.TokensRevoked)

		assert.Equal(t, StatusRevoked, f.repo.stored(a.ID).Status)
		assert.Equal(t, "security incident", f.repo.stored(a.ID).RevocationReason)

		assert.Equal(t, StatusActive, f.repo.stored(other.ID).Status)
		toks, _ := f.tokens.ListForGrant(ctx, other.ID)
		require.Len(t, toks, 1)
		assert.False(t, toks[0].IsRevoked)
	})

	t.Run("admin rerun is a no-op", func(t *testing.T) {
		res, err := f.svc.RevokeAllForOrganization(ctx, org, Actor{UserID: "ops", Role: auth.RoleAdmin}, "")
		require.NoError(t, err)
		assert.Zero(t, res.GrantsRevoked)
		assert.Zero(t, res.TokensRevoked)
	})
}

// -------------------------
// Expiry and queries
// -------------------------

func TestService_CurrentAccess_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.request(t, 1, "canViewMedicalHistory")

	res, err := f.svc.CurrentAccess(ctx, AccessQuery{PatientID: patient, OrganizationID: org})
	require.NoError(t, err)
	assert.False(t, res.Found, "pending grants never give access")

	_, err = f.svc.Approve(ctx, g.ID, patientActor)
	require.NoError(t, err)

	res, err = f.svc.CurrentAccess(ctx, AccessQuery{PatientID: patient, OrganizationID: org})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, g.ID, res.Grant.ID)
	assert.True(t, f.svc.HasActiveGrant(ctx, patient, org))

	f.advance(time.Hour)

	res, err = f.svc.CurrentAccess(ctx, AccessQuery{PatientID: patient, OrganizationID: org})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.Expired)
	assert.False(t, f.svc.HasActiveGrant(ctx, patient, org))

	// Leer nunca muta lo guardado.
	assert.Equal(t, StatusActive, f.repo.stored(g.ID).Status)
}

func TestService_CurrentAccess_PicksMostRecentGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.request(t, 8, "canViewMedicalHistory")
	_, err := f.svc.Approve(ctx, older.ID, patientActor)
	require.NoError(t, err)

	f.advance(time.Minute)
	newer := f.request(t, 2, "canViewPrescriptions")
	_, err = f.svc.Approve(ctx, newer.ID, patientActor)
	require.NoError(t, err)

	res, err := f.svc.CurrentAccess(ctx, AccessQuery{PatientID: patient, OrganizationID: org})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, newer.ID, res.Grant.ID)
}

func TestService_ReconcileExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.request(t, 1, "canViewMedicalHistory")
	_, err := f.svc.Approve(ctx, active.ID, patientActor)
	require.NoError(t, err)
	pending := f.request(t, 1, "canViewPrescriptions")
	// pedido a nivel organización, ventana más larga
	longer, err := f.svc.Request(ctx, RequestInput{
		PatientID: patient, OrganizationID: org,
		Scopes: []string{"canViewMedicalHistory"}, TimeWindowHours: 5,
	})
	require.NoError(t, err)

	f.advance(time.Hour)

	n, err := f.svc.ReconcileExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusExpired, f.repo.stored(active.ID).Status)
	assert.Equal(t, StatusExpired, f.repo.stored(pending.ID).Status)
	assert.Equal(t, StatusPending, f.repo.stored(longer.ID).Status)

	list, _ := f.tokens.ListForGrant(ctx, active.ID)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsRevoked)

	// después del sweep el motivo sigue siendo "vencido", no "sin grant"
	res, err := f.svc.CurrentAccess(ctx, AccessQuery{PatientID: patient, OrganizationID: org})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.Expired)
	require.NotNil(t, res.Grant)
	assert.Equal(t, active.ID, res.Grant.ID)

	n, err = f.svc.ReconcileExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_ListByPatient_Projection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.request(t, 1, "canViewMedicalHistory")
	_, err := f.svc.Approve(ctx, a.ID, patientActor)
	require.NoError(t, err)
	f.advance(time.Minute)
	b := f.request(t, 5, "canViewPrescriptions")

	f.advance(time.Hour)

	list, err := f.svc.ListByPatient(ctx, patientActor, patient, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	list, err = f.svc.ListByPatient(ctx, patientActor, patient, ListOptions{IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest first")
	assert.Equal(t, StatusExpired, list[1].Status)

	list, err = f.svc.ListByPatient(ctx, patientActor, patient, ListOptions{Status: StatusActive})
	require.NoError(t, err)
	assert.Empty(t, list, "ACTIVE past expiresAt is never reported as ACTIVE")

	_, err = f.svc.ListByPatient(ctx, Actor{UserID: "patient-2", Role: auth.RolePatient}, patient, ListOptions{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_ListPendingForOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.request(t, 1, "canViewMedicalHistory")

	list, err := f.svc.ListPendingForOrganization(ctx, Actor{UserID: docUser, Role: auth.RolePractitioner, PractitionerID: doc}, org, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, g.ID, list[0].ID)

	_, err = f.svc.ListPendingForOrganization(ctx, patientActor, org, 0)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"PENDING":  StatusPending,
		"active":   StatusActive,
		"approved": StatusActive,
		"DENIED":   StatusRevoked,
		"revoked":  StatusRevoked,
		"Expired":  StatusExpired,
	}
	for raw, want := range tests {
		got, ok := NormalizeStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := NormalizeStatus("paused")
	assert.False(t, ok)
}
