package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/internal/repository"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type permitStoreStub struct {
	mu        sync.Mutex
	permits   map[string]*models.Permit
	approvals map[string][]models.RequiredApproval
	seq       int

	failSubmit error  // next SubmitWithApprovals call fails with this
	onDecide   func() // runs once inside the next DecideWithStatus call
}

func newPermitStoreStub() *permitStoreStub {
	return &permitStoreStub{
		permits:   make(map[string]*models.Permit),
		approvals: make(map[string][]models.RequiredApproval),
	}
}

func (s *permitStoreStub) Create(ctx context.Context, permit *models.Permit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	permit.ID = fmt.Sprintf("permit-%d", s.seq)
	permit.Serial = fmt.Sprintf("PTW-2026-%03d", s.seq)
	permit.Version = 1
	stored := *permit
	s.permits[permit.ID] = &stored
	return nil
}

func (s *permitStoreStub) GetByID(ctx context.Context, id string) (*models.Permit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.permits[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	permit := *stored
	permit.Approvals = append([]models.RequiredApproval(nil), s.approvals[id]...)
	return &permit, nil
}

func (s *permitStoreStub) List(ctx context.Context, filter models.PermitFilter) ([]models.Permit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Permit
	for _, p := range s.permits {
		if filter.RequesterID != "" && p.RequesterID != filter.RequesterID {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

func (s *permitStoreStub) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]models.Permit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Permit
	for _, p := range s.permits {
		if p.Status == models.StatusActive && p.ValidTo != nil && p.ValidTo.Before(cutoff) {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *permitStoreStub) UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyUpdateLocked(params)
}

func (s *permitStoreStub) applyUpdateLocked(params repository.UpdateStatusParams) error {
	stored, ok := s.permits[params.ID]
	if !ok || stored.Status != params.FromStatus || stored.Version != params.Version {
		return sql.ErrNoRows
	}
	stored.Status = params.ToStatus
	stored.Version++
	if params.ValidFrom != nil {
		stored.ValidFrom = params.ValidFrom
	}
	if params.ValidTo != nil {
		stored.ValidTo = params.ValidTo
	}
	if params.RequestedValidTo != nil {
		stored.RequestedValidTo = params.RequestedValidTo
	} else if params.ClearRequested {
		stored.RequestedValidTo = nil
	}
	if params.SuspendedBy != nil {
		stored.SuspendedBy = params.SuspendedBy
	} else if params.ClearSuspended {
		stored.SuspendedBy = nil
	}
	if params.CloseReason != nil {
		stored.CloseReason = params.CloseReason
	}
	return nil
}

func (s *permitStoreStub) SubmitWithApprovals(ctx context.Context, params repository.UpdateStatusParams, approvals []models.RequiredApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubmit != nil {
		err := s.failSubmit
		s.failSubmit = nil
		return err
	}
	if err := s.applyUpdateLocked(params); err != nil {
		return err
	}
	s.approvals[params.ID] = nil
	for _, a := range approvals {
		s.approvals[a.PermitID] = append(s.approvals[a.PermitID], a)
	}
	return nil
}

func (s *permitStoreStub) ListApprovals(ctx context.Context, permitID string) ([]models.RequiredApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RequiredApproval(nil), s.approvals[permitID]...), nil
}

func (s *permitStoreStub) DecideApproval(ctx context.Context, params repository.DecideApprovalParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decideLocked(params)
}

func (s *permitStoreStub) DecideWithStatus(ctx context.Context, decide repository.DecideApprovalParams, status repository.UpdateStatusParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onDecide != nil {
		hook := s.onDecide
		s.onDecide = nil
		hook()
	}
	// Both writes land or neither does, so check the status flip before
	// touching the approval entry.
	stored, ok := s.permits[status.ID]
	if !ok || stored.Status != status.FromStatus || stored.Version != status.Version {
		return sql.ErrNoRows
	}
	if err := s.decideLocked(decide); err != nil {
		return err
	}
	return s.applyUpdateLocked(status)
}

func (s *permitStoreStub) decideLocked(params repository.DecideApprovalParams) error {
	entries := s.approvals[params.PermitID]
	for i := range entries {
		if entries[i].Role == params.Role && entries[i].Decision == models.DecisionPending {
			entries[i].Decision = params.Decision
			entries[i].ActorID = &params.ActorID
			entries[i].Comment = params.Comment
			decidedAt := params.DecidedAt
			entries[i].DecidedAt = &decidedAt
			return nil
		}
	}
	return sql.ErrNoRows
}

type auditLedgerStub struct {
	mu       sync.Mutex
	entries  []models.AuditEntry
	failures int // number of Record calls to fail before accepting writes
}

func (s *auditLedgerStub) Record(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("ledger write refused")
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *auditLedgerStub) History(ctx context.Context, permitID string) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.AuditEntry
	for _, e := range s.entries {
		if e.PermitID == permitID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *auditLedgerStub) forPermit(permitID string) []models.AuditEntry {
	entries, _ := s.History(context.Background(), permitID)
	return entries
}

type resolverStub struct {
	steps []models.ApprovalChainStep
	err   error
}

func (s *resolverStub) Resolve(ctx context.Context, siteID string, permitType models.PermitType) ([]models.ApprovalChainStep, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.steps, nil
}

func (s *resolverStub) Allowed(action PermitAction, role models.UserRole) bool {
	for _, allowed := range actionRoles[action] {
		if allowed == role {
			return true
		}
	}
	return false
}

type userDirectoryStub struct {
	users map[string]*models.User
}

func (s *userDirectoryStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type siteStoreStub struct {
	sites map[string]*models.Site
}

func (s *siteStoreStub) GetByID(ctx context.Context, id string) (*models.Site, error) {
	site, ok := s.sites[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return site, nil
}

type workflowFixture struct {
	store    *permitStoreStub
	audit    *auditLedgerStub
	resolver *resolverStub
	users    *userDirectoryStub
	svc      *PermitService

	requester *models.User
	other     *models.User
	safety    *models.User
	safety2   *models.User
	areaMgr   *models.User
	leader    *models.User
	admin     *models.User

	now time.Time
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	fx := &workflowFixture{
		store: newPermitStoreStub(),
		audit: &auditLedgerStub{},
		now:   time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	fx.requester = &models.User{ID: "user-requester", Role: models.RoleRequester, Active: true}
	fx.other = &models.User{ID: "user-other", Role: models.RoleRequester, Active: true}
	fx.safety = &models.User{ID: "user-safety", Role: models.RoleApproverSafety, Active: true}
	fx.safety2 = &models.User{ID: "user-safety-2", Role: models.RoleApproverSafety, Active: true}
	fx.areaMgr = &models.User{ID: "user-area", Role: models.RoleApproverAreaMgr, Active: true}
	fx.leader = &models.User{ID: "user-leader", Role: models.RoleSiteLeader, Active: true}
	fx.admin = &models.User{ID: "user-admin", Role: models.RoleAdmin, Active: true}

	fx.users = &userDirectoryStub{users: map[string]*models.User{
		fx.requester.ID: fx.requester,
		fx.other.ID:     fx.other,
		fx.safety.ID:    fx.safety,
		fx.safety2.ID:   fx.safety2,
		fx.areaMgr.ID:   fx.areaMgr,
		fx.leader.ID:    fx.leader,
		fx.admin.ID:     fx.admin,
	}}

	fx.resolver = &resolverStub{steps: []models.ApprovalChainStep{
		{Role: models.RoleApproverSafety, Position: 0},
		{Role: models.RoleApproverAreaMgr, Position: 1},
	}}

	sites := &siteStoreStub{sites: map[string]*models.Site{
		"site-1": {ID: "site-1", Code: "PLANT-A", Name: "Plant A", Active: true},
	}}

	fx.svc = NewPermitService(fx.store, fx.audit, fx.resolver, fx.users, sites, nil,
		PermitServiceConfig{
			DefaultValidity: 8 * time.Hour,
			MaxValidity:     7 * 24 * time.Hour,
			MaxExtension:    48 * time.Hour,
		},
		WithClock(func() time.Time { return fx.now }),
	)
	return fx
}

func claimsFor(user *models.User) *models.JWTClaims {
	return &models.JWTClaims{UserID: user.ID, Role: user.Role}
}

func (fx *workflowFixture) createDraft(t *testing.T) *models.Permit {
	t.Helper()
	permit, err := fx.svc.Create(context.Background(), dto.CreatePermitRequest{
		Type:        models.PermitTypeHotWork,
		SiteID:      "site-1",
		Description: "welding on tank 3",
	}, claimsFor(fx.requester))
	require.NoError(t, err)
	return permit
}

func (fx *workflowFixture) createActive(t *testing.T) *models.Permit {
	t.Helper()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(context.Background(), draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)
	_, err = fx.svc.Decide(context.Background(), draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	permit, err := fx.svc.Decide(context.Background(), draft.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, permit.Status)
	return permit
}

func errorCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return appErrors.FromError(err).Code
}

func TestPermitLifecycleHappyPath(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()

	draft := fx.createDraft(t)
	assert.Equal(t, models.StatusDraft, draft.Status)
	assert.Equal(t, "PTW-2026-001", draft.Serial)
	assert.Equal(t, 1, draft.Version)

	submitted, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, submitted.Status)
	require.Len(t, submitted.Approvals, 2)
	assert.Equal(t, models.DecisionPending, submitted.Approvals[0].Decision)

	afterFirst, err := fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, afterFirst.Status)
	assert.Equal(t, models.DecisionApproved, afterFirst.Approvals[0].Decision)

	active, err := fx.svc.Decide(ctx, draft.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, active.Status)
	require.NotNil(t, active.ValidFrom)
	require.NotNil(t, active.ValidTo)
	assert.Equal(t, fx.now, *active.ValidFrom)
	assert.Equal(t, fx.now.Add(8*time.Hour), *active.ValidTo)

	entries := fx.audit.forPermit(draft.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, models.TriggerSubmit, entries[0].Trigger)
	assert.Equal(t, models.StatusActive, entries[len(entries)-1].ToStatus)
}

func TestSubmitFailsWithoutChainTemplate(t *testing.T) {
	fx := newWorkflowFixture(t)
	fx.resolver.err = appErrors.Clone(appErrors.ErrConfiguration, "no approval chain template configured for site PLANT-A and permit type HOT_WORK")

	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(context.Background(), draft.ID, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrConfiguration.Code, errorCode(t, err))

	permit, getErr := fx.store.GetByID(context.Background(), draft.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusDraft, permit.Status)
}

func TestSubmitOnlyByRequesterOrAdmin(t *testing.T) {
	fx := newWorkflowFixture(t)
	draft := fx.createDraft(t)

	_, err := fx.svc.Submit(context.Background(), draft.ID, claimsFor(fx.other))
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))

	_, err = fx.svc.Submit(context.Background(), draft.ID, claimsFor(fx.admin))
	require.NoError(t, err)
}

func TestSubmitRetryDoesNotDuplicateChain(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)

	fx.store.failSubmit = errors.New("connection reset by peer")
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrInternal.Code, errorCode(t, err))

	permit, err := fx.store.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, permit.Status)
	assert.Empty(t, permit.Approvals)

	submitted, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, submitted.Status)

	perRole := make(map[models.UserRole]int)
	for _, entry := range submitted.Approvals {
		perRole[entry.Role]++
	}
	assert.Equal(t, map[models.UserRole]int{
		models.RoleApproverSafety:  1,
		models.RoleApproverAreaMgr: 1,
	}, perRole)
}

func TestDecideSameRoleTwiceIsStale(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety2), dto.DecisionRequest{Approve: true})
	assert.Equal(t, appErrors.ErrStaleTransition.Code, errorCode(t, err))
}

func TestDecideByRoleOutsideChain(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.leader), dto.DecisionRequest{Approve: true})
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))
}

func TestRejectionShortCircuitsChain(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	rejected, err := fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: false, Comment: "no fire watch assigned"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	assert.Equal(t, appErrors.ErrStaleTransition.Code, errorCode(t, err))

	entries := fx.audit.forPermit(draft.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.StatusRejected, last.ToStatus)
	require.NotNil(t, last.Comment)
	assert.Equal(t, "no fire watch assigned", *last.Comment)
}

func TestRejectAfterConcurrentTransitionLeavesEntryPending(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	// Another instance moves the permit between the guard checks and the
	// rejection write. The whole rejection must roll back.
	fx.store.onDecide = func() {
		fx.store.permits[draft.ID].Version++
	}
	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: false, Comment: "stop work"})
	assert.Equal(t, appErrors.ErrStaleTransition.Code, errorCode(t, err))

	permit, err := fx.store.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, permit.Status)
	for _, entry := range permit.Approvals {
		assert.Equal(t, models.DecisionPending, entry.Decision)
	}
}

func TestSequentialGateBlocksEarlyDecision(t *testing.T) {
	fx := newWorkflowFixture(t)
	fx.resolver.steps = []models.ApprovalChainStep{
		{Role: models.RoleApproverSafety, Position: 0},
		{Role: models.RoleApproverAreaMgr, Position: 1, SequentialGated: true},
	}
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	assert.Equal(t, appErrors.ErrApprovalOrder.Code, errorCode(t, err))

	_, err = fx.svc.Decide(ctx, draft.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	permit, err := fx.svc.Decide(ctx, draft.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, permit.Status)
}

func TestConcurrentFinalDecisionsActivateOnce(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)
	_, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)

	var wg sync.WaitGroup
	decide := func(user *models.User) {
		defer wg.Done()
		_, err := fx.svc.Decide(ctx, draft.ID, claimsFor(user), dto.DecisionRequest{Approve: true})
		assert.NoError(t, err)
	}
	wg.Add(2)
	go decide(fx.safety)
	go decide(fx.areaMgr)
	wg.Wait()

	permit, err := fx.store.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, permit.Status)

	activations := 0
	for _, entry := range fx.audit.forPermit(draft.ID) {
		if entry.ToStatus == models.StatusActive {
			activations++
		}
	}
	assert.Equal(t, 1, activations)
}

func TestAuditAppendRetriesTransientFailure(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)

	fx.audit.failures = 1
	submitted, err := fx.svc.Submit(ctx, draft.ID, claimsFor(fx.requester))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, submitted.Status)

	entries := fx.audit.forPermit(draft.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TriggerSubmit, entries[0].Trigger)
}

func TestCancelGuards(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()

	draft := fx.createDraft(t)
	_, err := fx.svc.Cancel(ctx, draft.ID, claimsFor(fx.other), "")
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))

	cancelled, err := fx.svc.Cancel(ctx, draft.ID, claimsFor(fx.requester), "plans changed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	active := fx.createActive(t)
	_, err = fx.svc.Cancel(ctx, active.ID, claimsFor(fx.requester), "")
	assert.Equal(t, appErrors.ErrStaleTransition.Code, errorCode(t, err))
}

func TestSuspendAndResume(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	_, err := fx.svc.Suspend(ctx, active.ID, claimsFor(fx.requester), "gas alarm")
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))

	suspended, err := fx.svc.Suspend(ctx, active.ID, claimsFor(fx.safety), "gas alarm")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, suspended.Status)
	require.NotNil(t, suspended.SuspendedBy)
	assert.Equal(t, fx.safety.ID, *suspended.SuspendedBy)

	_, err = fx.svc.Resume(ctx, active.ID, claimsFor(fx.safety2))
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))

	resumed, err := fx.svc.Resume(ctx, active.ID, claimsFor(fx.safety))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, resumed.Status)
	assert.Nil(t, resumed.SuspendedBy)
}

func TestAdminMayResumeAnySuspension(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	_, err := fx.svc.Suspend(ctx, active.ID, claimsFor(fx.safety), "incident review")
	require.NoError(t, err)

	resumed, err := fx.svc.Resume(ctx, active.ID, claimsFor(fx.admin))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, resumed.Status)
}

func TestCloseFromActiveAndSuspended(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()

	active := fx.createActive(t)
	closed, err := fx.svc.Close(ctx, active.ID, claimsFor(fx.requester), "work done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)

	second := fx.createActive(t)
	_, err = fx.svc.Suspend(ctx, second.ID, claimsFor(fx.safety), "weather")
	require.NoError(t, err)
	closed, err = fx.svc.Close(ctx, second.ID, claimsFor(fx.leader), "abandoned")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
}

func TestCloseBeforeWindowStartFails(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()

	validFrom := fx.now.Add(2 * time.Hour)
	validTo := fx.now.Add(10 * time.Hour)
	permit, err := fx.svc.Create(ctx, dto.CreatePermitRequest{
		Type:        models.PermitTypeHeight,
		SiteID:      "site-1",
		Description: "roof inspection",
		ValidFrom:   &validFrom,
		ValidTo:     &validTo,
	}, claimsFor(fx.requester))
	require.NoError(t, err)
	_, err = fx.svc.Submit(ctx, permit.ID, claimsFor(fx.requester))
	require.NoError(t, err)
	_, err = fx.svc.Decide(ctx, permit.ID, claimsFor(fx.safety), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)
	_, err = fx.svc.Decide(ctx, permit.ID, claimsFor(fx.areaMgr), dto.DecisionRequest{Approve: true})
	require.NoError(t, err)

	_, err = fx.svc.Close(ctx, permit.ID, claimsFor(fx.requester), "")
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))
}

func TestExtensionApprovalMovesValidTo(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	newValidTo := active.ValidTo.Add(4 * time.Hour)
	requested, err := fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: newValidTo})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExtensionRequested, requested.Status)
	require.NotNil(t, requested.RequestedValidTo)
	assert.Equal(t, newValidTo, *requested.RequestedValidTo)
	assert.Equal(t, *active.ValidTo, *requested.ValidTo)

	decided, err := fx.svc.DecideExtension(ctx, active.ID, claimsFor(fx.leader), dto.ExtensionDecisionRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, decided.Status)
	assert.Equal(t, newValidTo, *decided.ValidTo)
	assert.Nil(t, decided.RequestedValidTo)
}

func TestExtensionRejectionKeepsValidTo(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)
	originalValidTo := *active.ValidTo

	newValidTo := originalValidTo.Add(4 * time.Hour)
	_, err := fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: newValidTo})
	require.NoError(t, err)

	decided, err := fx.svc.DecideExtension(ctx, active.ID, claimsFor(fx.leader), dto.ExtensionDecisionRequest{Approve: false, Comment: "too close to shift end"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, decided.Status)
	assert.Equal(t, originalValidTo, *decided.ValidTo)
	assert.Nil(t, decided.RequestedValidTo)
}

func TestExtensionValidation(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	_, err := fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: active.ValidTo.Add(-time.Hour)})
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))

	_, err = fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: active.ValidTo.Add(72 * time.Hour)})
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))

	_, err = fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.other), dto.ExtensionRequest{NewValidTo: active.ValidTo.Add(time.Hour)})
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))
}

func TestChainApproverMayDecideExtension(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	_, err := fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: active.ValidTo.Add(2 * time.Hour)})
	require.NoError(t, err)

	decided, err := fx.svc.DecideExtension(ctx, active.ID, claimsFor(fx.safety), dto.ExtensionDecisionRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, decided.Status)
}

func TestExpireClosesOverduePermitOnce(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	expired, err := fx.svc.Expire(ctx, active.ID, active.ValidTo.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, expired)

	permit, err := fx.store.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, permit.Status)
	require.NotNil(t, permit.CloseReason)
	assert.Equal(t, models.CloseReasonExpired, *permit.CloseReason)

	entries := fx.audit.forPermit(active.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.TriggerExpire, last.Trigger)
	assert.Equal(t, models.SystemActorRole, last.RoleAtAction)
	assert.Nil(t, last.ActorID)

	again, err := fx.svc.Expire(ctx, active.ID, active.ValidTo.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, again)
}

func TestExpireSkipsPermitStillInWindow(t *testing.T) {
	fx := newWorkflowFixture(t)
	active := fx.createActive(t)

	expired, err := fx.svc.Expire(context.Background(), active.ID, active.ValidTo.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestExpireDoesNotTouchExtensionRequested(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	active := fx.createActive(t)

	_, err := fx.svc.RequestExtension(ctx, active.ID, claimsFor(fx.requester), dto.ExtensionRequest{NewValidTo: active.ValidTo.Add(2 * time.Hour)})
	require.NoError(t, err)

	expired, err := fx.svc.Expire(ctx, active.ID, active.ValidTo.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestInactiveActorIsRejected(t *testing.T) {
	fx := newWorkflowFixture(t)
	draft := fx.createDraft(t)
	fx.requester.Active = false

	_, err := fx.svc.Submit(context.Background(), draft.ID, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrAuthorization.Code, errorCode(t, err))
}

func TestRequesterReadScope(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()
	draft := fx.createDraft(t)

	_, err := fx.svc.Get(ctx, draft.ID, claimsFor(fx.other))
	assert.Equal(t, appErrors.ErrForbidden.Code, errorCode(t, err))

	permit, err := fx.svc.Get(ctx, draft.ID, claimsFor(fx.safety))
	require.NoError(t, err)
	assert.Equal(t, draft.ID, permit.ID)

	permits, err := fx.svc.List(ctx, dto.PermitQuery{}, claimsFor(fx.other))
	require.NoError(t, err)
	assert.Empty(t, permits)
}

func TestCreateValidation(t *testing.T) {
	fx := newWorkflowFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Create(ctx, dto.CreatePermitRequest{
		Type:        "WILD_GUESS",
		SiteID:      "site-1",
		Description: "x",
	}, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))

	_, err = fx.svc.Create(ctx, dto.CreatePermitRequest{
		Type:        models.PermitTypeGeneral,
		SiteID:      "site-missing",
		Description: "x",
	}, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))

	from := fx.now
	to := fx.now.Add(-time.Hour)
	_, err = fx.svc.Create(ctx, dto.CreatePermitRequest{
		Type:        models.PermitTypeGeneral,
		SiteID:      "site-1",
		Description: "x",
		ValidFrom:   &from,
		ValidTo:     &to,
	}, claimsFor(fx.requester))
	assert.Equal(t, appErrors.ErrValidation.Code, errorCode(t, err))
}
