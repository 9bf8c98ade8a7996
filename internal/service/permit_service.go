package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/internal/repository"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type permitStore interface {
	Create(ctx context.Context, permit *models.Permit) error
	GetByID(ctx context.Context, id string) (*models.Permit, error)
	List(ctx context.Context, filter models.PermitFilter) ([]models.Permit, error)
	UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error
	SubmitWithApprovals(ctx context.Context, params repository.UpdateStatusParams, approvals []models.RequiredApproval) error
	ListApprovals(ctx context.Context, permitID string) ([]models.RequiredApproval, error)
	DecideApproval(ctx context.Context, params repository.DecideApprovalParams) error
	DecideWithStatus(ctx context.Context, decide repository.DecideApprovalParams, status repository.UpdateStatusParams) error
}

type auditLedger interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
	History(ctx context.Context, permitID string) ([]models.AuditEntry, error)
}

type approvalChainResolver interface {
	Resolve(ctx context.Context, siteID string, permitType models.PermitType) ([]models.ApprovalChainStep, error)
	Allowed(action PermitAction, role models.UserRole) bool
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// TransitionNotifier receives committed transitions. Implementations must be
// fire-and-forget: a notification failure never affects the transition.
type TransitionNotifier interface {
	NotifyTransition(permit *models.Permit, entry *models.AuditEntry)
}

type transitionObserver interface {
	ObservePermitTransition(from, to, trigger string)
}

type permitReadCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// PermitServiceConfig carries issuance defaults.
type PermitServiceConfig struct {
	DefaultValidity time.Duration
	MaxValidity     time.Duration
	MaxExtension    time.Duration
	CacheTTL        time.Duration
}

// PermitService is the permit workflow engine: the sole mutator of permit
// status and approval decisions. Every transition is serialized per permit,
// guarded against stale state, and appended to the audit ledger.
type PermitService struct {
	repo      permitStore
	audit     auditLedger
	resolver  approvalChainResolver
	users     userDirectory
	sites     siteStore
	cache     permitReadCache
	notifier  TransitionNotifier
	metrics   transitionObserver
	locks     *permitLocks
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PermitServiceConfig
	now       func() time.Time
}

// PermitServiceOption configures the service.
type PermitServiceOption func(*PermitService)

// WithTransitionNotifier installs the change-notification hook.
func WithTransitionNotifier(notifier TransitionNotifier) PermitServiceOption {
	return func(s *PermitService) { s.notifier = notifier }
}

// WithTransitionObserver installs the metrics sink.
func WithTransitionObserver(observer transitionObserver) PermitServiceOption {
	return func(s *PermitService) { s.metrics = observer }
}

// WithPermitCache enables read-side caching of permit detail and history.
func WithPermitCache(cache permitReadCache) PermitServiceOption {
	return func(s *PermitService) { s.cache = cache }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PermitServiceOption {
	return func(s *PermitService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPermitService constructs the workflow engine.
func NewPermitService(repo permitStore, audit auditLedger, resolver approvalChainResolver, users userDirectory, sites siteStore, logger *zap.Logger, cfg PermitServiceConfig, opts ...PermitServiceOption) *PermitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = 8 * time.Hour
	}
	if cfg.MaxValidity <= 0 {
		cfg.MaxValidity = 7 * 24 * time.Hour
	}
	if cfg.MaxExtension <= 0 {
		cfg.MaxExtension = 48 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	svc := &PermitService{
		repo:      repo,
		audit:     audit,
		resolver:  resolver,
		users:     users,
		sites:     sites,
		locks:     newPermitLocks(),
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create registers a new draft permit. Identity fields are fixed here and
// never change afterwards.
func (s *PermitService) Create(ctx context.Context, req dto.CreatePermitRequest, actor *models.JWTClaims) (*models.Permit, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid permit payload")
	}
	if !req.Type.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown permit type: %s", req.Type))
	}
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	site, err := s.sites.GetByID(ctx, req.SiteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "site does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load site")
	}
	if !site.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "site is inactive")
	}
	if req.ValidFrom != nil && req.ValidTo != nil {
		if !req.ValidTo.After(*req.ValidFrom) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "valid_to must be after valid_from")
		}
		if req.ValidTo.Sub(*req.ValidFrom) > s.cfg.MaxValidity {
			return nil, appErrors.Clone(appErrors.ErrValidation, "requested validity window exceeds the maximum")
		}
	}

	permit := &models.Permit{
		Type:        req.Type,
		SiteID:      site.ID,
		RequesterID: user.ID,
		Status:      models.StatusDraft,
		Description: strings.TrimSpace(req.Description),
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
	}
	if err := s.repo.Create(ctx, permit); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create permit")
	}
	return permit, nil
}

// Get returns a permit enforcing read scope.
func (s *PermitService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	cacheKey := fmt.Sprintf("permits:%s:detail", id)
	if s.cache != nil {
		var cached models.Permit
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			if err := s.checkReadScope(&cached, actor); err != nil {
				return nil, err
			}
			return &cached, nil
		}
	}
	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkReadScope(permit, actor); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, permit, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("failed to cache permit detail", zap.Error(err))
		}
	}
	return permit, nil
}

// List returns permits visible to the actor.
func (s *PermitService) List(ctx context.Context, query dto.PermitQuery, actor *models.JWTClaims) ([]models.Permit, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.PermitFilter{
		Status: query.Status,
		Type:   query.Type,
		SiteID: query.SiteID,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	if actor.Role == models.RoleRequester {
		filter.RequesterID = actor.UserID
	}
	permits, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list permits")
	}
	return permits, nil
}

// History returns the full audit ledger for a permit, oldest first.
func (s *PermitService) History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.AuditEntry, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	cacheKey := fmt.Sprintf("permits:%s:history", id)
	if s.cache != nil {
		var cached []models.AuditEntry
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}
	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkReadScope(permit, actor); err != nil {
		return nil, err
	}
	entries, err := s.audit.History(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load permit history")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, entries, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("failed to cache permit history", zap.Error(err))
		}
	}
	return entries, nil
}

// Submit moves a draft into approval. The chain is resolved once here and
// persisted so later template edits never alter this permit.
func (s *PermitService) Submit(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerSubmit); !ok {
		return nil, s.staleStatus(permit, models.TriggerSubmit)
	}
	if !user.Role.IsAdmin() && permit.RequesterID != user.ID {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "only the requester or an admin may submit this permit")
	}
	if strings.TrimSpace(permit.Description) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "permit description is required before submission")
	}

	steps, err := s.resolver.Resolve(ctx, permit.SiteID, permit.Type)
	if err != nil {
		return nil, err
	}
	approvals := make([]models.RequiredApproval, 0, len(steps))
	for _, step := range steps {
		approvals = append(approvals, models.RequiredApproval{
			PermitID:        permit.ID,
			Role:            step.Role,
			Position:        step.Position,
			SequentialGated: step.SequentialGated,
			Decision:        models.DecisionPending,
		})
	}
	// The chain insert and the status flip land in one transaction, so a
	// failed submit leaves no approval rows behind and a retry cannot
	// duplicate the chain.
	params := repository.UpdateStatusParams{
		ID:         permit.ID,
		FromStatus: permit.Status,
		Version:    permit.Version,
		ToStatus:   models.StatusPendingApproval,
	}
	if err := s.repo.SubmitWithApprovals(ctx, params, approvals); err != nil {
		return nil, s.transitionError(err, params)
	}
	s.finishTransition(ctx, permit, params, models.TriggerSubmit, &user.ID, string(user.Role), nil)
	return s.loadPermit(ctx, id)
}

// Decide records the actor's approval or rejection for their chain entry.
// Each entry is decided exactly once; a replay or a race on the same role
// surfaces as a stale transition.
func (s *PermitService) Decide(ctx context.Context, id string, actor *models.JWTClaims, req dto.DecisionRequest) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	trigger := models.TriggerApprove
	if !req.Approve {
		trigger = models.TriggerReject
	}
	if _, ok := models.NextStatus(permit.Status, trigger); !ok {
		return nil, s.staleStatus(permit, trigger)
	}

	var entry *models.RequiredApproval
	for i := range permit.Approvals {
		if permit.Approvals[i].Role == user.Role {
			entry = &permit.Approvals[i]
			break
		}
	}
	if entry == nil {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "your role is not part of this permit's approval chain")
	}
	if entry.Decision != models.DecisionPending {
		return nil, appErrors.Clone(appErrors.ErrStaleTransition, "your role has already made a decision on this permit")
	}
	if entry.SequentialGated {
		for _, other := range permit.Approvals {
			if other.Position < entry.Position && other.Decision != models.DecisionApproved {
				return nil, appErrors.Clone(appErrors.ErrApprovalOrder,
					fmt.Sprintf("role %s must decide before %s may act on this permit", other.Role, entry.Role))
			}
		}
	}

	decision := models.DecisionApproved
	if !req.Approve {
		decision = models.DecisionRejected
	}
	decideParams := repository.DecideApprovalParams{
		PermitID:  permit.ID,
		Role:      user.Role,
		Decision:  decision,
		ActorID:   user.ID,
		Comment:   optionalString(req.Comment),
		DecidedAt: s.now(),
	}

	if !req.Approve {
		// The entry flip and the permit flip commit together: if another
		// actor already moved the permit, the rejection rolls back and the
		// entry stays pending.
		params := repository.UpdateStatusParams{
			ID:         permit.ID,
			FromStatus: permit.Status,
			Version:    permit.Version,
			ToStatus:   models.StatusRejected,
		}
		if err := s.repo.DecideWithStatus(ctx, decideParams, params); err != nil {
			return nil, s.transitionError(err, params)
		}
		s.finishTransition(ctx, permit, params, models.TriggerReject, &user.ID, string(user.Role), optionalString(req.Comment))
		return s.loadPermit(ctx, id)
	}

	if err := s.repo.DecideApproval(ctx, decideParams); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStaleTransition, "your role has already made a decision on this permit")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record decision")
	}

	approvals, err := s.repo.ListApprovals(ctx, permit.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload approval chain")
	}
	allApproved := true
	for _, a := range approvals {
		if a.Decision != models.DecisionApproved {
			allApproved = false
			break
		}
	}

	if allApproved {
		validFrom := permit.ValidFrom
		validTo := permit.ValidTo
		if validFrom == nil {
			from := s.now()
			validFrom = &from
		}
		if validTo == nil {
			to := validFrom.Add(s.cfg.DefaultValidity)
			validTo = &to
		}
		if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
			ID:         permit.ID,
			FromStatus: permit.Status,
			Version:    permit.Version,
			ToStatus:   models.StatusActive,
			ValidFrom:  validFrom,
			ValidTo:    validTo,
		}, models.TriggerApprove, &user.ID, string(user.Role), optionalString(req.Comment)); err != nil {
			return nil, err
		}
		return s.loadPermit(ctx, id)
	}

	// Entry decided but the chain is not complete: the status stays
	// Pending_Approval and the decision itself is ledgered.
	s.appendAudit(ctx, permit.ID, permit.Status, permit.Status, models.TriggerApprove, &user.ID, string(user.Role), optionalString(req.Comment))
	s.invalidateCache(ctx, permit.ID)
	return s.loadPermit(ctx, id)
}

// Cancel withdraws a permit before it becomes active.
func (s *PermitService) Cancel(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerCancel); !ok {
		return nil, s.staleStatus(permit, models.TriggerCancel)
	}
	if !user.Role.IsAdmin() && permit.RequesterID != user.ID {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "only the requester or an admin may cancel this permit")
	}

	if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:         permit.ID,
		FromStatus: permit.Status,
		Version:    permit.Version,
		ToStatus:   models.StatusCancelled,
	}, models.TriggerCancel, &user.ID, string(user.Role), optionalString(comment)); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// Suspend halts work on an active permit.
func (s *PermitService) Suspend(ctx context.Context, id string, actor *models.JWTClaims, reason string) (*models.Permit, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a suspension reason is required")
	}
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerSuspend); !ok {
		return nil, s.staleStatus(permit, models.TriggerSuspend)
	}
	if !s.resolver.Allowed(ActionSuspend, user.Role) {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "only a safety officer or an admin may suspend a permit")
	}

	if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:          permit.ID,
		FromStatus:  permit.Status,
		Version:     permit.Version,
		ToStatus:    models.StatusSuspended,
		SuspendedBy: &user.ID,
	}, models.TriggerSuspend, &user.ID, string(user.Role), optionalString(reason)); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// Resume lifts a suspension. Only the suspending safety officer or an admin
// may resume.
func (s *PermitService) Resume(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerResume); !ok {
		return nil, s.staleStatus(permit, models.TriggerResume)
	}
	if !user.Role.IsAdmin() {
		if user.Role != models.RoleApproverSafety || permit.SuspendedBy == nil || *permit.SuspendedBy != user.ID {
			return nil, appErrors.Clone(appErrors.ErrAuthorization, "only the suspending safety officer or an admin may resume this permit")
		}
	}

	if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:             permit.ID,
		FromStatus:     permit.Status,
		Version:        permit.Version,
		ToStatus:       models.StatusActive,
		ClearSuspended: true,
	}, models.TriggerResume, &user.ID, string(user.Role), nil); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// Close ends a permit. From Active the work window must have started; from
// Suspended the permit closes without resuming first.
func (s *PermitService) Close(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerClose); !ok {
		return nil, s.staleStatus(permit, models.TriggerClose)
	}
	if !s.resolver.Allowed(ActionClose, user.Role) {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "your role may not close permits")
	}
	if user.Role == models.RoleRequester && permit.RequesterID != user.ID {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "requesters may only close their own permits")
	}
	if permit.Status == models.StatusActive {
		if permit.ValidFrom == nil || s.now().Before(*permit.ValidFrom) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "the work window has not started yet")
		}
	}

	if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:         permit.ID,
		FromStatus: permit.Status,
		Version:    permit.Version,
		ToStatus:   models.StatusClosed,
	}, models.TriggerClose, &user.ID, string(user.Role), optionalString(comment)); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// RequestExtension asks to move the authorized end time later. The current
// valid_to stays in force until the extension is decided.
func (s *PermitService) RequestExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionRequest) (*models.Permit, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid extension payload")
	}
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(permit.Status, models.TriggerRequestExtension); !ok {
		return nil, s.staleStatus(permit, models.TriggerRequestExtension)
	}
	if permit.RequesterID != user.ID {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "only the requester may ask for an extension")
	}
	if permit.ValidFrom != nil && req.NewValidTo.Before(*permit.ValidFrom) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new_valid_to is before the permit's valid_from")
	}
	if permit.ValidTo != nil && !req.NewValidTo.After(*permit.ValidTo) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new_valid_to must be after the current valid_to")
	}
	if permit.ValidTo != nil && req.NewValidTo.Sub(*permit.ValidTo) > s.cfg.MaxExtension {
		return nil, appErrors.Clone(appErrors.ErrValidation, "requested extension exceeds the maximum allowed")
	}

	newValidTo := req.NewValidTo
	if err := s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:               permit.ID,
		FromStatus:       permit.Status,
		Version:          permit.Version,
		ToStatus:         models.StatusExtensionRequested,
		RequestedValidTo: &newValidTo,
	}, models.TriggerRequestExtension, &user.ID, string(user.Role), optionalString(req.Comment)); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// DecideExtension approves or rejects a pending extension. Either way the
// permit returns to Active; valid_to only moves on approval.
func (s *PermitService) DecideExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionDecisionRequest) (*models.Permit, error) {
	user, err := s.activeActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return nil, err
	}
	trigger := models.TriggerApproveExtension
	if !req.Approve {
		trigger = models.TriggerRejectExtension
	}
	if _, ok := models.NextStatus(permit.Status, trigger); !ok {
		return nil, s.staleStatus(permit, trigger)
	}
	if !s.mayDecideExtension(permit, user.Role) {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "your role may not decide extensions for this permit")
	}

	params := repository.UpdateStatusParams{
		ID:             permit.ID,
		FromStatus:     permit.Status,
		Version:        permit.Version,
		ToStatus:       models.StatusActive,
		ClearRequested: true,
	}
	if req.Approve {
		if permit.RequestedValidTo == nil {
			return nil, appErrors.Clone(appErrors.ErrStaleTransition, "no extension is pending on this permit")
		}
		params.ValidTo = permit.RequestedValidTo
	}
	if err := s.commitTransition(ctx, permit, params, trigger, &user.ID, string(user.Role), optionalString(req.Comment)); err != nil {
		return nil, err
	}
	return s.loadPermit(ctx, id)
}

// Expire closes an active permit whose window has passed. It is called by
// the expiry monitor, never by a user, and is a no-op when the permit has
// already moved on. Reports whether this call performed the close.
func (s *PermitService) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	release := s.locks.Acquire(id)
	defer release()

	permit, err := s.loadPermit(ctx, id)
	if err != nil {
		return false, err
	}
	if permit.Status != models.StatusActive {
		return false, nil
	}
	if permit.ValidTo == nil || !now.After(*permit.ValidTo) {
		return false, nil
	}

	reason := models.CloseReasonExpired
	err = s.commitTransition(ctx, permit, repository.UpdateStatusParams{
		ID:          permit.ID,
		FromStatus:  permit.Status,
		Version:     permit.Version,
		ToStatus:    models.StatusClosed,
		CloseReason: &reason,
	}, models.TriggerExpire, nil, models.SystemActorRole, &reason)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrStaleTransition.Code {
			// Another actor transitioned the permit between load and
			// write; nothing left to expire.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// commitTransition applies a version-checked status flip, appends the ledger
// entry and fans out cache invalidation, metrics and notifications. The
// write either lands exactly once or surfaces a stale transition.
func (s *PermitService) commitTransition(ctx context.Context, permit *models.Permit, params repository.UpdateStatusParams, trigger models.PermitTrigger, actorID *string, role string, comment *string) error {
	if err := s.repo.UpdateStatus(ctx, params); err != nil {
		return s.transitionError(err, params)
	}
	s.finishTransition(ctx, permit, params, trigger, actorID, role, comment)
	return nil
}

// transitionError maps a failed status write to a caller-facing error.
func (s *PermitService) transitionError(err error, params repository.UpdateStatusParams) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrStaleTransition,
			fmt.Sprintf("permit is no longer %s; it was already processed by another actor", strings.ToLower(string(params.FromStatus))))
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply permit transition")
}

// finishTransition runs the post-commit fan-out: ledger entry, cache
// invalidation, metrics and notifications.
func (s *PermitService) finishTransition(ctx context.Context, permit *models.Permit, params repository.UpdateStatusParams, trigger models.PermitTrigger, actorID *string, role string, comment *string) {
	s.appendAudit(ctx, permit.ID, params.FromStatus, params.ToStatus, trigger, actorID, role, comment)
	s.invalidateCache(ctx, permit.ID)
	if s.metrics != nil {
		s.metrics.ObservePermitTransition(string(params.FromStatus), string(params.ToStatus), string(trigger))
	}
	if s.notifier != nil {
		notified := *permit
		notified.Status = params.ToStatus
		s.notifier.NotifyTransition(&notified, &models.AuditEntry{
			PermitID:     permit.ID,
			FromStatus:   params.FromStatus,
			ToStatus:     params.ToStatus,
			Trigger:      trigger,
			ActorID:      actorID,
			RoleAtAction: role,
			Comment:      comment,
		})
	}
}

func (s *PermitService) appendAudit(ctx context.Context, permitID string, from, to models.PermitStatus, trigger models.PermitTrigger, actorID *string, role string, comment *string) {
	entry := &models.AuditEntry{
		PermitID:     permitID,
		FromStatus:   from,
		ToStatus:     to,
		Trigger:      trigger,
		ActorID:      actorID,
		RoleAtAction: role,
		Comment:      comment,
		CreatedAt:    s.now(),
	}
	// The status flip has already committed, so retry once before giving up
	// on the ledger entry.
	err := s.audit.Record(ctx, entry)
	if err != nil {
		err = s.audit.Record(ctx, entry)
	}
	if err != nil {
		s.logger.Error("failed to append audit entry",
			zap.String("permit_id", permitID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func (s *PermitService) invalidateCache(ctx context.Context, permitID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, fmt.Sprintf("permits:%s:*", permitID)); err != nil {
		s.logger.Warn("failed to invalidate permit cache", zap.String("permit_id", permitID), zap.Error(err))
	}
}

func (s *PermitService) loadPermit(ctx context.Context, id string) (*models.Permit, error) {
	permit, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load permit")
	}
	return permit, nil
}

// activeActor resolves the actor against the user directory, which is
// authoritative for role and active status.
func (s *PermitService) activeActor(ctx context.Context, actor *models.JWTClaims) (*models.User, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	user, err := s.users.FindByID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrAuthorization, "actor no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load actor")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrAuthorization, "actor account is inactive")
	}
	return user, nil
}

func (s *PermitService) checkReadScope(permit *models.Permit, actor *models.JWTClaims) error {
	if actor.Role == models.RoleRequester && permit.RequesterID != actor.UserID {
		return appErrors.ErrForbidden
	}
	return nil
}

func (s *PermitService) mayDecideExtension(permit *models.Permit, role models.UserRole) bool {
	if s.resolver.Allowed(ActionDecideExtension, role) {
		return true
	}
	for _, approval := range permit.Approvals {
		if approval.Role == role {
			return true
		}
	}
	return false
}

func (s *PermitService) staleStatus(permit *models.Permit, trigger models.PermitTrigger) error {
	if permit.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrStaleTransition,
			fmt.Sprintf("permit %s is %s and can no longer change", permit.Serial, strings.ToLower(string(permit.Status))))
	}
	return appErrors.Clone(appErrors.ErrStaleTransition,
		fmt.Sprintf("permit %s is %s; %s is not allowed in this state", permit.Serial, strings.ToLower(string(permit.Status)), strings.ToLower(string(trigger))))
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
