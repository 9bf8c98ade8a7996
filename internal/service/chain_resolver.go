package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/models"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type chainTemplateStore interface {
	FindForSiteAndType(ctx context.Context, siteID string, permitType models.PermitType) (*models.ApprovalChainTemplate, error)
	List(ctx context.Context) ([]models.ApprovalChainTemplate, error)
	Create(ctx context.Context, template *models.ApprovalChainTemplate) error
}

type siteStore interface {
	GetByID(ctx context.Context, id string) (*models.Site, error)
}

// PermitAction names a workflow capability gated by role.
type PermitAction string

const (
	ActionSuspend         PermitAction = "SUSPEND"
	ActionResume          PermitAction = "RESUME"
	ActionClose           PermitAction = "CLOSE"
	ActionCancel          PermitAction = "CANCEL"
	ActionDecideExtension PermitAction = "DECIDE_EXTENSION"
)

// actionRoles is the single authoritative role-to-permission table for
// workflow actions. Contextual rules (requester acting on their own permit,
// an approver role listed in the permit's chain) are layered on top by the
// workflow engine; this table answers "may this role ever do this".
var actionRoles = map[PermitAction][]models.UserRole{
	ActionSuspend:         {models.RoleApproverSafety, models.RoleAdmin, models.RoleSuperAdmin},
	ActionResume:          {models.RoleApproverSafety, models.RoleAdmin, models.RoleSuperAdmin},
	ActionClose:           {models.RoleRequester, models.RoleSiteLeader, models.RoleAdmin, models.RoleSuperAdmin},
	ActionCancel:          {models.RoleRequester, models.RoleAdmin, models.RoleSuperAdmin},
	ActionDecideExtension: {models.RoleSiteLeader, models.RoleAdmin, models.RoleSuperAdmin},
}

// ChainResolverService determines which roles must approve a permit and owns
// the role-to-permission configuration.
type ChainResolverService struct {
	templates chainTemplateStore
	sites     siteStore
	logger    *zap.Logger
}

// NewChainResolverService constructs the resolver.
func NewChainResolverService(templates chainTemplateStore, sites siteStore, logger *zap.Logger) *ChainResolverService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainResolverService{templates: templates, sites: sites, logger: logger}
}

// Resolve computes the ordered, deduplicated set of approver roles required
// for a permit of the given type at the given site. It is a pure lookup over
// configuration: no side effects, same inputs yield the same chain. The
// caller persists the result onto the permit so later template edits never
// touch in-flight permits.
func (s *ChainResolverService) Resolve(ctx context.Context, siteID string, permitType models.PermitType) ([]models.ApprovalChainStep, error) {
	if !permitType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown permit type: %s", permitType))
	}
	site, err := s.sites.GetByID(ctx, siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "site does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load site")
	}
	if !site.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "site is inactive")
	}

	template, err := s.templates.FindForSiteAndType(ctx, siteID, permitType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConfiguration,
				fmt.Sprintf("no approval chain template configured for site %s and permit type %s", site.Code, permitType))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval chain template")
	}

	seen := make(map[models.UserRole]struct{}, len(template.Steps))
	steps := make([]models.ApprovalChainStep, 0, len(template.Steps))
	for _, step := range template.Steps {
		if _, ok := seen[step.Role]; ok {
			continue
		}
		seen[step.Role] = struct{}{}
		step.Position = len(steps)
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, appErrors.Clone(appErrors.ErrConfiguration,
			fmt.Sprintf("approval chain template for site %s and permit type %s has no steps", site.Code, permitType))
	}
	return steps, nil
}

// Allowed reports whether a role may ever perform the given workflow action.
func (s *ChainResolverService) Allowed(action PermitAction, role models.UserRole) bool {
	for _, allowed := range actionRoles[action] {
		if allowed == role {
			return true
		}
	}
	return false
}

// ListTemplates exposes the configured chains for administration.
func (s *ChainResolverService) ListTemplates(ctx context.Context) ([]models.ApprovalChainTemplate, error) {
	templates, err := s.templates.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list chain templates")
	}
	return templates, nil
}

// CreateTemplate registers a new approval chain after validating its roles.
func (s *ChainResolverService) CreateTemplate(ctx context.Context, template *models.ApprovalChainTemplate) error {
	if !template.PermitType.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown permit type: %s", template.PermitType))
	}
	if len(template.Steps) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "template requires at least one step")
	}
	for _, step := range template.Steps {
		if !isApproverRole(step.Role) {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s cannot be part of an approval chain", step.Role))
		}
	}
	if template.SiteID != nil {
		site, err := s.sites.GetByID(ctx, *template.SiteID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrValidation, "site does not exist")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load site")
		}
		if !site.Active {
			return appErrors.Clone(appErrors.ErrValidation, "site is inactive")
		}
	}
	if err := s.templates.Create(ctx, template); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create chain template")
	}
	return nil
}

func isApproverRole(role models.UserRole) bool {
	for _, r := range models.ApproverRoles {
		if r == role {
			return true
		}
	}
	return false
}
