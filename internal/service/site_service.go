package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/models"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type siteAdminStore interface {
	GetByID(ctx context.Context, id string) (*models.Site, error)
	List(ctx context.Context, filter models.SiteFilter) ([]models.Site, error)
	Create(ctx context.Context, site *models.Site) error
}

// SiteService administers the site directory.
type SiteService struct {
	repo   siteAdminStore
	logger *zap.Logger
}

// NewSiteService constructs the service.
func NewSiteService(repo siteAdminStore, logger *zap.Logger) *SiteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteService{repo: repo, logger: logger}
}

// Get fetches a site by identifier.
func (s *SiteService) Get(ctx context.Context, id string) (*models.Site, error) {
	site, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "site not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load site")
	}
	return site, nil
}

// List returns sites matching the filter.
func (s *SiteService) List(ctx context.Context, filter models.SiteFilter) ([]models.Site, error) {
	sites, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sites")
	}
	return sites, nil
}

// Create registers a new active site.
func (s *SiteService) Create(ctx context.Context, req dto.CreateSiteRequest) (*models.Site, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	name := strings.TrimSpace(req.Name)
	if code == "" || name == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "site code and name are required")
	}
	site := &models.Site{
		Code:   code,
		Name:   name,
		Active: true,
	}
	if err := s.repo.Create(ctx, site); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create site")
	}
	return site, nil
}
