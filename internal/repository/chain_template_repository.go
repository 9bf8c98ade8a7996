package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitewise/eptw-api/internal/models"
)

// ChainTemplateRepository reads and writes approval chain configuration.
type ChainTemplateRepository struct {
	db *sqlx.DB
}

// NewChainTemplateRepository constructs the repository.
func NewChainTemplateRepository(db *sqlx.DB) *ChainTemplateRepository {
	return &ChainTemplateRepository{db: db}
}

// FindForSiteAndType resolves the template for a (site, permit type) pair.
// A site-specific row wins over the organisation-wide default (site_id NULL).
// Returns sql.ErrNoRows when neither exists.
func (r *ChainTemplateRepository) FindForSiteAndType(ctx context.Context, siteID string, permitType models.PermitType) (*models.ApprovalChainTemplate, error) {
	const query = `SELECT id, site_id, permit_type, created_at
		FROM approval_chain_templates
		WHERE permit_type = $1 AND (site_id = $2 OR site_id IS NULL)
		ORDER BY site_id NULLS LAST
		LIMIT 1`
	var template models.ApprovalChainTemplate
	if err := r.db.GetContext(ctx, &template, query, permitType, siteID); err != nil {
		return nil, err
	}
	steps, err := r.listSteps(ctx, template.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, sql.ErrNoRows
	}
	template.Steps = steps
	return &template, nil
}

// List returns every configured template with its steps.
func (r *ChainTemplateRepository) List(ctx context.Context) ([]models.ApprovalChainTemplate, error) {
	const query = `SELECT id, site_id, permit_type, created_at
		FROM approval_chain_templates ORDER BY permit_type, site_id NULLS FIRST`
	var templates []models.ApprovalChainTemplate
	if err := r.db.SelectContext(ctx, &templates, query); err != nil {
		return nil, fmt.Errorf("list chain templates: %w", err)
	}
	for i := range templates {
		steps, err := r.listSteps(ctx, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Steps = steps
	}
	return templates, nil
}

// Create inserts a template and its ordered steps in one transaction.
func (r *ChainTemplateRepository) Create(ctx context.Context, template *models.ApprovalChainTemplate) error {
	if template.ID == "" {
		template.ID = uuid.NewString()
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now().UTC()
	}
	if len(template.Steps) == 0 {
		return errors.New("chain template requires at least one step")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin template create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const templateQuery = `INSERT INTO approval_chain_templates (id, site_id, permit_type, created_at)
		VALUES (:id, :site_id, :permit_type, :created_at)`
	if _, err := tx.NamedExecContext(ctx, templateQuery, template); err != nil {
		return fmt.Errorf("create chain template: %w", err)
	}

	const stepQuery = `INSERT INTO approval_chain_steps (id, template_id, role, position, sequential_gated)
		VALUES (:id, :template_id, :role, :position, :sequential_gated)`
	for i := range template.Steps {
		step := &template.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.TemplateID = template.ID
		step.Position = i
		if _, err := tx.NamedExecContext(ctx, stepQuery, step); err != nil {
			return fmt.Errorf("create chain step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template create: %w", err)
	}
	return nil
}

func (r *ChainTemplateRepository) listSteps(ctx context.Context, templateID string) ([]models.ApprovalChainStep, error) {
	const query = `SELECT id, template_id, role, position, sequential_gated
		FROM approval_chain_steps WHERE template_id = $1 ORDER BY position ASC`
	var steps []models.ApprovalChainStep
	if err := r.db.SelectContext(ctx, &steps, query, templateID); err != nil {
		return nil, fmt.Errorf("list chain steps: %w", err)
	}
	return steps, nil
}
