package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitewise/eptw-api/internal/models"
)

// AuditRepository is the append-only permit ledger. Rows are inserted once
// per transition and never updated or deleted.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one transition entry.
func (r *AuditRepository) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO permit_audit_entries
		(id, permit_id, from_status, to_status, trigger, actor_id, role_at_action, comment, created_at)
		VALUES (:id, :permit_id, :from_status, :to_status, :trigger, :actor_id, :role_at_action, :comment, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// History returns a permit's full ledger ordered by timestamp ascending.
func (r *AuditRepository) History(ctx context.Context, permitID string) ([]models.AuditEntry, error) {
	const query = `SELECT id, permit_id, from_status, to_status, trigger, actor_id, role_at_action, comment, created_at
		FROM permit_audit_entries WHERE permit_id = $1 ORDER BY created_at ASC, id ASC`
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, permitID); err != nil {
		return nil, fmt.Errorf("load permit history: %w", err)
	}
	return entries, nil
}

// Latest returns the newest ledger entry for a permit, or sql.ErrNoRows.
func (r *AuditRepository) Latest(ctx context.Context, permitID string) (*models.AuditEntry, error) {
	const query = `SELECT id, permit_id, from_status, to_status, trigger, actor_id, role_at_action, comment, created_at
		FROM permit_audit_entries WHERE permit_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	var entry models.AuditEntry
	if err := r.db.GetContext(ctx, &entry, query, permitID); err != nil {
		return nil, err
	}
	return &entry, nil
}
