package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitewise/eptw-api/internal/models"
)

// AttachmentRepository stores permit attachment metadata.
type AttachmentRepository struct {
	db *sqlx.DB
}

// NewAttachmentRepository constructs the repository.
func NewAttachmentRepository(db *sqlx.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create inserts one attachment row.
func (r *AttachmentRepository) Create(ctx context.Context, attachment *models.Attachment) error {
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO permit_attachments
		(id, permit_id, file_name, content_type, size_bytes, blob_path, uploaded_by, created_at)
		VALUES (:id, :permit_id, :file_name, :content_type, :size_bytes, :blob_path, :uploaded_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attachment); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// GetByID returns one attachment or sql.ErrNoRows.
func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	const query = `SELECT id, permit_id, file_name, content_type, size_bytes, blob_path, uploaded_by, created_at
		FROM permit_attachments WHERE id = $1`
	var attachment models.Attachment
	if err := r.db.GetContext(ctx, &attachment, query, id); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// ListByPermit returns a permit's attachments, newest first.
func (r *AttachmentRepository) ListByPermit(ctx context.Context, permitID string) ([]models.Attachment, error) {
	const query = `SELECT id, permit_id, file_name, content_type, size_bytes, blob_path, uploaded_by, created_at
		FROM permit_attachments WHERE permit_id = $1 ORDER BY created_at DESC, id DESC`
	var attachments []models.Attachment
	if err := r.db.SelectContext(ctx, &attachments, query, permitID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}
