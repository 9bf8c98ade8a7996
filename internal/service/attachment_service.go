package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/models"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type attachmentStore interface {
	Create(ctx context.Context, attachment *models.Attachment) error
	GetByID(ctx context.Context, id string) (*models.Attachment, error)
	ListByPermit(ctx context.Context, permitID string) ([]models.Attachment, error)
}

type blobStore interface {
	SaveStream(filename string, r io.Reader) (int64, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type downloadSigner interface {
	Generate(attachmentID, relPath string) (string, time.Time, error)
	Parse(token string) (attachmentID, relPath string, err error)
}

type permitLookup interface {
	GetByID(ctx context.Context, id string) (*models.Permit, error)
}

// AttachmentConfig bounds uploads.
type AttachmentConfig struct {
	MaxSizeBytes int64
}

// SignedDownload pairs an attachment with a time-limited download token.
type SignedDownload struct {
	Attachment models.Attachment `json:"attachment"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// AttachmentService links uploaded evidence files to permits. Uploads are
// scoped like permit reads: requesters only touch their own permits.
type AttachmentService struct {
	store   attachmentStore
	blobs   blobStore
	signer  downloadSigner
	permits permitLookup
	users   userDirectory
	logger  *zap.Logger
	cfg     AttachmentConfig
}

// NewAttachmentService creates a new attachment service.
func NewAttachmentService(store attachmentStore, blobs blobStore, signer downloadSigner, permits permitLookup, users userDirectory, logger *zap.Logger, cfg AttachmentConfig) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 10 << 20
	}
	return &AttachmentService{
		store:   store,
		blobs:   blobs,
		signer:  signer,
		permits: permits,
		users:   users,
		logger:  logger,
		cfg:     cfg,
	}
}

// Upload stores a file against a permit. Cancelled permits reject uploads;
// closed ones accept them so closure evidence can still be filed.
func (s *AttachmentService) Upload(ctx context.Context, permitID string, actor *models.JWTClaims, fileName, contentType string, r io.Reader) (*models.Attachment, error) {
	user, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	permit, err := s.loadPermit(ctx, permitID)
	if err != nil {
		return nil, err
	}
	if user.Role == models.RoleRequester && permit.RequesterID != user.ID {
		return nil, appErrors.ErrForbidden
	}
	if permit.Status == models.StatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "cancelled permits do not accept attachments")
	}

	fileName = path.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file name is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachment := &models.Attachment{
		ID:          uuid.NewString(),
		PermitID:    permit.ID,
		FileName:    fileName,
		ContentType: contentType,
		UploadedBy:  user.ID,
	}
	attachment.BlobPath = fmt.Sprintf("%s/%s_%s", permit.ID, attachment.ID, fileName)

	limited := io.LimitReader(r, s.cfg.MaxSizeBytes+1)
	written, err := s.blobs.SaveStream(attachment.BlobPath, limited)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attachment")
	}
	if written > s.cfg.MaxSizeBytes {
		s.discardBlob(attachment)
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("attachment exceeds the %d byte limit", s.cfg.MaxSizeBytes))
	}
	attachment.SizeBytes = written

	if err := s.store.Create(ctx, attachment); err != nil {
		s.discardBlob(attachment)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attachment")
	}

	s.logger.Info("attachment uploaded",
		zap.String("permit_id", permit.ID),
		zap.String("attachment_id", attachment.ID),
		zap.Int64("size_bytes", written))

	return attachment, nil
}

// List returns a permit's attachments, each with a signed download token.
func (s *AttachmentService) List(ctx context.Context, permitID string, actor *models.JWTClaims) ([]SignedDownload, error) {
	user, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	permit, err := s.loadPermit(ctx, permitID)
	if err != nil {
		return nil, err
	}
	if user.Role == models.RoleRequester && permit.RequesterID != user.ID {
		return nil, appErrors.ErrForbidden
	}

	attachments, err := s.store.ListByPermit(ctx, permit.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attachments")
	}

	downloads := make([]SignedDownload, 0, len(attachments))
	for _, attachment := range attachments {
		token, expiresAt, err := s.signer.Generate(attachment.ID, attachment.BlobPath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download")
		}
		downloads = append(downloads, SignedDownload{
			Attachment: attachment,
			Token:      token,
			ExpiresAt:  expiresAt,
		})
	}
	return downloads, nil
}

// OpenByToken validates a signed token and opens the referenced blob.
// The caller owns the returned file handle.
func (s *AttachmentService) OpenByToken(ctx context.Context, token string) (*models.Attachment, *os.File, error) {
	attachmentID, relPath, err := s.signer.Parse(token)
	if err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}

	attachment, err := s.store.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.ErrNotFound
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if attachment.BlobPath != relPath {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}

	file, err := s.blobs.Open(attachment.BlobPath)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open attachment")
	}
	return attachment, file, nil
}

func (s *AttachmentService) discardBlob(attachment *models.Attachment) {
	if err := s.blobs.Delete(attachment.BlobPath); err != nil {
		s.logger.Warn("failed to remove attachment blob",
			zap.String("attachment_id", attachment.ID), zap.Error(err))
	}
}

func (s *AttachmentService) resolveActor(ctx context.Context, actor *models.JWTClaims) (*models.User, error) {
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

func (s *AttachmentService) loadPermit(ctx context.Context, id string) (*models.Permit, error) {
	permit, err := s.permits.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load permit")
	}
	return permit, nil
}
