package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/internal/service"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
	"github.com/sitewise/eptw-api/pkg/response"
)

type attachmentService interface {
	Upload(ctx context.Context, permitID string, actor *models.JWTClaims, fileName, contentType string, r io.Reader) (*models.Attachment, error)
	List(ctx context.Context, permitID string, actor *models.JWTClaims) ([]service.SignedDownload, error)
	OpenByToken(ctx context.Context, token string) (*models.Attachment, *os.File, error)
}

// AttachmentHandler exposes permit attachment upload and download.
type AttachmentHandler struct {
	service attachmentService
}

// NewAttachmentHandler creates a new handler.
func NewAttachmentHandler(svc attachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: svc}
}

// Upload godoc
// @Summary Attach a file to a permit
// @Description Stores evidence such as gas test records or work area photos.
// @Tags Attachments
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Permit ID"
// @Param file formData file true "File to attach"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/attachments [post]
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "file field is required"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to read uploaded file"))
		return
	}
	defer file.Close() //nolint:errcheck

	attachment, err := h.service.Upload(c.Request.Context(), c.Param("id"), claimsFromContext(c),
		fileHeader.Filename, fileHeader.Header.Get("Content-Type"), file)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, attachment)
}

// List godoc
// @Summary List a permit's attachments
// @Description Each entry carries a time-limited signed download token.
// @Tags Attachments
// @Produce json
// @Param id path string true "Permit ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /permits/{id}/attachments [get]
func (h *AttachmentHandler) List(c *gin.Context) {
	downloads, err := h.service.List(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, downloads, nil)
}

// Download godoc
// @Summary Download an attachment with a signed token
// @Description The token itself authorizes the download; no Authorization header is needed.
// @Tags Attachments
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 401 {object} response.Envelope
// @Router /attachments/download [get]
func (h *AttachmentHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token query parameter is required"))
		return
	}

	attachment, file, err := h.service.OpenByToken(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.FileName))
	c.DataFromReader(http.StatusOK, attachment.SizeBytes, attachment.ContentType, file, nil)
}
