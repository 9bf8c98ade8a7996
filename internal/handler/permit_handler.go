package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/models"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
	"github.com/sitewise/eptw-api/pkg/response"
)

type permitService interface {
	Create(ctx context.Context, req dto.CreatePermitRequest, actor *models.JWTClaims) (*models.Permit, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error)
	List(ctx context.Context, query dto.PermitQuery, actor *models.JWTClaims) ([]models.Permit, error)
	History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.AuditEntry, error)
	Submit(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error)
	Decide(ctx context.Context, id string, actor *models.JWTClaims, req dto.DecisionRequest) (*models.Permit, error)
	Cancel(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error)
	Suspend(ctx context.Context, id string, actor *models.JWTClaims, reason string) (*models.Permit, error)
	Resume(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error)
	Close(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error)
	RequestExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionRequest) (*models.Permit, error)
	DecideExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionDecisionRequest) (*models.Permit, error)
}

// PermitHandler exposes the permit workflow over HTTP. Every mutation is a
// named action endpoint; status is never writable directly.
type PermitHandler struct {
	service permitService
}

// NewPermitHandler creates a new handler.
func NewPermitHandler(svc permitService) *PermitHandler {
	return &PermitHandler{service: svc}
}

// Create godoc
// @Summary Create a draft permit
// @Tags Permits
// @Accept json
// @Produce json
// @Param payload body dto.CreatePermitRequest true "Permit payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /permits [post]
func (h *PermitHandler) Create(c *gin.Context) {
	var req dto.CreatePermitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid permit payload"))
		return
	}

	permit, err := h.service.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, permit)
}

// List godoc
// @Summary List permits
// @Description Requesters see their own permits; other roles see all.
// @Tags Permits
// @Produce json
// @Param status query string false "Comma-separated statuses"
// @Param type query string false "Permit type"
// @Param site_id query string false "Site filter"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /permits [get]
func (h *PermitHandler) List(c *gin.Context) {
	query := dto.PermitQuery{
		Type:   models.PermitType(c.Query("type")),
		SiteID: c.Query("site_id"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part != "" {
				query.Status = append(query.Status, models.PermitStatus(part))
			}
		}
	}
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	permits, err := h.service.List(c.Request.Context(), query, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permits, nil)
}

// Get godoc
// @Summary Get a permit with its approval chain
// @Tags Permits
// @Produce json
// @Param id path string true "Permit ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /permits/{id} [get]
func (h *PermitHandler) Get(c *gin.Context) {
	permit, err := h.service.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// History godoc
// @Summary Get the permit audit ledger
// @Tags Permits
// @Produce json
// @Param id path string true "Permit ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /permits/{id}/history [get]
func (h *PermitHandler) History(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, entries, nil)
}

// Submit godoc
// @Summary Submit a draft for approval
// @Tags Permits
// @Produce json
// @Param id path string true "Permit ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /permits/{id}/submit [post]
func (h *PermitHandler) Submit(c *gin.Context) {
	permit, err := h.service.Submit(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// Decide godoc
// @Summary Record an approval decision
// @Description Approves or rejects the caller's entry in the permit's chain.
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/decide [post]
func (h *PermitHandler) Decide(c *gin.Context) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	permit, err := h.service.Decide(c.Request.Context(), c.Param("id"), claimsFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// Cancel godoc
// @Summary Cancel a draft or pending permit
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.CloseRequest false "Optional comment"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/cancel [post]
func (h *PermitHandler) Cancel(c *gin.Context) {
	var req dto.CloseRequest
	_ = c.ShouldBindJSON(&req)

	permit, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claimsFromContext(c), req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// Suspend godoc
// @Summary Suspend an active permit
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.SuspendRequest true "Suspension reason"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/suspend [post]
func (h *PermitHandler) Suspend(c *gin.Context) {
	var req dto.SuspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "suspension reason required"))
		return
	}

	permit, err := h.service.Suspend(c.Request.Context(), c.Param("id"), claimsFromContext(c), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// Resume godoc
// @Summary Resume a suspended permit
// @Tags Permits
// @Produce json
// @Param id path string true "Permit ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/resume [post]
func (h *PermitHandler) Resume(c *gin.Context) {
	permit, err := h.service.Resume(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// Close godoc
// @Summary Close an active or suspended permit
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.CloseRequest false "Optional comment"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/close [post]
func (h *PermitHandler) Close(c *gin.Context) {
	var req dto.CloseRequest
	_ = c.ShouldBindJSON(&req)

	permit, err := h.service.Close(c.Request.Context(), c.Param("id"), claimsFromContext(c), req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// RequestExtension godoc
// @Summary Request a validity extension
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.ExtensionRequest true "Extension request"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/extension [post]
func (h *PermitHandler) RequestExtension(c *gin.Context) {
	var req dto.ExtensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid extension payload"))
		return
	}

	permit, err := h.service.RequestExtension(c.Request.Context(), c.Param("id"), claimsFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}

// DecideExtension godoc
// @Summary Approve or reject a pending extension
// @Tags Permits
// @Accept json
// @Produce json
// @Param id path string true "Permit ID"
// @Param payload body dto.ExtensionDecisionRequest true "Extension decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permits/{id}/extension/decide [post]
func (h *PermitHandler) DecideExtension(c *gin.Context) {
	var req dto.ExtensionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	permit, err := h.service.DecideExtension(c.Request.Context(), c.Param("id"), claimsFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, permit, nil)
}
