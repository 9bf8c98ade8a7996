package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/internal/service"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
	"github.com/sitewise/eptw-api/pkg/response"
)

// ChainTemplateHandler administers approval chain templates.
type ChainTemplateHandler struct {
	resolver *service.ChainResolverService
}

// NewChainTemplateHandler creates a new handler.
func NewChainTemplateHandler(resolver *service.ChainResolverService) *ChainTemplateHandler {
	return &ChainTemplateHandler{resolver: resolver}
}

// List godoc
// @Summary List approval chain templates
// @Tags ChainTemplates
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /chain-templates [get]
func (h *ChainTemplateHandler) List(c *gin.Context) {
	templates, err := h.resolver.ListTemplates(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, templates, nil)
}

// Create godoc
// @Summary Create an approval chain template
// @Description Templates only affect permits submitted after creation.
// @Tags ChainTemplates
// @Accept json
// @Produce json
// @Param payload body dto.CreateChainTemplateRequest true "Template payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /chain-templates [post]
func (h *ChainTemplateHandler) Create(c *gin.Context) {
	var req dto.CreateChainTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid template payload"))
		return
	}

	template := &models.ApprovalChainTemplate{
		PermitType: req.PermitType,
	}
	if siteID := strings.TrimSpace(req.SiteID); siteID != "" {
		template.SiteID = &siteID
	}
	for i, step := range req.Steps {
		template.Steps = append(template.Steps, models.ApprovalChainStep{
			Role:            step.Role,
			Position:        i,
			SequentialGated: step.SequentialGated,
		})
	}

	if err := h.resolver.CreateTemplate(c.Request.Context(), template); err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, template)
}
