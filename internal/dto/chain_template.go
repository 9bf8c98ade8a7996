package dto

import "github.com/sitewise/eptw-api/internal/models"

// ChainStepRequest is one role of a template being created.
type ChainStepRequest struct {
	Role            models.UserRole `json:"role" validate:"required"`
	SequentialGated bool            `json:"sequential_gated"`
}

// CreateChainTemplateRequest registers an approval chain for a permit type,
// optionally scoped to a single site.
type CreateChainTemplateRequest struct {
	SiteID     string             `json:"site_id,omitempty"`
	PermitType models.PermitType  `json:"permit_type" validate:"required"`
	Steps      []ChainStepRequest `json:"steps" validate:"required,min=1"`
}

// CreateSiteRequest registers a work site.
type CreateSiteRequest struct {
	Code string `json:"code" validate:"required"`
	Name string `json:"name" validate:"required"`
}
