package dto

import (
	"time"

	"github.com/sitewise/eptw-api/internal/models"
)

// CreatePermitRequest creates a new draft permit.
type CreatePermitRequest struct {
	Type        models.PermitType `json:"type" validate:"required"`
	SiteID      string            `json:"site_id" validate:"required"`
	Description string            `json:"description" validate:"required"`
	ValidFrom   *time.Time        `json:"valid_from,omitempty"`
	ValidTo     *time.Time        `json:"valid_to,omitempty"`
}

// DecisionRequest records an approver's decision on their chain entry.
type DecisionRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// SuspendRequest carries the reason a permit is being suspended.
type SuspendRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CloseRequest optionally documents why work ended.
type CloseRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ExtensionRequest asks to move the authorized end time later.
type ExtensionRequest struct {
	NewValidTo time.Time `json:"new_valid_to" validate:"required"`
	Comment    string    `json:"comment,omitempty"`
}

// ExtensionDecisionRequest approves or rejects a pending extension.
type ExtensionDecisionRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// PermitQuery captures list filters from query parameters.
type PermitQuery struct {
	Status []models.PermitStatus
	Type   models.PermitType
	SiteID string
	Limit  int
	Offset int
}
