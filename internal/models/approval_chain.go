package models

import "time"

// ApprovalChainTemplate describes which roles must approve a permit of a
// given type at a given site. site_id NULL marks an organisation-wide
// default; a site-specific row takes precedence. Templates are read-only
// configuration with respect to permit processing: the resolved chain is
// copied onto the permit at submission, so later edits never alter in-flight
// permits.
type ApprovalChainTemplate struct {
	ID         string              `db:"id" json:"id"`
	SiteID     *string             `db:"site_id" json:"site_id,omitempty"`
	PermitType PermitType          `db:"permit_type" json:"permit_type"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
	Steps      []ApprovalChainStep `db:"-" json:"steps"`
}

// ApprovalChainStep is one ordered role of a template. Position reflects
// escalation precedence for display; approval is parallel unless
// SequentialGated requires every earlier step to be approved first.
type ApprovalChainStep struct {
	ID              string   `db:"id" json:"id"`
	TemplateID      string   `db:"template_id" json:"template_id"`
	Role            UserRole `db:"role" json:"role"`
	Position        int      `db:"position" json:"position"`
	SequentialGated bool     `db:"sequential_gated" json:"sequential_gated"`
}
