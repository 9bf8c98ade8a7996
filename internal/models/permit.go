package models

import "time"

// PermitType enumerates the supported categories of hazardous work.
type PermitType string

const (
	PermitTypeGeneral       PermitType = "GENERAL"
	PermitTypeHeight        PermitType = "HEIGHT"
	PermitTypeElectrical    PermitType = "ELECTRICAL"
	PermitTypeHotWork       PermitType = "HOT_WORK"
	PermitTypeConfinedSpace PermitType = "CONFINED_SPACE"
)

// Valid reports whether the permit type is part of the closed enumeration.
func (t PermitType) Valid() bool {
	switch t {
	case PermitTypeGeneral, PermitTypeHeight, PermitTypeElectrical, PermitTypeHotWork, PermitTypeConfinedSpace:
		return true
	}
	return false
}

// PermitStatus is the closed set of lifecycle states. Status only changes
// through the workflow engine; no caller writes it directly.
type PermitStatus string

const (
	StatusDraft              PermitStatus = "DRAFT"
	StatusPendingApproval    PermitStatus = "PENDING_APPROVAL"
	StatusActive             PermitStatus = "ACTIVE"
	StatusExtensionRequested PermitStatus = "EXTENSION_REQUESTED"
	StatusSuspended          PermitStatus = "SUSPENDED"
	StatusClosed             PermitStatus = "CLOSED"
	StatusCancelled          PermitStatus = "CANCELLED"
	StatusRejected           PermitStatus = "REJECTED"
)

// Terminal reports whether no further transition may leave the status.
func (s PermitStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// PermitTrigger names a workflow action applied to a permit.
type PermitTrigger string

const (
	TriggerSubmit           PermitTrigger = "SUBMIT"
	TriggerApprove          PermitTrigger = "APPROVE"
	TriggerReject           PermitTrigger = "REJECT"
	TriggerCancel           PermitTrigger = "CANCEL"
	TriggerSuspend          PermitTrigger = "SUSPEND"
	TriggerResume           PermitTrigger = "RESUME"
	TriggerClose            PermitTrigger = "CLOSE"
	TriggerExpire           PermitTrigger = "EXPIRE"
	TriggerRequestExtension PermitTrigger = "REQUEST_EXTENSION"
	TriggerApproveExtension PermitTrigger = "APPROVE_EXTENSION"
	TriggerRejectExtension  PermitTrigger = "REJECT_EXTENSION"
)

// transitions is the authoritative transition table. The engine consults it
// before evaluating guards; a trigger absent for the current status is a
// stale or illegal action. Statuses reached by APPROVE and the extension
// decisions depend on aggregate state, so the table records the default
// target and the engine refines it.
var transitions = map[PermitStatus]map[PermitTrigger]PermitStatus{
	StatusDraft: {
		TriggerSubmit: StatusPendingApproval,
		TriggerCancel: StatusCancelled,
	},
	StatusPendingApproval: {
		TriggerApprove: StatusPendingApproval, // StatusActive once every entry approves
		TriggerReject:  StatusRejected,
		TriggerCancel:  StatusCancelled,
	},
	StatusActive: {
		TriggerSuspend:          StatusSuspended,
		TriggerRequestExtension: StatusExtensionRequested,
		TriggerClose:            StatusClosed,
		TriggerExpire:           StatusClosed,
	},
	StatusSuspended: {
		TriggerResume: StatusActive,
		TriggerClose:  StatusClosed,
	},
	StatusExtensionRequested: {
		TriggerApproveExtension: StatusActive,
		TriggerRejectExtension:  StatusActive,
	},
}

// NextStatus returns the table target for (status, trigger). ok is false when
// the trigger is not legal in the given status.
func NextStatus(status PermitStatus, trigger PermitTrigger) (PermitStatus, bool) {
	row, ok := transitions[status]
	if !ok {
		return "", false
	}
	next, ok := row[trigger]
	return next, ok
}

// CloseReasonExpired marks a close produced by the expiry sweep rather than
// a human actor.
const CloseReasonExpired = "expired"

// Permit is the central workflow entity. Identity fields are immutable after
// creation; status, validity window and version change only through the
// workflow engine.
type Permit struct {
	ID          string       `db:"id" json:"id"`
	Serial      string       `db:"serial" json:"serial"`
	Type        PermitType   `db:"type" json:"type"`
	SiteID      string       `db:"site_id" json:"site_id"`
	RequesterID string       `db:"requester_id" json:"requester_id"`
	Status      PermitStatus `db:"status" json:"status"`
	Description string       `db:"description" json:"description"`

	ValidFrom *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo   *time.Time `db:"valid_to" json:"valid_to,omitempty"`

	// RequestedValidTo holds the target end time of a pending extension.
	// ValidTo keeps its previous value until the extension is decided.
	RequestedValidTo *time.Time `db:"requested_valid_to" json:"requested_valid_to,omitempty"`

	SuspendedBy *string `db:"suspended_by" json:"suspended_by,omitempty"`
	CloseReason *string `db:"close_reason" json:"close_reason,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Approvals []RequiredApproval `db:"-" json:"approvals,omitempty"`
}

// ApprovalDecision captures the state of one required-approval entry.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "PENDING"
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
)

// RequiredApproval is one entry of a permit's resolved approval chain.
// Membership is fixed at submission; only Decision, ActorID, Comment and
// DecidedAt change, and at most once.
type RequiredApproval struct {
	ID              string           `db:"id" json:"id"`
	PermitID        string           `db:"permit_id" json:"permit_id"`
	Role            UserRole         `db:"role" json:"role"`
	Position        int              `db:"position" json:"position"`
	SequentialGated bool             `db:"sequential_gated" json:"sequential_gated"`
	Decision        ApprovalDecision `db:"decision" json:"decision"`
	ActorID         *string          `db:"actor_id" json:"actor_id,omitempty"`
	Comment         *string          `db:"comment" json:"comment,omitempty"`
	DecidedAt       *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
}

// PermitFilter constrains listing queries.
type PermitFilter struct {
	Status      []PermitStatus
	Type        PermitType
	SiteID      string
	RequesterID string
	Limit       int
	Offset      int
}
