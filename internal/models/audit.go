package models

import "time"

// SystemActorRole marks ledger entries produced by the service itself, such
// as automatic expiry.
const SystemActorRole = "SYSTEM"

// AuditEntry is one immutable row of the permit ledger. Entries are written
// exactly once per transition and never updated or deleted; a permit's
// status field is a projection of its latest entry.
type AuditEntry struct {
	ID           string        `db:"id" json:"id"`
	PermitID     string        `db:"permit_id" json:"permit_id"`
	FromStatus   PermitStatus  `db:"from_status" json:"from_status"`
	ToStatus     PermitStatus  `db:"to_status" json:"to_status"`
	Trigger      PermitTrigger `db:"trigger" json:"trigger"`
	ActorID      *string       `db:"actor_id" json:"actor_id,omitempty"`
	RoleAtAction string        `db:"role_at_action" json:"role_at_action"`
	Comment      *string       `db:"comment" json:"comment,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}
