package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitewise/eptw-api/internal/models"
)

const permitColumns = `id, serial, type, site_id, requester_id, status, description,
       valid_from, valid_to, requested_valid_to, suspended_by, close_reason,
       version, created_at, updated_at`

// PermitRepository persists permits, their approval chains and serial counters.
type PermitRepository struct {
	db           *sqlx.DB
	serialPrefix string
}

// NewPermitRepository constructs the repository.
func NewPermitRepository(db *sqlx.DB, serialPrefix string) *PermitRepository {
	if serialPrefix == "" {
		serialPrefix = "PTW"
	}
	return &PermitRepository{db: db, serialPrefix: serialPrefix}
}

// Create inserts a new draft permit, assigning its id and serial atomically.
// Serial numbers are drawn from a per-year counter row so concurrent
// creations never collide or reuse a number.
func (r *PermitRepository) Create(ctx context.Context, permit *models.Permit) error {
	if permit.ID == "" {
		permit.ID = uuid.NewString()
	}
	if permit.Status == "" {
		permit.Status = models.StatusDraft
	}
	now := time.Now().UTC()
	if permit.CreatedAt.IsZero() {
		permit.CreatedAt = now
	}
	permit.UpdatedAt = now
	permit.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permit create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	year := now.Year()
	var seq int
	const counterQuery = `INSERT INTO permit_counters (year, value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET value = permit_counters.value + 1
		RETURNING value`
	if err := tx.GetContext(ctx, &seq, counterQuery, year); err != nil {
		return fmt.Errorf("next permit serial: %w", err)
	}
	permit.Serial = fmt.Sprintf("%s-%d-%03d", r.serialPrefix, year, seq)

	const insertQuery = `INSERT INTO permits
		(id, serial, type, site_id, requester_id, status, description,
		 valid_from, valid_to, requested_valid_to, suspended_by, close_reason,
		 version, created_at, updated_at)
		VALUES (:id, :serial, :type, :site_id, :requester_id, :status, :description,
		 :valid_from, :valid_to, :requested_valid_to, :suspended_by, :close_reason,
		 :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, permit); err != nil {
		return fmt.Errorf("create permit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permit create: %w", err)
	}
	return nil
}

// GetByID fetches a permit and its approval chain.
func (r *PermitRepository) GetByID(ctx context.Context, id string) (*models.Permit, error) {
	query := fmt.Sprintf(`SELECT %s FROM permits WHERE id = $1`, permitColumns)
	var permit models.Permit
	if err := r.db.GetContext(ctx, &permit, query, id); err != nil {
		return nil, err
	}
	approvals, err := r.ListApprovals(ctx, id)
	if err != nil {
		return nil, err
	}
	permit.Approvals = approvals
	return &permit, nil
}

// List returns permits matching the filter (newest first).
func (r *PermitRepository) List(ctx context.Context, filter models.PermitFilter) ([]models.Permit, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(fmt.Sprintf(`SELECT %s FROM permits`, permitColumns))

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.SiteID != "" {
		args = append(args, filter.SiteID)
		conditions = append(conditions, fmt.Sprintf("site_id = $%d", len(args)))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var permits []models.Permit
	if err := r.db.SelectContext(ctx, &permits, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list permits: %w", err)
	}
	return permits, nil
}

// ListExpirable returns Active permits whose window ended before the cutoff.
func (r *PermitRepository) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]models.Permit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM permits
		WHERE status = $1 AND valid_to IS NOT NULL AND valid_to < $2
		ORDER BY valid_to ASC LIMIT %d`, permitColumns, limit)
	var permits []models.Permit
	if err := r.db.SelectContext(ctx, &permits, query, models.StatusActive, cutoff); err != nil {
		return nil, fmt.Errorf("list expirable permits: %w", err)
	}
	return permits, nil
}

// UpdateStatusParams groups the mutable columns a transition may touch. The
// update only lands when both the expected status and version still hold;
// otherwise sql.ErrNoRows signals that another actor won the race.
type UpdateStatusParams struct {
	ID         string
	FromStatus models.PermitStatus
	Version    int
	ToStatus   models.PermitStatus

	ValidFrom        *time.Time
	ValidTo          *time.Time
	RequestedValidTo *time.Time
	ClearRequested   bool
	SuspendedBy      *string
	ClearSuspended   bool
	CloseReason      *string
}

// UpdateStatus applies a version-checked status transition.
func (r *PermitRepository) UpdateStatus(ctx context.Context, params UpdateStatusParams) error {
	return updateStatus(ctx, r.db, params)
}

func updateStatus(ctx context.Context, ext sqlx.ExtContext, params UpdateStatusParams) error {
	setParts := []string{
		"status = :to_status",
		"version = version + 1",
		"updated_at = :updated_at",
	}
	if params.ValidFrom != nil {
		setParts = append(setParts, "valid_from = :valid_from")
	}
	if params.ValidTo != nil {
		setParts = append(setParts, "valid_to = :valid_to")
	}
	if params.RequestedValidTo != nil {
		setParts = append(setParts, "requested_valid_to = :requested_valid_to")
	} else if params.ClearRequested {
		setParts = append(setParts, "requested_valid_to = NULL")
	}
	if params.SuspendedBy != nil {
		setParts = append(setParts, "suspended_by = :suspended_by")
	} else if params.ClearSuspended {
		setParts = append(setParts, "suspended_by = NULL")
	}
	if params.CloseReason != nil {
		setParts = append(setParts, "close_reason = :close_reason")
	}

	query := fmt.Sprintf(`UPDATE permits SET %s
		WHERE id = :id AND status = :from_status AND version = :version`,
		strings.Join(setParts, ", "))

	result, err := sqlx.NamedExecContext(ctx, ext, query, map[string]interface{}{
		"id":                 params.ID,
		"from_status":        params.FromStatus,
		"version":            params.Version,
		"to_status":          params.ToStatus,
		"updated_at":         time.Now().UTC(),
		"valid_from":         params.ValidFrom,
		"valid_to":           params.ValidTo,
		"requested_valid_to": params.RequestedValidTo,
		"suspended_by":       params.SuspendedBy,
		"close_reason":       params.CloseReason,
	})
	if err != nil {
		return fmt.Errorf("update permit status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check permit update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SubmitWithApprovals flips a draft into review and persists its resolved
// approval chain in one transaction. Any chain rows left behind by a submit
// whose flip never landed are cleared first, so a retry yields exactly one
// entry per role. A lost version check rolls the whole submit back and
// surfaces sql.ErrNoRows.
func (r *PermitRepository) SubmitWithApprovals(ctx context.Context, params UpdateStatusParams, approvals []models.RequiredApproval) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permit submit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateStatus(ctx, tx, params); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permit_approvals WHERE permit_id = $1`, params.ID); err != nil {
		return fmt.Errorf("clear permit approvals: %w", err)
	}
	if err := insertApprovals(ctx, tx, approvals); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permit submit: %w", err)
	}
	return nil
}

func insertApprovals(ctx context.Context, ext sqlx.ExtContext, approvals []models.RequiredApproval) error {
	if len(approvals) == 0 {
		return nil
	}
	const query = `INSERT INTO permit_approvals
		(id, permit_id, role, position, sequential_gated, decision, actor_id, comment, decided_at)
		VALUES (:id, :permit_id, :role, :position, :sequential_gated, :decision, :actor_id, :comment, :decided_at)`
	for i := range approvals {
		if approvals[i].ID == "" {
			approvals[i].ID = uuid.NewString()
		}
		if approvals[i].Decision == "" {
			approvals[i].Decision = models.DecisionPending
		}
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, query, approvals); err != nil {
		return fmt.Errorf("insert permit approvals: %w", err)
	}
	return nil
}

// ListApprovals returns a permit's approval chain ordered by position.
func (r *PermitRepository) ListApprovals(ctx context.Context, permitID string) ([]models.RequiredApproval, error) {
	const query = `SELECT id, permit_id, role, position, sequential_gated, decision, actor_id, comment, decided_at
		FROM permit_approvals WHERE permit_id = $1 ORDER BY position ASC`
	var approvals []models.RequiredApproval
	if err := r.db.SelectContext(ctx, &approvals, query, permitID); err != nil {
		return nil, fmt.Errorf("list permit approvals: %w", err)
	}
	return approvals, nil
}

// DecideApprovalParams records one approver's decision.
type DecideApprovalParams struct {
	PermitID  string
	Role      models.UserRole
	Decision  models.ApprovalDecision
	ActorID   string
	Comment   *string
	DecidedAt time.Time
}

// DecideApproval flips a pending chain entry to its final decision. The
// WHERE clause only matches a still-pending row, so a duplicate or replayed
// decision surfaces as sql.ErrNoRows and the entry is decided exactly once.
func (r *PermitRepository) DecideApproval(ctx context.Context, params DecideApprovalParams) error {
	return decideApproval(ctx, r.db, params)
}

// DecideWithStatus records a chain decision and the resulting status flip in
// one transaction. If either write matches zero rows the whole decision rolls
// back and the entry stays pending, so a permit can never carry a decision
// made against a state it no longer holds.
func (r *PermitRepository) DecideWithStatus(ctx context.Context, decide DecideApprovalParams, status UpdateStatusParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permit decision: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := decideApproval(ctx, tx, decide); err != nil {
		return err
	}
	if err := updateStatus(ctx, tx, status); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permit decision: %w", err)
	}
	return nil
}

func decideApproval(ctx context.Context, ext sqlx.ExtContext, params DecideApprovalParams) error {
	const query = `UPDATE permit_approvals
		SET decision = :decision, actor_id = :actor_id, comment = :comment, decided_at = :decided_at
		WHERE permit_id = :permit_id AND role = :role AND decision = 'PENDING'`
	result, err := sqlx.NamedExecContext(ctx, ext, query, map[string]interface{}{
		"permit_id":  params.PermitID,
		"role":       params.Role,
		"decision":   params.Decision,
		"actor_id":   params.ActorID,
		"comment":    params.Comment,
		"decided_at": params.DecidedAt,
	})
	if err != nil {
		return fmt.Errorf("decide permit approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check approval decision rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
