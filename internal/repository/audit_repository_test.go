package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/eptw-api/internal/models"
)

func newAuditRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAuditRepositoryRecordAssignsIdentity(t *testing.T) {
	db, mock, cleanup := newAuditRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO permit_audit_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.AuditEntry{
		PermitID:     "permit-1",
		FromStatus:   models.StatusDraft,
		ToStatus:     models.StatusPendingApproval,
		Trigger:      models.TriggerSubmit,
		RoleAtAction: "REQUESTER",
	}
	require.NoError(t, repo.Record(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryHistoryOrderedOldestFirst(t *testing.T) {
	db, mock, cleanup := newAuditRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "permit_id", "from_status", "to_status", "trigger", "actor_id", "role_at_action", "comment", "created_at",
	}).
		AddRow("entry-1", "permit-1", "DRAFT", "PENDING_APPROVAL", "SUBMIT", "user-1", "REQUESTER", nil, base).
		AddRow("entry-2", "permit-1", "PENDING_APPROVAL", "ACTIVE", "APPROVE", "user-2", "APPROVER_SAFETY", nil, base.Add(time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, permit_id, from_status")).
		WithArgs("permit-1").
		WillReturnRows(rows)

	entries, err := repo.History(context.Background(), "permit-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.TriggerSubmit, entries[0].Trigger)
	assert.Equal(t, models.StatusActive, entries[1].ToStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryLatest(t *testing.T) {
	db, mock, cleanup := newAuditRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	rows := sqlmock.NewRows([]string{
		"id", "permit_id", "from_status", "to_status", "trigger", "actor_id", "role_at_action", "comment", "created_at",
	}).AddRow("entry-9", "permit-1", "ACTIVE", "CLOSED", "EXPIRE", nil, "SYSTEM", "expired", time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, permit_id, from_status")).
		WithArgs("permit-1").
		WillReturnRows(rows)

	entry, err := repo.Latest(context.Background(), "permit-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, entry.ToStatus)
	assert.Equal(t, models.SystemActorRole, entry.RoleAtAction)
	require.NoError(t, mock.ExpectationsWereMet())
}
