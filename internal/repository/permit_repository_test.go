package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/eptw-api/internal/models"
)

func newPermitRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestPermitRepositoryCreateAssignsSerial(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO permit_counters")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO permits")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	permit := &models.Permit{
		Type:        models.PermitTypeHotWork,
		SiteID:      "site-1",
		RequesterID: "user-1",
		Description: "welding",
	}
	require.NoError(t, repo.Create(context.Background(), permit))

	assert.Regexp(t, regexp.MustCompile(`^PTW-\d{4}-007$`), permit.Serial)
	assert.Equal(t, 1, permit.Version)
	assert.NotEmpty(t, permit.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryUpdateStatusVersionMismatch(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE permits SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:         "permit-1",
		FromStatus: models.StatusActive,
		Version:    3,
		ToStatus:   models.StatusSuspended,
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryUpdateStatusApplies(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE permits SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	validTo := time.Now().UTC().Add(4 * time.Hour)
	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:             "permit-1",
		FromStatus:     models.StatusExtensionRequested,
		Version:        5,
		ToStatus:       models.StatusActive,
		ValidTo:        &validTo,
		ClearRequested: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositorySubmitWithApprovalsIsOneTransaction(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE permits SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM permit_approvals")).
		WithArgs("permit-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO permit_approvals")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	approvals := []models.RequiredApproval{
		{PermitID: "permit-1", Role: models.RoleApproverSafety, Position: 0},
		{PermitID: "permit-1", Role: models.RoleApproverAreaMgr, Position: 1},
	}
	err := repo.SubmitWithApprovals(context.Background(), UpdateStatusParams{
		ID:         "permit-1",
		FromStatus: models.StatusDraft,
		Version:    1,
		ToStatus:   models.StatusPendingApproval,
	}, approvals)
	require.NoError(t, err)
	assert.NotEmpty(t, approvals[0].ID)
	assert.Equal(t, models.DecisionPending, approvals[0].Decision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositorySubmitWithApprovalsRollsBackOnLostVersion(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE permits SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SubmitWithApprovals(context.Background(), UpdateStatusParams{
		ID:         "permit-1",
		FromStatus: models.StatusDraft,
		Version:    1,
		ToStatus:   models.StatusPendingApproval,
	}, []models.RequiredApproval{{PermitID: "permit-1", Role: models.RoleApproverSafety}})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryDecideApprovalExactlyOnce(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE permit_approvals")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE permit_approvals")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	params := DecideApprovalParams{
		PermitID:  "permit-1",
		Role:      models.RoleApproverSafety,
		Decision:  models.DecisionApproved,
		ActorID:   "user-safety",
		DecidedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.DecideApproval(context.Background(), params))

	err := repo.DecideApproval(context.Background(), params)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryDecideWithStatusRollsBackOnLostFlip(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE permit_approvals")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE permits SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.DecideWithStatus(context.Background(), DecideApprovalParams{
		PermitID:  "permit-1",
		Role:      models.RoleApproverSafety,
		Decision:  models.DecisionRejected,
		ActorID:   "user-safety",
		DecidedAt: time.Now().UTC(),
	}, UpdateStatusParams{
		ID:         "permit-1",
		FromStatus: models.StatusPendingApproval,
		Version:    2,
		ToStatus:   models.StatusRejected,
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryGetByIDLoadsApprovals(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")
	now := time.Now().UTC()

	permitRows := sqlmock.NewRows([]string{
		"id", "serial", "type", "site_id", "requester_id", "status", "description",
		"valid_from", "valid_to", "requested_valid_to", "suspended_by", "close_reason",
		"version", "created_at", "updated_at",
	}).AddRow("permit-1", "PTW-2026-001", "HOT_WORK", "site-1", "user-1", "PENDING_APPROVAL", "welding",
		nil, nil, nil, nil, nil, 2, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, serial, type")).
		WithArgs("permit-1").
		WillReturnRows(permitRows)

	approvalRows := sqlmock.NewRows([]string{
		"id", "permit_id", "role", "position", "sequential_gated", "decision", "actor_id", "comment", "decided_at",
	}).
		AddRow("appr-1", "permit-1", "APPROVER_SAFETY", 0, false, "PENDING", nil, nil, nil).
		AddRow("appr-2", "permit-1", "APPROVER_AREA_MANAGER", 1, false, "PENDING", nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, permit_id, role")).
		WithArgs("permit-1").
		WillReturnRows(approvalRows)

	permit, err := repo.GetByID(context.Background(), "permit-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, permit.Status)
	require.Len(t, permit.Approvals, 2)
	assert.Equal(t, models.RoleApproverSafety, permit.Approvals[0].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermitRepositoryListExpirable(t *testing.T) {
	db, mock, cleanup := newPermitRepoMock(t)
	defer cleanup()

	repo := NewPermitRepository(db, "PTW")
	now := time.Now().UTC()
	validTo := now.Add(-time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "serial", "type", "site_id", "requester_id", "status", "description",
		"valid_from", "valid_to", "requested_valid_to", "suspended_by", "close_reason",
		"version", "created_at", "updated_at",
	}).AddRow("permit-1", "PTW-2026-001", "GENERAL", "site-1", "user-1", "ACTIVE", "work",
		nil, validTo, nil, nil, nil, 3, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, serial, type")).
		WithArgs(string(models.StatusActive), now).
		WillReturnRows(rows)

	permits, err := repo.ListExpirable(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, permits, 1)
	assert.Equal(t, "permit-1", permits[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
