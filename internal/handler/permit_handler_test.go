package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/eptw-api/internal/dto"
	"github.com/sitewise/eptw-api/internal/middleware"
	"github.com/sitewise/eptw-api/internal/models"
	appErrors "github.com/sitewise/eptw-api/pkg/errors"
)

type permitServiceMock struct {
	permit  *models.Permit
	list    []models.Permit
	history []models.AuditEntry
	err     error

	lastQuery     dto.PermitQuery
	lastDecision  dto.DecisionRequest
	lastReason    string
	lastComment   string
	lastExtension dto.ExtensionRequest
	lastID        string

	createCalled bool
	decideCalled bool
	closeCalled  bool
}

func (m *permitServiceMock) Create(ctx context.Context, req dto.CreatePermitRequest, actor *models.JWTClaims) (*models.Permit, error) {
	m.createCalled = true
	return m.permit, m.err
}

func (m *permitServiceMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	m.lastID = id
	return m.permit, m.err
}

func (m *permitServiceMock) List(ctx context.Context, query dto.PermitQuery, actor *models.JWTClaims) ([]models.Permit, error) {
	m.lastQuery = query
	return m.list, m.err
}

func (m *permitServiceMock) History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.AuditEntry, error) {
	m.lastID = id
	return m.history, m.err
}

func (m *permitServiceMock) Submit(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	m.lastID = id
	return m.permit, m.err
}

func (m *permitServiceMock) Decide(ctx context.Context, id string, actor *models.JWTClaims, req dto.DecisionRequest) (*models.Permit, error) {
	m.decideCalled = true
	m.lastID = id
	m.lastDecision = req
	return m.permit, m.err
}

func (m *permitServiceMock) Cancel(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error) {
	m.lastID = id
	m.lastComment = comment
	return m.permit, m.err
}

func (m *permitServiceMock) Suspend(ctx context.Context, id string, actor *models.JWTClaims, reason string) (*models.Permit, error) {
	m.lastID = id
	m.lastReason = reason
	return m.permit, m.err
}

func (m *permitServiceMock) Resume(ctx context.Context, id string, actor *models.JWTClaims) (*models.Permit, error) {
	m.lastID = id
	return m.permit, m.err
}

func (m *permitServiceMock) Close(ctx context.Context, id string, actor *models.JWTClaims, comment string) (*models.Permit, error) {
	m.closeCalled = true
	m.lastID = id
	m.lastComment = comment
	return m.permit, m.err
}

func (m *permitServiceMock) RequestExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionRequest) (*models.Permit, error) {
	m.lastID = id
	m.lastExtension = req
	return m.permit, m.err
}

func (m *permitServiceMock) DecideExtension(ctx context.Context, id string, actor *models.JWTClaims, req dto.ExtensionDecisionRequest) (*models.Permit, error) {
	m.lastID = id
	return m.permit, m.err
}

func requesterClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "user-1", Role: models.RoleRequester}
}

func newPermitTestContext(t *testing.T, method, target string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var buf *bytes.Buffer
	if raw, ok := body.(string); ok {
		buf = bytes.NewBufferString(raw)
	} else if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewBuffer(encoded)
	} else {
		buf = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, target, buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, requesterClaims())
	return c, w
}

func TestPermitHandlerCreate(t *testing.T) {
	mockSvc := &permitServiceMock{permit: &models.Permit{ID: "permit-1", Serial: "PTW-2026-001"}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits", dto.CreatePermitRequest{
		Type:        models.PermitTypeHotWork,
		SiteID:      "site-1",
		Description: "welding on tank 3",
	})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, mockSvc.createCalled)
	assert.Contains(t, w.Body.String(), "PTW-2026-001")
}

func TestPermitHandlerCreateInvalidBody(t *testing.T) {
	mockSvc := &permitServiceMock{}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits", `{"type":`)

	handler.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, mockSvc.createCalled)
}

func TestPermitHandlerListParsesFilters(t *testing.T) {
	mockSvc := &permitServiceMock{list: []models.Permit{{ID: "permit-1"}}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodGet,
		"/permits?status=active,%20suspended&type=HOT_WORK&site_id=site-1&limit=10&offset=20", nil)

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.PermitStatus{models.StatusActive, models.StatusSuspended}, mockSvc.lastQuery.Status)
	assert.Equal(t, models.PermitTypeHotWork, mockSvc.lastQuery.Type)
	assert.Equal(t, "site-1", mockSvc.lastQuery.SiteID)
	assert.Equal(t, 10, mockSvc.lastQuery.Limit)
	assert.Equal(t, 20, mockSvc.lastQuery.Offset)
}

func TestPermitHandlerGetPropagatesServiceError(t *testing.T) {
	mockSvc := &permitServiceMock{err: appErrors.ErrNotFound}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodGet, "/permits/permit-9", nil)
	c.Params = gin.Params{{Key: "id", Value: "permit-9"}}

	handler.Get(c)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "permit-9", mockSvc.lastID)
}

func TestPermitHandlerDecide(t *testing.T) {
	mockSvc := &permitServiceMock{permit: &models.Permit{ID: "permit-1", Status: models.StatusActive}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits/permit-1/decide", dto.DecisionRequest{
		Approve: true,
		Comment: "checked the fire watch",
	})
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.Decide(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockSvc.decideCalled)
	assert.True(t, mockSvc.lastDecision.Approve)
	assert.Equal(t, "checked the fire watch", mockSvc.lastDecision.Comment)
}

func TestPermitHandlerDecideStaleConflict(t *testing.T) {
	mockSvc := &permitServiceMock{err: appErrors.ErrStaleTransition}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits/permit-1/decide", dto.DecisionRequest{Approve: true})
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.Decide(c)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrStaleTransition.Code)
}

func TestPermitHandlerSuspendRequiresReason(t *testing.T) {
	mockSvc := &permitServiceMock{permit: &models.Permit{ID: "permit-1"}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits/permit-1/suspend", dto.SuspendRequest{
		Reason: "gas alarm in the area",
	})
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.Suspend(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gas alarm in the area", mockSvc.lastReason)
}

func TestPermitHandlerCloseWithoutBody(t *testing.T) {
	mockSvc := &permitServiceMock{permit: &models.Permit{ID: "permit-1", Status: models.StatusClosed}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits/permit-1/close", nil)
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.Close(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockSvc.closeCalled)
	assert.Empty(t, mockSvc.lastComment)
}

func TestPermitHandlerRequestExtensionInvalidBody(t *testing.T) {
	mockSvc := &permitServiceMock{}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodPost, "/permits/permit-1/extension", `{"new_valid_to":`)
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.RequestExtension(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermitHandlerHistory(t *testing.T) {
	mockSvc := &permitServiceMock{history: []models.AuditEntry{
		{PermitID: "permit-1", Trigger: models.TriggerSubmit},
	}}
	handler := NewPermitHandler(mockSvc)

	c, w := newPermitTestContext(t, http.MethodGet, "/permits/permit-1/history", nil)
	c.Params = gin.Params{{Key: "id", Value: "permit-1"}}

	handler.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(models.TriggerSubmit))
}
