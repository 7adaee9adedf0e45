package http

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	"github.com/buildpm/approval-engine/internal/application/engine"
	"github.com/buildpm/approval-engine/internal/application/registry"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/infrastructure/notify"
	"github.com/buildpm/approval-engine/internal/infrastructure/persistence/repository"
	"github.com/buildpm/approval-engine/internal/infrastructure/persistence/sqlite"
	"github.com/buildpm/approval-engine/pkg/utils"
)

type stubDirectory struct{}

func (stubDirectory) RequesterOf(ctx context.Context, requestID string) (string, error) {
	return "u_requester", nil
}

func (stubDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	return []string{"u_mgr"}, nil
}

type apiFixture struct {
	router     *gin.Engine
	dispatcher dispatcher.Dispatcher
}

// newAPIFixture stands up the full stack over an in-memory database:
// real repositories, registry, engine, notification bridge and router.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	logger := zap.NewNop()
	templates := repository.NewTemplateRepository(db, logger)
	instances := repository.NewInstanceRepository(db, logger)
	steps := repository.NewStepRepository(db, logger)
	logs := repository.NewNotificationLogRepository(db, logger)
	txManager := sqlite.NewDB(db, logger)

	d := dispatcher.NewDispatcher()
	t.Cleanup(func() { d.Close() })

	bridge := notify.NewBridge(notify.NewLogSink(logger), stubDirectory{}, logs, logger)
	bridge.Register(d)

	eng := engine.NewEngine(templates, instances, steps, txManager, d, stubDirectory{}, logger)
	reg := registry.NewRegistry(templates, logger)

	tmpl := &entity.ApprovalFlowTemplate{
		CompanyID:   "co_1",
		Category:    "materials",
		RequestType: entity.RequestTypeRequisition,
		Version:     1,
		Steps: []entity.ApprovalStepDefinition{
			{Position: 0, Approver: entity.ApproverRule{Kind: entity.ApproverFixed, UserID: "u_a"}, Deadline: 24 * time.Hour},
			{Position: 1, Approver: entity.ApproverRule{Kind: entity.ApproverFixed, UserID: "u_b"}, Deadline: 24 * time.Hour},
		},
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, templates.Create(context.Background(), tmpl))

	server := NewServer(DefaultServerConfig(), reg, eng, logs, utils.NewZapKVAdapter(logger))

	return &apiFixture{router: server.Router(), dispatcher: d}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

func startRequest() map[string]interface{} {
	return map[string]interface{}{
		"company_id":   "co_1",
		"category":     "materials",
		"request_type": entity.RequestTypeRequisition,
		"amount_cents": 100_000,
	}
}

func decision(position int, approverID string, version int64) map[string]interface{} {
	return map[string]interface{}{
		"step_position":    position,
		"approver_id":      approverID,
		"expected_version": version,
	}
}

func dataField(resp map[string]interface{}, key string) interface{} {
	data, _ := resp["data"].(map[string]interface{})
	return data[key]
}

func TestStartWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.StatusRunning, dataField(resp, "status"))
	assert.Equal(t, float64(1), dataField(resp, "version"))
	assert.Equal(t, "req-1", dataField(resp, "request_id"))

	// Starting again returns the same instance, not a new one
	w2, resp2 := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, dataField(resp, "id"), dataField(resp2, "id"))
}

func TestStartWorkflowValidation(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", map[string]interface{}{
		"company_id": "co_1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No template covers this category
	unmatched := startRequest()
	unmatched["category"] = "landscaping"
	w2, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", unmatched)
	assert.Equal(t, http.StatusNotFound, w2.Code)
	assert.Equal(t, false, resp["success"])
}

func TestApprovalChainOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w.Code)
	id := int64(dataField(resp, "id").(float64))

	path := "/api/v1/instances/" + itoa(id)

	w, resp = f.do(t, http.MethodPost, path+"/approve", decision(0, "u_a", 1))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), dataField(resp, "current_position"))
	assert.Equal(t, float64(2), dataField(resp, "version"))

	// Replaying the same decision is a conflict, not a double apply
	w, _ = f.do(t, http.MethodPost, path+"/approve", decision(0, "u_a", 1))
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = f.do(t, http.MethodPost, path+"/approve", decision(1, "u_b", 2))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.StatusApproved, dataField(resp, "status"))

	w, resp = f.do(t, http.MethodGet, path+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := resp["data"].([]interface{})
	require.Len(t, history, 2)
	first := history[0].(map[string]interface{})
	assert.Equal(t, entity.OutcomeApproved, first["outcome"])
}

func TestRejectOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w.Code)
	id := int64(dataField(resp, "id").(float64))

	body := decision(0, "u_a", 1)
	body["comment"] = "missing supplier quote"
	w, resp = f.do(t, http.MethodPost, "/api/v1/instances/"+itoa(id)+"/reject", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.StatusRejected, dataField(resp, "status"))
}

func TestCancelOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w.Code)
	id := int64(dataField(resp, "id").(float64))
	path := "/api/v1/instances/" + itoa(id) + "/cancel"

	w, resp = f.do(t, http.MethodPost, path, map[string]interface{}{"reason": "requester withdrew"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.StatusCancelled, dataField(resp, "status"))

	w, _ = f.do(t, http.MethodPost, path, map[string]interface{}{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInstanceLookupErrors(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/v1/instances/9999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/instances/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationsRecorded(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/requests/req-1/workflow", startRequest())
	require.Equal(t, http.StatusOK, w.Code)
	id := int64(dataField(resp, "id").(float64))

	w, _ = f.do(t, http.MethodPost, "/api/v1/instances/"+itoa(id)+"/approve", decision(0, "u_a", 1))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/v1/instances/"+itoa(id)+"/approve", decision(1, "u_b", 2))
	require.Equal(t, http.StatusOK, w.Code)

	// Delivery rides behind the dispatcher's async handlers
	require.NoError(t, f.dispatcher.Close())

	w, resp = f.do(t, http.MethodGet, "/api/v1/instances/"+itoa(id)+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)

	kinds := map[string]int{}
	for _, raw := range resp["data"].([]interface{}) {
		record := raw.(map[string]interface{})
		kinds[record["kind"].(string)]++
		assert.Equal(t, entity.NotificationStatusSent, record["status"])
	}
	assert.Equal(t, 2, kinds["STEP_ASSIGNED"])
	assert.Equal(t, 1, kinds["APPROVED_FINAL"])
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	w, resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", dataField(resp, "status"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
