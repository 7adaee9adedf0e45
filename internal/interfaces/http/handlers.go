package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/buildpm/approval-engine/internal/application/engine"
	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/application/registry"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	registry *registry.Registry
	engine   *engine.Engine
	logs     port.NotificationLogRepository
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	reg *registry.Registry,
	eng *engine.Engine,
	logs port.NotificationLogRepository,
	logger Logger,
) *Handlers {
	return &Handlers{
		registry: reg,
		engine:   eng,
		logs:     logs,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// StartWorkflowRequest carries the request attributes used for template
// selection
type StartWorkflowRequest struct {
	CompanyID   string `json:"company_id" binding:"required"`
	Category    string `json:"category" binding:"required"`
	RequestType string `json:"request_type" binding:"required"`
	AmountCents int64  `json:"amount_cents"`
}

// DecisionRequest carries an approver's decision on the active step
type DecisionRequest struct {
	StepPosition    int    `json:"step_position"`
	ApproverID      string `json:"approver_id" binding:"required"`
	Comment         string `json:"comment"`
	ExpectedVersion int64  `json:"expected_version" binding:"required"`
}

// CancelRequest carries the requester-side cancellation
type CancelRequest struct {
	Reason string `json:"reason"`
}

// InstanceResponse represents a workflow instance in API responses
type InstanceResponse struct {
	ID                int64  `json:"id"`
	RequestID         string `json:"request_id"`
	CompanyID         string `json:"company_id"`
	TemplateID        int64  `json:"template_id"`
	TemplateVersion   int    `json:"template_version"`
	CurrentPosition   int    `json:"current_position"`
	Status            string `json:"status"`
	ResubmissionCount int    `json:"resubmission_count"`
	Version           int64  `json:"version"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// StepResponse represents a step execution in API responses
type StepResponse struct {
	Cycle         int     `json:"cycle"`
	Position      int     `json:"position"`
	ApproverID    string  `json:"approver_id,omitempty"`
	Outcome       string  `json:"outcome"`
	Comment       string  `json:"comment,omitempty"`
	DecidedAt     *string `json:"decided_at,omitempty"`
	DeadlineAt    *string `json:"deadline_at,omitempty"`
	ReminderCount int     `json:"reminder_count"`
}

// NotificationResponse represents a delivery attempt in API responses
type NotificationResponse struct {
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   "1.0.0",
		},
	})
}

// StartWorkflow handles POST /api/v1/requests/:request_id/workflow.
// Selecting a template and instantiating the workflow happen in one call;
// a repeated call for a request with a live workflow returns the existing
// instance unchanged.
func (h *Handlers) StartWorkflow(c *gin.Context) {
	requestID := c.Param("request_id")

	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid start workflow request", "error", err)
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	tmpl, err := h.registry.Resolve(c.Request.Context(), registry.RequestContext{
		CompanyID:   req.CompanyID,
		Category:    req.Category,
		RequestType: req.RequestType,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	instance, err := h.engine.Instantiate(c.Request.Context(), requestID, tmpl)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toInstanceResponse(instance),
	})
}

// GetInstance handles GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	instance, err := h.engine.GetInstance(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toInstanceResponse(instance),
	})
}

// GetHistory handles GET /api/v1/instances/:id/history. All cycles are
// returned, earlier resubmission rounds included.
func (h *Handlers) GetHistory(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	steps, err := h.engine.History(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	responses := make([]StepResponse, 0, len(steps))
	for _, step := range steps {
		responses = append(responses, toStepResponse(step))
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    responses,
	})
}

// GetNotifications handles GET /api/v1/instances/:id/notifications
func (h *Handlers) GetNotifications(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	records, err := h.logs.GetByInstanceID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	responses := make([]NotificationResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, NotificationResponse{
			RecipientID: record.RecipientID,
			Kind:        record.Kind,
			Status:      record.Status,
			Error:       record.Error,
			CreatedAt:   record.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    responses,
	})
}

// Approve handles POST /api/v1/instances/:id/approve
func (h *Handlers) Approve(c *gin.Context) {
	h.decide(c, h.engine.Approve)
}

// Reject handles POST /api/v1/instances/:id/reject
func (h *Handlers) Reject(c *gin.Context) {
	h.decide(c, h.engine.Reject)
}

type decisionFunc func(ctx context.Context, instanceID int64, stepPosition int, approverID, comment string, expectedVersion int64) (*entity.RequestWorkflowInstance, error)

func (h *Handlers) decide(c *gin.Context, fn decisionFunc) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid decision request", "instance_id", id, "error", err)
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	instance, err := fn(c.Request.Context(), id, req.StepPosition, req.ApproverID, req.Comment, req.ExpectedVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toInstanceResponse(instance),
	})
}

// Cancel handles POST /api/v1/instances/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	if err := h.engine.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}

	instance, err := h.engine.GetInstance(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toInstanceResponse(instance),
	})
}

func (h *Handlers) instanceID(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.logger.Error("Invalid instance ID", "id", idStr, "error", err)
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid instance ID",
		})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors to HTTP status codes
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, wf.ErrNoTemplateMatched),
		errors.Is(err, wf.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, wf.ErrConcurrentModification),
		errors.Is(err, wf.ErrStepAlreadyDecided),
		errors.Is(err, wf.ErrAlreadyTerminal),
		errors.Is(err, wf.ErrAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, wf.ErrStepNotActive),
		errors.Is(err, wf.ErrNoApprover):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
		c.JSON(status, Response{Success: false, Error: "internal error"})
		return
	}

	c.JSON(status, Response{Success: false, Error: err.Error()})
}

func toInstanceResponse(instance *entity.RequestWorkflowInstance) InstanceResponse {
	return InstanceResponse{
		ID:                instance.ID,
		RequestID:         instance.RequestID,
		CompanyID:         instance.CompanyID,
		TemplateID:        instance.TemplateID,
		TemplateVersion:   instance.TemplateVersion,
		CurrentPosition:   instance.CurrentPosition,
		Status:            instance.Status,
		ResubmissionCount: instance.ResubmissionCount,
		Version:           instance.Version,
		CreatedAt:         instance.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         instance.UpdatedAt.Format(time.RFC3339),
	}
}

func toStepResponse(step *entity.StepExecution) StepResponse {
	resp := StepResponse{
		Cycle:         step.Cycle,
		Position:      step.Position,
		ApproverID:    step.ApproverID,
		Outcome:       step.Outcome,
		Comment:       step.Comment,
		ReminderCount: step.ReminderCount,
	}

	if step.DecidedAt != nil {
		decidedAt := step.DecidedAt.Format(time.RFC3339)
		resp.DecidedAt = &decidedAt
	}
	if step.DeadlineAt != nil {
		deadlineAt := step.DeadlineAt.Format(time.RFC3339)
		resp.DeadlineAt = &deadlineAt
	}

	return resp
}
