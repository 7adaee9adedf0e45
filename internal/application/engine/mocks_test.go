package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// memoryStore backs the mock repositories. The tx manager snapshots it on
// entry and restores on failure so compare-and-swap conflicts roll back the
// way a real transaction would.
type memoryStore struct {
	mu             sync.Mutex
	templates      map[int64]*entity.ApprovalFlowTemplate
	instances      map[int64]*entity.RequestWorkflowInstance
	steps          map[int64]*entity.StepExecution
	nextTemplateID int64
	nextInstanceID int64
	nextStepID     int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		templates:      make(map[int64]*entity.ApprovalFlowTemplate),
		instances:      make(map[int64]*entity.RequestWorkflowInstance),
		steps:          make(map[int64]*entity.StepExecution),
		nextTemplateID: 1,
		nextInstanceID: 1,
		nextStepID:     1,
	}
}

func (s *memoryStore) snapshot() (map[int64]*entity.RequestWorkflowInstance, map[int64]*entity.StepExecution) {
	instances := make(map[int64]*entity.RequestWorkflowInstance, len(s.instances))
	for id, inst := range s.instances {
		cp := *inst
		instances[id] = &cp
	}
	steps := make(map[int64]*entity.StepExecution, len(s.steps))
	for id, step := range s.steps {
		cp := *step
		steps[id] = &cp
	}
	return instances, steps
}

type mockTemplateRepo struct {
	store *memoryStore
}

func (m *mockTemplateRepo) Create(ctx context.Context, tmpl *entity.ApprovalFlowTemplate) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	tmpl.ID = m.store.nextTemplateID
	m.store.nextTemplateID++
	cp := *tmpl
	m.store.templates[tmpl.ID] = &cp
	return nil
}

func (m *mockTemplateRepo) GetByID(ctx context.Context, id int64) (*entity.ApprovalFlowTemplate, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	tmpl, ok := m.store.templates[id]
	if !ok {
		return nil, nil
	}
	cp := *tmpl
	return &cp, nil
}

func (m *mockTemplateRepo) FindByScope(ctx context.Context, companyID, category, requestType string) ([]*entity.ApprovalFlowTemplate, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []*entity.ApprovalFlowTemplate
	for _, tmpl := range m.store.templates {
		if tmpl.CompanyID == companyID && tmpl.Category == category && tmpl.RequestType == requestType && tmpl.Active {
			cp := *tmpl
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockInstanceRepo struct {
	store *memoryStore
}

func (m *mockInstanceRepo) Create(ctx context.Context, instance *entity.RequestWorkflowInstance) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if instance.Status == entity.StatusRunning {
		for _, stored := range m.store.instances {
			if stored.RequestID == instance.RequestID && stored.Status == entity.StatusRunning {
				return fmt.Errorf("request %s: %w", instance.RequestID, wf.ErrAlreadyActive)
			}
		}
	}
	instance.ID = m.store.nextInstanceID
	m.store.nextInstanceID++
	cp := *instance
	m.store.instances[instance.ID] = &cp
	return nil
}

func (m *mockInstanceRepo) GetByID(ctx context.Context, id int64) (*entity.RequestWorkflowInstance, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *instance
	return &cp, nil
}

func (m *mockInstanceRepo) GetActiveByRequestID(ctx context.Context, requestID string) (*entity.RequestWorkflowInstance, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, instance := range m.store.instances {
		if instance.RequestID == requestID && instance.Status == entity.StatusRunning {
			cp := *instance
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockInstanceRepo) UpdateCAS(ctx context.Context, instance *entity.RequestWorkflowInstance, expectedVersion int64) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	stored, ok := m.store.instances[instance.ID]
	if !ok || stored.Version != expectedVersion {
		return fmt.Errorf("instance %d: %w", instance.ID, wf.ErrConcurrentModification)
	}
	cp := *instance
	cp.Version = expectedVersion + 1
	m.store.instances[instance.ID] = &cp
	instance.Version = cp.Version
	return nil
}

func (m *mockInstanceRepo) ListRunningDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entity.RequestWorkflowInstance, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []*entity.RequestWorkflowInstance
	for _, instance := range m.store.instances {
		if instance.Status != entity.StatusRunning {
			continue
		}
		step := m.store.findStep(instance.ID, instance.ResubmissionCount, instance.CurrentPosition)
		if step == nil || step.Outcome != entity.OutcomePending || step.DeadlineAt == nil {
			continue
		}
		if step.DeadlineAt.After(cutoff) {
			continue
		}
		cp := *instance
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) findStep(instanceID int64, cycle, position int) *entity.StepExecution {
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.Cycle == cycle && step.Position == position {
			return step
		}
	}
	return nil
}

type mockStepRepo struct {
	store *memoryStore
}

func (m *mockStepRepo) CreateBatch(ctx context.Context, steps []*entity.StepExecution) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, step := range steps {
		step.ID = m.store.nextStepID
		m.store.nextStepID++
		cp := *step
		m.store.steps[step.ID] = &cp
	}
	return nil
}

func (m *mockStepRepo) GetByInstance(ctx context.Context, instanceID int64, cycle int) ([]*entity.StepExecution, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []*entity.StepExecution
	for _, step := range m.store.steps {
		if step.InstanceID == instanceID && step.Cycle == cycle {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *mockStepRepo) GetAllCycles(ctx context.Context, instanceID int64) ([]*entity.StepExecution, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []*entity.StepExecution
	for _, step := range m.store.steps {
		if step.InstanceID == instanceID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cycle != out[j].Cycle {
			return out[i].Cycle < out[j].Cycle
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *mockStepRepo) Get(ctx context.Context, instanceID int64, cycle, position int) (*entity.StepExecution, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	step := m.store.findStep(instanceID, cycle, position)
	if step == nil {
		return nil, nil
	}
	cp := *step
	return &cp, nil
}

func (m *mockStepRepo) Update(ctx context.Context, step *entity.StepExecution) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, ok := m.store.steps[step.ID]; !ok {
		return fmt.Errorf("step %d not found", step.ID)
	}
	cp := *step
	m.store.steps[step.ID] = &cp
	return nil
}

func (m *mockStepRepo) IncrementReminder(ctx context.Context, id int64) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	step, ok := m.store.steps[id]
	if !ok {
		return fmt.Errorf("step %d not found", id)
	}
	step.ReminderCount++
	return nil
}

// mockTxManager serializes transactions and restores the store when fn
// fails, so a failed compare-and-swap leaves no partial writes behind.
type mockTxManager struct {
	store *memoryStore
	txMu  sync.Mutex
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.store.mu.Lock()
	instances, steps := m.store.snapshot()
	m.store.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.store.mu.Lock()
		m.store.instances = instances
		m.store.steps = steps
		m.store.mu.Unlock()
		return err
	}
	return nil
}

type mockDirectory struct {
	requesters map[string]string
	roles      map[string][]string // companyID+"/"+role -> users
}

func (m *mockDirectory) RequesterOf(ctx context.Context, requestID string) (string, error) {
	if user, ok := m.requesters[requestID]; ok {
		return user, nil
	}
	return "", fmt.Errorf("no requester for request %s", requestID)
}

func (m *mockDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	return m.roles[companyID+"/"+role], nil
}

type mockDispatcher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (m *mockDispatcher) SubscribeNamed(eventType event.Type, name string, handler dispatcher.Handler) {
}

func (m *mockDispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	m.record(evt)
	return nil
}

func (m *mockDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	m.record(evt)
}

func (m *mockDispatcher) Close() error { return nil }

func (m *mockDispatcher) record(evt *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockDispatcher) byType(t event.Type) []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.Event
	for _, evt := range m.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
