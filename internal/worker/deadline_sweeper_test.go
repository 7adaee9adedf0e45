package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	appengine "github.com/buildpm/approval-engine/internal/application/engine"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
	"github.com/buildpm/approval-engine/internal/domain/workflow"
)

// In-memory fakes shared by the sweeper and the engine under test.

type fakeStore struct {
	mu        sync.Mutex
	templates map[int64]*entity.ApprovalFlowTemplate
	instances map[int64]*entity.RequestWorkflowInstance
	steps     map[int64]*entity.StepExecution
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		templates: make(map[int64]*entity.ApprovalFlowTemplate),
		instances: make(map[int64]*entity.RequestWorkflowInstance),
		steps:     make(map[int64]*entity.StepExecution),
		nextID:    1,
	}
}

func (s *fakeStore) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *fakeStore) findStep(instanceID int64, cycle, position int) *entity.StepExecution {
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.Cycle == cycle && step.Position == position {
			return step
		}
	}
	return nil
}

type fakeTemplateRepo struct{ store *fakeStore }

func (f *fakeTemplateRepo) Create(ctx context.Context, tmpl *entity.ApprovalFlowTemplate) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	tmpl.ID = f.store.id()
	cp := *tmpl
	f.store.templates[tmpl.ID] = &cp
	return nil
}

func (f *fakeTemplateRepo) GetByID(ctx context.Context, id int64) (*entity.ApprovalFlowTemplate, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	tmpl, ok := f.store.templates[id]
	if !ok {
		return nil, nil
	}
	cp := *tmpl
	return &cp, nil
}

func (f *fakeTemplateRepo) FindByScope(ctx context.Context, companyID, category, requestType string) ([]*entity.ApprovalFlowTemplate, error) {
	return nil, nil
}

type fakeInstanceRepo struct{ store *fakeStore }

func (f *fakeInstanceRepo) Create(ctx context.Context, instance *entity.RequestWorkflowInstance) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	instance.ID = f.store.id()
	cp := *instance
	f.store.instances[instance.ID] = &cp
	return nil
}

func (f *fakeInstanceRepo) GetByID(ctx context.Context, id int64) (*entity.RequestWorkflowInstance, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	instance, ok := f.store.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *instance
	return &cp, nil
}

func (f *fakeInstanceRepo) GetActiveByRequestID(ctx context.Context, requestID string) (*entity.RequestWorkflowInstance, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, instance := range f.store.instances {
		if instance.RequestID == requestID && instance.Status == entity.StatusRunning {
			cp := *instance
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeInstanceRepo) UpdateCAS(ctx context.Context, instance *entity.RequestWorkflowInstance, expectedVersion int64) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	stored, ok := f.store.instances[instance.ID]
	if !ok || stored.Version != expectedVersion {
		return fmt.Errorf("instance %d: %w", instance.ID, workflow.ErrConcurrentModification)
	}
	cp := *instance
	cp.Version = expectedVersion + 1
	f.store.instances[instance.ID] = &cp
	instance.Version = cp.Version
	return nil
}

func (f *fakeInstanceRepo) ListRunningDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entity.RequestWorkflowInstance, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*entity.RequestWorkflowInstance
	for _, instance := range f.store.instances {
		if instance.Status != entity.StatusRunning {
			continue
		}
		step := f.store.findStep(instance.ID, instance.ResubmissionCount, instance.CurrentPosition)
		if step == nil || step.Outcome != entity.OutcomePending || step.DeadlineAt == nil || step.DeadlineAt.After(cutoff) {
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

type fakeStepRepo struct{ store *fakeStore }

func (f *fakeStepRepo) CreateBatch(ctx context.Context, steps []*entity.StepExecution) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, step := range steps {
		step.ID = f.store.id()
		cp := *step
		f.store.steps[step.ID] = &cp
	}
	return nil
}

func (f *fakeStepRepo) GetByInstance(ctx context.Context, instanceID int64, cycle int) ([]*entity.StepExecution, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*entity.StepExecution
	for _, step := range f.store.steps {
		if step.InstanceID == instanceID && step.Cycle == cycle {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStepRepo) GetAllCycles(ctx context.Context, instanceID int64) ([]*entity.StepExecution, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*entity.StepExecution
	for _, step := range f.store.steps {
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

func (f *fakeStepRepo) Get(ctx context.Context, instanceID int64, cycle, position int) (*entity.StepExecution, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	step := f.store.findStep(instanceID, cycle, position)
	if step == nil {
		return nil, nil
	}
	cp := *step
	return &cp, nil
}

func (f *fakeStepRepo) Update(ctx context.Context, step *entity.StepExecution) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	cp := *step
	f.store.steps[step.ID] = &cp
	return nil
}

func (f *fakeStepRepo) IncrementReminder(ctx context.Context, id int64) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	step, ok := f.store.steps[id]
	if !ok {
		return fmt.Errorf("step %d not found", id)
	}
	step.ReminderCount++
	return nil
}

type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeDirectory struct{}

func (fakeDirectory) RequesterOf(ctx context.Context, requestID string) (string, error) {
	return "u_requester", nil
}

func (fakeDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	return nil, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordingDispatcher) SubscribeNamed(eventType event.Type, name string, handler dispatcher.Handler) {
}
func (r *recordingDispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	r.DispatchAsync(ctx, evt)
	return nil
}
func (r *recordingDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}
func (r *recordingDispatcher) Close() error { return nil }

func (r *recordingDispatcher) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

// Fixture: one RUNNING instance at step 0, instantiated at base time.

type sweepEnv struct {
	store      *fakeStore
	dispatcher *recordingDispatcher
	engine     *appengine.Engine
	sweeper    *DeadlineSweeper
	instance   *entity.RequestWorkflowInstance
	base       time.Time
	clock      time.Time
}

func newSweepEnv(t *testing.T, cfg SweeperConfig, steps ...entity.ApprovalStepDefinition) *sweepEnv {
	t.Helper()

	store := newFakeStore()
	d := &recordingDispatcher{}
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	env := &sweepEnv{store: store, dispatcher: d, base: base, clock: base}

	templateRepo := &fakeTemplateRepo{store: store}
	instanceRepo := &fakeInstanceRepo{store: store}
	stepRepo := &fakeStepRepo{store: store}

	env.engine = appengine.NewEngine(
		templateRepo,
		instanceRepo,
		stepRepo,
		passthroughTx{},
		d,
		fakeDirectory{},
		zap.NewNop(),
		appengine.WithClock(func() time.Time { return env.clock }),
	)

	tmpl := &entity.ApprovalFlowTemplate{
		CompanyID:   "co_1",
		Category:    "materials",
		RequestType: entity.RequestTypeRequisition,
		Version:     1,
		Steps:       steps,
		Active:      true,
		CreatedAt:   base,
	}
	require.NoError(t, templateRepo.Create(context.Background(), tmpl))

	instance, err := env.engine.Instantiate(context.Background(), "req-sweep", tmpl)
	require.NoError(t, err)
	env.instance = instance

	env.sweeper = NewDeadlineSweeper(
		instanceRepo, stepRepo, templateRepo, env.engine, d, cfg, zap.NewNop(),
	).WithClock(func() time.Time { return env.clock })

	return env
}

func step(position int, userID string, deadline time.Duration, escalation string) entity.ApprovalStepDefinition {
	return entity.ApprovalStepDefinition{
		Position:   position,
		Approver:   entity.ApproverRule{Kind: entity.ApproverFixed, UserID: userID},
		Deadline:   deadline,
		Escalation: escalation,
	}
}

func TestSweepAutoSkipsOverdueStep(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: time.Minute},
		step(0, "u_a", 24*time.Hour, entity.EscalationAutoSkip),
		step(1, "u_b", 48*time.Hour, entity.EscalationNone),
	)

	// 25 hours in, one hour past the 24h deadline
	env.clock = env.base.Add(25 * time.Hour)
	env.sweeper.Sweep(context.Background())

	reloaded, err := env.engine.GetInstance(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, reloaded.Status)
	assert.Equal(t, 1, reloaded.CurrentPosition)

	history, err := env.engine.History(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeSkipped, history[0].Outcome)
	assert.Equal(t, entity.OutcomePending, history[1].Outcome)
	assert.Equal(t, "u_b", history[1].ApproverID)

	assert.Equal(t, 1, env.dispatcher.count(event.TypeStepEscalated))
}

func TestSweepAutoRejectsOverdueStep(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: time.Minute},
		step(0, "u_a", 24*time.Hour, entity.EscalationAutoReject),
	)

	env.clock = env.base.Add(25 * time.Hour)
	env.sweeper.Sweep(context.Background())

	reloaded, err := env.engine.GetInstance(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, reloaded.Status)
}

func TestSweepRemindsUpToCap(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: time.Minute, ReminderCap: 2},
		step(0, "u_a", 24*time.Hour, entity.EscalationNotifyOnly),
	)

	env.clock = env.base.Add(25 * time.Hour)
	for i := 0; i < 4; i++ {
		env.sweeper.Sweep(context.Background())
	}

	assert.Equal(t, 2, env.dispatcher.count(event.TypeStepReminder))

	current, err := env.engine.CurrentStep(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.ReminderCount)
	assert.Equal(t, entity.OutcomePending, current.Outcome)
}

func TestSweepWaitsForGraceBeforeEscalating(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: 2 * time.Hour, ReminderCap: 3},
		step(0, "u_a", 24*time.Hour, entity.EscalationAutoSkip),
	)

	// Past the deadline but inside the grace window: remind, don't escalate
	env.clock = env.base.Add(24*time.Hour + 30*time.Minute)
	env.sweeper.Sweep(context.Background())

	reloaded, err := env.engine.GetInstance(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, reloaded.Status)
	assert.Equal(t, 1, env.dispatcher.count(event.TypeStepReminder))
	assert.Equal(t, 0, env.dispatcher.count(event.TypeStepEscalated))
}

func TestSweepIgnoresFutureDeadlines(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: time.Minute},
		step(0, "u_a", 24*time.Hour, entity.EscalationNotifyOnly),
	)

	env.clock = env.base.Add(time.Hour)
	env.sweeper.Sweep(context.Background())

	assert.Equal(t, 0, env.dispatcher.count(event.TypeStepReminder))
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newSweepEnv(t, SweeperConfig{Grace: time.Minute},
		step(0, "u_a", 24*time.Hour, entity.EscalationAutoSkip),
	)

	env.clock = env.base.Add(25 * time.Hour)
	// Concurrent replicas may each run the same pass; the second finds
	// nothing left to do
	env.sweeper.Sweep(context.Background())
	env.sweeper.Sweep(context.Background())

	reloaded, err := env.engine.GetInstance(context.Background(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, reloaded.Status)
	assert.Equal(t, 1, env.dispatcher.count(event.TypeStepEscalated))
}
