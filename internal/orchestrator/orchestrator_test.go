package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/lock"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/orchestrator"
	"github.com/flowforge/engine/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory store.Transactor/store.TxOps used to drive the
// Orchestrator's state machine in tests without a live Postgres instance.
type fakeStore struct {
	mu         sync.Mutex
	versions   map[string]*models.Version
	instances  map[string]*models.Instance
	steps      []models.StepExecution
	outbox     []models.OutboxMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions:  make(map[string]*models.Version),
		instances: make(map[string]*models.Instance),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.TxOps) error) error {
	return fn(f)
}

func (f *fakeStore) addVersion(def models.Definition) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(def)
	id := uuid.New().String()
	f.versions[id] = &models.Version{ID: id, WorkflowID: "wf-1", Definition: raw, Active: true}
	return id
}

func (f *fakeStore) GetVersion(ctx context.Context, id string) (*models.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, models.ErrVersionNotFound
	}
	return v, nil
}

func (f *fakeStore) GetInstanceForUpdate(ctx context.Context, id string) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, models.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) CreateInstance(ctx context.Context, versionID string, data json.RawMessage) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	inst := &models.Instance{ID: uuid.New().String(), VersionID: versionID, Status: models.InstanceStatusPending, Data: data}
	f.instances[inst.ID] = inst
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *inst
	f.instances[inst.ID] = &cp
	return nil
}

func (f *fakeStore) LatestStepExecution(ctx context.Context, instanceID, stepName string) (*models.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.StepExecution
	for i := range f.steps {
		se := f.steps[i]
		if se.InstanceID == instanceID && se.StepName == stepName {
			if latest == nil || se.StartedAt.After(latest.StartedAt) {
				cp := se
				latest = &cp
			}
		}
	}
	return latest, nil
}

func (f *fakeStore) CreateStepExecution(ctx context.Context, se *models.StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	se.StartedAt = time.Now()
	f.steps = append(f.steps, *se)
	return nil
}

func (f *fakeStore) CompleteStepExecution(ctx context.Context, id string, status models.StepExecutionStatus, output json.RawMessage, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.steps {
		if f.steps[i].ID == id {
			f.steps[i].Status = status
			f.steps[i].Output = output
			f.steps[i].Error = errMsg
		}
	}
	return nil
}

func (f *fakeStore) EnqueueOutbox(ctx context.Context, destination string, payload []byte, publishAt time.Time, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, models.OutboxMessage{
		ID: uuid.New().String(), Destination: destination, Payload: payload, PublishAt: publishAt,
	})
	return nil
}

func (f *fakeStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	return nil, nil
}

func (f *fakeStore) DueOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	return nil, nil
}

func (f *fakeStore) MarkOutboxProcessed(ctx context.Context, ids []string) error { return nil }

func (f *fakeStore) StaleInstances(ctx context.Context, cutoff time.Time, limit int) ([]models.Instance, error) {
	return nil, nil
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, name string) (*models.Workflow, error) {
	return nil, nil
}

func (f *fakeStore) CreateVersion(ctx context.Context, workflowID string, definition json.RawMessage, active bool) (*models.Version, error) {
	return nil, nil
}

func (f *fakeStore) ActiveVersion(ctx context.Context, workflowID string) (*models.Version, error) {
	return nil, nil
}

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func newTestOrchestrator(t *testing.T, fs *fakeStore) (*orchestrator.Orchestrator, ffclock.Clock) {
	t.Helper()
	clk := ffclock.NewMock()
	locks := lock.NewMemoryService(clk)
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	o := orchestrator.New(fs, locks, clk, logger, metrics, orchestrator.Config{
		LockLease:             30 * time.Second,
		DefaultMaxAttempts:    3,
		DefaultRetryDelaySecs: 10,
	})
	return o, clk
}

func TestOrchestrator_LinearSuccess(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "send",
		Steps: map[string]models.StepSpec{
			"send": {Type: models.StepTypeAction, ActionID: "email.send", Next: strp("end")},
		},
	})
	o, _ := newTestOrchestrator(t, fs)
	ctx := context.Background()

	err := o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID})
	require.NoError(t, err)
	require.Len(t, fs.instances, 1)

	var instanceID string
	for id := range fs.instances {
		instanceID = id
	}
	inst := fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusRunning, inst.Status)
	require.NotNil(t, inst.CurrentStep)
	require.Equal(t, "send", *inst.CurrentStep)
	require.Len(t, fs.outbox, 1)
	require.Equal(t, models.DestinationActions, fs.outbox[0].Destination)

	err = o.ProcessEvent(ctx, models.Event{Type: models.EventStepComplete, InstanceID: instanceID, StepName: "send"})
	require.NoError(t, err)

	inst = fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusCompleted, inst.Status)
	require.Nil(t, inst.CurrentStep)
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "call",
		Steps: map[string]models.StepSpec{
			"call": {Type: models.StepTypeAction, ActionID: "http.post", Next: strp("end"), Retry: &models.RetryPolicy{MaxAttempts: 3, DelaySeconds: 5}},
		},
	})
	o, _ := newTestOrchestrator(t, fs)
	ctx := context.Background()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID}))
	var instanceID string
	for id := range fs.instances {
		instanceID = id
	}
	inst := fs.instances[instanceID]
	require.Equal(t, 1, inst.CurrentStepAttempts, "initial dispatch is attempt 1")

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepFailed, InstanceID: instanceID, StepName: "call", Error: "timeout"}))
	inst = fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusRunning, inst.Status)
	require.Equal(t, 2, inst.CurrentStepAttempts)
	require.Len(t, fs.outbox, 2, "initial dispatch + first retry dispatch")

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepFailed, InstanceID: instanceID, StepName: "call", Error: "timeout"}))
	inst = fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusRunning, inst.Status)
	require.Equal(t, 3, inst.CurrentStepAttempts)
	require.Len(t, fs.outbox, 3, "initial dispatch + two retry dispatches")

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepComplete, InstanceID: instanceID, StepName: "call"}))
	inst = fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusCompleted, inst.Status)
}

func TestOrchestrator_RetryExhaustionFailsInstance(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "call",
		Steps: map[string]models.StepSpec{
			"call": {Type: models.StepTypeAction, ActionID: "http.post", Next: strp("end"), Retry: &models.RetryPolicy{MaxAttempts: 1, DelaySeconds: 1}},
		},
	})
	o, _ := newTestOrchestrator(t, fs)
	ctx := context.Background()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID}))
	var instanceID string
	for id := range fs.instances {
		instanceID = id
	}

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepFailed, InstanceID: instanceID, StepName: "call"}))
	inst := fs.instances[instanceID]
	require.Equal(t, models.InstanceStatusFailed, inst.Status)
}

func TestOrchestrator_DelayStepSchedulesSelfCompletion(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "pause",
		Steps: map[string]models.StepSpec{
			"pause": {Type: models.StepTypeDelay, DurationSeconds: intp(60), Next: strp("end")},
		},
	})
	o, clk := newTestOrchestrator(t, fs)
	ctx := context.Background()
	before := clk.Now()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID}))
	require.Len(t, fs.outbox, 1)
	require.Equal(t, models.DestinationOrchestration, fs.outbox[0].Destination)
	require.True(t, fs.outbox[0].PublishAt.Equal(before.Add(60*time.Second)))
}

func TestOrchestrator_BranchRoutesOnCondition(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "check",
		Steps: map[string]models.StepSpec{
			"check": {
				Type:      models.StepTypeBranch,
				Condition: &models.Condition{Field: "vip", Operator: models.OpEq, Value: true},
				OnTrue:    strp("priority"),
				OnFalse:   strp("standard"),
			},
			"priority": {Type: models.StepTypeAction, ActionID: "queue.priority", Next: strp("end")},
			"standard": {Type: models.StepTypeAction, ActionID: "queue.standard", Next: strp("end")},
		},
	})
	o, _ := newTestOrchestrator(t, fs)
	ctx := context.Background()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{
		Type: models.EventStartWorkflow, VersionID: versionID, Data: json.RawMessage(`{"vip": true}`),
	}))

	var inst *models.Instance
	for _, i := range fs.instances {
		inst = i
	}
	require.Equal(t, "priority", *inst.CurrentStep)

	se, err := fs.LatestStepExecution(ctx, inst.ID, "check")
	require.NoError(t, err)
	require.NotNil(t, se, "branch evaluation must leave a completed StepExecution")
	require.Equal(t, models.StepStatusCompleted, se.Status)
	require.JSONEq(t, `{"branch_result":true,"next_step":"priority"}`, string(se.Output))
}

func TestOrchestrator_WaitForEventSchedulesTimeout(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "approval",
		Steps: map[string]models.StepSpec{
			"approval": {Type: models.StepTypeWaitForEvent, TimeoutSeconds: intp(3600), Next: strp("end")},
		},
	})
	o, clk := newTestOrchestrator(t, fs)
	ctx := context.Background()
	before := clk.Now()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID}))
	require.Len(t, fs.outbox, 1)
	require.True(t, fs.outbox[0].PublishAt.Equal(before.Add(3600*time.Second)))
}

func TestOrchestrator_StaleEventIsDropped(t *testing.T) {
	fs := newFakeStore()
	versionID := fs.addVersion(models.Definition{
		StartAt: "a",
		Steps: map[string]models.StepSpec{
			"a": {Type: models.StepTypeAction, ActionID: "x", Next: strp("b")},
			"b": {Type: models.StepTypeAction, ActionID: "y", Next: strp("end")},
		},
	})
	o, _ := newTestOrchestrator(t, fs)
	ctx := context.Background()

	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStartWorkflow, VersionID: versionID}))
	var instanceID string
	for id := range fs.instances {
		instanceID = id
	}

	// Advance past step "a" onto "b" via its first completion.
	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepComplete, InstanceID: instanceID, StepName: "a"}))
	inst := fs.instances[instanceID]
	require.Equal(t, "b", *inst.CurrentStep)

	// A redelivered completion for the already-advanced-past step "a" must
	// be ignored rather than re-triggering the transition.
	require.NoError(t, o.ProcessEvent(ctx, models.Event{Type: models.EventStepComplete, InstanceID: instanceID, StepName: "a"}))
	inst = fs.instances[instanceID]
	require.Equal(t, "b", *inst.CurrentStep, "stale event should not have altered the instance")
}
