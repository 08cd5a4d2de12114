package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/handlers"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/store"
	"github.com/flowforge/engine/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory store.Transactor/store.TxOps, mirroring the
// orchestrator package's test fake so the Worker can be exercised without a
// live Postgres connection.
type fakeStore struct {
	mu          sync.Mutex
	instances   map[string]*models.Instance
	connections map[string]*models.Connection
	steps       []models.StepExecution
	outbox      []models.OutboxMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances:   make(map[string]*models.Instance),
		connections: make(map[string]*models.Connection),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.TxOps) error) error { return fn(f) }

func (f *fakeStore) addInstance(data string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New().String()
	step := "call"
	f.instances[id] = &models.Instance{
		ID: id, VersionID: "v1", Status: models.InstanceStatusRunning,
		CurrentStep: &step, Data: json.RawMessage(data),
	}
	return id
}

func (f *fakeStore) addRunningStepExecution(instanceID, stepName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New().String()
	f.steps = append(f.steps, models.StepExecution{
		ID: id, InstanceID: instanceID, StepName: stepName,
		Status: models.StepStatusRunning, Attempt: 1, StartedAt: time.Now(),
	})
	return id
}

func (f *fakeStore) GetVersion(ctx context.Context, id string) (*models.Version, error) { return nil, nil }

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
	return nil, nil
}

func (f *fakeStore) UpdateInstance(ctx context.Context, inst *models.Instance) error { return nil }

func (f *fakeStore) LatestStepExecution(ctx context.Context, instanceID, stepName string) (*models.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.StepExecution
	for i := range f.steps {
		se := f.steps[i]
		if se.InstanceID == instanceID && se.StepName == stepName {
			if latest == nil || se.StartedAt.After(latest.StartedAt) || se.StartedAt.Equal(latest.StartedAt) {
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections[id], nil
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

func newTestWorker(t *testing.T, fs *fakeStore, registry handlers.Registry) (*worker.Worker, ffclock.Clock) {
	t.Helper()
	clk := ffclock.NewMock()
	w := worker.New(fs, registry, clk, zap.NewNop(), observability.NewMetrics(), worker.Config{})
	return w, clk
}

func TestWorker_SuccessWritesStepCompleteEvent(t *testing.T) {
	fs := newFakeStore()
	instanceID := fs.addInstance(`{}`)
	seID := fs.addRunningStepExecution(instanceID, "call")

	registry := handlers.NewRegistry()
	registry.Register("noop", handlers.HandlerFunc(func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}))
	w, _ := newTestWorker(t, fs, registry)

	body, _ := json.Marshal(models.ActionMessage{InstanceID: instanceID, StepName: "call", ActionID: "noop", Attempt: 1})
	require.NoError(t, w.HandleActionMessage(context.Background(), "req-1", body))

	require.Len(t, fs.outbox, 1)
	require.Equal(t, models.DestinationOrchestration, fs.outbox[0].Destination)
	var ev models.Event
	require.NoError(t, json.Unmarshal(fs.outbox[0].Payload, &ev))
	require.Equal(t, models.EventStepComplete, ev.Type)
	require.Equal(t, "req-1", ev.RequestID)

	for i := range fs.steps {
		if fs.steps[i].ID == seID {
			require.Equal(t, models.StepStatusCompleted, fs.steps[i].Status)
		}
	}
}

func TestWorker_HandlerErrorWritesStepFailedEvent(t *testing.T) {
	fs := newFakeStore()
	instanceID := fs.addInstance(`{}`)
	fs.addRunningStepExecution(instanceID, "call")

	registry := handlers.NewRegistry()
	registry.Register("flaky", handlers.HandlerFunc(func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("connector unreachable")
	}))
	w, _ := newTestWorker(t, fs, registry)

	body, _ := json.Marshal(models.ActionMessage{InstanceID: instanceID, StepName: "call", ActionID: "flaky", Attempt: 1})
	require.NoError(t, w.HandleActionMessage(context.Background(), "req-2", body))

	require.Len(t, fs.outbox, 1)
	var ev models.Event
	require.NoError(t, json.Unmarshal(fs.outbox[0].Payload, &ev))
	require.Equal(t, models.EventStepFailed, ev.Type)
	require.Contains(t, ev.Error, "connector unreachable")
}

func TestWorker_UnknownActionIDWritesStepFailedEvent(t *testing.T) {
	fs := newFakeStore()
	instanceID := fs.addInstance(`{}`)
	fs.addRunningStepExecution(instanceID, "call")

	w, _ := newTestWorker(t, fs, handlers.NewRegistry())

	body, _ := json.Marshal(models.ActionMessage{InstanceID: instanceID, StepName: "call", ActionID: "nonexistent", Attempt: 1})
	require.NoError(t, w.HandleActionMessage(context.Background(), "req-3", body))

	require.Len(t, fs.outbox, 1)
	var ev models.Event
	require.NoError(t, json.Unmarshal(fs.outbox[0].Payload, &ev))
	require.Equal(t, models.EventStepFailed, ev.Type)
}

func TestWorker_RedeliveredCompletedStepIsDropped(t *testing.T) {
	fs := newFakeStore()
	instanceID := fs.addInstance(`{}`)
	seID := fs.addRunningStepExecution(instanceID, "call")
	_ = fs.CompleteStepExecution(context.Background(), seID, models.StepStatusCompleted, nil, nil)

	registry := handlers.NewRegistry()
	called := false
	registry.Register("noop", handlers.HandlerFunc(func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}))
	w, _ := newTestWorker(t, fs, registry)

	body, _ := json.Marshal(models.ActionMessage{InstanceID: instanceID, StepName: "call", ActionID: "noop", Attempt: 1})
	require.NoError(t, w.HandleActionMessage(context.Background(), "req-4", body))

	require.False(t, called, "handler must not run for an already-completed step")
	require.Empty(t, fs.outbox)
}

func TestWorker_ConnectionConfigMergesUnderInline(t *testing.T) {
	fs := newFakeStore()
	instanceID := fs.addInstance(`{}`)
	fs.addRunningStepExecution(instanceID, "call")

	connID := "conn-1"
	fs.connections[connID] = &models.Connection{
		ID: connID, ConnectorID: "http", Name: "default",
		Config: json.RawMessage(`{"base_url": "https://api.example.com", "token": "shared"}`),
	}

	registry := handlers.NewRegistry()
	var seenConfig map[string]interface{}
	registry.Register("http.call", handlers.HandlerFunc(func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
		seenConfig = config
		return map[string]interface{}{}, nil
	}))
	w, _ := newTestWorker(t, fs, registry)

	body, _ := json.Marshal(models.ActionMessage{
		InstanceID: instanceID, StepName: "call", ActionID: "http.call", Attempt: 1,
		ConnectionID: &connID,
		Config:       map[string]interface{}{"token": "inline-wins"},
	})
	require.NoError(t, w.HandleActionMessage(context.Background(), "req-5", body))

	require.Equal(t, "https://api.example.com", seenConfig["base_url"])
	require.Equal(t, "inline-wins", seenConfig["token"])
}
