package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/nodes"
	"github.com/cascadehq/cascade/internal/queue"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/schema"
)

// fakeStore is an in-memory Store with the same transition rules as the
// libsql implementation, so coordinator tests run without a database.
type fakeStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	creds      map[string]*store.Credential
	forms      []*store.Form
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows:  map[string]*store.Workflow{},
		executions: map[string]*store.Execution{},
		creds:      map[string]*store.Credential{},
	}
}

func (f *fakeStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[wf.ID] = wf
	return nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (f *fakeStore) GetWorkflowByWebhookID(_ context.Context, webhookID string) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, wf := range f.workflows {
		if wf.WebhookID == webhookID {
			return wf, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow for webhook %q", webhookID)
}

func (f *fakeStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Workflow, 0, len(f.workflows))
	for _, wf := range f.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (f *fakeStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ex
	f.executions[ex.ID] = &cp
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return cloneExecution(ex), nil
}

func (f *fakeStore) RecordNodeResult(_ context.Context, executionID, nodeID string, result any) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	if ex.Status.Terminal() {
		return cloneExecution(ex), nil
	}
	if ex.Result == nil {
		ex.Result = &schema.ExecutionResult{NodeResults: map[string]schema.NodeResult{}}
	}
	if ex.Result.NodeResults == nil {
		ex.Result.NodeResults = map[string]schema.NodeResult{}
	}
	now := time.Now()
	ex.Result.NodeResults[nodeID] = schema.NodeResult{Result: result, CompletedAt: now.UnixMilli()}
	ex.TasksDone++
	if ex.TasksDone >= ex.TotalTasks {
		ex.Status = schema.ExecutionStatusCompleted
		ex.Result.CompletedAt = now.UnixMilli()
		ex.CompletedAt = &now
	}
	ex.UpdatedAt = now
	return cloneExecution(ex), nil
}

func (f *fakeStore) PauseExecution(_ context.Context, executionID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %q already %s", executionID, ex.Status)
	}
	ex.Status = schema.ExecutionStatusPaused
	ex.PausedNodeID = nodeID
	return nil
}

func (f *fakeStore) FailExecution(_ context.Context, executionID, nodeID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.executions[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %q already %s", executionID, ex.Status)
	}
	ex.Status = schema.ExecutionStatusFailed
	if ex.Result == nil {
		ex.Result = &schema.ExecutionResult{NodeResults: map[string]schema.NodeResult{}}
	}
	ex.Result.Error = "node " + nodeID + ": " + message
	return nil
}

func (f *fakeStore) CreateCredential(_ context.Context, cred *store.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[cred.ID] = cred
	return nil
}

func (f *fakeStore) GetCredential(_ context.Context, id string) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", id)
	}
	return cred, nil
}

func (f *fakeStore) CreateForm(_ context.Context, form *store.Form) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = append(f.forms, form)
	return nil
}

func (f *fakeStore) GetForm(_ context.Context, id string) (*store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, form := range f.forms {
		if form.ID == id {
			return form, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "form %q not found", id)
}

func (f *fakeStore) GetFormByNode(_ context.Context, workflowID, nodeID string) (*store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, form := range f.forms {
		if form.WorkflowID == workflowID && form.NodeID == nodeID {
			return form, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no form for node %q", nodeID)
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

func cloneExecution(ex *store.Execution) *store.Execution {
	cp := *ex
	if ex.Result != nil {
		res := *ex.Result
		res.NodeResults = make(map[string]schema.NodeResult, len(ex.Result.NodeResults))
		for k, v := range ex.Result.NodeResults {
			res.NodeResults[k] = v
		}
		cp.Result = &res
	}
	return &cp
}

// newTestEngine builds a coordinator over an in-memory queue with the
// trigger, form, and email handlers registered.
func newTestEngine(t *testing.T, s store.Store) *Coordinator {
	t.Helper()

	validator, err := validation.NewJobValidator()
	require.NoError(t, err)
	cond, err := expressions.NewCELEngine()
	require.NoError(t, err)

	registry := nodes.NewRegistry()
	require.NoError(t, registry.Register(nodes.NewManualHandler()))
	require.NoError(t, registry.Register(nodes.NewWebhookHandler()))
	require.NoError(t, registry.Register(nodes.NewFormHandler(StoreForms{Store: s}, "https://forms.test")))
	require.NoError(t, registry.Register(nodes.NewEmailHandler(StoreCredentials{Store: s}, "http://127.0.0.1:1", "noreply@test.dev")))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Workers: 2, PopTimeout: 50 * time.Millisecond, IdleSleep: 5 * time.Millisecond}

	return NewCoordinator(s, queue.NewMemoryQueue(), registry, validator, cond, expressions.NewGoJQEngine(), logger, cfg)
}

func startEngine(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
}

func testWorkflow(id string, conns schema.ConnectionMap, ns ...*schema.Node) *store.Workflow {
	return &store.Workflow{
		ID:          id,
		Title:       id,
		Nodes:       schema.NewNodeMap(ns...),
		Connections: conns,
		Enabled:     true,
	}
}

func waitForStatus(t *testing.T, s store.Store, executionID string, want schema.ExecutionStatus) *store.Execution {
	t.Helper()
	var ex *store.Execution
	require.Eventually(t, func() bool {
		got, err := s.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		ex = got
		return got.Status == want
	}, 3*time.Second, 10*time.Millisecond, "waiting for status %s", want)
	return ex
}

func testCredential(id string, data map[string]any) *store.Credential {
	if data == nil {
		data = map[string]any{}
	}
	return &store.Credential{ID: id, Name: id, Type: "generic", Data: data}
}

func testForm(id, workflowID, nodeID string) *store.Form {
	return &store.Form{ID: id, WorkflowID: workflowID, NodeID: nodeID, Title: "Approval"}
}

func waitForTasksDone(t *testing.T, s store.Store, executionID string, want int) *store.Execution {
	t.Helper()
	var ex *store.Execution
	require.Eventually(t, func() bool {
		got, err := s.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		ex = got
		return got.TasksDone >= want
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d tasks", want)
	return ex
}
