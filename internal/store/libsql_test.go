package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore, webhookID string) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:          uuid.New().String(),
		Title:       "test-workflow",
		TriggerType: "manual",
		WebhookID:   webhookID,
		Nodes: schema.NewNodeMap(
			&schema.Node{ID: "start", Type: schema.NodeTypeManual},
			&schema.Node{ID: "notify", Type: schema.NodeTypeEmail},
		),
		Connections: schema.ConnectionMap{"start": {"notify"}},
		Enabled:     true,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s *LibSQLStore, wf *Workflow, total int) *Execution {
	t.Helper()
	ex := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusPending,
		TotalTasks: total,
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s, "")

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "test-workflow", got.Title)
	assert.Equal(t, []string{"start", "notify"}, got.Nodes.IDs())
	assert.Equal(t, []string{"notify"}, got.Connections["start"])
	assert.True(t, got.Enabled)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	cErr, ok := err.(*schema.CascadeError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, cErr.Code)
}

func TestGetWorkflowByWebhookID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s, "hook-abc")

	got, err := s.GetWorkflowByWebhookID(ctx, "hook-abc")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	_, err = s.GetWorkflowByWebhookID(ctx, "hook-missing")
	require.Error(t, err)
}

func TestListWorkflows_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "")
	wf2 := &Workflow{
		ID:          uuid.New().String(),
		Title:       "hooked",
		TriggerType: "webhook",
		WebhookID:   "hook-1",
		Nodes:       schema.NewNodeMap(&schema.Node{ID: "a", Type: schema.NodeTypeWebhook}),
		Connections: schema.ConnectionMap{},
		Enabled:     true,
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf2))

	got, err := s.ListWorkflows(ctx, WorkflowFilter{TriggerType: "webhook"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wf2.ID, got[0].ID)
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")

	ex := seedExecution(t, s, wf, 2)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, 2, got.TotalTasks)
	assert.Equal(t, 0, got.TasksDone)
	assert.Nil(t, got.CompletedAt)
}

func TestRecordNodeResult_IncrementsAndCompletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")
	ex := seedExecution(t, s, wf, 2)

	got, err := s.RecordNodeResult(ctx, ex.ID, "start", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, 1, got.TasksDone)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	require.Contains(t, got.Result.NodeResults, "start")
	assert.NotZero(t, got.Result.NodeResults["start"].CompletedAt)

	got, err = s.RecordNodeResult(ctx, ex.ID, "notify", "sent")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TasksDone)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Result.NodeResults, 2)
}

func TestRecordNodeResult_ConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")

	const n = 8
	ex := seedExecution(t, s, wf, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RecordNodeResult(ctx, ex.ID, string(rune('a'+i)), i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.TasksDone)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Len(t, got.Result.NodeResults, n)
}

func TestRecordNodeResult_TerminalIsFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")
	ex := seedExecution(t, s, wf, 3)

	require.NoError(t, s.FailExecution(ctx, ex.ID, "start", "boom"))

	got, err := s.RecordNodeResult(ctx, ex.ID, "notify", "late")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Equal(t, 0, got.TasksDone)
	assert.NotContains(t, got.Result.NodeResults, "notify")
}

func TestPauseExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")
	ex := seedExecution(t, s, wf, 2)

	require.NoError(t, s.PauseExecution(ctx, ex.ID, "start"))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, got.Status)
	assert.Equal(t, "start", got.PausedNodeID)
}

func TestFailExecution_FirstTransitionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")
	ex := seedExecution(t, s, wf, 2)

	require.NoError(t, s.FailExecution(ctx, ex.ID, "start", "first failure"))

	err := s.FailExecution(ctx, ex.ID, "notify", "second failure")
	require.Error(t, err)
	cErr, ok := err.(*schema.CascadeError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, cErr.Code)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Result.Error, "first failure")
	assert.NotContains(t, got.Result.Error, "second failure")
}

func TestPauseExecution_AfterTerminalRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")
	ex := seedExecution(t, s, wf, 1)

	_, err := s.RecordNodeResult(ctx, ex.ID, "start", "done")
	require.NoError(t, err)

	err = s.PauseExecution(ctx, ex.ID, "start")
	require.Error(t, err)
	cErr, ok := err.(*schema.CascadeError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, cErr.Code)
}

// --- Credential Tests ---

func TestCreateAndGetCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &Credential{
		ID:   uuid.New().String(),
		Name: "resend-prod",
		Type: "email",
		Data: map[string]any{"apiKey": "re_secret"},
	}
	require.NoError(t, s.CreateCredential(ctx, cred))

	got, err := s.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "resend-prod", got.Name)
	assert.Equal(t, "re_secret", got.Data["apiKey"])
}

func TestGetCredential_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCredential(context.Background(), "missing")
	require.Error(t, err)
}

// --- Form Tests ---

func TestCreateAndGetForm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "")

	form := &Form{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		NodeID:     "start",
		Title:      "Approval",
	}
	require.NoError(t, s.CreateForm(ctx, form))

	got, err := s.GetForm(ctx, form.ID)
	require.NoError(t, err)
	assert.Equal(t, "Approval", got.Title)

	byNode, err := s.GetFormByNode(ctx, wf.ID, "start")
	require.NoError(t, err)
	assert.Equal(t, form.ID, byNode.ID)
}
