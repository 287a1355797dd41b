package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/schema"
)

func TestCoordinator_RunsLinearWorkflowToCompletion(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-linear",
		schema.ConnectionMap{"start": {"step"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "step", Type: schema.NodeTypeWebhook},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-linear", map[string]any{"order": "A-17"})
	require.NoError(t, err)

	done := waitForStatus(t, s, ex.ID, schema.ExecutionStatusCompleted)
	assert.Equal(t, 2, done.TasksDone)
	assert.Equal(t, 2, done.TotalTasks)
	require.NotNil(t, done.CompletedAt)

	start := done.Result.NodeResults["start"].Result.(map[string]any)
	assert.Equal(t, true, start["triggered"])
	assert.Contains(t, done.Result.NodeResults, "step")
}

func TestCoordinator_FanOutRunsAllBranches(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-fan",
		schema.ConnectionMap{"start": {"left", "right"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "left", Type: schema.NodeTypeWebhook},
		&schema.Node{ID: "right", Type: schema.NodeTypeWebhook},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-fan", nil)
	require.NoError(t, err)

	done := waitForStatus(t, s, ex.ID, schema.ExecutionStatusCompleted)
	assert.Equal(t, 3, done.TasksDone)
	assert.Len(t, done.Result.NodeResults, 3)
}

func TestCoordinator_NodeFailureFailsExecution(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateCredential(context.Background(), testCredential("cred-empty", nil)))
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-fail",
		schema.ConnectionMap{"start": {"notify"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "notify", Type: schema.NodeTypeEmail, Config: schema.NodeConfig{
			CredentialID: "cred-empty",
			Template:     map[string]string{"to": "ops@test.dev", "subject": "hi", "body": "hello"},
		}},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-fail", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, s, ex.ID, schema.ExecutionStatusFailed)
	assert.Contains(t, failed.Result.Error, "API key")
	assert.Contains(t, failed.Result.Error, "notify")
	// The trigger's completed work stays counted; the failure adds none.
	assert.Equal(t, 1, failed.TasksDone)
}

func TestCoordinator_FormPausesExecution(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateForm(context.Background(), testForm("form-1", "wf-pause", "approve")))
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-pause",
		schema.ConnectionMap{"start": {"approve"}, "approve": {"after"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "approve", Type: schema.NodeTypeForm},
		&schema.Node{ID: "after", Type: schema.NodeTypeWebhook},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-pause", nil)
	require.NoError(t, err)

	paused := waitForStatus(t, s, ex.ID, schema.ExecutionStatusPaused)
	assert.Equal(t, "approve", paused.PausedNodeID)
	assert.Equal(t, 1, paused.TasksDone)
	// Nothing downstream of the pause point ran.
	assert.NotContains(t, paused.Result.NodeResults, "approve")
	assert.NotContains(t, paused.Result.NodeResults, "after")
}

func TestCoordinator_UnknownNodeTypeFailsExecution(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-unknown",
		schema.ConnectionMap{},
		&schema.Node{ID: "odd", Type: "teleport"},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-unknown", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, s, ex.ID, schema.ExecutionStatusFailed)
	assert.Contains(t, failed.Result.Error, "unknown node type")
}

func TestCoordinator_MalformedPayloadIsDropped(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-ok",
		schema.ConnectionMap{},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	// Garbage ahead of the real work: the loop must survive it.
	require.NoError(t, c.queue.Push(context.Background(), []byte("not json")))
	require.NoError(t, c.queue.Push(context.Background(), []byte(`{"id":""}`)))

	ex, err := c.RunWorkflow(context.Background(), "wf-ok", nil)
	require.NoError(t, err)

	waitForStatus(t, s, ex.ID, schema.ExecutionStatusCompleted)
}

func TestCoordinator_ConditionFalseSkipsWithoutFanOut(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-guard",
		schema.ConnectionMap{"start": {"guarded"}, "guarded": {"after"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "guarded", Type: schema.NodeTypeWebhook, Config: schema.NodeConfig{
			Condition: `context.mode == "live"`,
		}},
		&schema.Node{ID: "after", Type: schema.NodeTypeWebhook},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-guard", map[string]any{"mode": "dry"})
	require.NoError(t, err)

	waitForTasksDone(t, s, ex.ID, 2)
	time.Sleep(100 * time.Millisecond)
	got, err := s.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, 2, got.TasksDone)
	skipped := got.Result.NodeResults["guarded"].Result.(map[string]any)
	assert.Equal(t, true, skipped["skipped"])
	assert.NotContains(t, got.Result.NodeResults, "after")
}

func TestCoordinator_ConditionErrorFailsExecution(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-badguard",
		schema.ConnectionMap{},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual, Config: schema.NodeConfig{
			Condition: "this is not CEL ((",
		}},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-badguard", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, s, ex.ID, schema.ExecutionStatusFailed)
	assert.Contains(t, failed.Result.Error, "condition")
}

func TestCoordinator_TransformReshapesResult(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-jq",
		schema.ConnectionMap{},
		&schema.Node{ID: "hook", Type: schema.NodeTypeWebhook, Config: schema.NodeConfig{
			Transform: "{doubled: (.value * 2)}",
		}},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-jq", map[string]any{"value": 21})
	require.NoError(t, err)

	done := waitForStatus(t, s, ex.ID, schema.ExecutionStatusCompleted)
	result := done.Result.NodeResults["hook"].Result.(map[string]any)
	assert.EqualValues(t, 42, result["doubled"])
}

func TestCoordinator_DownstreamContextCarriesNodeResults(t *testing.T) {
	s := newFakeStore()
	require.NoError(t, s.CreateWorkflow(context.Background(), testWorkflow("wf-ctx",
		schema.ConnectionMap{"start": {"hook"}},
		&schema.Node{ID: "start", Type: schema.NodeTypeManual},
		&schema.Node{ID: "hook", Type: schema.NodeTypeWebhook},
	)))

	c := newTestEngine(t, s)
	startEngine(t, c)

	ex, err := c.RunWorkflow(context.Background(), "wf-ctx", map[string]any{"seed": "x"})
	require.NoError(t, err)

	done := waitForStatus(t, s, ex.ID, schema.ExecutionStatusCompleted)

	// The webhook node echoes its context, which must now carry the
	// trigger's output under $node.start.
	hook := done.Result.NodeResults["hook"].Result.(map[string]any)
	assert.Equal(t, "x", hook["seed"])
	nodeScope, ok := hook["$node"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, nodeScope, "start")
}

func TestCoordinator_UnreachableNodeBlocksCompletion(t *testing.T) {
	// totalTasks counts every node in the graph, so a node no trigger
	// reaches keeps the execution PENDING forever.
	s := newFakeStore()
	wf := testWorkflow("wf-orphan",
		schema.ConnectionMap{"hook": {"step"}},
		&schema.Node{ID: "hook", Type: schema.NodeTypeWebhook},
		&schema.Node{ID: "step", Type: schema.NodeTypeWebhook},
		&schema.Node{ID: "orphan", Type: schema.NodeTypeWebhook},
	)
	wf.WebhookID = "hook-orphan"
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	c := newTestEngine(t, s)
	startEngine(t, c)

	res, err := c.FireWebhook(context.Background(), "hook-orphan", WebhookTrigger{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Execution.TotalTasks)

	// The connected chain drains; the orphan is never seeded.
	waitForTasksDone(t, s, res.Execution.ID, 2)
	time.Sleep(100 * time.Millisecond)

	got, err := s.GetExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, 2, got.TasksDone)
	assert.NotContains(t, got.Result.NodeResults, "orphan")
}

func TestCoordinator_StartTwiceRejected(t *testing.T) {
	c := newTestEngine(t, newFakeStore())
	startEngine(t, c)
	assert.Error(t, c.Start(context.Background()))
}
