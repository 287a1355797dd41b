package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/graph"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

// WebhookTrigger is the captured inbound request of a webhook fire.
type WebhookTrigger struct {
	Headers     map[string]any `json:"headers"`
	Body        any            `json:"body"`
	QueryParams map[string]any `json:"query_params"`
}

// WebhookResult reports a webhook-triggered run.
type WebhookResult struct {
	Execution *store.Execution `json:"execution"`
	// HasForm hints that the workflow will pause on a form node.
	HasForm bool `json:"has_form"`
}

// RunWorkflow starts a manual execution: one execution row sized to the
// whole graph, one seed job per entry node.
func (c *Coordinator) RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*store.Execution, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def := wf.Definition()

	if def.Nodes.Len() == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no nodes", workflowID)
	}
	entries := graph.EntryNodes(def)
	if len(entries) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no entry nodes", workflowID)
	}

	if payload == nil {
		payload = map[string]any{}
	}

	ex := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionStatusPending,
		TotalTasks: def.Nodes.Len(),
		Result: &schema.ExecutionResult{
			TriggerPayload: payload,
			NodeResults:    map[string]schema.NodeResult{},
		},
	}
	if err := c.store.CreateExecution(ctx, ex); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	ctx = logging.WithIDs(ctx, workflowID, ex.ID, "")
	c.seed(ctx, wf, ex, entries, payload)
	c.logger.InfoContext(ctx, "manual execution started",
		slog.Int("total_tasks", ex.TotalTasks), slog.Int("entry_nodes", len(entries)))
	return ex, nil
}

// FireWebhook starts an execution for the workflow registered under
// webhookID. The workflow must contain a webhook-typed node; without
// one this is NOT_FOUND and no execution row is created.
func (c *Coordinator) FireWebhook(ctx context.Context, webhookID string, trigger WebhookTrigger) (*WebhookResult, error) {
	wf, err := c.store.GetWorkflowByWebhookID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	def := wf.Definition()

	var hook *schema.Node
	for _, id := range def.Nodes.IDs() {
		n, _ := def.Nodes.Get(id)
		if n.Type.Normalize() == schema.NodeTypeWebhook {
			hook = n
			break
		}
	}
	if hook == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %q has no webhook node", wf.ID)
	}

	triggerCtx := map[string]any{
		"headers":      trigger.Headers,
		"body":         trigger.Body,
		"query_params": trigger.QueryParams,
	}
	payload := map[string]any{
		"headers":      trigger.Headers,
		"body":         trigger.Body,
		"query_params": trigger.QueryParams,
		"$json":        triggerCtx,
	}

	ex := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusPending,
		TotalTasks: def.Nodes.Len(),
		Result: &schema.ExecutionResult{
			TriggerPayload: triggerCtx,
			NodeResults:    map[string]schema.NodeResult{},
		},
	}
	if err := c.store.CreateExecution(ctx, ex); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	ctx = logging.WithIDs(ctx, wf.ID, ex.ID, hook.ID)
	c.seed(ctx, wf, ex, []*schema.Node{hook}, payload)
	c.logger.InfoContext(ctx, "webhook execution started",
		slog.String("webhook_id", webhookID), slog.Int("total_tasks", ex.TotalTasks))

	return &WebhookResult{Execution: ex, HasForm: hasFormNode(def)}, nil
}

// seed enqueues the first wave of jobs. A push failure on one entry
// node is logged and does not block the others.
func (c *Coordinator) seed(ctx context.Context, wf *store.Workflow, ex *store.Execution, entries []*schema.Node, runCtx map[string]any) {
	def := wf.Definition()
	for _, n := range entries {
		job := &schema.Job{
			ID:   schema.JobID(n.ID, ex.ID),
			Type: string(n.Type),
			Data: schema.JobData{
				ExecutionID:  ex.ID,
				WorkflowID:   wf.ID,
				NodeID:       n.ID,
				Node:         n,
				CredentialID: n.Config.CredentialID,
				Context:      runCtx,
				Connections:  graph.DownstreamIDs(def, n.ID),
			},
		}
		payload, err := job.Encode()
		if err != nil {
			c.logger.ErrorContext(ctx, "encode seed job failed",
				slog.String("entry_node", n.ID), slog.String("error", err.Error()))
			continue
		}
		if err := c.queue.Push(ctx, payload); err != nil {
			c.logger.ErrorContext(ctx, "enqueue seed job failed",
				slog.String("entry_node", n.ID), slog.String("error", err.Error()))
		}
	}
}

// hasFormNode checks the graph for a form node, looking at both the
// declared type and a nested "type" inside config templates so hybrid
// definitions still report the hint.
func hasFormNode(def schema.WorkflowDefinition) bool {
	for _, id := range def.Nodes.IDs() {
		n, _ := def.Nodes.Get(id)
		if n.Type.Normalize() == schema.NodeTypeForm {
			return true
		}
		if t, ok := n.Config.Template["type"]; ok &&
			schema.NodeType(t).Normalize() == schema.NodeTypeForm {
			return true
		}
	}
	return false
}
