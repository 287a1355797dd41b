// Package engine drives workflow execution: the coordinator consumes
// work items from the queue, dispatches them to node handlers, folds
// results into the execution record, and fans out downstream work. One
// node's failure fails its execution and nothing else; the consumer
// loops outlive every failure.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/graph"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/nodes"
	"github.com/cascadehq/cascade/internal/queue"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/schema"
)

const (
	defaultPopTimeout = 2 * time.Second
	defaultIdleSleep  = 100 * time.Millisecond
)

// Config tunes the consumer loops.
type Config struct {
	// Workers is the number of concurrent consumer goroutines.
	Workers int
	// PopTimeout is how long one blocking pop waits before yielding.
	PopTimeout time.Duration
	// IdleSleep is the pause after an empty pop.
	IdleSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = defaultPopTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	return c
}

// Coordinator owns the consumer loops and the per-item pipeline.
type Coordinator struct {
	store     store.Store
	queue     queue.Queue
	registry  *nodes.Registry
	validator *validation.JobValidator
	cond      *expressions.CELEngine
	transform *expressions.GoJQEngine
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the execution pipeline.
func NewCoordinator(
	s store.Store,
	q queue.Queue,
	registry *nodes.Registry,
	validator *validation.JobValidator,
	cond *expressions.CELEngine,
	transform *expressions.GoJQEngine,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		store:     s,
		queue:     q,
		registry:  registry,
		validator: validator,
		cond:      cond,
		transform: transform,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Start launches the consumer loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("coordinator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.loop(runCtx, i)
	}
	c.logger.Info("coordinator started", slog.Int("workers", c.cfg.Workers))
	return nil
}

// Stop cancels the loops and waits for in-flight items to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context, worker int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := c.queue.Pop(ctx, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("queue pop failed",
				slog.Int("worker", worker), slog.String("error", err.Error()))
			sleepCtx(ctx, c.cfg.IdleSleep)
			continue
		}
		if payload == nil {
			sleepCtx(ctx, c.cfg.IdleSleep)
			continue
		}

		c.process(ctx, payload)
	}
}

// process runs one work item end to end, catching panics so a broken
// handler cannot take the loop down.
func (c *Coordinator) process(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("work item panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := c.validator.ValidatePayload(payload); err != nil {
		// Malformed producer output: drop it, the loop moves on.
		c.logger.Warn("dropping invalid work item", slog.String("error", err.Error()))
		return
	}

	job, err := schema.DecodeJob(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable work item", slog.String("error", err.Error()))
		return
	}

	ctx = logging.WithIDs(ctx, job.Data.WorkflowID, job.Data.ExecutionID, job.Data.NodeID)
	c.runNode(ctx, job)
}

func (c *Coordinator) runNode(ctx context.Context, job *schema.Job) {
	data := job.Data

	node := data.Node
	if node == nil {
		c.fail(ctx, data.ExecutionID, data.NodeID, "work item carries no node definition")
		return
	}

	handler, err := c.registry.Get(node.Type)
	if err != nil {
		c.fail(ctx, data.ExecutionID, data.NodeID,
			fmt.Sprintf("unknown node type %q", node.Type))
		return
	}

	if skip, failMsg := c.evaluateCondition(ctx, node, data.Context); failMsg != "" {
		c.fail(ctx, data.ExecutionID, data.NodeID, failMsg)
		return
	} else if skip {
		c.logger.InfoContext(ctx, "condition false, skipping node")
		c.record(ctx, job, map[string]any{"skipped": true}, false)
		return
	}

	outcome, err := handler.Run(ctx, nodes.Input{
		Node:         node,
		Context:      data.Context,
		CredentialID: credentialID(node, data),
		WorkflowID:   data.WorkflowID,
		ExecutionID:  data.ExecutionID,
	})
	if err != nil {
		c.fail(ctx, data.ExecutionID, data.NodeID, err.Error())
		return
	}

	if outcome.Pause != nil {
		if err := c.store.PauseExecution(ctx, data.ExecutionID, data.NodeID); err != nil {
			c.logger.ErrorContext(ctx, "pause failed", slog.String("error", err.Error()))
			return
		}
		c.logger.InfoContext(ctx, "execution paused",
			slog.String("form_id", outcome.Pause.FormID))
		return
	}

	result := outcome.Output
	if node.Config.Transform != "" {
		result, err = c.applyTransform(ctx, node.Config.Transform, result, data.Context)
		if err != nil {
			c.fail(ctx, data.ExecutionID, data.NodeID, err.Error())
			return
		}
	}

	c.record(ctx, job, result, true)
}

// evaluateCondition returns skip=true when a configured guard is false.
// A broken guard is reported as a failure message.
func (c *Coordinator) evaluateCondition(ctx context.Context, node *schema.Node, runCtx map[string]any) (skip bool, failMsg string) {
	if node.Config.Condition == "" {
		return false, ""
	}

	scope := map[string]any{"context": runCtx}
	if runCtx != nil {
		if v, ok := runCtx["$json"].(map[string]any); ok {
			scope["trigger"] = v
		}
		if v, ok := runCtx["$node"].(map[string]any); ok {
			scope["nodes"] = v
		}
	}

	ok, err := c.cond.EvaluateBool(ctx, node.Config.Condition, scope)
	if err != nil {
		return false, fmt.Sprintf("condition %q: %s", node.Config.Condition, err.Error())
	}
	return !ok, ""
}

// applyTransform reshapes a node's output with its configured jq
// expression before it is recorded.
func (c *Coordinator) applyTransform(ctx context.Context, expression string, result any, runCtx map[string]any) (any, error) {
	input, ok := result.(map[string]any)
	if !ok {
		input = map[string]any{"result": result}
	}
	out, err := c.transform.Evaluate(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record persists the node result and, when the execution is still
// live, fans out the downstream work items.
func (c *Coordinator) record(ctx context.Context, job *schema.Job, result any, fanOut bool) {
	data := job.Data

	updated, err := c.store.RecordNodeResult(ctx, data.ExecutionID, data.NodeID, result)
	if err != nil {
		c.logger.ErrorContext(ctx, "record node result failed", slog.String("error", err.Error()))
		return
	}
	c.logger.InfoContext(ctx, "node completed",
		slog.Int("tasks_done", updated.TasksDone),
		slog.Int("total_tasks", updated.TotalTasks),
		slog.String("status", string(updated.Status)))

	if !fanOut || updated.Status.Terminal() || len(data.Connections) == 0 {
		return
	}
	c.fanOut(ctx, job, result)
}

// fanOut enqueues every downstream node with the merged context. The
// workflow definition is re-read so each hop sees current connections.
func (c *Coordinator) fanOut(ctx context.Context, job *schema.Job, result any) {
	data := job.Data

	wf, err := c.store.GetWorkflow(ctx, data.WorkflowID)
	if err != nil {
		c.logger.ErrorContext(ctx, "downstream lookup failed", slog.String("error", err.Error()))
		return
	}
	def := wf.Definition()

	merged := mergeContext(data.Context, data.NodeID, result)

	for _, childID := range data.Connections {
		child, ok := def.Nodes.Get(childID)
		if !ok {
			// Dangling connection target: skip, siblings still run.
			c.logger.WarnContext(ctx, "downstream node missing",
				slog.String("child_id", childID))
			continue
		}

		childJob := &schema.Job{
			ID:   schema.JobID(childID, data.ExecutionID),
			Type: string(child.Type),
			Data: schema.JobData{
				ExecutionID:  data.ExecutionID,
				WorkflowID:   data.WorkflowID,
				NodeID:       childID,
				Node:         child,
				CredentialID: child.Config.CredentialID,
				Context:      merged,
				Connections:  graph.DownstreamIDs(def, childID),
			},
		}
		payload, err := childJob.Encode()
		if err != nil {
			c.logger.ErrorContext(ctx, "encode downstream job failed",
				slog.String("child_id", childID), slog.String("error", err.Error()))
			continue
		}
		if err := c.queue.Push(ctx, payload); err != nil {
			c.logger.ErrorContext(ctx, "enqueue downstream job failed",
				slog.String("child_id", childID), slog.String("error", err.Error()))
		}
	}
}

// fail flips the execution to FAILED. A lost race against another
// terminal transition is expected and only logged at debug.
func (c *Coordinator) fail(ctx context.Context, executionID, nodeID, message string) {
	c.logger.ErrorContext(ctx, "node failed", slog.String("error", message))
	if err := c.store.FailExecution(ctx, executionID, nodeID, message); err != nil {
		c.logger.DebugContext(ctx, "fail transition not applied", slog.String("error", err.Error()))
	}
}

// mergeContext layers a node's map output over the inherited context
// and accumulates it under $node.<id> for placeholder resolution.
func mergeContext(base map[string]any, nodeID string, result any) map[string]any {
	merged := make(map[string]any, len(base)+2)
	for k, v := range base {
		merged[k] = v
	}
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	}

	nodeResults := make(map[string]any)
	if prev, ok := merged["$node"].(map[string]any); ok {
		for k, v := range prev {
			nodeResults[k] = v
		}
	}
	nodeResults[nodeID] = result
	merged["$node"] = nodeResults

	return merged
}

// credentialID prefers the wire-level credential reference and falls
// back to the node's own config.
func credentialID(node *schema.Node, data schema.JobData) string {
	if data.CredentialID != "" {
		return data.CredentialID
	}
	return node.Config.CredentialID
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
