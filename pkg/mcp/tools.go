package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cascadehq/cascade/internal/store"
)

// handleRun starts an execution of a registered workflow.
func (s *CascadeServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	ex, runErr := s.runner.RunWorkflow(ctx, workflowID, payload)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": ex.ID,
		"workflow_id":  ex.WorkflowID,
		"status":       ex.Status,
		"total_tasks":  ex.TotalTasks,
	})
}

// handleStatus returns the current state of an execution.
func (s *CascadeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ex, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(ex)
}

// handleWorkflows lists registered workflows.
func (s *CascadeServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		TriggerType: req.GetString("trigger_type", ""),
		Limit:       req.GetInt("limit", 50),
	}
	if args := req.GetArguments(); args != nil {
		if enabled, ok := args["enabled"].(bool); ok {
			filter.Enabled = &enabled
		}
	}

	workflows, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	summaries := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		summaries = append(summaries, map[string]any{
			"id":           wf.ID,
			"title":        wf.Title,
			"trigger_type": wf.TriggerType,
			"enabled":      wf.Enabled,
			"node_count":   wf.Nodes.Len(),
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
