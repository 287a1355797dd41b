package store

import (
	"time"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Workflow is the persisted definition of a workflow: its node graph,
// trigger kind, and (for webhook-triggered workflows) the public
// webhook identifier.
type Workflow struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	TriggerType string               `json:"trigger_type,omitempty"`
	WebhookID   string               `json:"webhook_id,omitempty"`
	Nodes       schema.NodeMap       `json:"nodes"`
	Connections schema.ConnectionMap `json:"connections"`
	Enabled     bool                 `json:"enabled"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Definition returns the node graph plus connections as one value.
func (w *Workflow) Definition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{Nodes: w.Nodes, Connections: w.Connections}
}

// Execution is one run of a workflow: the progress counters, the
// lifecycle status, and the accumulated per-node results.
type Execution struct {
	ID           string                  `json:"id"`
	WorkflowID   string                  `json:"workflow_id"`
	Status       schema.ExecutionStatus  `json:"status"`
	TotalTasks   int                     `json:"total_tasks"`
	TasksDone    int                     `json:"tasks_done"`
	PausedNodeID string                  `json:"paused_node_id,omitempty"`
	Result       *schema.ExecutionResult `json:"result,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// Credential holds provider secrets keyed by opaque ID. Data is the
// decoded secret material; callers must never log or echo it.
type Credential struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

// Form is the pause point descriptor for form-triggered resumption.
type Form struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	TriggerType string
	Enabled     *bool
	Limit       int
	Offset      int
}
