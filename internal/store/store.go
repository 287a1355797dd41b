package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByWebhookID(ctx context.Context, webhookID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// RecordNodeResult merges one node's output into the execution
	// result, increments tasksDone, and flips the status to COMPLETED
	// when tasksDone reaches totalTasks. The whole update runs in a
	// single transaction; concurrent recorders never lose increments.
	// Terminal executions are left untouched.
	RecordNodeResult(ctx context.Context, executionID, nodeID string, result any) (*Execution, error)

	// PauseExecution marks the execution PAUSED at the given node.
	// No-op (with error) if the execution is already terminal.
	PauseExecution(ctx context.Context, executionID, nodeID string) error

	// FailExecution marks the execution FAILED with the given message.
	// First terminal transition wins; later calls return ErrCodeStore.
	FailExecution(ctx context.Context, executionID, nodeID, message string) error

	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)

	// Forms
	CreateForm(ctx context.Context, form *Form) error
	GetForm(ctx context.Context, id string) (*Form, error)
	GetFormByNode(ctx context.Context, workflowID, nodeID string) (*Form, error)

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	Close() error
}
