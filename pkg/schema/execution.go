package schema

// ExecutionStatus is the lifecycle state of one workflow run.
// PENDING → (PAUSED ⇄ resumed externally) → COMPLETED, or
// PENDING/PAUSED → FAILED. FAILED and COMPLETED are terminal.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusFailed || s == ExecutionStatusCompleted
}

// NodeResult is one node's recorded output inside the accumulator.
// CompletedAt is epoch milliseconds.
type NodeResult struct {
	Result      any   `json:"result"`
	CompletedAt int64 `json:"completedAt"`
}

// ExecutionResult is the per-run result accumulator: the original
// trigger payload plus the output of every completed node.
type ExecutionResult struct {
	TriggerPayload map[string]any        `json:"triggerPayload,omitempty"`
	NodeResults    map[string]NodeResult `json:"nodeResults"`
	Error          string                `json:"error,omitempty"`
	CompletedAt    int64                 `json:"completedAt,omitempty"`
}
