package schema

import (
	"encoding/json"
	"fmt"
)

// Job is the queue wire format: one unit of work meaning "run this node
// of this execution with this context". Encoding is plain JSON with no
// schema versioning; additive fields are ignored by older readers.
type Job struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Data JobData `json:"data"`
}

// JobData is the work-item payload.
type JobData struct {
	ExecutionID  string         `json:"executionId"`
	WorkflowID   string         `json:"workflowId"`
	NodeID       string         `json:"nodeId"`
	Node         *Node          `json:"nodeData"`
	CredentialID string         `json:"credentialId,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Connections  []string       `json:"connections,omitempty"`
}

// JobID derives the deterministic work-item ID from the node and
// execution, so re-enqueues of the same step dedupe naturally.
func JobID(nodeID, executionID string) string {
	return fmt.Sprintf("%s-%s", nodeID, executionID)
}

// Encode serializes the job for the queue.
func (j *Job) Encode() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, NewError(ErrCodeValidation, "encode job").WithCause(err)
	}
	return b, nil
}

// DecodeJob parses a queue payload back into a Job.
func DecodeJob(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed work item").WithCause(err)
	}
	return &j, nil
}
