// Package nodes contains the per-type node handlers the engine
// dispatches work items to. A handler runs one node against the run
// context and reports either an output value or a pause signal; any
// error it returns fails the whole execution.
package nodes

import (
	"context"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Input carries everything a handler may need for one node run.
type Input struct {
	Node         *schema.Node
	Context      map[string]any
	CredentialID string
	WorkflowID   string
	ExecutionID  string
}

// Outcome is a handler's report. Exactly one of Output and Pause is
// meaningful: a pause suspends the execution at this node and nothing
// downstream runs.
type Outcome struct {
	Output any
	Pause  *PauseSignal
}

// PauseSignal identifies the external input the execution is waiting on.
type PauseSignal struct {
	FormID  string `json:"formId,omitempty"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler runs nodes of one type.
type Handler interface {
	// Type returns the normalized node type this handler serves.
	Type() schema.NodeType

	// Run executes the node. Returning an error marks the execution
	// FAILED; there are no per-node retries.
	Run(ctx context.Context, in Input) (*Outcome, error)
}

// CredentialSource resolves a credential ID to its decoded secret
// material. Implementations must not log the returned data.
type CredentialSource interface {
	CredentialData(ctx context.Context, id string) (map[string]any, error)
}

// FormSource locates the form attached to a workflow node.
type FormSource interface {
	FormFor(ctx context.Context, workflowID, nodeID string) (id, title string, err error)
}

// credentialValue returns the first non-empty string among the given
// keys. Credential payloads from different sources name the same secret
// differently (apiKey vs api_key), so lookups try aliases in order.
func credentialValue(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
