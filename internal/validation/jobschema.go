// Package validation checks queue payloads against the work-item wire
// contract before the engine touches them. Malformed payloads are
// rejected at the queue boundary so one bad producer cannot wedge the
// consumer loop.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cascadehq/cascade/pkg/schema"
)

// jobSchemaJSON is the JSON Schema for queue work items.
// Embedded as a constant to avoid filesystem dependencies.
const jobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cascadehq.dev/schemas/job.json",
  "type": "object",
  "required": ["id", "type", "data"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "type": {
      "type": "string",
      "minLength": 1
    },
    "data": {
      "type": "object",
      "required": ["executionId", "workflowId", "nodeId"],
      "properties": {
        "executionId": {
          "type": "string",
          "minLength": 1
        },
        "workflowId": {
          "type": "string",
          "minLength": 1
        },
        "nodeId": {
          "type": "string",
          "minLength": 1
        },
        "nodeData": {
          "type": "object",
          "properties": {
            "id": { "type": "string" },
            "type": { "type": "string" },
            "name": { "type": "string" },
            "config": { "type": "object" }
          }
        },
        "credentialId": { "type": "string" },
        "context": { "type": "object" },
        "connections": {
          "type": "array",
          "items": { "type": "string" }
        }
      }
    }
  }
}`

// JobValidator validates queue payloads against the job wire schema.
// It is safe for concurrent use.
type JobValidator struct {
	jobSchema *jsonschema.Schema
}

// NewJobValidator compiles the embedded job schema.
func NewJobValidator() (*JobValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(jobSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal job schema: %w", err)
	}
	if err := c.AddResource("https://cascadehq.dev/schemas/job.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add job schema resource: %w", err)
	}

	compiled, err := c.Compile("https://cascadehq.dev/schemas/job.json")
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}

	return &JobValidator{jobSchema: compiled}, nil
}

// ValidatePayload checks a raw queue payload. It returns a validation
// error for non-JSON bytes and for JSON missing required fields.
func (v *JobValidator) ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "empty work item payload")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "work item is not valid JSON").WithCause(err)
	}

	if err := v.jobSchema.Validate(doc); err != nil {
		return toCascadeError(err)
	}
	return nil
}

// ValidateJob checks a decoded job by round-tripping it through JSON.
func (v *JobValidator) ValidateJob(job *schema.Job) error {
	if job == nil {
		return schema.NewError(schema.ErrCodeValidation, "job is nil")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize job").WithCause(err)
	}
	return v.ValidatePayload(b)
}

// toCascadeError converts a jsonschema.ValidationError into a
// CascadeError with the individual violations listed.
func toCascadeError(err error) *schema.CascadeError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
