// Package expressions hosts the sandboxed expression engines used by
// node configuration: CEL for routing conditions, jq for result
// transforms, and expr for agent tool arithmetic.
package expressions

import "context"

// Engine evaluates an expression against a data scope.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Name returns the engine identifier (e.g. "cel", "jq", "expr").
	Name() string

	// Evaluate runs the expression with the given data as its scope.
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
