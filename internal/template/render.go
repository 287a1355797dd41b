// Package template renders the {{...}} placeholders used in node
// configuration. Unlike step-param interpolation engines that fail hard,
// rendering here is forgiving: an unresolved placeholder becomes the
// empty string so a missing optional field never kills a run.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render substitutes every {{path.to.value}} token in input with the
// value found at that dotted path in scope. Bare $json.* and $node.*
// references outside braces are substituted too, matching how prompt
// text references trigger payloads.
func Render(input string, scope map[string]any) string {
	out := renderBraces(input, scope)
	return renderBareRefs(out, scope)
}

// RenderAll renders every value of a template map against the scope.
func RenderAll(tmpl map[string]string, scope map[string]any) map[string]string {
	if len(tmpl) == 0 {
		return nil
	}
	out := make(map[string]string, len(tmpl))
	for k, v := range tmpl {
		out[k] = Render(v, scope)
	}
	return out
}

// renderBraces scans for {{...}} tokens and substitutes them.
func renderBraces(input string, scope map[string]any) string {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			// Unclosed token: emit the rest verbatim.
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		if val, ok := Lookup(scope, path); ok {
			result.WriteString(stringify(val))
		}
		i = end + 2
	}

	return result.String()
}

// renderBareRefs substitutes $json.* and $node.* references that appear
// directly in text. A reference runs until the first character that
// cannot be part of a dotted path.
func renderBareRefs(input string, scope map[string]any) string {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := nextBareRef(input[i:])
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx
		end := start
		for end < len(input) && isPathChar(input[end]) {
			end++
		}
		// Trailing dots belong to the sentence, not the path.
		for end > start && input[end-1] == '.' {
			end--
		}

		path := input[start:end]
		if val, ok := Lookup(scope, path); ok {
			result.WriteString(stringify(val))
		} else {
			result.WriteString(path)
		}
		i = end
	}

	return result.String()
}

func nextBareRef(s string) int {
	jsonIdx := strings.Index(s, "$json.")
	nodeIdx := strings.Index(s, "$node.")
	switch {
	case jsonIdx == -1:
		return nodeIdx
	case nodeIdx == -1:
		return jsonIdx
	case jsonIdx < nodeIdx:
		return jsonIdx
	default:
		return nodeIdx
	}
}

func isPathChar(c byte) bool {
	return c == '$' || c == '.' || c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Lookup navigates a dotted path into nested maps. A direct key match
// wins over traversal so keys containing dots still resolve.
func Lookup(scope map[string]any, path string) (any, bool) {
	if scope == nil || path == "" {
		return nil, false
	}
	if val, ok := scope[path]; ok {
		return val, true
	}

	current := any(scope)
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify converts a resolved value to its inline text form. Complex
// values are embedded as JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
