package schema

import (
	"bytes"
	"encoding/json"
	"strings"
)

// NodeType enumerates the kinds of nodes a workflow graph may contain.
type NodeType string

const (
	NodeTypeManual   NodeType = "manual"
	NodeTypeWebhook  NodeType = "webhook"
	NodeTypeForm     NodeType = "form"
	NodeTypeEmail    NodeType = "email"
	NodeTypeTelegram NodeType = "telegram"
	NodeTypeAgent    NodeType = "ai-agent"
)

// Normalize lowercases a declared type for case-insensitive dispatch.
func (t NodeType) Normalize() NodeType {
	return NodeType(strings.ToLower(string(t)))
}

// Node is a single step in a workflow graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Name   string     `json:"name,omitempty"`
	Config NodeConfig `json:"config,omitempty"`
}

// NodeConfig is the type-specific configuration payload of a node.
// Template keys depend on the node type (to/subject/body for email,
// message for telegram, prompt for ai-agent). Condition is an optional
// CEL guard evaluated before dispatch; Transform is an optional jq
// expression applied to the node's output before it is merged into the
// execution context.
type NodeConfig struct {
	Template     map[string]string `json:"template,omitempty"`
	CredentialID string            `json:"credentialId,omitempty"`
	Condition    string            `json:"condition,omitempty"`
	Transform    string            `json:"transform,omitempty"`
}

// ConnectionMap maps a node ID to the ordered list of its downstream
// node IDs.
type ConnectionMap map[string][]string

// WorkflowDefinition is the JSON-serializable workflow graph: the node
// map plus the adjacency map. It is a read-only snapshot during a run.
type WorkflowDefinition struct {
	Nodes       NodeMap       `json:"nodes"`
	Connections ConnectionMap `json:"connections"`
}

// NodeMap is an insertion-ordered node-ID → Node map. Order matters:
// entry-node enumeration follows the order keys appear in the source
// document, which decides which trigger fires first when a workflow
// declares several unconnected entry points.
type NodeMap struct {
	ids   []string
	nodes map[string]*Node
}

// NewNodeMap builds a NodeMap from nodes in the given order. Node IDs
// are taken from each node's ID field.
func NewNodeMap(nodes ...*Node) NodeMap {
	m := NodeMap{}
	for _, n := range nodes {
		m.Set(n.ID, n)
	}
	return m
}

// Len returns the number of nodes.
func (m *NodeMap) Len() int { return len(m.ids) }

// IDs returns the node IDs in insertion order.
func (m *NodeMap) IDs() []string {
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

// Get returns the node for an ID, or (nil, false) when absent.
func (m *NodeMap) Get(id string) (*Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// Set inserts or replaces a node, preserving first-insertion order.
func (m *NodeMap) Set(id string, n *Node) {
	if m.nodes == nil {
		m.nodes = make(map[string]*Node)
	}
	if _, exists := m.nodes[id]; !exists {
		m.ids = append(m.ids, id)
	}
	m.nodes[id] = n
}

// UnmarshalJSON decodes a JSON object while preserving key order.
func (m *NodeMap) UnmarshalJSON(data []byte) error {
	m.ids = nil
	m.nodes = make(map[string]*Node)

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return NewError(ErrCodeValidation, "node map must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		id := keyTok.(string)

		var n Node
		if err := dec.Decode(&n); err != nil {
			return err
		}
		if n.ID == "" {
			n.ID = id
		}
		m.Set(id, &n)
	}

	_, err = dec.Token() // closing '}'
	return err
}

// MarshalJSON encodes the map with keys in insertion order.
func (m NodeMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range m.ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.nodes[id])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
