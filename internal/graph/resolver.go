// Package graph answers reachability questions over a workflow's node
// graph: where does an execution start, and what runs after a node.
// Resolution is pure; callers re-resolve against fresh definitions when
// they need current state.
package graph

import "github.com/cascadehq/cascade/pkg/schema"

// EntryNodes returns the nodes with no inbound connection, in the
// definition's document order. Node IDs that appear only as connection
// targets without a node entry are ignored.
func EntryNodes(def schema.WorkflowDefinition) []*schema.Node {
	hasInbound := make(map[string]bool)
	for _, targets := range def.Connections {
		for _, target := range targets {
			hasInbound[target] = true
		}
	}

	var entries []*schema.Node
	for _, id := range def.Nodes.IDs() {
		if hasInbound[id] {
			continue
		}
		if n, ok := def.Nodes.Get(id); ok {
			entries = append(entries, n)
		}
	}
	return entries
}

// DownstreamOf returns the direct successors of nodeID. Targets without
// a matching node entry are dropped; the result is never nil.
func DownstreamOf(def schema.WorkflowDefinition, nodeID string) []*schema.Node {
	targets := def.Connections[nodeID]
	nodes := make([]*schema.Node, 0, len(targets))
	for _, id := range targets {
		if n, ok := def.Nodes.Get(id); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// DownstreamIDs returns the raw successor IDs for nodeID, including
// dangling ones. Useful for carrying connection lists on the wire.
func DownstreamIDs(def schema.WorkflowDefinition, nodeID string) []string {
	targets := def.Connections[nodeID]
	ids := make([]string, 0, len(targets))
	ids = append(ids, targets...)
	return ids
}
