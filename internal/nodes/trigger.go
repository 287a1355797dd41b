package nodes

import (
	"context"

	"github.com/cascadehq/cascade/pkg/schema"
)

// ManualHandler runs manual trigger nodes. A manual trigger has no work
// of its own: it forwards the run context, marked as triggered, so it
// counts toward completion like any other node.
type ManualHandler struct{}

func NewManualHandler() *ManualHandler { return &ManualHandler{} }

func (h *ManualHandler) Type() schema.NodeType { return schema.NodeTypeManual }

func (h *ManualHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	out := make(map[string]any, len(in.Context)+1)
	for k, v := range in.Context {
		out[k] = v
	}
	out["triggered"] = true
	return &Outcome{Output: out}, nil
}

// WebhookHandler runs webhook trigger nodes. The trigger payload was
// already captured when the webhook fired; the node just forwards it.
type WebhookHandler struct{}

func NewWebhookHandler() *WebhookHandler { return &WebhookHandler{} }

func (h *WebhookHandler) Type() schema.NodeType { return schema.NodeTypeWebhook }

func (h *WebhookHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	out := in.Context
	if out == nil {
		out = map[string]any{}
	}
	return &Outcome{Output: out}, nil
}
