package nodes

import (
	"context"
	"strings"

	"github.com/cascadehq/cascade/pkg/schema"
)

// FormHandler runs form nodes. A form node never produces output: it
// pauses the execution until the form is submitted externally.
type FormHandler struct {
	forms   FormSource
	baseURL string
}

// NewFormHandler creates a form handler. baseURL is where hosted forms
// are served, e.g. "https://forms.example.com".
func NewFormHandler(forms FormSource, baseURL string) *FormHandler {
	return &FormHandler{forms: forms, baseURL: strings.TrimRight(baseURL, "/")}
}

func (h *FormHandler) Type() schema.NodeType { return schema.NodeTypeForm }

func (h *FormHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	formID, title, err := h.forms.FormFor(ctx, in.WorkflowID, in.Node.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"no form registered for node %q", in.Node.ID).WithNode(in.Node.ID).WithCause(err)
	}

	pause := &PauseSignal{
		FormID:  formID,
		Message: "waiting for form submission",
	}
	if title != "" {
		pause.Message = "waiting for form submission: " + title
	}
	if h.baseURL != "" {
		pause.URL = h.baseURL + "/forms/" + formID
	}
	return &Outcome{Pause: pause}, nil
}
