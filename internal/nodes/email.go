package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cascadehq/cascade/internal/template"
	"github.com/cascadehq/cascade/pkg/schema"
)

const (
	defaultEmailAPIBase = "https://api.resend.com"
	defaultEmailFrom    = "workflows@notifications.dev"
	providerTimeout     = 30 * time.Second
	maxProviderBody     = 1 << 20 // 1MB
)

// EmailHandler sends transactional email through a Resend-compatible
// API. Template keys: to, subject, body (plus optional from).
type EmailHandler struct {
	creds   CredentialSource
	baseURL string
	from    string
	client  *http.Client
}

// NewEmailHandler creates an email handler. Empty baseURL and from fall
// back to the Resend API and the configured default sender.
func NewEmailHandler(creds CredentialSource, baseURL, from string) *EmailHandler {
	if baseURL == "" {
		baseURL = defaultEmailAPIBase
	}
	if from == "" {
		from = defaultEmailFrom
	}
	return &EmailHandler{
		creds:   creds,
		baseURL: strings.TrimRight(baseURL, "/"),
		from:    from,
		client:  &http.Client{Timeout: providerTimeout},
	}
}

func (h *EmailHandler) Type() schema.NodeType { return schema.NodeTypeEmail }

func (h *EmailHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	nodeID := in.Node.ID

	data, err := h.creds.CredentialData(ctx, in.CredentialID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"email credential %q unavailable", in.CredentialID).WithNode(nodeID).WithCause(err)
	}
	apiKey := credentialValue(data, "apiKey", "api_key", "resendApiKey")
	if apiKey == "" {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"email credential is missing the API key").WithNode(nodeID)
	}

	rendered := template.RenderAll(in.Node.Config.Template, in.Context)
	to := rendered["to"]
	subject := rendered["subject"]
	body := rendered["body"]
	if to == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"email node resolved an empty recipient").WithNode(nodeID)
	}

	from := rendered["from"]
	if from == "" {
		from = credentialValue(data, "fromEmail", "from_email")
	}
	if from == "" {
		from = h.from
	}

	payload, err := json.Marshal(map[string]any{
		"from":    from,
		"to":      []string{to},
		"subject": subject,
		"html":    body,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal email payload").WithNode(nodeID).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/emails", strings.NewReader(string(payload)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "build email request").WithNode(nodeID).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "email request failed: %v", err).
			WithNode(nodeID).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))).
			WithNode(nodeID)
	}

	var parsed map[string]any
	_ = json.Unmarshal(respBody, &parsed)

	out := map[string]any{
		"sent":    true,
		"to":      to,
		"subject": subject,
	}
	if id, ok := parsed["id"].(string); ok {
		out["id"] = id
	}
	return &Outcome{Output: out}, nil
}

var _ Handler = (*EmailHandler)(nil)
