package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/template"
	"github.com/cascadehq/cascade/pkg/schema"
)

const (
	defaultGeminiAPIBase = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"

	// maxToolIterations bounds the tool-calling loop.
	maxToolIterations = 10

	agentSystemMessage = "You are a helpful AI assistant with access to tools. " +
		"Use tools when needed for facts, calculations or content drafts. " +
		"If asked to return JSON, return only valid JSON without explanatory text or code fences."
)

// AgentHandler runs ai-agent nodes against the Gemini API with a
// bounded tool-calling loop. Two tools are exposed: a deterministic
// calculator backed by the expr engine, and a content draft generator.
type AgentHandler struct {
	creds   CredentialSource
	calc    *expressions.ExprEngine
	baseURL string
	client  *http.Client
}

// NewAgentHandler creates an agent handler. Empty baseURL falls back to
// the public Gemini endpoint.
func NewAgentHandler(creds CredentialSource, calc *expressions.ExprEngine, baseURL string) *AgentHandler {
	if baseURL == "" {
		baseURL = defaultGeminiAPIBase
	}
	return &AgentHandler{
		creds:   creds,
		calc:    calc,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: providerTimeout},
	}
}

func (h *AgentHandler) Type() schema.NodeType { return schema.NodeTypeAgent }

func (h *AgentHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	nodeID := in.Node.ID

	rawPrompt := in.Node.Config.Template["prompt"]
	if rawPrompt == "" {
		rawPrompt = in.Node.Config.Template["message"]
	}
	if strings.TrimSpace(rawPrompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"agent node has no prompt in its template").WithNode(nodeID)
	}
	prompt := template.Render(rawPrompt, in.Context)

	data, err := h.creds.CredentialData(ctx, in.CredentialID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent credential %q unavailable", in.CredentialID).WithNode(nodeID).WithCause(err)
	}
	apiKey := credentialValue(data, "geminiApiKey", "api_key", "apiKey")
	if apiKey == "" {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"agent credential is missing the Gemini API key").WithNode(nodeID)
	}
	model := credentialValue(data, "model")
	if model == "" {
		model = defaultGeminiModel
	}

	contents := []geminiContent{
		{Role: "user", Parts: []geminiPart{{Text: prompt}}},
	}

	var steps []map[string]any
	for i := 0; i < maxToolIterations; i++ {
		resp, err := h.generate(ctx, apiKey, model, contents)
		if err != nil {
			if cErr, ok := err.(*schema.CascadeError); ok {
				return nil, cErr.WithNode(nodeID)
			}
			return nil, schema.NewError(schema.ErrCodeProvider, err.Error()).WithNode(nodeID)
		}

		calls := resp.functionCalls()
		if len(calls) == 0 {
			text := strings.TrimSpace(resp.text())
			return &Outcome{Output: map[string]any{
				"text":              parseAgentText(text),
				"query":             prompt,
				"intermediateSteps": steps,
			}}, nil
		}

		// Feed every tool result back before the next turn.
		contents = append(contents, resp.Candidates[0].Content)
		var responses []geminiPart
		for _, call := range calls {
			result, err := h.runTool(ctx, call)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"agent tool %q failed: %s", call.Name, err.Error()).WithNode(nodeID).WithCause(err)
			}
			steps = append(steps, map[string]any{
				"tool":   call.Name,
				"args":   call.Args,
				"result": result,
			})
			responses = append(responses, geminiPart{
				FunctionResponse: &geminiFunctionResponse{
					Name:     call.Name,
					Response: map[string]any{"result": result},
				},
			})
		}
		contents = append(contents, geminiContent{Role: "user", Parts: responses})
	}

	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"agent exceeded %d tool iterations", maxToolIterations).WithNode(nodeID)
}

// runTool dispatches one function call from the model.
func (h *AgentHandler) runTool(ctx context.Context, call *geminiFunctionCall) (any, error) {
	switch call.Name {
	case "calculate":
		expression, _ := call.Args["expression"].(string)
		return h.calc.Evaluate(ctx, expression, nil)
	case "content_writer":
		topic, _ := call.Args["topic"].(string)
		style, _ := call.Args["style"].(string)
		if style == "" {
			style = "neutral"
		}
		length := 300
		if l, ok := call.Args["length"].(float64); ok && l > 0 {
			length = int(l)
		}
		return fmt.Sprintf("Here is a %s draft about %q with approx %d words.", style, topic, length), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// generate performs one generateContent round trip.
func (h *AgentHandler) generate(ctx context.Context, apiKey, model string, contents []geminiContent) (*geminiResponse, error) {
	reqBody, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: agentSystemMessage}}},
		Contents:          contents,
		Tools:             []geminiTool{{FunctionDeclarations: agentToolDecls}},
		GenerationConfig:  &geminiGenConfig{Temperature: 0.2},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal agent request").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", h.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "build agent request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	// API key travels in a header, never in the URL, so request logs stay clean.
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "agent request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"model API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "malformed model response").WithCause(err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, schema.NewError(schema.ErrCodeProvider, "model returned no candidates")
	}
	return &parsed, nil
}

// parseAgentText strips code fences and returns parsed JSON when the
// model answered with a JSON document, the raw text otherwise.
func parseAgentText(text string) any {
	stripped := text
	if strings.HasPrefix(stripped, "```") {
		stripped = strings.TrimPrefix(stripped, "```json")
		stripped = strings.TrimPrefix(stripped, "```")
		stripped = strings.TrimSuffix(strings.TrimSpace(stripped), "```")
		stripped = strings.TrimSpace(stripped)
	}

	var parsed any
	if err := json.Unmarshal([]byte(stripped), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]any, []any:
			return parsed
		}
	}
	return stripped
}

// --- Gemini wire types ---

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (r *geminiResponse) functionCalls() []*geminiFunctionCall {
	var calls []*geminiFunctionCall
	for _, part := range r.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}

func (r *geminiResponse) text() string {
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

var agentToolDecls = []geminiFunctionDecl{
	{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression deterministically. Supports +, -, *, /, ** and common math functions.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "description": "Expression to evaluate, e.g. \"2 ** 10 + 5\""}
			},
			"required": ["expression"]
		}`),
	},
	{
		Name:        "content_writer",
		Description: "Generates a content draft on any topic (blogs, posts, essays, summaries, articles).",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "description": "Topic to write about"},
				"style": {"type": "string", "description": "Writing style (formal, casual, etc.)"},
				"length": {"type": "number", "description": "Approx word count"}
			},
			"required": ["topic"]
		}`),
	},
}

var _ Handler = (*AgentHandler)(nil)
