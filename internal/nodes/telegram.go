package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cascadehq/cascade/internal/template"
	"github.com/cascadehq/cascade/pkg/schema"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramHandler delivers messages through the Telegram Bot API.
// Template keys: chatId (or chat_id) and message. When the template
// carries no chat id the credential's chatId is used.
type TelegramHandler struct {
	creds   CredentialSource
	baseURL string
	client  *http.Client
}

// NewTelegramHandler creates a telegram handler. Empty baseURL falls
// back to api.telegram.org.
func NewTelegramHandler(creds CredentialSource, baseURL string) *TelegramHandler {
	if baseURL == "" {
		baseURL = defaultTelegramAPIBase
	}
	return &TelegramHandler{
		creds:   creds,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: providerTimeout},
	}
}

func (h *TelegramHandler) Type() schema.NodeType { return schema.NodeTypeTelegram }

func (h *TelegramHandler) Run(ctx context.Context, in Input) (*Outcome, error) {
	nodeID := in.Node.ID

	data, err := h.creds.CredentialData(ctx, in.CredentialID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"telegram credential %q unavailable", in.CredentialID).WithNode(nodeID).WithCause(err)
	}
	token := credentialValue(data, "botToken", "bot_token", "token", "apiKey")
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"telegram credential is missing the bot token").WithNode(nodeID)
	}

	rendered := template.RenderAll(in.Node.Config.Template, in.Context)
	chatID := rendered["chatId"]
	if chatID == "" {
		chatID = rendered["chat_id"]
	}
	if chatID == "" {
		// The credential may carry the target chat alongside the token.
		chatID = credentialValue(data, "chatId", "chat_id")
	}
	message := rendered["message"]
	if message == "" {
		message = rendered["msg"]
	}
	if chatID == "" || message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"telegram node needs a chat id and a message").WithNode(nodeID)
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    message,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal telegram payload").WithNode(nodeID).WithCause(err)
	}

	url := h.baseURL + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "build telegram request").WithNode(nodeID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "telegram request failed: %v", err).
			WithNode(nodeID).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"telegram API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))).
			WithNode(nodeID)
	}

	return &Outcome{Output: map[string]any{
		"msg":      message,
		"msg_sent": true,
		"chat_id":  chatID,
		"response": parseProviderBody(respBody),
	}}, nil
}

// parseProviderBody decodes a provider reply as JSON when possible and
// otherwise keeps the raw text.
func parseProviderBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(body))
}

var _ Handler = (*TelegramHandler)(nil)
