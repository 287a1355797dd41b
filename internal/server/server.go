// Package server exposes the engine over HTTP: start a manual run,
// fire a webhook, read an execution. Workflow editing is out of scope;
// definitions arrive through the store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 4 << 20

// Runner starts executions. Implemented by engine.Coordinator.
type Runner interface {
	RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*store.Execution, error)
	FireWebhook(ctx context.Context, webhookID string, trigger engine.WebhookTrigger) (*engine.WebhookResult, error)
}

// ExecutionReader reads execution state. Implemented by store.Store.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store  ExecutionReader
	Runner Runner
	Logger *slog.Logger
	// MCP, when set, is mounted at /mcp.
	MCP http.Handler
}

// Server serves the execution API.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /workflows/{id}/executions", s.handleRunWorkflow)
	mux.HandleFunc("POST /webhooks/{webhookID}", s.handleFireWebhook)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.deps.MCP != nil {
		mux.Handle("/mcp", s.deps.MCP)
	}

	return mux
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var payload map[string]any
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
	}

	ex, err := s.deps.Runner.RunWorkflow(r.Context(), workflowID, payload)
	if err != nil {
		s.writeCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleFireWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookID")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	trigger := engine.WebhookTrigger{
		Headers:     flattenValues(r.Header),
		Body:        decodeBody(raw),
		QueryParams: flattenValues(r.URL.Query()),
	}

	res, err := s.deps.Runner.FireWebhook(r.Context(), webhookID, trigger)
	if err != nil {
		s.writeCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.deps.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCascadeError maps structured engine errors onto HTTP statuses.
func (s *Server) writeCascadeError(w http.ResponseWriter, r *http.Request, err error) {
	var cErr *schema.CascadeError
	if !errors.As(err, &cErr) {
		s.deps.Logger.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch cErr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(r.Context(), "request failed", slog.String("error", cErr.Error()))
	}
	writeJSON(w, status, map[string]string{"error": cErr.Message, "code": cErr.Code})
}

// decodeBody parses the raw body as JSON when possible and otherwise
// keeps it as a string. Empty bodies become nil.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

// flattenValues keeps the first value per key, which is what the run
// context expects for headers and query params.
func flattenValues[M ~map[string][]string](values M) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
