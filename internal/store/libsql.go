package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cascadehq/cascade/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. a queue backend
// sharing the same database file).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	conns, err := json.Marshal(wf.Connections)
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, title, trigger_type, webhook_id, nodes, connections, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Title, nullStr(wf.TriggerType), nullStr(wf.WebhookID),
		string(nodes), string(conns), boolInt(wf.Enabled),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

const workflowColumns = `id, title, trigger_type, webhook_id, nodes, connections, enabled, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByWebhookID(ctx context.Context, webhookID string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE webhook_id = ?`, webhookID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", webhookID)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.TriggerType)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		triggerType, webhookID sql.NullString
		nodesJSON, connsJSON   string
		enabled                int
	)
	err := row.Scan(&wf.ID, &wf.Title, &triggerType, &webhookID,
		&nodesJSON, &connsJSON, &enabled, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.TriggerType = triggerType.String
	wf.WebhookID = webhookID.String
	wf.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(connsJSON), &wf.Connections); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	if ex.Status == "" {
		ex.Status = schema.ExecutionStatusPending
	}
	result, err := marshalResult(ex.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, total_tasks, tasks_done, paused_node_id, result, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, string(ex.Status), ex.TotalTasks, ex.TasksDone,
		nullStr(ex.PausedNodeID), result, timeOrNow(ex.CreatedAt), timeOrNow(ex.UpdatedAt),
		nullTime(ex.CompletedAt),
	)
	return err
}

const executionColumns = `id, workflow_id, status, total_tasks, tasks_done, paused_node_id, result, created_at, updated_at, completed_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		status                 string
		pausedNodeID, resJSON  sql.NullString
		completedAt            sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &status, &ex.TotalTasks, &ex.TasksDone,
		&pausedNodeID, &resJSON, &ex.CreatedAt, &ex.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.PausedNodeID = pausedNodeID.String
	if resJSON.Valid && resJSON.String != "" {
		ex.Result = &schema.ExecutionResult{}
		if err := json.Unmarshal([]byte(resJSON.String), ex.Result); err != nil {
			return nil, fmt.Errorf("unmarshal execution result: %w", err)
		}
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// RecordNodeResult merges one node result, bumps tasks_done, and completes
// the execution when the counter reaches total_tasks. The read-merge-write
// happens inside one transaction so concurrent recorders serialize instead
// of overwriting each other.
func (s *LibSQLStore) RecordNodeResult(ctx context.Context, executionID, nodeID string, result any) (*Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return ex, nil
	}

	if ex.Result == nil {
		ex.Result = &schema.ExecutionResult{}
	}
	if ex.Result.NodeResults == nil {
		ex.Result.NodeResults = make(map[string]schema.NodeResult)
	}
	now := time.Now().UTC()
	ex.Result.NodeResults[nodeID] = schema.NodeResult{
		Result:      result,
		CompletedAt: now.UnixMilli(),
	}
	ex.TasksDone++
	if ex.TasksDone >= ex.TotalTasks {
		ex.Status = schema.ExecutionStatusCompleted
		ex.Result.CompletedAt = now.UnixMilli()
		ex.CompletedAt = &now
	}
	ex.UpdatedAt = now

	resJSON, err := marshalResult(ex.Result)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, tasks_done = ?, result = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(ex.Status), ex.TasksDone, resJSON, now, nullTime(ex.CompletedAt), executionID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit node result: %w", err)
	}
	return ex, nil
}

func (s *LibSQLStore) PauseExecution(ctx context.Context, executionID, nodeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, paused_node_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(schema.ExecutionStatusPaused), nodeID, executionID,
		string(schema.ExecutionStatusFailed), string(schema.ExecutionStatusCompleted),
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, executionID)
}

// FailExecution records the failure message and flips the execution to
// FAILED. Only the first terminal transition sticks; tasks_done is left
// as-is so the failure point stays visible.
func (s *LibSQLStore) FailExecution(ctx context.Context, executionID, nodeID, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", executionID)
	}
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %q already %s", executionID, ex.Status)
	}

	if ex.Result == nil {
		ex.Result = &schema.ExecutionResult{}
	}
	if nodeID != "" {
		ex.Result.Error = fmt.Sprintf("node %s: %s", nodeID, message)
	} else {
		ex.Result.Error = message
	}
	now := time.Now().UTC()
	ex.Result.CompletedAt = now.UnixMilli()

	resJSON, err := marshalResult(ex.Result)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(schema.ExecutionStatusFailed), resJSON, now, now, executionID,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	return nil
}

// checkTransition distinguishes "row missing" from "already terminal" when
// a guarded status UPDATE touched nothing.
func (s *LibSQLStore) checkTransition(ctx context.Context, res sql.Result, executionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, executionID).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", executionID)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "execution %q already %s", executionID, status)
}

// --- Credentials ---

func (s *LibSQLStore) CreateCredential(ctx context.Context, cred *Credential) error {
	data, err := json.Marshal(cred.Data)
	if err != nil {
		return fmt.Errorf("marshal credential data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, name, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		cred.ID, cred.Name, cred.Type, string(data), timeOrNow(cred.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	c := &Credential{}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, data, created_at FROM credentials WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Type, &data, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
		return nil, fmt.Errorf("unmarshal credential data: %w", err)
	}
	return c, nil
}

// --- Forms ---

func (s *LibSQLStore) CreateForm(ctx context.Context, form *Form) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forms (id, workflow_id, node_id, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		form.ID, form.WorkflowID, form.NodeID, form.Title, timeOrNow(form.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetForm(ctx context.Context, id string) (*Form, error) {
	f := &Form{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, node_id, title, created_at FROM forms WHERE id = ?`, id,
	).Scan(&f.ID, &f.WorkflowID, &f.NodeID, &f.Title, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("form", id)
	}
	return f, err
}

func (s *LibSQLStore) GetFormByNode(ctx context.Context, workflowID, nodeID string) (*Form, error) {
	f := &Form{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, node_id, title, created_at FROM forms WHERE workflow_id = ? AND node_id = ?`,
		workflowID, nodeID,
	).Scan(&f.ID, &f.WorkflowID, &f.NodeID, &f.Title, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("form", workflowID+"/"+nodeID)
	}
	return f, err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CascadeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func marshalResult(r *schema.ExecutionResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal execution result: %w", err)
	}
	return string(b), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
