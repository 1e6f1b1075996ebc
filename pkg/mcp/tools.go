package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// handleDefine registers a new workflow definition version.
func (s *TandemServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	actor := req.GetString("actor", "")
	s.captureSession(ctx, actor)

	wf := &store.WorkflowRecord{
		ID:         workflowID,
		Version:    s.nextVersion(ctx, workflowID),
		Name:       req.GetString("name", ""),
		OwnerID:    actor,
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	})
}

// handleStart launches a workflow run.
func (s *TandemServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	actor := req.GetString("actor", "")
	s.captureSession(ctx, actor)

	opts := schema.StartOptions{
		TriggerData: mcp.ParseStringMap(req, "trigger_data", nil),
		DryRun:      req.GetBool("dry_run", false),
		SkipNodes:   req.GetStringSlice("skip_nodes", nil),
		StopBefore:  req.GetString("stop_before", ""),
		Actor:       actor,
		Correlation: req.GetString("correlation_id", ""),
	}

	ex, startErr := s.engine.Start(ctx, workflowID, opts)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	if actor != "" {
		go s.notifyOnTerminal(ex.ID, actor)
	}
	return marshalResult(ex)
}

// handleSignal sends a control signal to a run.
func (s *TandemServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	sigType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	actor := req.GetString("actor", "")
	s.captureSession(ctx, actor)

	sig := schema.Signal{
		Type:    schema.SignalType(sigType),
		Reason:  req.GetString("reason", ""),
		Payload: mcp.ParseStringMap(req, "payload", nil),
		Actor:   actor,
	}

	ex, sigErr := s.engine.Signal(ctx, executionID, sig)
	if sigErr != nil {
		return toolError("signal rejected", sigErr), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"type":         sigType,
		"status":       ex.Status,
	})
}

// handleRetry creates a fresh run from a terminal execution.
func (s *TandemServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	actor := req.GetString("actor", "")
	s.captureSession(ctx, actor)

	overrides := schema.RetryOverrides{
		TriggerData: mcp.ParseStringMap(req, "trigger_data", nil),
		DryRun:      req.GetBool("dry_run", false),
		Actor:       actor,
	}

	ex, retryErr := s.engine.Retry(ctx, executionID, overrides)
	if retryErr != nil {
		return toolError("retry failed", retryErr), nil
	}

	if actor != "" {
		go s.notifyOnTerminal(ex.ID, actor)
	}
	return marshalResult(ex)
}

// handleQuery reports one run's state or lists a workflow's runs.
func (s *TandemServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	workflowID := req.GetString("workflow_id", "")

	switch {
	case executionID != "":
		result, err := s.engine.Query(ctx, executionID)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(result)

	case workflowID != "":
		filter := store.ExecutionFilter{
			WorkflowID: workflowID,
			Limit:      req.GetInt("limit", 50),
		}
		if status := req.GetString("status", ""); status != "" {
			st := schema.ExecutionStatus(status)
			filter.Status = &st
		}
		executions, err := s.store.ListExecutions(ctx, filter)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"executions": executions})

	default:
		return mcp.NewToolResultError("either execution_id or workflow_id is required"), nil
	}
}

// handlePreflight validates a workflow definition without running it.
func (s *TandemServer) handlePreflight(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	var wf *store.WorkflowRecord
	var wfErr error
	if version := req.GetInt("version", 0); version > 0 {
		wf, wfErr = s.store.GetWorkflow(ctx, workflowID, version)
	} else {
		wf, wfErr = s.store.LatestWorkflow(ctx, workflowID)
	}
	if wfErr != nil {
		return toolError("workflow lookup failed", wfErr), nil
	}

	report, checkErr := s.preflight.Check(ctx, &wf.Definition, mcp.ParseStringMap(req, "trigger_data", nil))
	if checkErr != nil {
		return toolError("preflight failed", checkErr), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"blocked":     report.Blocked(),
		"report":      report,
	})
}

// handleLogs reads a run's execution logs with cursor pagination.
func (s *TandemServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	logs, nextAfter, logErr := s.store.QueryLogs(ctx, store.LogQuery{
		ExecutionID: executionID,
		AfterID:     intArg(req, "after_id", 0),
		Limit:       int(intArg(req, "limit", 0)),
	})
	if logErr != nil {
		return toolError("log query failed", logErr), nil
	}

	result := map[string]any{
		"logs":          logs,
		"next_after_id": nextAfter,
	}
	if req.GetBool("include_audit", false) {
		audit, auditErr := s.store.ListAudit(ctx, executionID)
		if auditErr != nil {
			return toolError("audit query failed", auditErr), nil
		}
		result["audit"] = audit
	}
	return marshalResult(result)
}

// --- Internal helpers ---

// nextVersion computes the next definition version for a workflow ID.
func (s *TandemServer) nextVersion(ctx context.Context, workflowID string) int {
	latest, err := s.store.LatestWorkflow(ctx, workflowID)
	if err != nil {
		return 1
	}
	return latest.Version + 1
}

// captureSession maps the actor to its current MCP session for notifications.
func (s *TandemServer) captureSession(ctx context.Context, actor string) {
	if actor == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// notifyOnTerminal polls a run until it reaches a terminal or suspended
// status and pushes a best-effort notification to the actor's session.
func (s *TandemServer) notifyOnTerminal(executionID, actor string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.engine.Query(ctx, executionID)
			if err != nil || result == nil {
				return
			}
			if !result.Status.Terminal() && !result.Status.Suspended() {
				continue
			}
			payload := map[string]any{
				"execution_id": executionID,
				"status":       result.Status,
			}
			if result.ErrorCode != "" {
				payload["error_code"] = result.ErrorCode
				payload["error_human"] = result.ErrorHuman
			}
			if err := s.notifier.Notify(ctx, actor, payload); err != nil {
				s.logger.Warn("run notification failed",
					"execution_id", executionID, "error", err.Error())
			}
			return
		}
	}
}

// toolError formats an engine error as a tool result, preserving the
// machine-readable code when the error carries one.
// intArg reads an integer tool argument. Arguments arrive as float64 from
// JSON transports but as native int or int64 from in-process callers, so
// every numeric shape is accepted.
func intArg(req mcp.CallToolRequest, key string, def int64) int64 {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	if te, ok := err.(*schema.TandemError); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %s", prefix, te.Code, te.Error()))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
