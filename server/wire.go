/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/runner"
	"github.com/PivotLLM/Conduit/tools"
)

// rpcRequest is an inbound JSON-RPC message. A nil ID marks a notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) id() mcp.RequestId {
	if r.ID == nil {
		return mcp.RequestId{}
	}
	return *r.ID
}

// isNotification reports whether no response is expected
func (r *rpcRequest) isNotification() bool {
	return r.ID == nil || r.ID.IsNil()
}

// parseEnvelope decodes body as a single JSON-RPC request
func parseEnvelope(body []byte) (*rpcRequest, *faults.Fault) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, faults.Wrap(faults.CodeParseError, err, "invalid JSON")
	}
	if len(raw) > 0 && raw[0] == '[' {
		return nil, faults.New(faults.CodeInvalidRequest, "batch requests are not supported")
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, faults.Wrap(faults.CodeInvalidRequest, err, "malformed JSON-RPC envelope")
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION {
		return nil, faults.Newf(faults.CodeInvalidRequest, "jsonrpc must be %q", mcp.JSONRPC_VERSION)
	}
	if req.Method == "" {
		return nil, faults.New(faults.CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

// callParams are the params of tools/call
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      *struct {
		ProgressToken any `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

func (p *callParams) progressToken() any {
	if p.Meta == nil {
		return nil
	}
	return p.Meta.ProgressToken
}

// cancelledParams are the params of notifications/cancelled
type cancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// progressNotification carries a non-terminal event to the client
type progressNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  progressParams `json:"params"`
}

type progressParams struct {
	ProgressToken any    `json:"progressToken,omitempty"`
	Progress      int64  `json:"progress"`
	Message       string `json:"message,omitempty"`
	Kind          string `json:"kind"`
	Stream        string `json:"stream,omitempty"`
	SessionID     string `json:"sessionId"`
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId"`
}

// ackResponse acknowledges a call whose result travels on the push channel
type ackResponse struct {
	Accepted      bool   `json:"accepted"`
	SessionID     string `json:"sessionId"`
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId"`
}

// requestIDString renders a JSON-RPC id as a request id
func requestIDString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

func resultResponse(id mcp.RequestId, result any) mcp.JSONRPCResponse {
	return mcp.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Result:  result,
	}
}

// toolResult converts an execution result into an MCP tool result
func toolResult(tool *tools.Tool, res *runner.Result) *mcp.CallToolResult {
	if tool != nil && tool.Kind == tools.KindFunc {
		if res.Value == nil {
			return mcp.NewToolResultText(res.Output)
		}
		result, err := mcp.NewToolResultJSON(res.Value)
		if err != nil {
			return mcp.NewToolResultError("Failed to create JSON result")
		}
		return result
	}

	structured := map[string]any{
		"exitCode":      res.ExitCode,
		"stdout":        res.Output,
		"stderr":        res.Stderr,
		"elapsedMs":     res.Elapsed.Milliseconds(),
		"correlationId": res.CorrelationID,
	}
	result := mcp.NewToolResultStructured(structured, res.Output)
	result.IsError = !res.Success
	return result
}

// resultFromEvent rebuilds an execution result from a terminal event
func resultFromEvent(e events.Event) *runner.Result {
	return &runner.Result{
		SessionID:     e.SessionID,
		RequestID:     e.RequestID,
		CorrelationID: e.CorrelationID,
		Success:       e.Success,
		ExitCode:      e.ExitCode,
		Output:        e.Output,
		Stderr:        e.Stderr,
		Value:         e.Value,
		Elapsed:       e.Elapsed,
		Fault:         e.Fault,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault writes f as the whole response
func (s *Server) writeFault(w http.ResponseWriter, id mcp.RequestId, f *faults.Fault) {
	s.logFault(s.logger, f)
	writeJSON(w, f.HTTPStatus(), f.Response(id, s.production))
}

// logFault logs f at the level its category calls for
func (s *Server) logFault(logger *logging.Logger, f *faults.Fault) {
	switch {
	case f.Recoverable():
		logger.Debugf("Request rejected: %v", f)
	case f.Code == faults.CodeInternal:
		logger.Errorf("Internal fault (session=%s request=%s correlation=%s): %v", f.SessionID, f.RequestID, f.CorrelationID, f)
	case f.Code == faults.CodeExecutionFailed, f.Code == faults.CodeExecutionTimeout,
		f.Code == faults.CodeStreamingFailed, f.Code == faults.CodeCorrelationFailed:
		logger.Warnf("%v", f)
	default:
		logger.Infof("%v", f)
	}
}

// isNotificationMethod reports whether method names a notification
func isNotificationMethod(method string) bool {
	return strings.HasPrefix(method, global.NotificationPrefix)
}
