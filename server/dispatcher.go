/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/session"
	"github.com/PivotLLM/Conduit/tools"
)

const serverInstructions = "Conduit runs tools on behalf of MCP clients. " +
	"Command tools stream their output and require an SSE connection: send Accept: text/event-stream " +
	"or open a GET stream on the endpoint with your Mcp-Session-Id."

// handlePost accepts one JSON-RPC message
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, global.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeFault(w, mcp.RequestId{}, faults.Newf(faults.CodeInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeFault(w, mcp.RequestId{}, faults.Wrap(faults.CodeInvalidRequest, err, "failed to read request body"))
		return
	}

	rpc, f := parseEnvelope(body)
	if f != nil {
		s.writeFault(w, mcp.RequestId{}, f)
		return
	}

	// ping is a liveness check and never creates or touches a session
	if !rpc.isNotification() && mcp.MCPMethod(rpc.Method) == mcp.MethodPing {
		if id := r.Header.Get(mcpserver.HeaderKeySessionID); id != "" {
			if _, ok := s.registry.Get(id); ok {
				w.Header().Set(mcpserver.HeaderKeySessionID, id)
			}
		}
		writeJSON(w, http.StatusOK, resultResponse(rpc.id(), struct{}{}))
		return
	}

	sess := s.resolveSession(w, r)

	logger := s.logger.With("session", sess.ID(), "req", middleware.GetReqID(r.Context()))

	if rpc.isNotification() {
		s.handleNotification(sess, rpc, logger)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	logger.Debugf("%s", rpc.Method)

	switch mcp.MCPMethod(rpc.Method) {
	case mcp.MethodInitialize:
		writeJSON(w, http.StatusOK, resultResponse(rpc.id(), s.initializeResult()))
	case mcp.MethodToolsList:
		writeJSON(w, http.StatusOK, resultResponse(rpc.id(), mcp.NewListToolsResult(s.catalog.List(), "")))
	case mcp.MethodResourcesList:
		writeJSON(w, http.StatusOK, resultResponse(rpc.id(), mcp.NewListResourcesResult(tools.Resources(), "")))
	case mcp.MethodPromptsList:
		writeJSON(w, http.StatusOK, resultResponse(rpc.id(), mcp.NewListPromptsResult(tools.Prompts(), "")))
	case mcp.MethodToolsCall:
		s.handleToolCall(w, r, sess, rpc, logger)
	default:
		s.writeFault(w, rpc.id(), faults.Newf(faults.CodeMethodNotFound, "method not found: %s", rpc.Method).
			WithIdentity(sess.ID(), "", ""))
	}
}

// resolveSession reuses a known session or creates a new one, and records
// activity on it. A session the idle sweep terminated counts as unknown. The
// session id is always echoed.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if id := r.Header.Get(mcpserver.HeaderKeySessionID); id != "" {
		if sess, ok := s.registry.Get(id); ok {
			sess.UpdateActivity()
			if !sess.Terminated() {
				w.Header().Set(mcpserver.HeaderKeySessionID, sess.ID())
				return sess
			}
		}
		s.logger.Debugf("Unknown session %s, creating a new one", id)
	}

	sess := s.registry.Create()
	w.Header().Set(mcpserver.HeaderKeySessionID, sess.ID())
	return sess
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": mcp.Implementation{
			Name:    global.ProgramName,
			Version: global.Version,
		},
		"instructions": serverInstructions,
	}
}

// handleNotification processes a message that gets no response
func (s *Server) handleNotification(sess *session.Session, rpc *rpcRequest, logger *logging.Logger) {
	if !isNotificationMethod(rpc.Method) {
		logger.Debugf("Ignoring %s sent without an id", rpc.Method)
		return
	}
	if rpc.Method != global.NotificationCancelled {
		logger.Debugf("Notification %s", rpc.Method)
		return
	}

	var params cancelledParams
	if len(rpc.Params) > 0 {
		if err := json.Unmarshal(rpc.Params, &params); err != nil {
			logger.Warnf("Malformed %s: %v", rpc.Method, err)
			return
		}
	}
	requestID := requestIDString(params.RequestID)
	if requestID == "" {
		logger.Warnf("%s without a requestId", rpc.Method)
		return
	}

	if s.cancelRequest(sess, requestID) {
		logger.Infof("Request %s cancelled by client (%s)", requestID, params.Reason)
	} else {
		logger.Debugf("Cancellation for inactive request %s ignored", requestID)
	}
}

// cancelRequest cancels a request of sess and its execution
func (s *Server) cancelRequest(sess *session.Session, requestID string) bool {
	req, ok := sess.Request(requestID)
	if !ok {
		return false
	}
	cancelled := sess.CancelRequest(requestID)
	s.runner.Cancel(req.CorrelationID)
	return cancelled
}

// handleDelete terminates a session
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(mcpserver.HeaderKeySessionID)
	if id == "" {
		s.writeFault(w, mcp.RequestId{}, faults.Newf(faults.CodeInvalidRequest, "%s header is required", mcpserver.HeaderKeySessionID))
		return
	}

	s.dropChannel(id)
	if !s.registry.Delete(id) {
		s.writeFault(w, mcp.RequestId{}, faults.Newf(faults.CodeInvalidSession, "unknown session %s", id).WithIdentity(id, "", ""))
		return
	}
	w.Header().Set(mcpserver.HeaderKeySessionID, id)
	w.WriteHeader(http.StatusNoContent)
}
