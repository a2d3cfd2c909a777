/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/runner"
	"github.com/PivotLLM/Conduit/session"
	"github.com/PivotLLM/Conduit/tools"
)

// deliveryMode says how a call's events reach the client
type deliveryMode int

const (
	// modeDirect returns the result in the POST response
	modeDirect deliveryMode = iota
	// modeInline turns the POST response into an SSE stream for the call
	modeInline
	// modePush acknowledges the POST and relays the call on the session's GET stream
	modePush
)

// call is one tools/call in flight
type call struct {
	rpc      *rpcRequest
	tool     *tools.Tool
	req      *session.Request
	token    any
	exec     *runner.Execution
	progress int64
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// handleToolCall validates, registers and starts a tool invocation
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, sess *session.Session, rpc *rpcRequest, logger *logging.Logger) {
	fail := func(f *faults.Fault) {
		s.writeFault(w, rpc.id(), f.WithIdentity(sess.ID(), "", ""))
	}

	var params callParams
	if len(rpc.Params) == 0 {
		fail(faults.New(faults.CodeInvalidParams, "params are required"))
		return
	}
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		fail(faults.Wrap(faults.CodeInvalidParams, err, "malformed tools/call params"))
		return
	}
	if params.Name == "" {
		fail(faults.New(faults.CodeInvalidParams, "tool name is required"))
		return
	}

	if err := sess.Allow(); err != nil {
		fail(faults.Classify(err))
		return
	}

	tool, ok := s.catalog.Get(params.Name)
	if !ok {
		fail(faults.Newf(faults.CodeInvalidParams, "unknown tool: %s", params.Name))
		return
	}
	if err := s.catalog.Validate(tool.Name, params.Arguments); err != nil {
		fail(faults.Classify(err))
		return
	}

	var spec runner.Spec
	if tool.Kind == tools.KindCommand {
		built, err := tool.Command(params.Arguments)
		if err != nil {
			fail(faults.Wrap(faults.CodeValidationFailed, err, err.Error()))
			return
		}
		spec = s.completeSpec(tool, built)
	}

	mode := s.selectMode(r, sess, tool, params.progressToken())
	if mode == modeDirect && tool.Kind == tools.KindCommand {
		fail(faults.Newf(faults.CodeInvalidRequest, "tool %s streams its output and requires an SSE connection (Accept: text/event-stream or an open GET stream)", tool.Name))
		return
	}

	requestID := r.Header.Get(global.HeaderRequestID)
	if requestID == "" || !session.ValidRequestID(requestID) {
		requestID = requestIDString(rpc.id().Value())
		if !session.ValidRequestID(requestID) {
			requestID = ""
		}
	}
	req, err := sess.CreateRequest(tool.Name, params.Arguments, requestID)
	if err != nil {
		fail(faults.Classify(err))
		return
	}
	w.Header().Set(global.HeaderRequestID, req.ID)
	w.Header().Set(global.HeaderCorrelationID, req.CorrelationID)

	c := &call{rpc: rpc, tool: tool, req: req, token: params.progressToken()}
	logger = logger.With("request", req.ID, "correlation", req.CorrelationID)
	logger.Infof("Tool %s called (%s)", tool.Name, mode)

	switch mode {
	case modeDirect:
		s.runDirect(w, r, sess, c, logger)
	case modeInline:
		s.runInline(w, r, sess, c, spec, logger)
	case modePush:
		s.runPush(w, sess, c, spec, logger)
	}
}

func (m deliveryMode) String() string {
	switch m {
	case modeInline:
		return "inline stream"
	case modePush:
		return "push channel"
	}
	return "direct"
}

// selectMode picks how the call is delivered
func (s *Server) selectMode(r *http.Request, sess *session.Session, tool *tools.Tool, token any) deliveryMode {
	if acceptsEventStream(r) && (tool.Kind == tools.KindCommand || token != nil) {
		return modeInline
	}
	if _, ok := s.channels.Load(sess.ID()); ok {
		return modePush
	}
	return modeDirect
}

// completeSpec applies tool and server defaults to a built spec
func (s *Server) completeSpec(tool *tools.Tool, spec runner.Spec) runner.Spec {
	if spec.Timeout == 0 {
		spec.Timeout = tool.Timeout
	}
	if spec.MaxOutputBytes == 0 {
		spec.MaxOutputBytes = tool.MaxOutputBytes
	}
	if spec.Dir == "" {
		spec.Dir = s.workingDir
	}
	return spec
}

// start launches the execution for c
func (s *Server) start(c *call, spec runner.Spec) (*runner.Execution, error) {
	job := runner.Job{
		SessionID:     c.req.SessionID,
		RequestID:     c.req.ID,
		CorrelationID: c.req.CorrelationID,
		Tool:          c.tool.Name,
		Context:       c.req.Context(),
	}

	if c.tool.Kind == tools.KindCommand {
		return s.runner.Start(job, spec)
	}

	handler, args := c.tool.Handler, c.req.Args
	fn := func(ctx context.Context, progress func(string)) (any, error) {
		return handler(ctx, args, progress)
	}
	return s.runner.StartFunc(job, fn, c.tool.Timeout, c.tool.MaxOutputBytes)
}

// publishStarted emits the started notification for c
func (s *Server) publishStarted(c *call) {
	s.bus.Publish(events.Event{
		Kind:          events.KindStarted,
		SessionID:     c.req.SessionID,
		RequestID:     c.req.ID,
		CorrelationID: c.req.CorrelationID,
		Tool:          c.tool.Name,
	})
}

// launch emits started and starts the execution. When the engine refuses the
// job, a terminal error is published so subscribers are not left waiting.
func (s *Server) launch(sess *session.Session, c *call, spec runner.Spec) *faults.Fault {
	s.publishStarted(c)

	x, err := s.start(c, spec)
	if err != nil {
		f := faults.Classify(err).WithIdentity(c.req.SessionID, c.req.ID, c.req.CorrelationID)
		s.bus.Publish(events.Event{
			Kind:          events.KindError,
			SessionID:     c.req.SessionID,
			RequestID:     c.req.ID,
			CorrelationID: c.req.CorrelationID,
			Tool:          c.tool.Name,
			ExitCode:      -1,
			Fault:         f,
		})
		sess.CompleteRequest(c.req.ID)
		return f
	}

	c.exec = x
	go func() {
		<-x.Done()
		// no-op when the request was already cancelled
		sess.CompleteRequest(c.req.ID)
	}()
	return nil
}

// runDirect runs an in-process tool and answers in the POST response
func (s *Server) runDirect(w http.ResponseWriter, r *http.Request, sess *session.Session, c *call, logger *logging.Logger) {
	if f := s.launch(sess, c, runner.Spec{}); f != nil {
		s.writeFault(w, c.rpc.id(), f)
		return
	}

	select {
	case <-c.exec.Done():
	case <-r.Context().Done():
		logger.Infof("Client went away, cancelling")
		s.cancelRequest(sess, c.req.ID)
		<-c.exec.Done()
		return
	case <-s.quit:
		s.cancelRequest(sess, c.req.ID)
		<-c.exec.Done()
	}

	s.writeResult(w, c, c.exec.Result())
}

// writeResult answers c with an execution result
func (s *Server) writeResult(w http.ResponseWriter, c *call, res *runner.Result) {
	if res.Fault != nil {
		s.writeFault(w, c.rpc.id(), res.Fault)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(c.rpc.id(), toolResult(c.tool, res)))
}
