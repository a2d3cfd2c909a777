/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/oklog/ulid/v2"
	"github.com/tmaxmax/go-sse"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/runner"
	"github.com/PivotLLM/Conduit/session"
)

// pushChannel is a session's open GET stream and the calls relayed on it
type pushChannel struct {
	sessionID string

	mu    sync.Mutex
	calls map[string]*call // correlation id -> call

	closed    chan struct{}
	closeOnce sync.Once
}

func newPushChannel(sessionID string) *pushChannel {
	return &pushChannel{
		sessionID: sessionID,
		calls:     make(map[string]*call),
		closed:    make(chan struct{}),
	}
}

func (p *pushChannel) attach(c *call) {
	p.mu.Lock()
	p.calls[c.req.CorrelationID] = c
	p.mu.Unlock()
}

func (p *pushChannel) lookup(correlationID string) (*call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[correlationID]
	return c, ok
}

func (p *pushChannel) detach(correlationID string) {
	p.mu.Lock()
	delete(p.calls, correlationID)
	p.mu.Unlock()
}

// correlations returns the correlation ids of the attached calls
func (p *pushChannel) correlations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for id := range p.calls {
		out = append(out, id)
	}
	return out
}

// take removes and returns every attached call
func (p *pushChannel) take() []*call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*call, 0, len(p.calls))
	for id, c := range p.calls {
		out = append(out, c)
		delete(p.calls, id)
	}
	return out
}

func (p *pushChannel) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// openChannel installs a new push channel for sessionID. A channel it replaces
// is closed and its calls move to the new one.
func (s *Server) openChannel(sessionID string) *pushChannel {
	ch := newPushChannel(sessionID)
	if prev, loaded := s.channels.Swap(sessionID, ch); loaded {
		old := prev.(*pushChannel)
		for _, c := range old.take() {
			ch.attach(c)
		}
		old.close()
	}
	return ch
}

// dropChannel closes the push channel of sessionID, if any
func (s *Server) dropChannel(sessionID string) {
	if v, ok := s.channels.LoadAndDelete(sessionID); ok {
		v.(*pushChannel).close()
	}
}

// pushFilter selects what a push channel needs: execution events plus cleanup
func pushFilter(sessionID string) events.Filter {
	return func(e events.Event) bool {
		if e.SessionID != sessionID {
			return false
		}
		return !e.Kind.Lifecycle() || e.Kind == events.KindCleanup
	}
}

// handleGet opens the session's push channel
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(mcpserver.HeaderKeySessionID)
	if id == "" {
		s.writeFault(w, mcp.RequestId{}, faults.Newf(faults.CodeInvalidRequest, "%s header is required", mcpserver.HeaderKeySessionID))
		return
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		s.writeFault(w, mcp.RequestId{}, faults.Newf(faults.CodeInvalidSession, "unknown session %s", id).WithIdentity(id, "", ""))
		return
	}
	sess.UpdateActivity()
	logger := s.logger.With("session", id)

	sub := s.bus.Subscribe(pushFilter(id), 0)
	defer func() { sub.Close() }()
	ch := s.openChannel(id)
	defer s.channels.CompareAndDelete(id, ch)

	w.Header().Set(mcpserver.HeaderKeySessionID, id)
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.dropChannel(id)
		s.writeFault(w, mcp.RequestId{}, faults.Wrap(faults.CodeStreamingFailed, err, "failed to open event stream").WithIdentity(id, "", ""))
		return
	}
	if err := sendComment(stream, "ready"); err != nil {
		return
	}
	logger.Infof("Push channel opened")

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	stop := make(chan struct{})
	defer close(stop)
	finished := make(chan string, 16)

	disconnected := func(reason string) {
		logger.Infof("Push channel closed (%s)", reason)
		if !s.cancelOnDisconnect {
			return
		}
		for _, c := range ch.take() {
			if s.cancelRequest(sess, c.req.ID) {
				logger.Infof("Cancelled request %s after disconnect", c.req.ID)
			}
		}
	}

	// handle relays one event. It reports false when the session has ended.
	handle := func(e events.Event) (bool, error) {
		if e.Kind == events.KindCleanup {
			logger.Infof("Push channel closed (session terminated)")
			return false, nil
		}
		c, ok := ch.lookup(e.CorrelationID)
		if !ok {
			return true, nil
		}
		terminal, err := s.relay(stream, c, e)
		if err != nil {
			return false, err
		}
		if terminal {
			ch.detach(e.CorrelationID)
		}
		return true, nil
	}

	for {
		select {
		case e := <-sub.Events():
			more, err := handle(e)
			if err != nil {
				disconnected(fmt.Sprintf("write failed: %v", err))
				return
			}
			if !more {
				return
			}

		case <-sub.Done():
			// drain what was buffered, then resubscribe and recover terminals
			// that may have been published in between
			lagging := sub
			if !lagging.Lagged() {
				logger.Debugf("Push channel subscription closed")
				return
			}
			sub = s.bus.Subscribe(pushFilter(id), 0)
			logger.Warnf("Push channel fell behind, resubscribed")
			for drained := false; !drained; {
				select {
				case e := <-lagging.Events():
					more, err := handle(e)
					if err != nil {
						disconnected(fmt.Sprintf("write failed: %v", err))
						return
					}
					if !more {
						return
					}
				default:
					drained = true
				}
			}
			s.watchCalls(ch, finished, stop)

		case corr := <-finished:
			// a terminal that reached the new subscription is already buffered
			for drained := false; !drained; {
				select {
				case e := <-sub.Events():
					more, err := handle(e)
					if err != nil {
						disconnected(fmt.Sprintf("write failed: %v", err))
						return
					}
					if !more {
						return
					}
				default:
					drained = true
				}
			}
			if err := s.recoverTerminal(stream, ch, corr); err != nil {
				disconnected(fmt.Sprintf("write failed: %v", err))
				return
			}

		case <-ticker.C:
			if err := sendComment(stream, "keepalive"); err != nil {
				disconnected(fmt.Sprintf("write failed: %v", err))
				return
			}
			sess.UpdateActivity()

		case <-r.Context().Done():
			disconnected("client disconnected")
			return

		case <-ch.closed:
			logger.Debugf("Push channel replaced or dropped")
			return

		case <-s.quit:
			logger.Debugf("Push channel closed by shutdown")
			return
		}
	}
}

// watchCalls reports on finished the correlation id of every call attached to
// ch once its execution is over
func (s *Server) watchCalls(ch *pushChannel, finished chan<- string, stop <-chan struct{}) {
	report := func(corr string) {
		select {
		case finished <- corr:
		case <-stop:
		}
	}
	for _, corr := range ch.correlations() {
		if x, ok := s.runner.Lookup(corr); ok {
			go func() {
				select {
				case <-x.Done():
					report(corr)
				case <-stop:
				}
			}()
			continue
		}
		if _, ok := s.runner.Result(corr); ok {
			go report(corr)
		}
	}
}

// recoverTerminal answers a call still attached to ch from the cached result
func (s *Server) recoverTerminal(stream *sse.Session, ch *pushChannel, corr string) error {
	c, ok := ch.lookup(corr)
	if !ok {
		return nil
	}
	ch.detach(corr)
	res, ok := s.runner.Result(corr)
	if !ok {
		s.logger.Warnf("Result for correlation %s expired before it could be delivered", corr)
		return nil
	}
	return s.sendTerminal(stream, c, res)
}

// runPush acknowledges the call and lets the session's push channel deliver it
func (s *Server) runPush(w http.ResponseWriter, sess *session.Session, c *call, spec runner.Spec, logger *logging.Logger) {
	v, ok := s.channels.Load(sess.ID())
	if !ok {
		sess.CompleteRequest(c.req.ID)
		s.writeFault(w, c.rpc.id(), faults.New(faults.CodeStreamingFailed, "push channel closed before the call started").
			WithIdentity(sess.ID(), c.req.ID, c.req.CorrelationID))
		return
	}
	v.(*pushChannel).attach(c)

	// a launch failure still reaches the client as a terminal error on the channel
	if f := s.launch(sess, c, spec); f != nil {
		logger.Warnf("Failed to start %s: %s", c.tool.Name, f.Message)
	}

	writeJSON(w, http.StatusAccepted, ackResponse{
		Accepted:      true,
		SessionID:     sess.ID(),
		RequestID:     c.req.ID,
		CorrelationID: c.req.CorrelationID,
	})
}

// runInline turns the POST response into the call's event stream
func (s *Server) runInline(w http.ResponseWriter, r *http.Request, sess *session.Session, c *call, spec runner.Spec, logger *logging.Logger) {
	sub := s.bus.Subscribe(events.ExecutionOnly(events.ForCorrelation(c.req.CorrelationID)), 0)
	defer sub.Close()

	if f := s.launch(sess, c, spec); f != nil {
		s.writeFault(w, c.rpc.id(), f)
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.cancelRequest(sess, c.req.ID)
		s.writeFault(w, c.rpc.id(), faults.Wrap(faults.CodeStreamingFailed, err, "failed to open event stream").
			WithIdentity(sess.ID(), c.req.ID, c.req.CorrelationID))
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	abandon := func(reason string) {
		logger.Infof("Stream closed before completion (%s)", reason)
		if s.cancelOnDisconnect {
			s.cancelRequest(sess, c.req.ID)
		}
	}

	quit := s.quit
	lagged := sub.Done()
	for {
		select {
		case e := <-sub.Events():
			terminal, err := s.relay(stream, c, e)
			if err != nil {
				abandon(fmt.Sprintf("write failed: %v", err))
				return
			}
			if terminal {
				return
			}

		case <-lagged:
			// buffered events are still relayed; the rest arrives with the result
			lagged = nil
			logger.Warnf("Stream fell behind the execution, output resumes with the final result")

		case <-c.exec.Done():
			// the terminal event is normally already buffered
			for {
				select {
				case e := <-sub.Events():
					terminal, err := s.relay(stream, c, e)
					if err != nil || terminal {
						return
					}
					continue
				default:
				}
				break
			}
			logger.Warnf("Terminal event missed, answering from the execution result")
			_ = s.sendTerminal(stream, c, c.exec.Result())
			return

		case <-ticker.C:
			if err := sendComment(stream, "keepalive"); err != nil {
				abandon(fmt.Sprintf("write failed: %v", err))
				return
			}

		case <-r.Context().Done():
			abandon("client disconnected")
			return

		case <-quit:
			// keep streaming so the client sees the cancellation
			quit = nil
			s.cancelRequest(sess, c.req.ID)
		}
	}
}

// relay writes one event of c to stream and reports whether it was terminal
func (s *Server) relay(stream *sse.Session, c *call, e events.Event) (bool, error) {
	if e.Kind.Terminal() {
		return true, s.sendTerminal(stream, c, resultFromEvent(e))
	}

	c.progress++
	note := progressNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Method:  global.NotificationProgress,
		Params: progressParams{
			ProgressToken: c.token,
			Progress:      c.progress,
			Message:       e.Data,
			Kind:          string(e.Kind),
			Stream:        e.Stream,
			SessionID:     e.SessionID,
			RequestID:     e.RequestID,
			CorrelationID: e.CorrelationID,
		},
	}
	if e.Kind == events.KindStarted {
		note.Params.Message = fmt.Sprintf("%s started", c.tool.Name)
	}
	return false, sendEvent(stream, string(e.Kind), note)
}

// sendTerminal writes the JSON-RPC response for c
func (s *Server) sendTerminal(stream *sse.Session, c *call, res *runner.Result) error {
	if res.Fault != nil {
		s.logFault(s.logger, res.Fault)
		return sendEvent(stream, string(events.KindError), res.Fault.Response(c.rpc.id(), s.production))
	}
	return sendEvent(stream, string(events.KindComplete), resultResponse(c.rpc.id(), toolResult(c.tool, res)))
}

// sendEvent writes one SSE message with a ULID id
func sendEvent(stream *sse.Session, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	msg := &sse.Message{ID: sse.ID(ulid.Make().String()), Type: sse.Type(kind)}
	msg.AppendData(string(data))
	if err := stream.Send(msg); err != nil {
		return err
	}
	return stream.Flush()
}

func sendComment(stream *sse.Session, text string) error {
	msg := &sse.Message{}
	msg.AppendComment(text)
	if err := stream.Send(msg); err != nil {
		return err
	}
	return stream.Flush()
}
