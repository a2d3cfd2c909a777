/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package session tracks client sessions and the correlated requests they
// have in flight.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
)

// Config holds the limits of a session. Zero fields take the value from
// DefaultConfig. A negative HistoryLimit or RateLimitRequests disables
// history or rate limiting.
type Config struct {
	MaxConcurrent     int
	IdleTimeout       time.Duration
	HistoryLimit      int
	RateLimitRequests int
	RateLimitPeriod   time.Duration
}

// DefaultConfig returns the built-in session limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     global.DefaultMaxConcurrent,
		IdleTimeout:       global.DefaultIdleTimeout,
		HistoryLimit:      global.DefaultHistoryLimit,
		RateLimitRequests: global.DefaultRateLimitRequests,
		RateLimitPeriod:   global.DefaultRateLimitPeriod,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	switch {
	case c.HistoryLimit == 0:
		c.HistoryLimit = d.HistoryLimit
	case c.HistoryLimit < 0:
		c.HistoryLimit = -1
	}
	switch {
	case c.RateLimitRequests == 0:
		c.RateLimitRequests = d.RateLimitRequests
	case c.RateLimitRequests < 0:
		c.RateLimitRequests = -1
	}
	if c.RateLimitPeriod <= 0 {
		c.RateLimitPeriod = d.RateLimitPeriod
	}
	return c
}

// Disabled returns n, or the value that disables the limit when n is zero.
// It maps configuration, where 0 means off, onto Config.
func Disabled(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Request is a correlated request: one tool invocation tied to its session
type Request struct {
	ID            string
	SessionID     string
	CorrelationID string
	Tool          string
	Args          map[string]any
	StartedAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the request is cancelled or its session terminates
func (r *Request) Context() context.Context {
	return r.ctx
}

// HistoryEntry records a finished request
type HistoryEntry struct {
	RequestID     string        `json:"requestId"`
	CorrelationID string        `json:"correlationId"`
	Tool          string        `json:"tool"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
	Cancelled     bool          `json:"cancelled,omitempty"`
}

// Stats is a point-in-time view of a session
type Stats struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	ActiveRequests int       `json:"activeRequests"`
	Completed      int       `json:"completed"`
}

// Session groups the requests of one client
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	bus       *events.Bus
	logger    *logging.Logger
	limiter   *RateLimiter
	now       func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	active       map[string]*Request
	history      []HistoryEntry
	completed    int
	terminated   bool
}

func newSession(id string, cfg Config, bus *events.Bus, logger *logging.Logger, now func() time.Time) *Session {
	cfg = cfg.withDefaults()
	created := now()
	limiter := NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	limiter.now = now
	return &Session{
		id:           id,
		createdAt:    created,
		cfg:          cfg,
		bus:          bus,
		logger:       logger.With("session", id),
		limiter:      limiter,
		now:          now,
		lastActivity: created,
		active:       make(map[string]*Request),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Config returns the session limits
func (s *Session) Config() Config {
	return s.cfg
}

// LastActivity returns the time of the last recorded activity
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// UpdateActivity marks the session as active now
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Allow consumes one slot of the session's rate limit
func (s *Session) Allow() error {
	ok, wait := s.limiter.Allow()
	if ok {
		return nil
	}
	return faults.Newf(faults.CodeRateLimited, "rate limit of %d requests per %s exceeded", s.cfg.RateLimitRequests, s.cfg.RateLimitPeriod).
		WithIdentity(s.id, "", "").
		WithDetail("retryAfterMs", wait.Milliseconds())
}

// CreateRequest registers a new correlated request. requestID may be empty,
// in which case one is generated.
func (s *Session) CreateRequest(tool string, args map[string]any, requestID string) (*Request, error) {
	if requestID == "" {
		requestID = NewRequestID()
	} else if !ValidRequestID(requestID) {
		return nil, faults.Newf(faults.CodeCorrelationFailed, "invalid request id %q", requestID).WithIdentity(s.id, "", "")
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, faults.New(faults.CodeInvalidSession, "session has been terminated").WithIdentity(s.id, requestID, "")
	}
	if len(s.active) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return nil, faults.Newf(faults.CodeCapacityExceeded, "session has %d active requests (limit %d)", len(s.active), s.cfg.MaxConcurrent).
			WithIdentity(s.id, requestID, "")
	}
	if _, exists := s.active[requestID]; exists {
		s.mu.Unlock()
		return nil, faults.Newf(faults.CodeCorrelationFailed, "request id %q is already active", requestID).WithIdentity(s.id, requestID, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{
		ID:            requestID,
		SessionID:     s.id,
		CorrelationID: CorrelationID(s.id, requestID),
		Tool:          tool,
		Args:          args,
		StartedAt:     s.now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.active[requestID] = req
	s.lastActivity = req.StartedAt
	s.mu.Unlock()

	s.logger.Debugf("Request %s created for tool %s (correlation %s)", requestID, tool, req.CorrelationID)
	s.publish(events.KindRequestCreated, req)
	return req, nil
}

// Request returns an active request
func (s *Session) Request(requestID string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.active[requestID]
	return req, ok
}

// ActiveRequests returns the active requests
func (s *Session) ActiveRequests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, req)
	}
	return out
}

// ActiveCount returns the number of active requests
func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// CompleteRequest retires an active request into history. Unknown ids are ignored.
func (s *Session) CompleteRequest(requestID string) bool {
	req, ok := s.retire(requestID, false)
	if !ok {
		return false
	}
	req.cancel() // release context resources
	s.publish(events.KindRequestCompleted, req)
	return true
}

// CancelRequest fires the request's cancellation and removes it immediately
func (s *Session) CancelRequest(requestID string) bool {
	req, ok := s.retire(requestID, true)
	if !ok {
		return false
	}
	req.cancel()
	s.logger.Infof("Request %s cancelled", requestID)
	s.publish(events.KindRequestCancelled, req)
	return true
}

func (s *Session) retire(requestID string, cancelled bool) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.active[requestID]
	if !ok {
		return nil, false
	}
	delete(s.active, requestID)

	now := s.now()
	s.lastActivity = now
	s.completed++
	if s.cfg.HistoryLimit > 0 {
		s.history = append(s.history, HistoryEntry{
			RequestID:     req.ID,
			CorrelationID: req.CorrelationID,
			Tool:          req.Tool,
			StartedAt:     req.StartedAt,
			Duration:      now.Sub(req.StartedAt),
			Cancelled:     cancelled,
		})
		if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
			s.history = append(s.history[:0], s.history[over:]...)
		}
	}
	return req, true
}

// History returns the retained finished requests, oldest first
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// IsIdle reports whether the session has no active requests and has been
// quiet for at least its idle timeout
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) == 0 && s.now().Sub(s.lastActivity) >= s.cfg.IdleTimeout
}

// Terminate cancels every active request. The session accepts no new requests afterwards.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	pending := s.markTerminated()
	s.mu.Unlock()

	s.finishTermination(pending)
}

// terminateIfIdle marks the session terminated when it is idle, checking and
// marking under one lock so a request cannot slip in between. The caller must
// run finishTermination with the returned requests when it reports true.
func (s *Session) terminateIfIdle() ([]*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || len(s.active) > 0 || s.now().Sub(s.lastActivity) < s.cfg.IdleTimeout {
		return nil, false
	}
	return s.markTerminated(), true
}

// markTerminated flags the session and detaches its active requests. Caller holds s.mu.
func (s *Session) markTerminated() []*Request {
	s.terminated = true
	pending := make([]*Request, 0, len(s.active))
	for id, req := range s.active {
		pending = append(pending, req)
		delete(s.active, id)
	}
	return pending
}

// finishTermination cancels the detached requests and announces the cleanup
func (s *Session) finishTermination(pending []*Request) {
	for _, req := range pending {
		req.cancel()
		s.publish(events.KindRequestCancelled, req)
	}
	s.logger.Infof("Session terminated (%d active requests cancelled)", len(pending))
	s.bus.Publish(events.Event{Kind: events.KindCleanup, SessionID: s.id})
}

// Terminated reports whether Terminate has been called
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Stats returns a snapshot of the session
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:             s.id,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		ActiveRequests: len(s.active),
		Completed:      s.completed,
	}
}

func (s *Session) publish(kind events.Kind, req *Request) {
	s.bus.Publish(events.Event{
		Kind:          kind,
		SessionID:     s.id,
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Tool:          req.Tool,
	})
}
