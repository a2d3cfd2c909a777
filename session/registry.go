/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
)

// Registry owns every live session
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaults      Config
	sweepInterval time.Duration
	bus           *events.Bus
	logger        *logging.Logger
	now           func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// RegistryStats summarizes the registry
type RegistryStats struct {
	Sessions       int `json:"sessions"`
	ActiveRequests int `json:"activeRequests"`
}

// Option configures a Registry
type Option func(*Registry)

// WithDefaults sets the limits applied to new sessions
func WithDefaults(cfg Config) Option {
	return func(r *Registry) {
		r.defaults = cfg
	}
}

// WithSweepInterval sets how often idle sessions are collected
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// WithBus sets the bus lifecycle notifications are published on
func WithBus(bus *events.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:      make(map[string]*Session),
		defaults:      DefaultConfig(),
		sweepInterval: global.DefaultSweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = events.NewBus(events.WithLogger(r.logger))
	}
	return r
}

// Bus returns the bus sessions publish on
func (r *Registry) Bus() *events.Bus {
	return r.bus
}

// Create creates a session with the registry defaults, or with override if given
func (r *Registry) Create(override ...Config) *Session {
	cfg := r.defaults
	if len(override) > 0 {
		cfg = override[0]
	}

	r.mu.Lock()
	id := NewSessionID()
	for r.sessions[id] != nil {
		id = NewSessionID()
	}
	s := newSession(id, cfg, r.bus, r.logger, r.now)
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Infof("Session %s created (%d live)", id, count)
	return s
}

// Get returns a live session
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByRequest finds the session that owns an active request. Linear in the
// number of sessions.
func (r *Registry) GetByRequest(requestID string) (*Session, bool) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if _, ok := s.Request(requestID); ok {
			return s, true
		}
	}
	return nil, false
}

// Delete terminates and removes a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Terminate()
	r.logger.Infof("Session %s deleted", id)
	return true
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns registry totals
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	stats := RegistryStats{Sessions: len(sessions)}
	for _, s := range sessions {
		stats.ActiveRequests += s.ActiveCount()
	}
	return stats
}

// SweepIdle terminates and removes idle sessions. A failure on one session is
// logged and does not stop the sweep. Returns the number removed.
func (r *Registry) SweepIdle() int {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	removed := 0
	for _, s := range candidates {
		expired, err := r.sweepOne(s)
		if err != nil {
			r.logger.Errorf("Idle sweep failed for session %s: %v", s.ID(), err)
			continue
		}
		if expired {
			removed++
		}
	}

	if removed > 0 {
		r.logger.Infof("Idle sweep removed %d sessions (%d live)", removed, r.Count())
	}
	return removed
}

func (r *Registry) sweepOne(s *Session) (expired bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	pending, idle := r.removeIfIdle(s)
	if !idle {
		return false, nil
	}

	s.finishTermination(pending)
	r.logger.Debugf("Session %s expired after %s idle", s.ID(), s.Config().IdleTimeout)
	return true, nil
}

// removeIfIdle unregisters s if it is still registered and idle
func (r *Registry) removeIfIdle(s *Session) ([]*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID()] != s {
		return nil, false
	}
	pending, idle := s.terminateIfIdle()
	if idle {
		delete(r.sessions, s.ID())
	}
	return pending, idle
}

// Start runs the idle sweep until ctx is done or Stop is called
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.SweepIdle()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

// Shutdown stops the sweep and terminates every session
func (r *Registry) Shutdown() {
	r.Stop()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Terminate()
	}
	if len(sessions) > 0 {
		r.logger.Infof("Terminated %d sessions on shutdown", len(sessions))
	}
}
