/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewRegistry(WithDefaults(cfg), WithClock(clock.Now)), clock
}

func faultCode(t *testing.T, err error) faults.Code {
	t.Helper()
	var f *faults.Fault
	require.True(t, errors.As(err, &f), "expected fault, got %v", err)
	return f.Code
}

func TestCapacityCeiling(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxConcurrent: 2})
	s := reg.Create()

	_, err := s.CreateRequest("echo", nil, "")
	require.NoError(t, err)
	_, err = s.CreateRequest("echo", nil, "")
	require.NoError(t, err)

	_, err = s.CreateRequest("echo", nil, "")
	require.Error(t, err)
	assert.Equal(t, faults.CodeCapacityExceeded, faultCode(t, err))
	assert.Equal(t, 2, s.ActiveCount())
}

func TestCeilingIsPerSession(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxConcurrent: 10})
	a := reg.Create()
	b := reg.Create()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.CreateRequest("sleep", nil, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, err := a.CreateRequest("sleep", nil, "")
	require.Error(t, err)
	assert.Equal(t, faults.CodeCapacityExceeded, faultCode(t, err))
	assert.Equal(t, 10, a.ActiveCount())

	for i := 0; i < 10; i++ {
		_, err := b.CreateRequest("sleep", nil, "")
		require.NoError(t, err, "request %d on the other session", i+1)
	}
	_, err = b.CreateRequest("sleep", nil, "")
	assert.Equal(t, faults.CodeCapacityExceeded, faultCode(t, err))
	assert.Equal(t, 20, reg.Stats().ActiveRequests)
}

func TestCompleteFreesCapacityAndRecordsHistory(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{MaxConcurrent: 1})
	s := reg.Create()

	req, err := s.CreateRequest("echo", map[string]any{"text": "hi"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, CorrelationID(s.ID(), "req-1"), req.CorrelationID)

	clock.Advance(2 * time.Second)
	assert.True(t, s.CompleteRequest("req-1"))
	assert.False(t, s.CompleteRequest("req-1"), "second completion is a no-op")

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "req-1", history[0].RequestID)
	assert.Equal(t, 2*time.Second, history[0].Duration)
	assert.Error(t, req.Context().Err())

	_, err = s.CreateRequest("echo", nil, "")
	assert.NoError(t, err)
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantHistory int
		wantRate    int
	}{
		{name: "zero fields use defaults", cfg: Config{MaxConcurrent: 1}, wantHistory: 100, wantRate: 100},
		{name: "negative history disables it", cfg: Config{HistoryLimit: -5}, wantHistory: -1, wantRate: 100},
		{name: "negative rate disables it", cfg: Config{RateLimitRequests: -1}, wantHistory: 100, wantRate: -1},
		{name: "explicit values win", cfg: Config{HistoryLimit: 3, RateLimitRequests: 7}, wantHistory: 3, wantRate: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg.withDefaults()
			assert.Equal(t, tt.wantHistory, cfg.HistoryLimit)
			assert.Equal(t, tt.wantRate, cfg.RateLimitRequests)
			assert.Positive(t, cfg.MaxConcurrent)
			assert.Positive(t, cfg.RateLimitPeriod)
		})
	}
}

func TestDisabledLimits(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{HistoryLimit: -1, RateLimitRequests: -1})
	s := reg.Create()

	for i := 0; i < 150; i++ {
		require.NoError(t, s.Allow(), "call %d", i+1)
	}

	req, err := s.CreateRequest("echo", nil, "")
	require.NoError(t, err)
	s.CompleteRequest(req.ID)
	assert.Empty(t, s.History())
	assert.Equal(t, 1, s.Stats().Completed)

	assert.Equal(t, -1, Disabled(0))
	assert.Equal(t, 5, Disabled(5))
}

func TestHistoryIsBounded(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxConcurrent: 5, HistoryLimit: 3})
	s := reg.Create()

	for i := 0; i < 5; i++ {
		req, err := s.CreateRequest("echo", nil, "")
		require.NoError(t, err)
		s.CompleteRequest(req.ID)
	}

	assert.Len(t, s.History(), 3)
	assert.Equal(t, 5, s.Stats().Completed)
}

func TestCancelRequestFiresContext(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	s := reg.Create()
	sub := reg.Bus().Subscribe(events.ForSession(s.ID()), 0)
	defer sub.Close()

	req, err := s.CreateRequest("sleep", nil, "")
	require.NoError(t, err)

	assert.True(t, s.CancelRequest(req.ID))
	assert.Equal(t, 0, s.ActiveCount())
	select {
	case <-req.Context().Done():
	default:
		t.Fatal("request context not cancelled")
	}
	assert.False(t, s.CancelRequest(req.ID))

	kinds := []events.Kind{}
	for len(kinds) < 2 {
		select {
		case e := <-sub.Events():
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	assert.Equal(t, []events.Kind{events.KindRequestCreated, events.KindRequestCancelled}, kinds)
}

func TestDuplicateRequestID(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	s := reg.Create()

	_, err := s.CreateRequest("echo", nil, "dup")
	require.NoError(t, err)
	_, err = s.CreateRequest("echo", nil, "dup")
	assert.Equal(t, faults.CodeCorrelationFailed, faultCode(t, err))

	_, err = s.CreateRequest("echo", nil, "has space")
	assert.Equal(t, faults.CodeCorrelationFailed, faultCode(t, err))
}

func TestIsIdle(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	s := reg.Create()

	assert.False(t, s.IsIdle())
	clock.Advance(time.Minute)
	assert.True(t, s.IsIdle())

	req, err := s.CreateRequest("sleep", nil, "")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	assert.False(t, s.IsIdle(), "a session with active requests is never idle")

	s.CompleteRequest(req.ID)
	assert.False(t, s.IsIdle(), "completion refreshes activity")
}

func TestTerminate(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	s := reg.Create()

	a, _ := s.CreateRequest("one", nil, "")
	b, _ := s.CreateRequest("two", nil, "")

	s.Terminate()
	assert.Error(t, a.Context().Err())
	assert.Error(t, b.Context().Err())
	assert.Equal(t, 0, s.ActiveCount())

	_, err := s.CreateRequest("three", nil, "")
	assert.Equal(t, faults.CodeInvalidSession, faultCode(t, err))
}

func TestTerminateIfIdle(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	s := reg.Create()

	_, ok := s.terminateIfIdle()
	assert.False(t, ok, "recent activity")

	req, err := s.CreateRequest("sleep", nil, "")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, ok = s.terminateIfIdle()
	assert.False(t, ok, "active request")
	assert.False(t, s.Terminated())

	s.CompleteRequest(req.ID)
	clock.Advance(time.Minute)
	pending, ok := s.terminateIfIdle()
	require.True(t, ok)
	assert.Empty(t, pending)
	assert.True(t, s.Terminated())

	_, err = s.CreateRequest("late", nil, "")
	assert.Equal(t, faults.CodeInvalidSession, faultCode(t, err))

	_, ok = s.terminateIfIdle()
	assert.False(t, ok, "already terminated")
}

func TestRateLimit(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{RateLimitRequests: 2, RateLimitPeriod: time.Minute})
	s := reg.Create()

	require.NoError(t, s.Allow())
	require.NoError(t, s.Allow())
	err := s.Allow()
	require.Error(t, err)
	assert.Equal(t, faults.CodeRateLimited, faultCode(t, err))

	clock.Advance(time.Minute + time.Second)
	assert.NoError(t, s.Allow())
}

func TestCorrelationID(t *testing.T) {
	a := CorrelationID("session-a", "1")
	assert.Len(t, a, 32)
	assert.Equal(t, a, CorrelationID("session-a", "1"))
	assert.NotEqual(t, a, CorrelationID("session-b", "1"))
	assert.NotEqual(t, CorrelationID("ab", "c"), CorrelationID("a", "bc"))
}

func TestValidIDs(t *testing.T) {
	assert.True(t, ValidSessionID(NewSessionID()))
	assert.False(t, ValidSessionID("short"))
	assert.False(t, ValidSessionID("has a space in it"))
	assert.True(t, ValidRequestID("1"))
	assert.False(t, ValidRequestID(""))
}
