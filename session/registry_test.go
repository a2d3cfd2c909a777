/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PivotLLM/Conduit/events"
)

func TestRegistryLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})

	a := reg.Create()
	b := reg.Create()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, reg.Count())

	got, ok := reg.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, reg.Delete(a.ID()))
	assert.False(t, reg.Delete(a.ID()))
	assert.True(t, a.Terminated())

	_, ok = reg.Get(a.ID())
	assert.False(t, ok)
}

func TestCreateWithOverride(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxConcurrent: 10})
	s := reg.Create(Config{MaxConcurrent: 1})
	assert.Equal(t, 1, s.Config().MaxConcurrent)
}

func TestGetByRequest(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a := reg.Create()
	b := reg.Create()

	_, err := a.CreateRequest("echo", nil, "in-a")
	require.NoError(t, err)
	_, err = b.CreateRequest("echo", nil, "in-b")
	require.NoError(t, err)

	owner, ok := reg.GetByRequest("in-b")
	require.True(t, ok)
	assert.Equal(t, b.ID(), owner.ID())

	_, ok = reg.GetByRequest("missing")
	assert.False(t, ok)
}

func TestSweepIdle(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{IdleTimeout: 10 * time.Minute})

	idle := reg.Create()
	busy := reg.Create()
	_, err := busy.CreateRequest("sleep", nil, "")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 0, reg.SweepIdle())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, reg.SweepIdle())

	_, ok := reg.Get(idle.ID())
	assert.False(t, ok)
	assert.True(t, idle.Terminated())

	_, ok = reg.Get(busy.ID())
	assert.True(t, ok)
}

func TestSweepSkipsSessionTouchedAfterCheck(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	s := reg.Create()
	clock.Advance(time.Minute)
	require.True(t, s.IsIdle())

	// a request arriving between the idle check and the sweep keeps it alive
	_, err := s.CreateRequest("sleep", nil, "")
	require.NoError(t, err)

	expired, err := reg.sweepOne(s)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.False(t, s.Terminated())
	_, ok := reg.Get(s.ID())
	assert.True(t, ok)
}

func TestSweepPublishesCleanup(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	s := reg.Create()
	sub := reg.Bus().Subscribe(events.ForSession(s.ID()), 0)
	defer sub.Close()

	clock.Advance(time.Minute)
	assert.Equal(t, 1, reg.SweepIdle())

	select {
	case e := <-sub.Events():
		assert.Equal(t, events.KindCleanup, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("no cleanup event")
	}
}

func TestStats(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a := reg.Create()
	reg.Create()
	_, _ = a.CreateRequest("echo", nil, "")
	_, _ = a.CreateRequest("echo", nil, "")

	assert.Equal(t, RegistryStats{Sessions: 2, ActiveRequests: 2}, reg.Stats())
}

func TestStartStopSweepLoop(t *testing.T) {
	reg := NewRegistry(WithSweepInterval(5*time.Millisecond), WithDefaults(Config{IdleTimeout: time.Millisecond}))
	s := reg.Create()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(s.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)

	reg.Stop()
	reg.Stop()
}

func TestShutdownTerminatesAll(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a := reg.Create()
	req, _ := a.CreateRequest("sleep", nil, "")

	reg.Shutdown()
	assert.Equal(t, 0, reg.Count())
	assert.Error(t, req.Context().Err())
}
