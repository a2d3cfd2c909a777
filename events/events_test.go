/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSessionIsolation(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(ForSession("a"), 0)
	defer a.Close()
	b := bus.Subscribe(ForSession("b"), 0)
	defer b.Close()

	bus.Publish(Event{Kind: KindProgress, SessionID: "a", Data: "for a"})
	bus.Publish(Event{Kind: KindProgress, SessionID: "b", Data: "for b"})

	assert.Equal(t, "for a", receive(t, a).Data)
	assert.Equal(t, "for b", receive(t, b).Data)

	select {
	case e := <-a.Events():
		t.Fatalf("session a received foreign event %+v", e)
	default:
	}
}

func TestOrderAndSequence(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(ForCorrelation("c1"), 0)
	defer s.Close()

	kinds := []Kind{KindStarted, KindProgress, KindProgress, KindComplete}
	for _, k := range kinds {
		bus.Publish(Event{Kind: k, CorrelationID: "c1"})
	}

	var last uint64
	for _, want := range kinds {
		e := receive(t, s)
		assert.Equal(t, want, e.Kind)
		assert.Greater(t, e.Seq, last)
		assert.False(t, e.Time.IsZero())
		last = e.Seq
	}
}

func TestExecutionOnlyDropsLifecycle(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(ExecutionOnly(ForSession("a")), 0)
	defer s.Close()

	bus.Publish(Event{Kind: KindRequestCreated, SessionID: "a"})
	bus.Publish(Event{Kind: KindStarted, SessionID: "a"})

	assert.Equal(t, KindStarted, receive(t, s).Kind)
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(nil, 0)
	require.Equal(t, 1, bus.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, bus.Subscribers())

	// publishing after close must not block
	bus.Publish(Event{Kind: KindProgress})
}

func TestFullSubscriberIsClosedAsLagged(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(nil, 1)
	defer slow.Close()
	fast := bus.Subscribe(nil, 4)
	defer fast.Close()

	start := time.Now()
	bus.Publish(Event{Kind: KindProgress, Data: "one"})
	bus.Publish(Event{Kind: KindComplete, Data: "two"})
	assert.Less(t, time.Since(start), 500*time.Millisecond, "publish must not wait on a full subscriber")

	select {
	case <-slow.Done():
	default:
		t.Fatal("lagging subscription still open")
	}
	assert.True(t, slow.Lagged())
	assert.Equal(t, "one", receive(t, slow).Data, "buffered events stay readable")
	assert.Equal(t, 1, bus.Subscribers())

	assert.False(t, fast.Lagged())
	assert.Equal(t, "one", receive(t, fast).Data)
	assert.Equal(t, KindComplete, receive(t, fast).Kind)
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, KindComplete.Terminal())
	assert.True(t, KindError.Terminal())
	assert.False(t, KindProgress.Terminal())
	assert.True(t, KindCleanup.Lifecycle())
	assert.False(t, KindStarted.Lifecycle())
}
