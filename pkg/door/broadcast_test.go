// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package door

import (
	"testing"
	"time"
)

func TestBroadcasterEmitsOnlyChanges(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	open := Status{State: StateOpen, PositionMM: 1000, PositionPercent: 100}
	if !b.Publish(open) {
		t.Error("first publish should emit")
	}
	if b.Publish(open) {
		t.Error("identical snapshot should not emit")
	}
	closed := Status{State: StateClosed}
	if !b.Publish(closed) {
		t.Error("changed snapshot should emit")
	}

	if got := <-ch; got != open {
		t.Errorf("first delivery = %+v, want %+v", got, open)
	}
	if got := <-ch; got != closed {
		t.Errorf("second delivery = %+v, want %+v", got, closed)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected extra delivery %+v", got)
	default:
	}
}

func TestBroadcasterDeliversCurrentOnSubscribe(t *testing.T) {
	b := NewBroadcaster()
	s := Status{State: StateIntermediate, PositionMM: 500, PositionPercent: 50}
	b.Publish(s)

	ch, cancel := b.Subscribe(1)
	defer cancel()

	select {
	case got := <-ch:
		if got != s {
			t.Errorf("got %+v, want %+v", got, s)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered on subscribe")
	}
}

func TestBroadcasterUnbufferedSubscribeDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Status{State: StateClosed})

	done := make(chan struct{})
	go func() {
		_, cancel := b.Subscribe(0)
		cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe(0) blocked on the initial snapshot")
	}
	if !b.Publish(Status{State: StateOpen}) {
		t.Error("broadcaster should still accept publishes")
	}
}

func TestBroadcasterDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Status{State: StatePending})
	b.Publish(Status{State: StateHoming})
	b.Publish(Status{State: StateClosed})

	// Buffer of one: only the first snapshot fit.
	if got := <-ch; got.State != StatePending {
		t.Errorf("got %v, want %v", got.State, StatePending)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected delivery %+v", got)
	default:
	}

	if last, ok := b.Last(); !ok || last.State != StateClosed {
		t.Errorf("Last() = %+v %v, want closed snapshot", last, ok)
	}
}

func TestBroadcasterCancelIsIdempotent(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	b.Publish(Status{State: StateClosed})
	if _, ok := <-ch; ok {
		t.Error("cancelled channel should be closed")
	}
}
