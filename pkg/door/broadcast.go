// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package door

import "sync"

// Broadcaster fans door status snapshots out to subscribers. Publish drops
// duplicate snapshots so subscribers only see changes, and never blocks: a
// subscriber whose channel is full misses the update and catches up on the
// next change.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Status]struct{}
	last *Status
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Status]struct{})}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns the channel plus a cancel function. If a status has already been
// published the current value is delivered immediately.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Status, func()) {
	ch := make(chan Status, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.last != nil {
		select {
		case ch <- *b.last:
		default:
		}
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers s to all subscribers if it differs from the last
// published snapshot. It reports whether the snapshot was emitted.
func (b *Broadcaster) Publish(s Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last != nil && *b.last == s {
		return false
	}
	b.last = &s

	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return true
}

// Last returns the most recently published snapshot, if any.
func (b *Broadcaster) Last() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Status{}, false
	}
	return *b.last, true
}
