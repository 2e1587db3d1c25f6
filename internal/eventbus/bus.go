// Package eventbus implements the per-Downloader Event Bus: a single
// asynchronous fan-out to at most one local callback and at most one
// remote peer, with a bounded ring buffer and update-event-first-drop
// backpressure, grounded on the teacher's dedicated saveStateChan
// consumer goroutine in internal/engine/engine.go.
package eventbus

import (
	"sync"

	"github.com/tthsd/tthsd/internal/common"
)

const ringCapacity = 1024

// Callback is the local subscriber signature: both arguments are the
// event's metadata and data encoded as JSON, mirroring the native
// callback contract of the library entry points.
type Callback func(eventJSON, dataJSON string)

// RemoteSink delivers one already-marshaled event to an out-of-process
// peer. Implementations (websocket, tcp) live in remote.go.
type RemoteSink interface {
	Send(ev common.Event) error
	Close() error
}

// Bus owns one ring buffer and one dispatch goroutine per Downloader.
type Bus struct {
	name     string
	showName string
	id       string

	local  Callback
	remote RemoteSink

	mu      sync.Mutex
	ring    []common.Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	drained chan struct{}
}

// New starts the dispatch goroutine immediately; Publish is safe to call
// as soon as New returns.
func New(name, showName, id string, local Callback, remote RemoteSink) *Bus {
	b := &Bus{
		name:     name,
		showName: showName,
		id:       id,
		local:    local,
		remote:   remote,
		ring:     make([]common.Event, 0, ringCapacity),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}

	go b.loop()

	return b
}

// Publish enqueues an event for asynchronous delivery. Lifecycle events
// (start/startOne/endOne/end/err/msg) are never dropped; update events are
// dropped (oldest first) once the ring is full.
func (b *Bus) Publish(ev common.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	if len(b.ring) >= ringCapacity && !b.evictOldestUpdate() {
		if ev.Meta.Type == common.EventUpdate {
			b.mu.Unlock()
			return
		}
		// Ring is saturated with lifecycle events only; this should not
		// happen given the bus's own event volume, but drop the oldest
		// entry outright rather than grow unbounded.
		b.ring = b.ring[1:]
	}

	b.ring = append(b.ring, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// evictOldestUpdate drops the oldest update event in the ring to make room
// for a newer event, and reports whether there was one to drop. Caller
// holds b.mu.
func (b *Bus) evictOldestUpdate() bool {
	for i, e := range b.ring {
		if e.Meta.Type == common.EventUpdate {
			b.ring = append(b.ring[:i], b.ring[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) loop() {
	defer close(b.drained)

	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.ring) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.ring[0]
		b.ring = b.ring[1:]
		b.mu.Unlock()

		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev common.Event) {
	if b.local != nil {
		metaJSON, _ := jsonMarshal(ev.Meta)
		dataJSON, _ := jsonMarshal(ev.Data)
		// Delivery runs on this dedicated bus goroutine, never on the
		// calling or worker goroutine, so a slow callback never blocks a
		// download.
		b.local(metaJSON, dataJSON)
	}

	if b.remote != nil {
		if err := b.remote.Send(ev); err != nil {
			// Connection failures are logged by the RemoteSink
			// implementation itself (it owns the retry/backoff loop) and
			// never propagate here: they must never abort the download.
			_ = err
		}
	}
}

// Close stops the dispatch goroutine after draining whatever is queued,
// and closes the remote sink if one is attached.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	<-b.drained

	if b.remote != nil {
		b.remote.Close()
	}
}
