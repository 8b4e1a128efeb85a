// Package events provides the lifecycle event bus shared by the sync engine
// components.
package events

import (
	"slices"
	"sync"
	"time"
)

// Event names emitted by the engine.
const (
	Connected      = "connected"
	NotConnected   = "not-connected"
	WireBusy       = "wire-busy"
	WireDone       = "wire-done"
	NetworkOffline = "network-offline"
	NetworkOnline  = "network-online"
	Ready          = "ready"
	FeaturesLoaded = "features-loaded"
	Error          = "error"
	Conflict       = "conflict"
	SyncDone       = "sync-done"
)

// Event is a single lifecycle notification. Only the fields relevant to the
// event name are set.
type Event struct {
	Name      string `json:"name"`
	Method    string `json:"method,omitempty"`
	IsFolder  bool   `json:"isFolder,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Path      string `json:"path,omitempty"`
	Err       error  `json:"-"`
	Timestamp int64  `json:"timestamp"`
}

// Handler receives events registered with On.
type Handler func(Event)

// Subscription identifies a handler registered with On.
type Subscription struct {
	name string
	id   uint64
}

// Emitter dispatches events to handlers registered by name and to channel
// subscribers. The zero value is not usable; call New.
type Emitter struct {
	mu          sync.RWMutex
	nextID      uint64
	handlers    map[string]map[uint64]Handler
	subscribers map[chan Event]struct{}
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{
		handlers:    make(map[string]map[uint64]Handler),
		subscribers: make(map[chan Event]struct{}),
	}
}

// On registers h for events named name.
func (e *Emitter) On(name string, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	if e.handlers[name] == nil {
		e.handlers[name] = make(map[uint64]Handler)
	}
	e.handlers[name][e.nextID] = h
	return Subscription{name: name, id: e.nextID}
}

// Off removes a handler registered with On. Removing twice is a no-op.
func (e *Emitter) Off(s Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers[s.name], s.id)
}

// Emit delivers ev to every handler registered for ev.Name, in registration
// order, and to every channel subscriber. Handlers run on the caller's
// goroutine without the emitter lock held, so they may call On/Off/Emit.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	e.mu.RLock()
	hs := e.handlers[ev.Name]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, hs[id])
	}
	for ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop event for slow consumer
		}
	}
	e.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}

// Subscribe adds a channel subscriber receiving every event.
// The caller must call Unsubscribe when done.
func (e *Emitter) Subscribe() chan Event {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	delete(e.subscribers, ch)
	close(ch)
	e.mu.Unlock()
}
