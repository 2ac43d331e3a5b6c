// Package dispatch routes normalized transport envelopes to subscribers
// without them knowing which channel produced the event.
package dispatch

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/tasks"
)

type Handler func(tasks.Envelope)

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[tasks.EventType]map[int]Handler
	nextID   int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[tasks.EventType]map[int]Handler),
	}
}

// Subscribe registers handler under eventType and returns its unsubscribe
// func. The reserved wildcard tasks.EventAny receives every envelope.
func (d *Dispatcher) Subscribe(eventType tasks.EventType, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.handlers[eventType]; !ok {
		d.handlers[eventType] = make(map[int]Handler)
	}
	d.handlers[eventType][id] = handler
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.handlers[eventType]
		if subs == nil {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(d.handlers, eventType)
		}
	}
}

// SubscribeToTask delivers every envelope whose task_id matches taskID.
// Implemented as a filtered wildcard subscription, not a separate delivery
// path, so one inbound envelope reaches a typed subscriber and a task
// subscriber exactly once each.
func (d *Dispatcher) SubscribeToTask(taskID string, handler Handler) func() {
	if handler == nil || taskID == "" {
		return func() {}
	}
	return d.Subscribe(tasks.EventAny, func(env tasks.Envelope) {
		if env.TaskID == taskID {
			handler(env)
		}
	})
}

// Dispatch fans the envelope out to typed and wildcard subscribers. Order
// across subscribers is unspecified; a panicking handler never takes down
// the dispatch loop or its siblings.
func (d *Dispatcher) Dispatch(env tasks.Envelope) {
	d.mu.RLock()
	targets := make([]Handler, 0, 8)
	for _, h := range d.handlers[env.Type] {
		targets = append(targets, h)
	}
	if env.Type != tasks.EventAny {
		for _, h := range d.handlers[tasks.EventAny] {
			targets = append(targets, h)
		}
	}
	d.mu.RUnlock()

	for _, h := range targets {
		call(h, env)
	}
}

// Reset drops every registered subscription. Used by the connection manager
// on intentional disconnect.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[tasks.EventType]map[int]Handler)
}

func call(h Handler, env tasks.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event_type": env.Type,
				"task_id":    env.TaskID,
				"panic":      r,
			}).Error("event handler panicked")
		}
	}()
	h(env)
}
