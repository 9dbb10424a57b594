// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package hub fans link events out to any number of subscribers and holds
// the pending interval command for the link manager.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/orientation_bridge/internal/link"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// DefaultCapacity is the queue size used when New is given a non-positive one.
const DefaultCapacity = 100

// ErrInvalidCommand is returned by SubmitCommand for out of range intervals.
var ErrInvalidCommand = errors.New("hub: invalid command")

// Hub is safe for concurrent use. Publishing never blocks: a subscriber
// whose queue is full misses the event.
type Hub struct {
	capacity int

	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool

	// last known state, replayed to new subscribers
	stateMu   sync.RWMutex
	status    link.Status
	frame     orientation.Frame
	haveFrame bool

	cmdMu   sync.Mutex
	pending *link.IntervalCommand
}

func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity:    capacity,
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe registers a new queue. The current status and, once one
// exists, the last orientation are already queued when it returns.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, h.capacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	status, frame, ok := h.Snapshot()
	ch <- StatusEvent(status)
	if ok {
		select {
		case ch <- RotationEvent(frame):
		default: // capacity 1
		}
	}

	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	log.Debugf("hub: subscriber %s added (%d total)", id, len(h.subscribers))
	return id, ch
}

// Unsubscribe removes and closes the queue. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
		log.Debugf("hub: subscriber %s removed (%d left)", id, len(h.subscribers))
	}
}

// Publish records status and orientation events as the latest known state
// and offers the event to every queue.
func (h *Hub) Publish(e Event) {
	h.stateMu.Lock()
	switch e.Type {
	case EventStatus:
		h.status = e.Status
	case EventRotation:
		h.frame = e.Frame
		h.haveFrame = true
	}
	h.stateMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			log.Tracef("hub: queue full, dropping %s for %s", e.Type, id)
		}
	}
}

// PublishStatus implements link.Sink.
func (h *Hub) PublishStatus(s link.Status) { h.Publish(StatusEvent(s)) }

// PublishOrientation implements link.Sink.
func (h *Hub) PublishOrientation(f orientation.Frame) { h.Publish(RotationEvent(f)) }

// SendTo offers e to a single subscriber. It reports false if the id is
// unknown or its queue is full.
func (h *Hub) SendTo(id string, e Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subscribers[id]
	if !ok {
		return false
	}
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

// SubmitCommand stores cmd as the pending command, replacing any earlier
// one that was not taken yet.
func (h *Hub) SubmitCommand(cmd link.IntervalCommand) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	h.pending = &cmd
	return nil
}

// TakeCommand implements link.CommandSource.
func (h *Hub) TakeCommand() (link.IntervalCommand, bool) {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	if h.pending == nil {
		return link.IntervalCommand{}, false
	}
	cmd := *h.pending
	h.pending = nil
	return cmd, true
}

// Snapshot returns the last status and, if ok, the last orientation.
func (h *Hub) Snapshot() (status link.Status, frame orientation.Frame, ok bool) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.status, h.frame, h.haveFrame
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every queue. Later subscribers get a closed queue holding
// only the snapshot.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}
