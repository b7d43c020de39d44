// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events distributes request lifecycle events to in-process
// observers (the WebSocket hub, the SSE streamer, tests). Delivery is
// best-effort: a full queue drops events rather than blocking the
// publisher.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeSubmitted   Type = "submitted"
	TypeStarted     Type = "started"
	TypeCompleted   Type = "completed"
	TypeFailed      Type = "failed"
	TypeCancelled   Type = "cancelled"
	TypeRetrying    Type = "retrying"
	TypeFallback    Type = "fallback"
	TypeStreamChunk Type = "stream_chunk"

	// typeAny subscribes to every event type.
	typeAny Type = "*"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Type        Type
	Callback    func(*Event)
	Filter      func(*Event) bool
	Unsubscribe func()
}

// Bus manages event distribution to subscribers.
type Bus struct {
	subscribers  map[Type][]*Subscription
	mu           sync.RWMutex
	queue        chan *Event
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
	nextID       uint64
}

// NewBus creates a bus and starts its async processor.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Type][]*Subscription),
		queue:       make(chan *Event, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}
	go b.processQueue()
	return b
}

// Subscribe registers a callback for a specific event type.
func (b *Bus) Subscribe(t Type, callback func(*Event)) *Subscription {
	return b.SubscribeWithFilter(t, callback, nil)
}

// SubscribeAll registers a callback for every event type.
func (b *Bus) SubscribeAll(callback func(*Event)) *Subscription {
	return b.SubscribeWithFilter(typeAny, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *Bus) SubscribeWithFilter(t Type, callback func(*Event), filter func(*Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ID:       fmt.Sprintf("sub-%d", b.nextID),
		Type:     t,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[t] = append(b.subscribers[t], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Type]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Type] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to matching subscribers synchronously.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	subs := b.subscribers[e.Type]
	all := b.subscribers[typeAny]
	// Copy to avoid holding the lock during callbacks
	active := make([]*Subscription, 0, len(subs)+len(all))
	active = append(active, subs...)
	active = append(active, all...)
	b.mu.RUnlock()

	for _, sub := range active {
		if sub.Filter == nil || sub.Filter(e) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("Panic in event subscriber for %s: %v", e.Type, r)
					}
				}()
				sub.Callback(e)
			}()
		}
	}
}

// PublishAsync queues an event for asynchronous delivery. Events are
// dropped when the queue is full or the bus is shut down.
func (b *Bus) PublishAsync(e *Event) {
	b.mu.RLock()
	isShutdown := b.shutdown
	b.mu.RUnlock()

	if isShutdown {
		return
	}

	select {
	case <-b.ctx.Done():
		return
	case b.queue <- e:
	default:
		log.Warnf("Event queue full, dropping event: %s", e.Type)
	}
}

// Emit builds and asynchronously publishes an event stamped with the
// current time.
func (b *Bus) Emit(t Type, requestID, provider string, data map[string]any) {
	b.PublishAsync(&Event{
		Type:      t,
		RequestID: requestID,
		Provider:  provider,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case e, ok := <-b.queue:
			if !ok {
				return
			}
			if e != nil {
				b.Publish(e)
			}
		}
	}
}

// Shutdown stops the bus. Safe to call more than once.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		close(b.queue)
	})
}
