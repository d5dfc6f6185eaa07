// Package stream fans monitor messages out to live subscribers.
package stream

import (
	"fmt"
	"log"
	"sync"

	"guardsuite/internal/guardsuite"
)

// Message kinds.
const (
	TypeMonitoringStatus = "monitoring_status"
	TypeSecurityEvent    = "security_event"
	TypeHighRiskAlert    = "high_risk_alert"
)

// Message is the tagged envelope pushed to subscribers.
type Message struct {
	Data any    `json:"data"`
	Type string `json:"type"`
}

// StatusMessage wraps a monitoring status snapshot.
func StatusMessage(status guardsuite.MonitoringStatus) Message {
	return Message{Type: TypeMonitoringStatus, Data: status}
}

// EventMessage wraps a security event.
func EventMessage(event guardsuite.SecurityEvent) Message {
	return Message{Type: TypeSecurityEvent, Data: event}
}

// AlertMessage wraps a high severity event.
func AlertMessage(event guardsuite.SecurityEvent) Message {
	return Message{Type: TypeHighRiskAlert, Data: event}
}

// Subscriber is a live connection. Send must not block; a slow or closed
// subscriber returns an error and is pruned.
type Subscriber interface {
	ID() string
	Send(msg Message) error
	Done() <-chan struct{}
}

// Hub is a registry of subscribers with best-effort broadcast.
type Hub struct {
	subs map[string]Subscriber
	mu   sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]Subscriber)}
}

// Add registers sub and deregisters it once its Done channel closes.
func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	h.subs[sub.ID()] = sub
	h.mu.Unlock()

	go func() {
		<-sub.Done()
		h.remove(sub)
	}()
}

// AddWithGreeting delivers greeting to sub before registering it, so no
// broadcast can reach sub ahead of the greeting. On failure sub is closed
// and never registered.
func (h *Hub) AddWithGreeting(sub Subscriber, greeting Message) error {
	if err := sub.Send(greeting); err != nil {
		closeSubscriber(sub)
		return fmt.Errorf("%w: %s: %w", guardsuite.ErrTransport, sub.ID(), err)
	}
	h.Add(sub)
	return nil
}

// Remove deregisters the subscriber with id. Unknown ids are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// remove deletes sub only if it is still the registered instance for its id.
func (h *Hub) remove(sub Subscriber) {
	h.mu.Lock()
	if cur, ok := h.subs[sub.ID()]; ok && cur == sub {
		delete(h.subs, sub.ID())
	}
	h.mu.Unlock()
}

// prune removes sub and closes it so its stream ends and the client reconnects.
func (h *Hub) prune(sub Subscriber) {
	h.remove(sub)
	closeSubscriber(sub)
}

func closeSubscriber(sub Subscriber) {
	if c, ok := sub.(interface{ Close() }); ok {
		c.Close()
	}
}

// Send delivers msg to one subscriber, pruning it on failure.
func (h *Hub) Send(id string, msg Message) error {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: subscriber %s not found", guardsuite.ErrTransport, id)
	}
	if err := sub.Send(msg); err != nil {
		h.prune(sub)
		return fmt.Errorf("%w: %s: %w", guardsuite.ErrTransport, id, err)
	}
	return nil
}

// Broadcast delivers msg to every subscriber. Failing subscribers are
// pruned; the rest are unaffected. Returns the number of deliveries.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if err := sub.Send(msg); err != nil {
			log.Printf("[WARN] Dropping subscriber %s after failed %s delivery: %v", sub.ID(), msg.Type, err)
			h.prune(sub)
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll deregisters every subscriber, closing those that support it.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		closeSubscriber(sub)
	}
}
