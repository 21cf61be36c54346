// Package bus is the cross-boundary transport primitive: named events with
// JSON payloads, sent fire-and-forget between two endpoints. Handlers on an
// endpoint run one at a time, so component state mutated from handlers needs
// no further serialization.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const inboxSize = 256

// Message is the wire envelope.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one inbound event payload.
type Handler func(payload json.RawMessage)

// Endpoint is one side of a boundary.
type Endpoint interface {
	// Send emits an event toward the peer. Fire-and-forget: delivery is
	// not acknowledged and a full peer inbox drops the message.
	Send(event string, payload any) error

	// Subscribe registers a handler for an event name and returns an
	// unregister func. Multiple handlers per event are allowed.
	Subscribe(event string, h Handler) func()

	Close() error
}

type handlerEntry struct {
	id int64
	fn Handler
}

// handlerSet is the shared subscribe/dispatch half of every endpoint kind.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int64
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]handlerEntry)}
}

func (s *handlerSet) subscribe(event string, h Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.handlers[event]
		for i, e := range entries {
			if e.id == id {
				s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (s *handlerSet) dispatch(msg Message) {
	s.mu.RLock()
	entries := make([]handlerEntry, len(s.handlers[msg.Event]))
	copy(entries, s.handlers[msg.Event])
	s.mu.RUnlock()
	for _, e := range entries {
		e.fn(msg.Payload)
	}
}

// localEndpoint delivers messages in-process to its peer's dispatch loop.
type localEndpoint struct {
	*handlerSet
	peer      *localEndpoint
	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalPair returns two connected in-process endpoints. Each endpoint
// dispatches inbound events from a single goroutine, preserving send order.
func NewLocalPair() (Endpoint, Endpoint) {
	a := &localEndpoint{handlerSet: newHandlerSet(), inbox: make(chan Message, inboxSize), done: make(chan struct{})}
	b := &localEndpoint{handlerSet: newHandlerSet(), inbox: make(chan Message, inboxSize), done: make(chan struct{})}
	a.peer, b.peer = b, a
	a.wg.Add(1)
	b.wg.Add(1)
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func (e *localEndpoint) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", event, err)
	}
	msg := Message{Event: event, Payload: data}

	// The inbox stays writable after close because it is buffered, so the
	// closed check must come first or the send case can win the select.
	select {
	case <-e.peer.done:
		return fmt.Errorf("bus: endpoint closed")
	default:
	}
	select {
	case e.peer.inbox <- msg:
		return nil
	default:
		slog.Warn("bus: peer inbox full, dropping event", "event", event)
		return fmt.Errorf("bus: inbox full")
	}
}

func (e *localEndpoint) Subscribe(event string, h Handler) func() {
	return e.subscribe(event, h)
}

func (e *localEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return nil
}

func (e *localEndpoint) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.inbox:
			e.dispatch(msg)
		case <-e.done:
			return
		}
	}
}
