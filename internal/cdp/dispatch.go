package cdp

import "sync"

// Handler receives one event.
type Handler func(Event)

// handlerKey scopes handlers to a session. The empty session is the
// browser itself.
type handlerKey struct {
	session string
	method  string
}

// handlerRegistry maps (session, method) to handlers in registration order.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[handlerKey][]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[handlerKey][]Handler)}
}

func (r *handlerRegistry) add(session, method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := handlerKey{session: session, method: method}
	r.handlers[key] = append(r.handlers[key], h)
}

// get returns a snapshot so handlers may register more handlers.
func (r *handlerRegistry) get(session, method string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[handlerKey{session: session, method: method}]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (r *handlerRegistry) removeSession(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.handlers {
		if key.session == session {
			delete(r.handlers, key)
		}
	}
}

// eventQueue is an unbounded FIFO between the reader and the dispatcher.
// The reader never blocks on a slow handler.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued, oldest first.
func (q *eventQueue) take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
