package uspacy

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives decoded channel events. Handlers run on the
// session's receive goroutine and must not block for long.
type Handler interface {
	HandleEvent(event string, payload json.RawMessage)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(event string, payload json.RawMessage)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(event string, payload json.RawMessage) {
	f(event, payload)
}

// Router fans channel events out to subscribed handlers. Subscriptions
// may come and go while the session is live.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewRouter returns a Router with no subscribers.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler for all events and returns a function
// that removes it again. The returned function is safe to call more
// than once.
func (r *Router) Subscribe(h Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// Dispatch delivers an event to every current subscriber. A handler
// panic is logged and does not reach the session's receive loop or the
// remaining subscribers.
func (r *Router) Dispatch(event string, payload json.RawMessage) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("event with no subscribers", slog.String("event", event))
		return
	}

	for _, h := range handlers {
		r.deliver(event, payload, h)
	}
}

// deliver invokes one handler, converting a panic into a log entry.
func (r *Router) deliver(event string, payload json.RawMessage, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				slog.String("event", event),
				slog.Any("panic", rec),
			)
		}
	}()

	h.HandleEvent(event, payload)
}
