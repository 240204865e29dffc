package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one inbound event.
type Handler func(ctx context.Context, env *Envelope) error

// StatusEmitter sends an outbound message on the control channel.
// Implementations must tolerate a disconnected channel.
type StatusEmitter interface {
	Emit(ctx context.Context, msg any) error
}

// Router dispatches inbound events to registered handlers by event
// type. Unknown event types are logged and dropped.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to an event type.
func (r *Router) Register(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// Dispatch routes one inbound event. Handler errors are logged, not
// propagated; a bad event must not take the control channel down.
func (r *Router) Dispatch(ctx context.Context, env *Envelope) {
	kind := env.Kind()

	r.mu.RLock()
	handler, ok := r.handlers[kind]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("No handler for event", "event_type", kind)
		return
	}

	if err := handler(ctx, env); err != nil {
		r.logger.Error("Event handler failed",
			"event_type", kind,
			"correlation_id", env.CorrelationID,
			"error", err)
	}
}
