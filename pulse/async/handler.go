package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/leadpulse/errors"
)

// ErrNonRetryable marks a handler error that retrying cannot fix.
var ErrNonRetryable = errors.New("non-retryable")

// NonRetryable marks err so the job fails permanently on its first attempt.
func NonRetryable(err error) error {
	return errors.Mark(err, ErrNonRetryable)
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrNonRetryable)
}

// JobHandler executes one payload type.
//
// Handlers decode their own payload from job.Payload; the processor never
// looks inside it. A handler is not interrupted once started, but should
// honour ctx for its own blocking calls.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error

	// PayloadType returns the payload type this handler runs, e.g. "lead.rescore".
	PayloadType() string
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, job *Job) error
}

func (h HandlerFunc) Execute(ctx context.Context, job *Job) error { return h.Fn(ctx, job) }
func (h HandlerFunc) PayloadType() string                         { return h.Type }

// HandlerRegistry manages job handlers by payload type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler under its payload type.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payloadType := handler.PayloadType()
	if _, exists := r.handlers[payloadType]; exists {
		panic(fmt.Sprintf("handler already registered for payload type: %s", payloadType))
	}
	r.handlers[payloadType] = handler
}

// Get retrieves the handler for a payload type, or nil.
func (r *HandlerRegistry) Get(payloadType string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[payloadType]
}

// Has checks if a handler is registered for a payload type.
func (r *HandlerRegistry) Has(payloadType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[payloadType]
	return exists
}

// PayloadTypes returns all registered payload types, sorted.
func (r *HandlerRegistry) PayloadTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
