// Package signal turns process termination signals into a cooperative stop
// request for the running flow.
package signal

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
)

// ErrUnsupported is returned by OnTerminate on platforms without a
// termination-signal facility.
var ErrUnsupported = errors.New("termination signals are not supported on this platform")

// Controller dispatches the first termination signal to registered handlers.
// Handlers run once, in registration order, on the controller's goroutine.
// They should only flip a stop flag; nothing is interrupted.
type Controller struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	handlers  []func()
	fired     bool
	closed    bool
	ch        chan os.Signal
	done      chan struct{}
	startOnce sync.Once
}

// NewController creates a controller. Signal delivery starts with the first
// OnTerminate call. logger may be nil.
func NewController(logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{
		logger: logger,
		ch:     make(chan os.Signal, 2),
		done:   make(chan struct{}),
	}
}

// Supported reports whether this platform delivers termination signals.
func (c *Controller) Supported() bool {
	return supported
}

// OnTerminate registers handler to run on the first termination signal.
// Returns ErrUnsupported where Supported is false.
func (c *Controller) OnTerminate(handler func()) error {
	if !supported {
		return ErrUnsupported
	}
	if handler == nil {
		return errors.NewInvalidRequestError("nil termination handler")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signal controller is closed")
	}
	if c.fired {
		// signal already arrived, honour it immediately
		c.mu.Unlock()
		handler()
		return nil
	}
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()

	c.startOnce.Do(func() {
		notify(c.ch)
		go c.loop()
	})
	return nil
}

// Context returns a context cancelled on the first termination signal or
// when parent is done. On unsupported platforms it only follows parent.
func (c *Controller) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if err := c.OnTerminate(cancel); err != nil && !errors.Is(err, ErrUnsupported) {
		c.logger.Warnw("Could not attach termination handler", "error", err)
	}
	return ctx, cancel
}

// Close stops signal delivery. Registered handlers that have not fired are
// dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	stop(c.ch)
	close(c.done)
}

func (c *Controller) loop() {
	for {
		select {
		case sig := <-c.ch:
			c.deliver(sig)
		case <-c.done:
			return
		}
	}
}

// deliver runs handlers for the first signal and logs the rest.
func (c *Controller) deliver(sig os.Signal) {
	c.mu.Lock()
	if c.fired || c.closed {
		c.mu.Unlock()
		c.logger.Infow("Termination already requested, ignoring signal", "signal", sig.String())
		return
	}
	c.fired = true
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	c.logger.Infow("Received termination signal, stopping after current item", "signal", sig.String())
	for _, h := range handlers {
		h()
	}
}
