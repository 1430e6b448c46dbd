// Package signalctl wires SIGINT/SIGTERM into a shared shutdown flag
// with an escalating-to-abrupt-teardown policy, following the
// signal.Notify pattern every supervisor-style entrypoint in this
// codebase uses, generalized with a retry counter instead of a single
// fire-and-forget channel receive.
package signalctl

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ska-telescope/sec/internal/logger"
	"go.uber.org/zap"
)

// ErrTerminateRequested is the sentinel a cancelled Context reports
// via ctx.Err() once the escalation threshold has been reached. Go has
// no asynchronous exceptions, so this is the mechanism by which a
// blocking call "notices" termination: it must select on ctx.Done()
// and compare ctx.Err() against this sentinel.
var ErrTerminateRequested = errors.New("terminate requested")

// terminateRequestedCtx wraps context.Canceled's Err() with
// ErrTerminateRequested once escalation fires.
type terminateRequestedCtx struct {
	context.Context
}

func (c terminateRequestedCtx) Err() error {
	if c.Context.Err() == nil {
		return nil
	}
	return ErrTerminateRequested
}

// Controller tracks repeated SIGINT/SIGTERM delivery and escalates
// from "please shut down" to "tear down now" after MaxRetries
// signals, matching the default N=3 escalation policy.
type Controller struct {
	mu         sync.Mutex
	maxRetries int
	count      int
	requested  bool

	ctx        context.Context
	cancel     context.CancelFunc
	forceCtx   context.Context
	forceOnce  sync.Once
	forceStop  context.CancelFunc
	sigCh      chan os.Signal
	stopListen chan struct{}
	log        *logger.Logger
}

// New builds a Controller. maxRetries <= 0 defaults to 3.
func New(maxRetries int, log *logger.Logger) *Controller {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	forceCtx, forceStop := context.WithCancel(context.Background())
	return &Controller{
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
		forceCtx:   terminateRequestedCtx{forceCtx},
		forceStop:  forceStop,
		sigCh:      make(chan os.Signal, 1),
		stopListen: make(chan struct{}),
		log:        log.WithFields(zap.String("component", "signalctl")),
	}
}

// Start begins listening for SIGINT/SIGTERM in the background.
func (c *Controller) Start() {
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.listen()
}

// Stop stops listening for signals and releases the underlying channel.
func (c *Controller) Stop() {
	signal.Stop(c.sigCh)
	close(c.stopListen)
}

func (c *Controller) listen() {
	for {
		select {
		case <-c.stopListen:
			return
		case sig := <-c.sigCh:
			c.deliver(sig)
		}
	}
}

// deliver applies one signal delivery to the escalation counter. It is
// exported indirectly through Start's goroutine, and called directly
// by tests that want to avoid real OS signals.
func (c *Controller) deliver(sig os.Signal) {
	c.mu.Lock()
	c.count++
	count := c.count
	c.requested = true
	max := c.maxRetries
	c.mu.Unlock()

	if c.log != nil {
		c.log.Warn("shutdown signal received")
	}

	c.cancel()

	if count >= max {
		c.forceOnce.Do(func() {
			if c.log != nil {
				c.log.Error("shutdown escalation threshold reached, forcing teardown")
			}
			c.forceStop()
		})
	}
}

// Deliver feeds a signal into the controller directly, bypassing
// os/signal — used by tests exercising the escalation counter.
func (c *Controller) Deliver(sig os.Signal) {
	c.deliver(sig)
}

// ShutdownRequested reports whether at least one signal has arrived.
func (c *Controller) ShutdownRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Context is cancelled on the first signal delivery; cooperative loops
// should select on Context().Done() to begin winding down.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// ForceContext is cancelled with ErrTerminateRequested once the
// escalation threshold is reached; callers blocked on Python-style
// long-running calls should select on ForceContext().Done() and treat
// ctx.Err() == ErrTerminateRequested as a request to unwind immediately.
func (c *Controller) ForceContext() context.Context {
	return c.forceCtx
}
