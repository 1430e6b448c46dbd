package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/queue"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// Loader resolves a Script to its callable form. scriptsource.Loader
// satisfies this; tests substitute a fake so they do not need a real
// compiled plugin.
type Loader interface {
	Load(ctx context.Context, script scriptsource.Script) (*scriptsource.Loaded, error)
}

// RunPayload is the decoded payload of a RUN work item.
type RunPayload struct {
	FunctionName string                 `json:"function_name"`
	Positional   []interface{}           `json:"positional_args"`
	Keyword      map[string]interface{} `json:"keyword_args"`
}

// LoadPayload is the decoded payload of a LOAD work item.
type LoadPayload struct {
	Script scriptsource.Script `json:"script"`
}

// EnvPayload is the decoded payload of an ENV work item.
type EnvPayload struct {
	Script scriptsource.Script `json:"script"`
}

// FatalPayload is the payload carried on a FATAL EventMessage.
type FatalPayload struct {
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// errLoopDone is returned internally by dispatch to signal the main loop
// should exit after a terminal state was reached.
var errLoopDone = fmt.Errorf("worker: terminal state reached")

// Worker runs inside a Worker subprocess. It serves work items from
// its inbox, drives the lifecycle state machine, and publishes
// lifecycle events to the shared outbox via a WorkerBridge.
type Worker struct {
	selfSource  string
	inbox       *queue.Queue[eventbus.WorkItem]
	outbox      *queue.Queue[eventbus.EventMessage]
	bus         eventbus.Bus
	bridge      *eventbus.WorkerBridge
	loader      Loader
	envPreparer EnvPreparer

	pollTimeout time.Duration
	log         *logger.Logger

	state       State
	loaded      *scriptsource.Loaded
	argCaptures []scriptsource.ArgCapture
}

// Config bundles the construction parameters for a Worker.
type Config struct {
	SelfSource  string
	Inbox       *queue.Queue[eventbus.WorkItem]
	Outbox      *queue.Queue[eventbus.EventMessage]
	Bus         eventbus.Bus
	Loader      Loader
	EnvPreparer EnvPreparer
	PollTimeout time.Duration
	Log         *logger.Logger
}

// New builds a Worker. A nil EnvPreparer defaults to NoopEnvPreparer;
// a zero PollTimeout defaults to 20ms, matching the short poll spec.md
// documents for inbox/outbox waits.
func New(cfg Config) *Worker {
	if cfg.EnvPreparer == nil {
		cfg.EnvPreparer = NoopEnvPreparer{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	return &Worker{
		selfSource:  cfg.SelfSource,
		inbox:       cfg.Inbox,
		outbox:      cfg.Outbox,
		bus:         cfg.Bus,
		loader:      cfg.Loader,
		envPreparer: cfg.EnvPreparer,
		pollTimeout: cfg.PollTimeout,
		log:         cfg.Log.WithFields(zap.String("component", "worker"), zap.String("source", cfg.SelfSource)),
		state:       StateUnknown,
	}
}

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State { return w.state }

// Run drives the dispatch loop until a terminal state is reached or
// ctx is cancelled. On spawn it registers the bus-bridge callback on
// a fresh bridge, then publishes CREATING then IDLE. It does not remove
// subscriptions already present on its bus; Serve gives each Worker a
// new bus unless one is supplied.
func (w *Worker) Run(ctx context.Context) error {
	w.bridge = eventbus.NewWorkerBridge(w.bus, w.selfSource, w.outbox)
	if err := w.bridge.Start(); err != nil {
		return fmt.Errorf("starting bus bridge: %w", err)
	}
	defer w.bridge.Stop()

	w.transition(ctx, StateCreating)
	w.transition(ctx, StateIdle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, ok := w.inbox.TryGet(w.pollTimeout)
		if !ok {
			continue
		}

		if err := w.dispatch(ctx, item); err != nil {
			if err == errLoopDone {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, item eventbus.WorkItem) error {
	switch item.Kind {
	case eventbus.WorkItemEnv:
		return w.handleEnv(ctx, item)
	case eventbus.WorkItemLoad:
		return w.handleLoad(ctx, item)
	case eventbus.WorkItemRun:
		return w.handleRun(ctx, item)
	case eventbus.WorkItemPubsub:
		if err := w.bridge.HandlePubsubItem(item); err != nil {
			w.log.Warn("failed to replay inbound pubsub item", zap.Error(err))
		}
		return nil
	case eventbus.WorkItemEnd:
		return errLoopDone
	default:
		w.log.Warn("unknown work item kind", zap.String("kind", string(item.Kind)))
		return nil
	}
}

func (w *Worker) handleEnv(ctx context.Context, item eventbus.WorkItem) error {
	var payload EnvPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		w.transition(ctx, StateFailed)
		return errLoopDone
	}

	if err := w.envPreparer.Prepare(ctx, payload.Script); err != nil {
		w.log.Error("environment preparation failed", zap.Error(err))
		w.transition(ctx, StateFailed)
		return errLoopDone
	}

	w.publishMilestone(ctx, "procedure.lifecycle.prepenv", nil)
	w.transition(ctx, StateIdle)
	return nil
}

func (w *Worker) handleLoad(ctx context.Context, item eventbus.WorkItem) error {
	var payload LoadPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		w.transition(ctx, StateFailed)
		return errLoopDone
	}

	w.transition(ctx, StateLoading)

	loaded, err := w.loader.Load(ctx, payload.Script)
	if err != nil {
		w.log.Error("script load failed", zap.Error(err), zap.Stringer("script", payload.Script))
		w.transition(ctx, StateFailed)
		return errLoopDone
	}

	w.loaded = loaded
	w.transition(ctx, StateIdle)
	return nil
}

func (w *Worker) handleRun(ctx context.Context, item eventbus.WorkItem) error {
	var payload RunPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		w.transition(ctx, StateFailed)
		return errLoopDone
	}

	ac := scriptsource.NewArgCapture(payload.FunctionName, payload.Positional, payload.Keyword)
	w.argCaptures = append(w.argCaptures, ac)

	if payload.FunctionName == "init" && w.loaded != nil && !w.loaded.HasFunction("init") {
		w.transition(ctx, StateReady)
		return nil
	}

	w.transition(ctx, StateRunning)
	err := w.invoke(ctx, payload.FunctionName, ac)
	if err != nil {
		w.emitFatal(payload.FunctionName, err)
		w.state = StateFailed
		return errLoopDone
	}

	if payload.FunctionName == "main" {
		w.transition(ctx, StateComplete)
		return errLoopDone
	}

	w.transition(ctx, StateReady)
	return nil
}

// invoke calls the named entry point, converting a recovered panic
// into an error carrying the captured stack, matching spec.md's
// "capture the stacktrace" requirement — Go has no Python tracebacks,
// so debug.Stack() is the idiomatic substitute.
func (w *Worker) invoke(ctx context.Context, name string, args scriptsource.ArgCapture) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	if w.loaded == nil {
		return fmt.Errorf("no script loaded")
	}
	return w.loaded.Call(ctx, name, args)
}

// emitFatal places a FATAL EventMessage directly on the outbox. The
// Process Manager, not this Worker, synthesises the
// procedure.lifecycle.statechange(FAILED) and
// procedure.lifecycle.stacktrace events on receipt, per spec.md §4.3's
// FATAL handling. The stacktrace text leads with the causing error's
// message before the goroutine dump, matching a Python traceback's own
// convention of ending on the exception's message.
func (w *Worker) emitFatal(functionName string, cause error) {
	stack := fmt.Sprintf("%s\n%s", cause.Error(), debug.Stack())
	payload, _ := json.Marshal(FatalPayload{Message: cause.Error(), Stacktrace: stack})
	msg := eventbus.EventMessage{
		ID:      float64(time.Now().UnixNano()),
		Source:  w.selfSource,
		Type:    eventbus.MessageFatal,
		Payload: payload,
	}
	if err := w.outbox.TryPut(msg); err != nil {
		w.log.Error("failed to enqueue FATAL message", zap.Error(err))
	}
	w.log.Error("script execution failed", zap.String("function", functionName), zap.Error(cause))
}

// transition validates and records a state move, then publishes a
// procedure.lifecycle.statechange PUBSUB message on the local bus for
// the WorkerBridge to mirror onto the outbox.
func (w *Worker) transition(ctx context.Context, next State) {
	if w.state != StateUnknown && !ValidTransition(w.state, next) {
		w.log.Warn("non-standard state transition", zap.String("from", string(w.state)), zap.String("to", string(next)))
	}
	w.state = next

	topic := string(topics.ProcedureLifecycleStatechange)
	event := eventbus.NewEvent(topic, w.selfSource, map[string]interface{}{"new_state": string(next)})
	if err := w.bus.Publish(ctx, topic, event); err != nil {
		w.log.Error("failed to publish statechange", zap.Error(err))
	}
}

func (w *Worker) publishMilestone(ctx context.Context, topic string, kwargs map[string]interface{}) {
	event := eventbus.NewEvent(topic, w.selfSource, kwargs)
	if err := w.bus.Publish(ctx, topic, event); err != nil {
		w.log.Error("failed to publish milestone", zap.String("topic", topic), zap.Error(err))
	}
}
