package procmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/apperrors"
	"github.com/ska-telescope/sec/internal/config"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/queue"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// fatalPayload mirrors worker.FatalPayload. Redeclared here rather
// than imported: procmanager runs in the Supervisor process and must
// not depend on the worker package, which is compiled into the
// separate Worker binary.
type fatalPayload struct {
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

type workerRecord struct {
	pid           int64
	source        string
	inbox         *queue.Queue[eventbus.WorkItem]
	proc          *SpawnedProcess
	cancel        context.CancelFunc
	exited        chan struct{}
	stopRequested atomic.Bool
}

// Manager is the Supervisor's Process Manager: it creates and tears
// down Worker subprocesses, routes work items to their inboxes,
// drains the shared outbox, and is the sole authority on every
// Procedure's state. Grounded on internal/agent/lifecycle.Manager's
// RWMutex-guarded registry with secondary indexes and internal/
// orchestrator/scheduler.Scheduler's stopCh/WaitGroup processing loop.
type Manager struct {
	cfg      config.SupervisorConfig
	queueCfg config.QueueConfig
	log      *logger.Logger
	bus      eventbus.Bus
	bridge   *eventbus.SupervisorBridge
	spawner  Spawner
	metrics  *metricsSet
	scanIDs  *ScanCounter

	mu         sync.RWMutex
	nextPID    int64
	procedures map[int64]*Procedure
	workers    map[int64]*workerRecord
	terminated []int64 // oldest-first order of terminated pids, for retention eviction
	running    int64   // pid currently RUNNING, 0 if none

	readyWaiters map[int64]chan struct{}

	outbox *queue.Queue[eventbus.EventMessage]

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a Manager. reg may be nil to skip Prometheus registration
// (as in tests using the default registry would otherwise collide).
func New(cfg config.SupervisorConfig, queueCfg config.QueueConfig, bus eventbus.Bus, spawner Spawner, log *logger.Logger, reg prometheus.Registerer) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		cfg:          cfg,
		queueCfg:     queueCfg,
		log:          log.WithFields(zap.String("component", "procmanager")),
		bus:          bus,
		bridge:       eventbus.NewSupervisorBridge(bus),
		spawner:      spawner,
		metrics:      newMetricsSet(reg),
		scanIDs:      NewScanCounter(0),
		procedures:   make(map[int64]*Procedure),
		workers:      make(map[int64]*workerRecord),
		readyWaiters: make(map[int64]chan struct{}),
		outbox:       queue.New[eventbus.EventMessage](0),
		stopCh:       make(chan struct{}),
	}
	m.bridge.FanOut = m.fanOut
	return m
}

// Start launches the outbox consumer loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.consumeOutbox()
}

func workerSource(pid int64) string {
	return fmt.Sprintf("worker-%d", pid)
}

func pidFromSource(source string) (int64, bool) {
	const prefix = "worker-"
	if !strings.HasPrefix(source, prefix) {
		return 0, false
	}
	pid, err := strconv.ParseInt(strings.TrimPrefix(source, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Create allocates a pid, spawns its Worker, and enqueues the ENV?/
// LOAD/RUN(init) work items, exactly as spec.md §4.3 describes. It
// blocks until the Worker reports its first IDLE (startup succeeded)
// or StartupTimeout elapses, in which case the Worker is killed and
// create fails.
func (m *Manager) Create(ctx context.Context, script scriptsource.Script, initArgs scriptsource.ArgCapture) (int64, error) {
	if err := script.Validate(); err != nil {
		return 0, apperrors.Wrap(apperrors.KindBadState, "invalid script reference", err)
	}

	pid := atomic.AddInt64(&m.nextPID, 1)
	source := workerSource(pid)
	inbox := queue.New[eventbus.WorkItem](m.queueCfg.WorkItemCapacity)

	if script.BuildEnv != "" {
		m.enqueue(inbox, eventbus.WorkItemEnv, struct {
			Script scriptsource.Script `json:"script"`
		}{Script: script})
	}
	m.enqueue(inbox, eventbus.WorkItemLoad, struct {
		Script scriptsource.Script `json:"script"`
	}{Script: script})
	m.enqueue(inbox, eventbus.WorkItemRun, struct {
		FunctionName string                 `json:"function_name"`
		Positional   []interface{}          `json:"positional_args"`
		Keyword      map[string]interface{} `json:"keyword_args"`
	}{FunctionName: "init", Positional: initArgs.PositionalArgs, Keyword: initArgs.KeywordArgs})

	ready := make(chan struct{})
	m.mu.Lock()
	m.procedures[pid] = &Procedure{PID: pid, Script: script, Args: []ArgCapture{initArgs}, State: StateCreating}
	m.readyWaiters[pid] = ready
	m.mu.Unlock()
	m.metrics.observeCreated()
	m.metrics.observeTransition("", StateCreating)

	scanID := m.scanIDs.Next()
	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := m.spawner.Spawn(procCtx, pid, scanID)
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.procedures, pid)
		delete(m.readyWaiters, pid)
		m.mu.Unlock()
		return 0, apperrors.Wrap(apperrors.KindStartupTimeout, "failed to spawn worker", err)
	}

	exited := make(chan struct{})
	rec := &workerRecord{pid: pid, source: source, inbox: inbox, proc: proc, cancel: cancel, exited: exited}
	m.mu.Lock()
	m.workers[pid] = rec
	m.mu.Unlock()

	go m.pumpInboxToStdin(rec)
	go m.pumpStdoutToOutbox(rec)
	go func() {
		defer close(exited)
		if err := proc.Wait(); err != nil {
			m.handleUnexpectedExit(pid, err)
		}
	}()

	select {
	case <-ready:
		return pid, nil
	case <-time.After(m.cfg.StartupTimeout()):
		_ = proc.Kill()
		m.mu.Lock()
		delete(m.readyWaiters, pid)
		m.mu.Unlock()
		m.applyStatechange(source, StateFailed, "")
		return 0, apperrors.New(apperrors.KindStartupTimeout, fmt.Sprintf("worker for pid %d did not report ready in time", pid))
	case <-ctx.Done():
		_ = proc.Kill()
		return 0, ctx.Err()
	}
}

func (m *Manager) enqueue(inbox *queue.Queue[eventbus.WorkItem], kind eventbus.WorkItemKind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Error("failed to marshal work item payload", zap.Error(err))
		return
	}
	if err := inbox.TryPut(eventbus.WorkItem{Kind: kind, Payload: raw}); err != nil {
		m.log.Error("failed to enqueue work item", zap.Error(err))
	}
}

// Run enqueues a RUN work item for pid, enforcing the single-runner
// invariant unless forceStart is set (the abort-script follow-on
// path).
func (m *Manager) Run(ctx context.Context, pid int64, function string, runArgs scriptsource.ArgCapture, forceStart bool) error {
	m.mu.Lock()
	proc, ok := m.procedures[pid]
	if !ok {
		m.mu.Unlock()
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("unknown pid %d", pid))
	}
	if proc.State != StateReady {
		m.mu.Unlock()
		return apperrors.New(apperrors.KindBadState, fmt.Sprintf("pid %d is not READY (state=%s)", pid, proc.State))
	}
	if !forceStart && m.running != 0 && m.running != pid {
		m.mu.Unlock()
		return apperrors.New(apperrors.KindBusy, fmt.Sprintf("pid %d is already running", m.running))
	}
	proc.Args = append(proc.Args, scriptsource.NewArgCapture(function, runArgs.PositionalArgs, runArgs.KeywordArgs))
	rec, ok := m.workers[pid]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("no worker record for pid %d", pid))
	}

	m.enqueue(rec.inbox, eventbus.WorkItemRun, struct {
		FunctionName string                 `json:"function_name"`
		Positional   []interface{}          `json:"positional_args"`
		Keyword      map[string]interface{} `json:"keyword_args"`
	}{FunctionName: function, Positional: runArgs.PositionalArgs, Keyword: runArgs.KeywordArgs})
	return nil
}

// Stop attempts cooperative termination of pid via SIGTERM, retrying
// up to TerminateMaxRetries times with a TerminateJoinTimeout join
// wait between attempts. On success the Procedure is marked STOPPED;
// on exhaustion it is marked UNKNOWN and the child is left for the OS
// to reap.
func (m *Manager) Stop(ctx context.Context, pid int64) error {
	m.mu.RLock()
	proc, ok := m.procedures[pid]
	rec, hasWorker := m.workers[pid]
	m.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("unknown pid %d", pid))
	}
	if !proc.State.Stoppable() {
		return apperrors.New(apperrors.KindBadState, fmt.Sprintf("pid %d is not stoppable (state=%s)", pid, proc.State))
	}
	if !hasWorker {
		return apperrors.New(apperrors.KindBadState, fmt.Sprintf("pid %d has no live worker", pid))
	}
	rec.stopRequested.Store(true)

	for attempt := 0; attempt < m.cfg.TerminateMaxRetries; attempt++ {
		if err := rec.proc.Signal(syscall.SIGTERM); err != nil {
			m.log.Warn("failed to signal worker", zap.Int64("pid", pid), zap.Error(err))
		}
		select {
		case <-rec.exited:
			m.finalizeState(pid, StateStopped, "")
			return nil
		case <-time.After(m.cfg.TerminateJoinTimeout()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.finalizeState(pid, StateUnknown, "")
	return apperrors.New(apperrors.KindTerminationFailed, fmt.Sprintf("pid %d did not terminate after %d attempts", pid, m.cfg.TerminateMaxRetries))
}

// Shutdown stops the outbox consumer, drains and closes every inbox,
// and kills any surviving Workers.
func (m *Manager) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)

	m.mu.Lock()
	workers := make([]*workerRecord, 0, len(m.workers))
	for _, rec := range m.workers {
		workers = append(workers, rec)
	}
	m.mu.Unlock()

	for _, rec := range workers {
		rec.inbox.Close()
		_ = rec.proc.Kill()
		rec.cancel()
	}

	m.wg.Wait()
}

// Summarise returns a point-in-time snapshot of every known Procedure.
func (m *Manager) Summarise() []Procedure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Procedure, 0, len(m.procedures))
	for _, p := range m.procedures {
		out = append(out, p.Snapshot())
	}
	return out
}

// Get returns a snapshot of one Procedure.
func (m *Manager) Get(pid int64) (Procedure, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procedures[pid]
	if !ok {
		return Procedure{}, false
	}
	return p.Snapshot(), true
}

func (m *Manager) pumpInboxToStdin(rec *workerRecord) {
	lw := eventbus.NewLineWriter(rec.proc.Stdin)
	for {
		item, ok := rec.inbox.TryGet(20 * time.Millisecond)
		if !ok {
			if rec.inbox.Closed() && rec.inbox.Len() == 0 {
				_ = rec.proc.Stdin.Close()
				return
			}
			continue
		}
		if err := lw.Write(item); err != nil {
			m.log.Error("failed to write work item to worker stdin", zap.Int64("pid", rec.pid), zap.Error(err))
			return
		}
	}
}

func (m *Manager) pumpStdoutToOutbox(rec *workerRecord) {
	lr := eventbus.NewLineReader(rec.proc.Stdout)
	for {
		var msg eventbus.EventMessage
		if err := lr.Next(&msg); err != nil {
			return
		}
		if msg.Source == "" {
			msg.Source = rec.source
		}
		if err := m.outbox.TryPut(msg); err != nil {
			m.log.Error("shared outbox rejected message", zap.Error(err))
		}
	}
}

func (m *Manager) handleUnexpectedExit(pid int64, exitErr error) {
	m.mu.RLock()
	proc, ok := m.procedures[pid]
	rec, hasWorker := m.workers[pid]
	m.mu.RUnlock()
	if !ok || proc.State.Terminal() {
		return
	}
	if hasWorker && rec.stopRequested.Load() {
		// Stop() owns this transition (STOPPED on success, UNKNOWN on
		// exhausted retries); a SIGTERM-induced non-zero exit here is
		// expected, not a crash.
		return
	}
	m.log.Warn("worker exited unexpectedly without reporting a terminal state", zap.Int64("pid", pid), zap.Error(exitErr))
	m.finalizeState(pid, StateFailed, "")
}

func (m *Manager) consumeOutbox() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		msg, ok := m.outbox.TryGet(20 * time.Millisecond)
		if !ok {
			continue
		}
		switch msg.Type {
		case eventbus.MessagePubsub:
			m.handlePubsub(msg)
		case eventbus.MessageFatal:
			m.handleFatal(msg)
		case eventbus.MessageEnd:
			m.log.Debug("worker reported END", zap.String("source", msg.Source))
		case eventbus.MessageShutdown:
			m.log.Debug("worker reported SHUTDOWN", zap.String("source", msg.Source))
		}
	}
}

func (m *Manager) handlePubsub(msg eventbus.EventMessage) {
	var payload eventbus.PubsubPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.log.Error("failed to decode pubsub payload", zap.Error(err))
		return
	}

	if payload.Topic == string(topics.ProcedureLifecycleStatechange) {
		newState, _ := payload.Kwargs["new_state"].(string)
		m.applyStatechange(msg.Source, State(newState), "")
	}

	if err := m.bridge.HandleOutboxMessage(msg); err != nil {
		m.log.Error("failed to republish outbox message", zap.Error(err))
	}
}

func (m *Manager) handleFatal(msg eventbus.EventMessage) {
	var payload fatalPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.log.Error("failed to decode fatal payload", zap.Error(err))
		return
	}

	pid, ok := pidFromSource(msg.Source)
	if !ok {
		return
	}
	m.finalizeState(pid, StateFailed, payload.Stacktrace)
}

// fanOut forwards msg to every other Worker's inbox as a replayed
// PUBSUB work item, so subscribers living in other Workers observe
// it. The originating Worker is excluded — it already has the event
// locally, and re-delivering it would violate the loop-prevention rule.
func (m *Manager) fanOut(msg eventbus.EventMessage) {
	origin, _ := pidFromSource(msg.Source)

	raw, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("failed to marshal fan-out message", zap.Error(err))
		return
	}
	item := eventbus.WorkItem{Kind: eventbus.WorkItemPubsub, Payload: raw}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for pid, rec := range m.workers {
		if pid == origin {
			continue
		}
		if err := rec.inbox.TryPut(item); err != nil {
			m.log.Warn("failed to fan out event to worker inbox", zap.Int64("pid", pid), zap.Error(err))
		}
	}
}

// applyStatechange updates the Supervisor's authoritative record for
// the pid encoded in source. It is the only place the Procedure state
// map is mutated, per spec.md §4.3's single-lock requirement.
func (m *Manager) applyStatechange(source string, newState State, stacktrace string) {
	pid, ok := pidFromSource(source)
	if !ok {
		return
	}

	m.mu.Lock()
	proc, ok := m.procedures[pid]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := proc.State
	proc.State = newState
	proc.History = append(proc.History, HistoryEntry{State: newState, Timestamp: time.Now(), Stacktrace: stacktrace})

	if waiter, waiting := m.readyWaiters[pid]; waiting && newState == StateIdle {
		close(waiter)
		delete(m.readyWaiters, pid)
	}

	if newState == StateRunning {
		m.running = pid
	} else if m.running == pid {
		m.running = 0
	}

	var evicted int64
	evictedAny := false
	if newState.Terminal() {
		if rec, hasRec := m.workers[pid]; hasRec {
			rec.inbox.Close()
			delete(m.workers, pid)
		}
		m.terminated = append(m.terminated, pid)
		if len(m.terminated) > m.cfg.RetentionHistory {
			evicted = m.terminated[0]
			m.terminated = m.terminated[1:]
			delete(m.procedures, evicted)
			evictedAny = true
		}
	}
	m.mu.Unlock()

	m.metrics.observeTransition(from, newState)
	if evictedAny {
		m.metrics.observeEviction()
		m.log.Debug("evicted terminated procedure under retention cap", zap.Int64("pid", evicted))
	}
}

// finalizeState is how the Manager itself (rather than a Worker
// reporting its own transition) decides a Procedure's state: Stop's
// STOPPED/UNKNOWN outcomes and handleUnexpectedExit's crash-FAILED.
// Unlike the statechange a Worker self-publishes (mirrored onto the
// Supervisor bus by handlePubsub), a Manager-initiated transition has
// no Worker-side publisher, so it must synthesise the
// procedure.lifecycle.statechange (and, for a stacktrace, the
// matching procedure.lifecycle.stacktrace) event itself or every
// bus subscriber — including the SES's own state cache — would never
// observe it.
func (m *Manager) finalizeState(pid int64, newState State, stacktrace string) {
	source := workerSource(pid)
	m.applyStatechange(source, newState, stacktrace)

	ctx := context.Background()
	stateEvent := eventbus.NewEvent(string(topics.ProcedureLifecycleStatechange), source, map[string]interface{}{"new_state": string(newState)})
	if err := m.bus.Publish(ctx, string(topics.ProcedureLifecycleStatechange), stateEvent); err != nil {
		m.log.Error("failed to publish synthesised statechange", zap.Error(err))
	}
	if stacktrace != "" {
		traceEvent := eventbus.NewEvent(string(topics.ProcedureLifecycleStacktrace), source, map[string]interface{}{"stacktrace": stacktrace})
		if err := m.bus.Publish(ctx, string(topics.ProcedureLifecycleStacktrace), traceEvent); err != nil {
			m.log.Error("failed to publish synthesised stacktrace", zap.Error(err))
		}
	}
}
