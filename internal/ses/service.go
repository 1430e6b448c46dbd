// Package ses implements the Script Execution Service: a thin
// application-layer facade in front of the Process Manager. Per
// spec.md §9's design note it keeps its own read-side cache —
// scripts, argument history, and observed lifecycle states — fed
// passively by a procedure.lifecycle.statechange subscription, rather
// than querying the Process Manager's registry directly on every
// summarise call. Grounded on
// internal/orchestrator/scheduler.Scheduler's separation between the
// write-path (Submit/Cancel calling into the executor) and the
// event-driven HandleTaskCompleted callback that updates its own
// status cache.
package ses

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/apperrors"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// ProcedureActions is the subset of internal/procmanager.Manager's
// surface the SES drives. A narrow interface (rather than importing
// *procmanager.Manager by concrete type) keeps this package's only
// dependency on the Process Manager limited to the write-path calls
// spec.md §4.5 actually names.
type ProcedureActions interface {
	Create(ctx context.Context, script scriptsource.Script, initArgs scriptsource.ArgCapture) (int64, error)
	Run(ctx context.Context, pid int64, function string, runArgs scriptsource.ArgCapture, forceStart bool) error
	Stop(ctx context.Context, pid int64) error
	Shutdown()
}

// HistoryEntry is one observed (state, timestamp) pair, mirroring the
// Process Manager's own history but recorded independently from the
// statechange listener.
type HistoryEntry struct {
	State     string
	Timestamp time.Time
}

// ProcedureSummary is the SES's answer to summarise/prepare/start/stop.
type ProcedureSummary struct {
	PID     int64
	Script  scriptsource.Script
	State   string
	Args    []scriptsource.ArgCapture
	History []HistoryEntry
}

// PrepareProcessCommand is request.procedure.create's payload.
type PrepareProcessCommand struct {
	Script   scriptsource.Script
	InitArgs scriptsource.ArgCapture
}

// StartProcessCommand is request.procedure.start's payload.
type StartProcessCommand struct {
	PID          int64
	FunctionName string
	RunArgs      scriptsource.ArgCapture
	ForceStart   bool
}

// StopProcessCommand is request.procedure.stop's payload.
type StopProcessCommand struct {
	PID      int64
	RunAbort bool
}

// Config bundles the construction parameters for a Service.
type Config struct {
	Manager ProcedureActions
	Bus     eventbus.Bus
	// ReadyTimeout bounds how long prepare/start/stop wait for the
	// lifecycle state their own cache needs to observe before
	// returning. Defaults to 3s.
	ReadyTimeout time.Duration
	// AbortScripts maps a sub-array identifier prefix to the script
	// reference run by stop(run_abort=true), resolved by the longest
	// prefix that matches the sub-array identifier. Entries are not
	// validated when the Service is built.
	AbortScripts map[string]scriptsource.Script
	Log          *logger.Logger
}

// Service is the Script Execution Service.
type Service struct {
	manager      ProcedureActions
	bus          eventbus.Bus
	readyTimeout time.Duration
	abortScripts map[string]scriptsource.Script
	log          *logger.Logger

	sub eventbus.Subscription

	mu         sync.RWMutex
	scripts    map[int64]scriptsource.Script
	scriptArgs map[int64][]scriptsource.ArgCapture
	states     map[int64]string
	history    map[int64][]HistoryEntry
}

// New builds a Service and subscribes its passive state cache to
// procedure.lifecycle.statechange.
func New(cfg Config) (*Service, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 3 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	s := &Service{
		manager:      cfg.Manager,
		bus:          cfg.Bus,
		readyTimeout: cfg.ReadyTimeout,
		abortScripts: cfg.AbortScripts,
		log:          cfg.Log.WithFields(zap.String("component", "ses")),
		scripts:      make(map[int64]scriptsource.Script),
		scriptArgs:   make(map[int64][]scriptsource.ArgCapture),
		states:       make(map[int64]string),
		history:      make(map[int64][]HistoryEntry),
	}

	sub, err := cfg.Bus.Subscribe(string(topics.ProcedureLifecycleStatechange), s.handleStatechange)
	if err != nil {
		return nil, fmt.Errorf("subscribing to statechange topic: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *Service) handleStatechange(_ context.Context, e *eventbus.Event) error {
	pid, ok := pidFromSource(e.Source)
	if !ok {
		return nil
	}
	newState, _ := e.Data["new_state"].(string)

	s.mu.Lock()
	s.states[pid] = newState
	s.history[pid] = append(s.history[pid], HistoryEntry{State: newState, Timestamp: time.Now()})
	s.mu.Unlock()
	return nil
}

func pidFromSource(source string) (int64, bool) {
	const prefix = "worker-"
	if !strings.HasPrefix(source, prefix) {
		return 0, false
	}
	var pid int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(source, prefix), "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// Prepare calls Manager.Create and waits for the cache to observe
// READY before returning a summary, per spec.md §4.5.
func (s *Service) Prepare(ctx context.Context, cmd PrepareProcessCommand) (ProcedureSummary, error) {
	pid, err := s.manager.Create(ctx, cmd.Script, cmd.InitArgs)
	if err != nil {
		return ProcedureSummary{}, err
	}

	s.mu.Lock()
	s.scripts[pid] = cmd.Script
	s.scriptArgs[pid] = append(s.scriptArgs[pid], cmd.InitArgs)
	s.mu.Unlock()

	if err := s.waitForState(ctx, pid, "READY"); err != nil {
		return ProcedureSummary{}, err
	}
	return s.summary(pid), nil
}

// Start calls Manager.Run; per spec.md §4.5 the call itself is
// non-blocking on the script's completion but the returned summary
// reflects the RUNNING state observed before return.
func (s *Service) Start(ctx context.Context, cmd StartProcessCommand) (ProcedureSummary, error) {
	if err := s.manager.Run(ctx, cmd.PID, cmd.FunctionName, cmd.RunArgs, cmd.ForceStart); err != nil {
		return ProcedureSummary{}, err
	}

	s.mu.Lock()
	s.scriptArgs[cmd.PID] = append(s.scriptArgs[cmd.PID], cmd.RunArgs)
	s.mu.Unlock()

	if err := s.waitForState(ctx, cmd.PID, "RUNNING"); err != nil {
		return ProcedureSummary{}, err
	}
	return s.summary(cmd.PID), nil
}

// Stop calls Manager.Stop and, if run_abort is set, additionally
// prepares and force-starts the abort script configured for the
// target's sub-array identifier. Returns an empty slice unless an
// abort script actually ran.
func (s *Service) Stop(ctx context.Context, cmd StopProcessCommand) ([]ProcedureSummary, error) {
	s.mu.RLock()
	initArgs := append([]scriptsource.ArgCapture(nil), s.scriptArgs[cmd.PID]...)
	s.mu.RUnlock()

	if err := s.manager.Stop(ctx, cmd.PID); err != nil {
		return nil, err
	}
	if err := s.waitForTerminal(ctx, cmd.PID); err != nil {
		return nil, err
	}

	if !cmd.RunAbort {
		return []ProcedureSummary{}, nil
	}

	subArrayID, ok := extractSubArrayID(initArgs)
	if !ok {
		s.log.Warn("run_abort requested but no sub-array id found in init args", zap.Int64("pid", cmd.PID))
		return []ProcedureSummary{}, nil
	}
	abortScript, ok := s.resolveAbortScript(subArrayID)
	if !ok {
		s.log.Warn("run_abort requested but no abort script configured", zap.String("subarray", subArrayID))
		return []ProcedureSummary{}, nil
	}

	abortSummary, err := s.runAbortScript(ctx, abortScript, subArrayID)
	if err != nil {
		return nil, err
	}
	return []ProcedureSummary{abortSummary}, nil
}

// runAbortScript prepares and force-starts the abort script, forwarding
// the originating Procedure's sub-array identifier into the abort
// Procedure's own init args so the abort script is created with both
// the script URI and the sub-array identifier, per spec.md's S4.
func (s *Service) runAbortScript(ctx context.Context, script scriptsource.Script, subArrayID string) (ProcedureSummary, error) {
	initArgs := scriptsource.NewArgCapture("init", nil, map[string]interface{}{"subarray_id": subArrayID})
	summary, err := s.Prepare(ctx, PrepareProcessCommand{Script: script, InitArgs: initArgs})
	if err != nil {
		return ProcedureSummary{}, fmt.Errorf("preparing abort script: %w", err)
	}
	return s.Start(ctx, StartProcessCommand{PID: summary.PID, FunctionName: "main", ForceStart: true})
}

// extractSubArrayID reads the "subarray_id" keyword argument from the
// recorded init call (the first ArgCapture), the convention this core
// uses to resolve an abort script — spec.md §4.5 leaves the exact
// resolution mechanism open.
func extractSubArrayID(args []scriptsource.ArgCapture) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	v, ok := args[0].KeywordArgs["subarray_id"]
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func (s *Service) resolveAbortScript(subArrayID string) (scriptsource.Script, bool) {
	var best string
	var bestScript scriptsource.Script
	found := false
	for prefix, script := range s.abortScripts {
		if strings.HasPrefix(subArrayID, prefix) && len(prefix) >= len(best) {
			best = prefix
			bestScript = script
			found = true
		}
	}
	return bestScript, found
}

// Summarise returns summaries for the given pids, or every known
// Procedure if pids is empty.
func (s *Service) Summarise(pids []int64) ([]ProcedureSummary, error) {
	if len(pids) == 0 {
		s.mu.RLock()
		all := make([]int64, 0, len(s.scripts))
		for pid := range s.scripts {
			all = append(all, pid)
		}
		s.mu.RUnlock()
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		pids = all
	}

	out := make([]ProcedureSummary, 0, len(pids))
	for _, pid := range pids {
		s.mu.RLock()
		_, known := s.scripts[pid]
		s.mu.RUnlock()
		if !known {
			return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("unknown pid %d", pid))
		}
		out = append(out, s.summary(pid))
	}
	return out, nil
}

// Shutdown unsubscribes the state cache and forwards to the Manager.
func (s *Service) Shutdown() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.manager.Shutdown()
}

func (s *Service) summary(pid int64) ProcedureSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ProcedureSummary{
		PID:     pid,
		Script:  s.scripts[pid],
		State:   s.states[pid],
		Args:    append([]scriptsource.ArgCapture(nil), s.scriptArgs[pid]...),
		History: append([]HistoryEntry(nil), s.history[pid]...),
	}
}

// waitForState polls until the cache reports target, reports FAILED
// (surfaced as an error, since a script can fail before ever being
// observed in target), or reports a later terminal state that could
// only have been reached by first passing through target — a fast
// script can complete between two 10ms polls, skipping the
// intermediate sample entirely.
func (s *Service) waitForState(ctx context.Context, pid int64, target string) error {
	return s.poll(ctx, pid, func(state string) (bool, error) {
		if state == target {
			return true, nil
		}
		switch state {
		case "FAILED":
			return false, apperrors.New(apperrors.KindScriptExecutionError, fmt.Sprintf("pid %d failed before reaching %s", pid, target))
		case "COMPLETE", "STOPPED", "UNKNOWN":
			return true, nil
		}
		return false, nil
	})
}

func (s *Service) waitForTerminal(ctx context.Context, pid int64) error {
	return s.poll(ctx, pid, func(state string) (bool, error) {
		switch state {
		case "STOPPED", "COMPLETE", "FAILED", "UNKNOWN":
			return true, nil
		default:
			return false, nil
		}
	})
}

// poll re-checks the cached state every 10ms until check is satisfied,
// ctx is cancelled, or readyTimeout elapses — the same short-poll
// idiom used throughout this core's queues and outbox consumer.
func (s *Service) poll(ctx context.Context, pid int64, check func(state string) (bool, error)) error {
	deadline := time.After(s.readyTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.RLock()
		state := s.states[pid]
		s.mu.RUnlock()

		done, err := check(state)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return apperrors.New(apperrors.KindStartupTimeout, fmt.Sprintf("pid %d did not reach the expected state in time (last observed: %q)", pid, state))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
