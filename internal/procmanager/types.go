// Package procmanager implements the Supervisor side of script
// execution: it spawns Worker subprocesses, routes work items to their
// inboxes, drains the shared outbox, and is the sole authority on each
// Procedure's current state. Grounded on internal/agent/lifecycle's
// instance registry (sync.RWMutex-guarded maps with secondary
// indexes) and internal/orchestrator/scheduler.Scheduler's
// stopCh/sync.WaitGroup processing loop, with worker spawning adapted
// from internal/agentctl/process.Manager.Start's pipe-plus-goroutine
// subprocess plumbing.
package procmanager

import (
	"time"

	"github.com/ska-telescope/sec/internal/scriptsource"
)

// State mirrors worker.State; it is redeclared here (rather than
// imported) because the Supervisor's notion of a Procedure's state is
// the state it has *observed* via a statechange event, not something
// it can import authority over from the Worker package.
type State string

const (
	StateUnknown  State = "UNKNOWN"
	StateCreating State = "CREATING"
	StateIdle     State = "IDLE"
	StateLoading  State = "LOADING"
	StateReady    State = "READY"
	StateRunning  State = "RUNNING"
	StateComplete State = "COMPLETE"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether s is one of the absorbing states after
// which a Procedure's Worker record is dropped.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateStopped, StateFailed, StateUnknown:
		return true
	default:
		return false
	}
}

// Stoppable reports whether a Procedure in state s can accept stop().
func (s State) Stoppable() bool {
	switch s {
	case StateIdle, StateLoading, StateReady, StateRunning:
		return true
	default:
		return false
	}
}

// HistoryEntry is one (state, timestamp) pair in a Procedure's
// history, plus an optional stacktrace when the entry records a
// FAILED transition triggered by a FATAL event.
type HistoryEntry struct {
	State      State
	Timestamp  time.Time
	Stacktrace string
}

// ArgCapture mirrors scriptsource.ArgCapture; procmanager re-exports it
// under its own name so callers of this package do not need to import
// scriptsource purely to read a Procedure's argument history.
type ArgCapture = scriptsource.ArgCapture

// Procedure is the Supervisor's authoritative record for one loaded
// script: identity, the Script it was created from, every argument
// set it has been invoked with, its current state, and its history.
type Procedure struct {
	PID     int64
	Script  scriptsource.Script
	Args    []ArgCapture
	State   State
	History []HistoryEntry
}

// Snapshot returns a shallow copy of p safe to hand to a caller
// without holding the Manager's lock.
func (p *Procedure) Snapshot() Procedure {
	cp := *p
	cp.Args = append([]ArgCapture(nil), p.Args...)
	cp.History = append([]HistoryEntry(nil), p.History...)
	return cp
}
