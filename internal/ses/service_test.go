package ses

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/sec/internal/apperrors"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// fakeManager is a minimal in-process stand-in for *procmanager.Manager
// driven directly by the test, bypassing real Worker subprocesses. It
// publishes the same procedure.lifecycle.statechange events a real
// Manager would, so the Service's passive cache observes them exactly
// as it would in production.
type fakeManager struct {
	bus eventbus.Bus

	mu       sync.Mutex
	nextPID  int64
	states   map[int64]string
	failInit map[string]bool
}

func newFakeManager(bus eventbus.Bus) *fakeManager {
	return &fakeManager{bus: bus, states: make(map[int64]string), failInit: make(map[string]bool)}
}

func (f *fakeManager) publish(pid int64, state string) {
	source := fmt.Sprintf("worker-%d", pid)
	event := eventbus.NewEvent(string(topics.ProcedureLifecycleStatechange), source, map[string]interface{}{"new_state": state})
	_ = f.bus.Publish(context.Background(), string(topics.ProcedureLifecycleStatechange), event)
}

func (f *fakeManager) Create(_ context.Context, script scriptsource.Script, _ scriptsource.ArgCapture) (int64, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.mu.Unlock()

	if f.failInit[script.URI] {
		go f.publish(pid, "FAILED")
		return pid, nil
	}
	go f.publish(pid, "READY")
	return pid, nil
}

func (f *fakeManager) Run(_ context.Context, pid int64, _ string, _ scriptsource.ArgCapture, _ bool) error {
	go f.publish(pid, "RUNNING")
	return nil
}

func (f *fakeManager) Stop(_ context.Context, pid int64) error {
	go f.publish(pid, "STOPPED")
	return nil
}

func (f *fakeManager) Shutdown() {}

func newTestService(t *testing.T, abortScripts map[string]scriptsource.Script) (*Service, *fakeManager, eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewMemoryEventBus(logger.Default())
	mgr := newFakeManager(bus)
	svc, err := New(Config{
		Manager:      mgr,
		Bus:          bus,
		ReadyTimeout: 500 * time.Millisecond,
		AbortScripts: abortScripts,
		Log:          logger.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc, mgr, bus
}

func TestServicePrepareReachesReady(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	summary, err := svc.Prepare(context.Background(), PrepareProcessCommand{
		Script: scriptsource.Filesystem("/tmp/demo.so"),
	})
	require.NoError(t, err)
	assert.Equal(t, "READY", summary.State)
	assert.Equal(t, int64(1), summary.PID)
}

func TestServicePrepareSurfacesInitFailure(t *testing.T) {
	bus := eventbus.NewMemoryEventBus(logger.Default())
	mgr := newFakeManager(bus)
	mgr.failInit["/tmp/broken.so"] = true
	svc, err := New(Config{Manager: mgr, Bus: bus, ReadyTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	_, err = svc.Prepare(context.Background(), PrepareProcessCommand{Script: scriptsource.Filesystem("/tmp/broken.so")})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindScriptExecutionError, apperrors.KindOf(err))
}

func TestServiceStartReachesRunning(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	prep, err := svc.Prepare(context.Background(), PrepareProcessCommand{Script: scriptsource.Filesystem("/tmp/demo.so")})
	require.NoError(t, err)

	started, err := svc.Start(context.Background(), StartProcessCommand{PID: prep.PID, FunctionName: "main"})
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", started.State)
	assert.Len(t, started.Args, 2)
}

func TestServiceStopWithoutAbortReturnsEmptyList(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	prep, err := svc.Prepare(context.Background(), PrepareProcessCommand{Script: scriptsource.Filesystem("/tmp/demo.so")})
	require.NoError(t, err)

	summaries, err := svc.Stop(context.Background(), StopProcessCommand{PID: prep.PID})
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestServiceStopWithAbortRunsConfiguredScript(t *testing.T) {
	abortScript := scriptsource.Filesystem("/tmp/abort-ska-mid.so")
	svc, _, _ := newTestService(t, map[string]scriptsource.Script{"ska_mid": abortScript})

	prep, err := svc.Prepare(context.Background(), PrepareProcessCommand{
		Script:   scriptsource.Filesystem("/tmp/demo.so"),
		InitArgs: scriptsource.NewArgCapture("init", nil, map[string]interface{}{"subarray_id": "ska_mid_01"}),
	})
	require.NoError(t, err)

	summaries, err := svc.Stop(context.Background(), StopProcessCommand{PID: prep.PID, RunAbort: true})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, abortScript, summaries[0].Script)
	assert.Equal(t, "RUNNING", summaries[0].State)
}

func TestServiceStopWithAbortButNoMatchingScriptReturnsEmptyList(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]scriptsource.Script{"ska_low": scriptsource.Filesystem("/tmp/abort-low.so")})

	prep, err := svc.Prepare(context.Background(), PrepareProcessCommand{
		Script:   scriptsource.Filesystem("/tmp/demo.so"),
		InitArgs: scriptsource.NewArgCapture("init", nil, map[string]interface{}{"subarray_id": "ska_mid_01"}),
	})
	require.NoError(t, err)

	summaries, err := svc.Stop(context.Background(), StopProcessCommand{PID: prep.PID, RunAbort: true})
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestServiceSummariseAllAndByPID(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	first, err := svc.Prepare(context.Background(), PrepareProcessCommand{Script: scriptsource.Filesystem("/tmp/a.so")})
	require.NoError(t, err)
	second, err := svc.Prepare(context.Background(), PrepareProcessCommand{Script: scriptsource.Filesystem("/tmp/b.so")})
	require.NoError(t, err)

	all, err := svc.Summarise(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := svc.Summarise([]int64{second.PID})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, second.PID, one[0].PID)

	_ = first
}

func TestServiceSummariseUnknownPIDIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Summarise([]int64{999})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
