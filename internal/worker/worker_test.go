package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/queue"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// fakeLoader returns a canned Loaded value so tests never touch a real
// plugin.Open.
type fakeLoader struct {
	loaded *scriptsource.Loaded
	err    error
}

func (f *fakeLoader) Load(_ context.Context, script scriptsource.Script) (*scriptsource.Loaded, error) {
	if f.err != nil {
		return nil, f.err
	}
	l := *f.loaded
	l.Script = script
	return &l, nil
}

func newTestWorker(t *testing.T, loaded *scriptsource.Loaded, loadErr error) (*Worker, *eventbus.MemoryEventBus, *queue.Queue[eventbus.WorkItem], *queue.Queue[eventbus.EventMessage]) {
	t.Helper()
	bus := eventbus.NewMemoryEventBus(logger.Default())
	inbox := queue.New[eventbus.WorkItem](0)
	outbox := queue.New[eventbus.EventMessage](0)
	w := New(Config{
		SelfSource:  "worker-test",
		Inbox:       inbox,
		Outbox:      outbox,
		Bus:         bus,
		Loader:      &fakeLoader{loaded: loaded, err: loadErr},
		PollTimeout: 5 * time.Millisecond,
	})
	return w, bus, inbox, outbox
}

func putWorkItem(t *testing.T, inbox *queue.Queue[eventbus.WorkItem], kind eventbus.WorkItemKind, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, inbox.TryPut(eventbus.WorkItem{Kind: kind, Payload: raw}))
}

func TestWorkerLoadAndRunMainCompletes(t *testing.T) {
	mainCalled := false
	loaded := &scriptsource.Loaded{
		Main: func(ctx context.Context, args scriptsource.ArgCapture) error {
			mainCalled = true
			return nil
		},
	}
	w, _, inbox, outbox := newTestWorker(t, loaded, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// allow CREATING/IDLE to drain before queuing work
	time.Sleep(20 * time.Millisecond)

	putWorkItem(t, inbox, eventbus.WorkItemLoad, LoadPayload{Script: scriptsource.Filesystem("/tmp/s.so")})
	putWorkItem(t, inbox, eventbus.WorkItemRun, RunPayload{FunctionName: "init"})
	putWorkItem(t, inbox, eventbus.WorkItemRun, RunPayload{FunctionName: "main"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not complete")
	}

	assert.True(t, mainCalled)
	assert.Equal(t, StateComplete, w.State())

	var states []string
	for {
		msg, ok := outbox.TryGet(50 * time.Millisecond)
		if !ok {
			break
		}
		var payload eventbus.PubsubPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		if payload.Topic == string(topics.ProcedureLifecycleStatechange) {
			states = append(states, payload.Kwargs["new_state"].(string))
		}
	}
	assert.Contains(t, states, string(StateComplete))
}

func TestWorkerRunInitSkipsToReadyWhenNoInitExported(t *testing.T) {
	loaded := &scriptsource.Loaded{
		Main: func(ctx context.Context, args scriptsource.ArgCapture) error { return nil },
	}
	w, _, inbox, _ := newTestWorker(t, loaded, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	putWorkItem(t, inbox, eventbus.WorkItemLoad, LoadPayload{Script: scriptsource.Filesystem("/tmp/s.so")})
	putWorkItem(t, inbox, eventbus.WorkItemRun, RunPayload{FunctionName: "init"})

	require.Eventually(t, func() bool {
		return w.State() == StateReady
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerRunFailureEmitsFatalAndStops(t *testing.T) {
	loaded := &scriptsource.Loaded{
		Main: func(ctx context.Context, args scriptsource.ArgCapture) error {
			return errors.New("boom")
		},
	}
	w, _, inbox, outbox := newTestWorker(t, loaded, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	putWorkItem(t, inbox, eventbus.WorkItemLoad, LoadPayload{Script: scriptsource.Filesystem("/tmp/s.so")})
	putWorkItem(t, inbox, eventbus.WorkItemRun, RunPayload{FunctionName: "main"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after failure")
	}
	assert.Equal(t, StateFailed, w.State())

	foundFatal := false
	for {
		msg, ok := outbox.TryGet(50 * time.Millisecond)
		if !ok {
			break
		}
		if msg.Type == eventbus.MessageFatal {
			foundFatal = true
			var payload FatalPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			assert.Contains(t, payload.Message, "boom")
		}
	}
	assert.True(t, foundFatal, "expected a FATAL message on the outbox")
}

func TestWorkerLoadFailureTransitionsToFailed(t *testing.T) {
	w, _, inbox, _ := newTestWorker(t, nil, errors.New("plugin open failed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	putWorkItem(t, inbox, eventbus.WorkItemLoad, LoadPayload{Script: scriptsource.Filesystem("/tmp/missing.so")})

	require.Eventually(t, func() bool {
		return w.State() == StateFailed
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerEndWorkItemStopsLoopGracefully(t *testing.T) {
	loaded := &scriptsource.Loaded{
		Main: func(ctx context.Context, args scriptsource.ArgCapture) error { return nil },
	}
	w, _, inbox, _ := newTestWorker(t, loaded, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	putWorkItem(t, inbox, eventbus.WorkItemEnd, struct{}{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on END")
	}
}

func TestWorkerReplaysForeignPubsubWithoutLoop(t *testing.T) {
	loaded := &scriptsource.Loaded{
		Main: func(ctx context.Context, args scriptsource.ArgCapture) error { return nil },
	}
	w, bus, inbox, outbox := newTestWorker(t, loaded, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	received := make(chan *eventbus.Event, 1)
	sub, err := bus.Subscribe("custom.topic", func(ctx context.Context, e *eventbus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, err := json.Marshal(eventbus.PubsubPayload{Topic: "custom.topic", Kwargs: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	msgPayload, err := json.Marshal(eventbus.EventMessage{ID: 1, Source: "some-other-worker", Type: eventbus.MessagePubsub, Payload: payload})
	require.NoError(t, err)
	putWorkItem(t, inbox, eventbus.WorkItemPubsub, json.RawMessage(msgPayload))

	select {
	case e := <-received:
		assert.Equal(t, "some-other-worker", e.Source)
	case <-time.After(time.Second):
		t.Fatal("replayed pubsub event was not delivered locally")
	}

	_, ok := outbox.TryGet(50 * time.Millisecond)
	assert.False(t, ok, "replayed foreign event must not loop back onto the outbox")
}
