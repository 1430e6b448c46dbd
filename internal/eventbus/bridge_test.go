package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/sec/internal/queue"
)

func TestWorkerBridgeForwardsOwnPublishToOutbox(t *testing.T) {
	bus := newTestBus()
	outbox := queue.New[EventMessage](0)
	wb := NewWorkerBridge(bus, "worker-1", outbox)
	require.NoError(t, wb.Start())
	defer wb.Stop()

	event := NewEvent("procedure.lifecycle.statechange", "worker-1", map[string]interface{}{"new_state": "READY"})
	require.NoError(t, bus.Publish(context.Background(), "procedure.lifecycle.statechange", event))

	msg, ok := outbox.TryGet(time.Second)
	require.True(t, ok)
	assert.Equal(t, MessagePubsub, msg.Type)
	assert.Equal(t, "worker-1", msg.Source)
}

func TestWorkerBridgeDoesNotReforwardForeignEvents(t *testing.T) {
	bus := newTestBus()
	outbox := queue.New[EventMessage](0)
	wb := NewWorkerBridge(bus, "worker-1", outbox)
	require.NoError(t, wb.Start())
	defer wb.Stop()

	payload, err := json.Marshal(PubsubPayload{Topic: "procedure.lifecycle.statechange", Kwargs: map[string]interface{}{"new_state": "READY"}})
	require.NoError(t, err)
	msgPayload, err := json.Marshal(EventMessage{ID: 1, Source: "worker-2", Type: MessagePubsub, Payload: payload})
	require.NoError(t, err)

	require.NoError(t, wb.HandlePubsubItem(WorkItem{Kind: WorkItemPubsub, Payload: msgPayload}))

	_, ok := outbox.TryGet(50 * time.Millisecond)
	assert.False(t, ok, "foreign event must not be re-forwarded to the outbox")
}

func TestSupervisorBridgeRepublishesAndFansOut(t *testing.T) {
	bus := newTestBus()
	sb := NewSupervisorBridge(bus)

	var fannedOut EventMessage
	sb.FanOut = func(msg EventMessage) { fannedOut = msg }

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("procedure.lifecycle.statechange", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, err := json.Marshal(PubsubPayload{Topic: "procedure.lifecycle.statechange", Kwargs: map[string]interface{}{"new_state": "RUNNING"}})
	require.NoError(t, err)
	msg := EventMessage{ID: 2, Source: "worker-3", Type: MessagePubsub, Payload: payload}

	require.NoError(t, sb.HandleOutboxMessage(msg))

	select {
	case e := <-received:
		assert.Equal(t, "worker-3", e.Source)
	case <-time.After(time.Second):
		t.Fatal("supervisor bus did not receive republished event")
	}
	assert.Equal(t, "worker-3", fannedOut.Source)
}
