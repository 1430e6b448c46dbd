package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ska-telescope/sec/internal/queue"
)

// WorkerBridge is the Worker-side half of the glue between the local
// topic bus and the global inter-process queues: every local publish
// originated by this process is mirrored onto the shared outbox, and
// every inbound PUBSUB work item is replayed onto the local bus so
// user code subscribed locally can observe it. There is no single
// teacher file this adapts — the Event envelope shape is reused from
// the local bus, and the pump-goroutine style matches the stdout/
// stderr readers of a subprocess-wrapping process manager.
type WorkerBridge struct {
	bus        Bus
	selfSource string
	outbox     *queue.Queue[EventMessage]
	sub        Subscription
}

// NewWorkerBridge builds a bridge tying bus to outbox under identity
// selfSource (typically "worker-<pid>").
func NewWorkerBridge(bus Bus, selfSource string, outbox *queue.Queue[EventMessage]) *WorkerBridge {
	return &WorkerBridge{bus: bus, selfSource: selfSource, outbox: outbox}
}

// Start subscribes to every local subject and forwards locally
// originated events to the outbox. Events whose Source is not
// selfSource are foreign events already replayed by HandlePubsubItem
// and must not be forwarded back out, which is the loop-prevention
// rule of spec.md §4.4 applied on this hop.
func (wb *WorkerBridge) Start() error {
	sub, err := wb.bus.Subscribe(">", func(ctx context.Context, event *Event) error {
		if event.Source != wb.selfSource {
			return nil
		}
		return wb.forward(event)
	})
	if err != nil {
		return fmt.Errorf("worker bridge subscribe failed: %w", err)
	}
	wb.sub = sub
	return nil
}

// Stop releases the bridge's local subscription.
func (wb *WorkerBridge) Stop() error {
	if wb.sub == nil {
		return nil
	}
	return wb.sub.Unsubscribe()
}

func (wb *WorkerBridge) forward(event *Event) error {
	kwargs := map[string]interface{}{}
	for k, v := range event.Data {
		kwargs[k] = v
	}
	payload, err := json.Marshal(PubsubPayload{Topic: event.Type, Kwargs: kwargs})
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}

	msg := EventMessage{
		ID:      float64(time.Now().UnixNano()),
		Source:  wb.selfSource,
		Type:    MessagePubsub,
		Payload: payload,
	}
	if err := wb.outbox.TryPut(msg); err != nil {
		return fmt.Errorf("outbox put failed: %w", err)
	}
	return nil
}

// HandlePubsubItem replays an inbound PUBSUB work item onto the local
// bus, tagged with its originating (foreign) source so WorkerBridge's
// own forward loop does not re-send it.
func (wb *WorkerBridge) HandlePubsubItem(item WorkItem) error {
	var msg EventMessage
	if err := json.Unmarshal(item.Payload, &msg); err != nil {
		return fmt.Errorf("decode pubsub work item: %w", err)
	}
	var pubsub PubsubPayload
	if err := json.Unmarshal(msg.Payload, &pubsub); err != nil {
		return fmt.Errorf("decode pubsub payload: %w", err)
	}

	event := NewEvent(pubsub.Topic, msg.Source, pubsub.Kwargs)
	return wb.bus.Publish(context.Background(), pubsub.Topic, event)
}

// SupervisorBridge is the Supervisor-side half: it drains EventMessages
// from the shared outbox, republishes PUBSUB messages on the
// Supervisor-local bus (tagged with the originating Worker's
// identity), and hands each message to a fan-out callback so the
// Process Manager can route it to every other Worker's inbox.
type SupervisorBridge struct {
	bus    Bus
	FanOut func(msg EventMessage)
}

// NewSupervisorBridge builds a bridge over the Supervisor's local bus.
func NewSupervisorBridge(bus Bus) *SupervisorBridge {
	return &SupervisorBridge{bus: bus}
}

// HandleOutboxMessage processes one EventMessage drained from the
// shared outbox by the Process Manager's consumer loop.
func (sb *SupervisorBridge) HandleOutboxMessage(msg EventMessage) error {
	if msg.Type != MessagePubsub {
		return nil
	}
	var pubsub PubsubPayload
	if err := json.Unmarshal(msg.Payload, &pubsub); err != nil {
		return fmt.Errorf("decode pubsub payload: %w", err)
	}

	event := NewEvent(pubsub.Topic, msg.Source, pubsub.Kwargs)
	if err := sb.bus.Publish(context.Background(), pubsub.Topic, event); err != nil {
		return fmt.Errorf("republish on supervisor bus: %w", err)
	}

	if sb.FanOut != nil {
		sb.FanOut(msg)
	}
	return nil
}
