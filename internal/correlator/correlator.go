// Package correlator turns the in-process topic bus's asynchronous
// publish/subscribe into a synchronous call_and_respond facade for
// external callers. It directly adapts
// internal/eventbus.MemoryEventBus.Request, generalized to a
// caller-supplied request_topic/response_topic pair rather than an
// auto-generated reply subject: the Script Execution Service publishes
// its results on a small number of well-known, shared topics rather
// than one unique subject per call, so concurrent callers sharing a
// response topic are told apart by request_id instead.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/apperrors"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/logger"
	"github.com/ska-telescope/sec/internal/topics"
)

// Correlator issues call_and_respond requests over a Bus.
type Correlator struct {
	bus     eventbus.Bus
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	nextID int64
}

// New builds a Correlator. A zero timeout defaults to 10s, matching
// spec.md §4.6's documented default.
func New(bus eventbus.Bus, timeout time.Duration, log *logger.Logger) *Correlator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Correlator{bus: bus, timeout: timeout, log: log.WithFields(zap.String("component", "correlator"))}
}

// nextRequestID returns a monotonic nanosecond id. A bare
// time.Now().UnixNano() can repeat under rapid concurrent calls on
// coarse-grained clocks, so a mutex-guarded floor bumps it forward by
// at least one when that happens.
func (c *Correlator) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := time.Now().UnixNano()
	if id <= c.nextID {
		id = c.nextID + 1
	}
	c.nextID = id
	return id
}

// CallAndRespond implements spec.md §4.6's contract: publish kwargs
// (tagged with a fresh request_id) on requestTopic, then block for the
// first message on responseTopic carrying the matching request_id.
// Mismatched request_ids are silently dropped — the reply may be
// shared by other concurrent callers on the same responseTopic.
func (c *Correlator) CallAndRespond(ctx context.Context, requestTopic, responseTopic topics.Topic, kwargs map[string]interface{}) (map[string]interface{}, error) {
	requestID := c.nextRequestID()

	result := make(chan *eventbus.Event, 1)
	sub, err := c.bus.Subscribe(string(responseTopic), func(_ context.Context, e *eventbus.Event) error {
		if !matchesRequestID(e, requestID) {
			return nil
		}
		select {
		case result <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to response topic %s: %w", responseTopic, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	kwargs["request_id"] = requestID
	event := eventbus.NewEvent(string(requestTopic), "correlator", kwargs)
	if err := c.bus.Publish(ctx, string(requestTopic), event); err != nil {
		return nil, fmt.Errorf("publishing request on %s: %w", requestTopic, err)
	}

	select {
	case e := <-result:
		if errData, ok := e.Data["error"]; ok {
			return nil, errorFromPayload(errData)
		}
		if res, ok := e.Data["result"].(map[string]interface{}); ok {
			return res, nil
		}
		return e.Data, nil
	case <-time.After(c.timeout):
		return nil, apperrors.New(apperrors.KindGatewayTimeout, fmt.Sprintf("no response on %s for request %d within %s", responseTopic, requestID, c.timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// matchesRequestID tolerates both the in-process numeric type (int64,
// set directly by a local publisher) and the JSON-decoded type
// (float64, arriving over a NATS-backed bus).
func matchesRequestID(e *eventbus.Event, requestID int64) bool {
	switch v := e.Data["request_id"].(type) {
	case int64:
		return v == requestID
	case float64:
		return int64(v) == requestID
	default:
		return false
	}
}

// errorFromPayload reconstructs a classified apperrors.Error from the
// {kind, message[, stacktrace]} exception payload spec.md §7 describes
// the SES publishing on failure.
func errorFromPayload(raw interface{}) error {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return apperrors.New(apperrors.KindScriptExecutionError, fmt.Sprintf("%v", raw))
	}
	kind, _ := payload["kind"].(string)
	message, _ := payload["message"].(string)
	stacktrace, _ := payload["stacktrace"].(string)
	if stacktrace != "" {
		return apperrors.WithStacktrace(apperrors.Kind(kind), message, stacktrace)
	}
	return apperrors.New(apperrors.Kind(kind), message)
}
