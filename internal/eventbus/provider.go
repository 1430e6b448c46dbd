package eventbus

import (
	"fmt"

	"github.com/ska-telescope/sec/internal/config"
	"github.com/ska-telescope/sec/internal/logger"
)

// Provided bundles a constructed Bus with the cleanup its backing
// transport needs at shutdown.
type Provided struct {
	Bus     Bus
	Cleanup func() error
}

// Provide selects a NATS-backed bus when cfg.NATSURL is set, otherwise
// an in-process MemoryEventBus, mirroring the teacher's own
// NATS-or-memory selection in its unified entrypoint.
func Provide(cfg config.EventsConfig, log *logger.Logger) (*Provided, error) {
	if cfg.NATSURL == "" {
		bus := NewMemoryEventBus(log)
		return &Provided{Bus: bus, Cleanup: func() error { bus.Close(); return nil }}, nil
	}

	bus, err := NewNATSEventBus(NATSConfig{URL: cfg.NATSURL, ClientID: cfg.Source, MaxReconnects: 10}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to provide NATS event bus: %w", err)
	}
	return &Provided{Bus: bus, Cleanup: func() error { bus.Close(); return nil }}, nil
}
