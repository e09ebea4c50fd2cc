package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/events/bus"
)

// Bus kinds reported by ProvidedBus.Kind.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

// ProvidedBus is the event bus chosen from configuration.
type ProvidedBus struct {
	Bus  bus.EventBus
	Kind string
}

// Provide builds the event bus for cfg. With no NATS URL configured, events
// stay inside the process. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	var (
		b    bus.EventBus
		kind string
	)
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("event bus: %w", err)
		}
		b, kind = natsBus, KindNATS
	} else {
		b, kind = bus.NewMemoryEventBus(log), KindMemory
	}
	log.Debug("event bus ready", zap.String("kind", kind))

	cleanup := func() error {
		b.Close()
		return nil
	}
	return &ProvidedBus{Bus: b, Kind: kind}, cleanup, nil
}
