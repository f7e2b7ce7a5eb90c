package events

import (
	"fmt"
	"strings"

	"github.com/kandev/droidctl/internal/common/config"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/events/bus"
	"go.uber.org/zap"
)

// Bus backends reported by Provided.Backend.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Provided is the event bus selected from configuration.
type Provided struct {
	Bus     bus.EventBus
	Backend string
}

// Provide connects to NATS when nats.url is set and falls back to the
// in-process bus otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*Provided, func(), error) {
	if log == nil {
		log = logger.Default()
	}
	var (
		b       bus.EventBus
		backend string
	)
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nb, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("event bus: %w", err)
		}
		b, backend = nb, BackendNATS
	} else {
		b, backend = bus.NewMemoryEventBus(log), BackendMemory
	}
	log.Info("event bus ready", zap.String("backend", backend))
	return &Provided{Bus: b, Backend: backend}, b.Close, nil
}
