package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/events/bus"
	"go.uber.org/zap"
)

// Source is implemented by droidexec.Manager.
type Source interface {
	OnEvent(fn func(droidexec.Event)) (unsubscribe func())
}

// Bridge republishes every exec event on the bus. The returned function
// detaches it.
func Bridge(src Source, b bus.EventBus, prefix, machineID string, log *logger.Logger) func() {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("events-bridge")

	return src.OnEvent(func(ev droidexec.Event) {
		out := &bus.Event{
			ID:        uuid.NewString(),
			Type:      string(ev.Type),
			Source:    machineID,
			SessionID: ev.SessionID,
			Timestamp: ev.At.UTC(),
			Data:      ev.Data,
		}
		subject := Subject(prefix, ev.Type)
		if err := b.Publish(context.Background(), subject, out); err != nil {
			log.Warn("failed to mirror exec event",
				zap.String("subject", subject),
				zap.String("session_id", ev.SessionID),
				zap.Error(err))
		}
	})
}
