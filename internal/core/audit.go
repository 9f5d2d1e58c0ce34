package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/agent"
)

// AuditAgentEvents records registry lifecycle events into the store until ctx
// ends. Message events are not persisted; only connects and disconnects.
func AuditAgentEvents(ctx context.Context, store *Store, bus *agent.Bus, log zerolog.Logger) {
	ch, _ := bus.Subscribe(ctx)
	for ev := range ch {
		var kind string
		switch ev.Kind {
		case agent.EventConnected:
			kind = "connected"
		case agent.EventDisconnected:
			kind = "disconnected"
		default:
			continue
		}
		if err := store.RecordAgentEvent(ctx, ev.Node, kind, ev.Reason); err != nil {
			log.Warn().Err(err).Str("node", ev.Node).Msg("audit write failed")
		}
	}
}
