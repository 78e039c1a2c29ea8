package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Bridge forwards orchestrator events from the bus to every connected
// websocket client. Event types map one-to-one onto broadcast types.
type Bridge struct {
	eventBus bus.EventBus
	hub      *Hub
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewBridge creates a bus-to-hub bridge.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		eventBus: eventBus,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to all agent and orchestrator subjects.
func (b *Bridge) Start() error {
	for _, subject := range []string{bus.SubjectAgentAll, bus.SubjectOrchestratorAll} {
		sub, err := b.eventBus.Subscribe(subject, b.forward)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop tears down the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	b.subs = nil
}

func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	b.hub.Broadcast(ws.NewBroadcast(event.Type, event.Data))
	return nil
}
