package gateway

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster pushes events to authenticated clients with a
// monotonically increasing sequence number.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a broadcaster over the client registry.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{
		Event: event,
		Data:  data,
	})
}

// BroadcastTyped sends a typed stream event, filling in sequence and
// timestamp when the caller left them zero.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	data, ok := b.prepare(&msg)
	if !ok {
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.write(data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Str("phase", msg.Phase).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendToClient delivers an event to one authenticated client.
func (b *EventBroadcaster) SendToClient(clientID string, msg EventMessage) error {
	client, exists := b.clients.Get(clientID)
	if !exists {
		return fmt.Errorf("no connected client %s", clientID)
	}
	if !client.Authenticated {
		return fmt.Errorf("client %s is not authenticated", clientID)
	}

	data, ok := b.prepare(&msg)
	if !ok {
		return fmt.Errorf("failed to encode event %s", msg.Event)
	}
	if err := client.write(data); err != nil {
		return fmt.Errorf("failed to send event to client %s: %w", clientID, err)
	}
	return nil
}

func (b *EventBroadcaster) prepare(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return nil, false
	}
	return data, true
}
