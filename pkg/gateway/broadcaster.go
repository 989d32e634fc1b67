package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// EventBroadcaster fans server events out to authenticated websocket clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an untyped event.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped stamps msg with a sequence number and timestamp when they
// are missing and sends it.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.send(msg)
}

// HandleEvent forwards an executor event.
func (b *EventBroadcaster) HandleEvent(event toolexecutor.Event) {
	stream, phase := streamFor(event.Type)

	data := map[string]interface{}{
		"id": event.ID,
	}
	if event.Duration > 0 {
		data["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Error != "" {
		data["error"] = event.Error
	}
	for k, v := range event.Data {
		data[k] = v
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	b.BroadcastTyped(EventMessage{
		Event:       "tool." + string(event.Type),
		Stream:      stream,
		Phase:       phase,
		Data:        data,
		Timestamp:   ts.UnixMilli(),
		ToolID:      event.ToolID,
		Domain:      event.Domain,
		ExecutionID: event.ExecutionID,
	})
}

// Attach subscribes the broadcaster to bus. The returned func detaches it.
func (b *EventBroadcaster) Attach(bus *toolexecutor.EventBus) func() {
	return bus.SubscribeFunc(b.HandleEvent)
}

func streamFor(t toolexecutor.EventType) (StreamType, string) {
	switch t {
	case toolexecutor.EventExecutionStarted:
		return StreamTypeTool, "start"
	case toolexecutor.EventExecutionCompleted:
		return StreamTypeTool, "end"
	case toolexecutor.EventExecutionFailed:
		return StreamTypeTool, "error"
	case toolexecutor.EventExecutionCancelled:
		return StreamTypeTool, "cancelled"
	case toolexecutor.EventCircuitStateChanged:
		return StreamTypeTool, "circuit"
	default:
		return StreamTypeLifecycle, string(t)
	}
}

func (b *EventBroadcaster) send(msg EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
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
		Int64("seq", msg.Seq).
		Int("delivered", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}
