package system

import (
	"log/slog"
	"sync"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/routing"
)

// =============================================================================
// Event Publisher
// =============================================================================

// SystemAgentID is the sender stamped on every event the system itself
// publishes.
const SystemAgentID = "system"

// EventPublisher fans system events out over the default channels. It
// implements routing.EventSink so the router can report agent lifecycle
// changes and delivery errors without knowing about channels.
//
// The router is bound after construction: the router needs its event sink
// at creation, and the publisher needs the router for fan-out. Events
// published before BindRouter land in channel history only.
type EventPublisher struct {
	registry *channels.Registry
	mu       sync.RWMutex
	router   *routing.Router
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher over the given channel registry.
func NewEventPublisher(registry *channels.Registry, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		registry: registry,
		logger:   logger.With("component", "events"),
	}
}

// BindRouter attaches the router used to deliver events to subscribers.
func (p *EventPublisher) BindRouter(r *routing.Router) {
	p.mu.Lock()
	p.router = r
	p.mu.Unlock()
}

// AgentEvent publishes an agent lifecycle event. Part of routing.EventSink.
func (p *EventPublisher) AgentEvent(kind, agentID string, detail map[string]any) {
	payload := map[string]any{"agent_id": agentID}
	for k, v := range detail {
		payload[k] = v
	}
	p.publish(channels.AgentLifecycle, kind, payload)
}

// ErrorEvent publishes a delivery or subsystem error. Part of
// routing.EventSink. Errors about the system's own traffic are dropped;
// publishing them would produce more system traffic to fail.
func (p *EventPublisher) ErrorEvent(source string, err error, detail map[string]any) {
	if from, ok := detail["from"].(string); ok && from == SystemAgentID {
		p.logger.Debug("suppressed error event for system traffic", "source", source, "error", err)
		return
	}

	payload := map[string]any{"source": source}
	if err != nil {
		payload["error"] = err.Error()
	}
	for k, v := range detail {
		payload[k] = v
	}
	p.publish(channels.ErrorEvents, "error.reported", payload)
}

// ResourceEvent publishes an allocation lifecycle event: granted,
// released, denied, expired.
func (p *EventPublisher) ResourceEvent(kind, agentID string, detail map[string]any) {
	payload := map[string]any{"agent_id": agentID}
	for k, v := range detail {
		payload[k] = v
	}
	p.publish(channels.ResourceEvents, kind, payload)
}

// SystemEvent publishes a kernel lifecycle event.
func (p *EventPublisher) SystemEvent(kind string, detail map[string]any) {
	p.publish(channels.SystemEvents, kind, detail)
}

// PublishHealth publishes a health snapshot to the monitoring channel.
func (p *EventPublisher) PublishHealth(snapshot HealthSnapshot) {
	p.publish(channels.HealthMonitoring, "health.snapshot", map[string]any{
		"taken_at":        snapshot.TakenAt,
		"agents":          snapshot.Agents,
		"messages_routed": snapshot.MessagesRouted,
		"delivery_p95_ms": snapshot.DeliveryP95,
		"queue_depth":     snapshot.QueueDepth,
		"retry_depth":     snapshot.RetryDepth,
		"channels":        snapshot.Channels,
		"resources":       snapshot.Resources,
	})
}

// publish records the event in channel history and fans it out to the
// channel's current subscribers. Best effort: a missing channel or a full
// subscriber only shows up in logs.
func (p *EventPublisher) publish(channel, kind string, payload map[string]any) {
	msg := messaging.New(kind, payload).
		WithFrom(SystemAgentID).
		WithTo(channel)

	subscribers, err := p.registry.Publish(channel, msg)
	if err != nil {
		p.logger.Debug("event channel unavailable", "channel", channel, "kind", kind, "error", err)
		return
	}

	p.mu.RLock()
	router := p.router
	p.mu.RUnlock()
	if router == nil || len(subscribers) == 0 {
		return
	}

	if err := router.Fanout(msg, subscribers); err != nil {
		p.logger.Debug("event fan-out failed", "channel", channel, "kind", kind, "error", err)
	}
}
