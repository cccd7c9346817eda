package comm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/resources"
	"github.com/vesselworks/plexus/core/routing"
)

// =============================================================================
// Agent Communication Facade
// =============================================================================
//
// Communicator is one agent's handle to the substrate. It stamps identity
// onto outgoing messages and forwards to the router, channel registry, and
// allocator; it owns no state of its own beyond the binding.

// Deps are the substrate components a Communicator forwards to.
type Deps struct {
	Router    *routing.Router
	Channels  *channels.Registry
	Allocator *resources.Allocator
	Logger    *slog.Logger
}

func (d Deps) validate() error {
	if d.Router == nil {
		return fmt.Errorf("router is required")
	}
	if d.Channels == nil {
		return fmt.Errorf("channel registry is required")
	}
	if d.Allocator == nil {
		return fmt.Errorf("allocator is required")
	}
	return nil
}

// Communicator is the per-agent communication facade.
type Communicator struct {
	agentID   string
	router    *routing.Router
	registry  *channels.Registry
	allocator *resources.Allocator
	logger    *slog.Logger
}

// New binds a facade to an agent identity. The agent must already be
// registered with the router for inbound delivery; the facade only covers
// the outbound surface.
func New(agentID string, deps Deps) (*Communicator, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Communicator{
		agentID:   agentID,
		router:    deps.Router,
		registry:  deps.Channels,
		allocator: deps.Allocator,
		logger:    logger.With("component", "comm", "agent", agentID),
	}, nil
}

// ID returns the bound agent id.
func (c *Communicator) ID() string {
	return c.agentID
}

// =============================================================================
// Messaging
// =============================================================================

// Send routes a message to one agent. The draft's identity fields are
// stamped here; the returned id is the handle for status lookups. The only
// synchronous failure is validation.
func (c *Communicator) Send(targetID string, draft *messaging.Message) (string, error) {
	msg, err := c.prepare(draft, targetID)
	if err != nil {
		return "", err
	}
	if err := c.router.Route(msg); err != nil {
		return "", err
	}

	c.logger.Debug("message sent", "message_id", msg.ID, "to", targetID, "kind", msg.Kind)
	return msg.ID, nil
}

// Broadcast routes a message to every other registered agent.
func (c *Communicator) Broadcast(draft *messaging.Message) (string, error) {
	msg, err := c.prepare(draft, messaging.Broadcast)
	if err != nil {
		return "", err
	}
	if err := c.router.Route(msg); err != nil {
		return "", err
	}

	c.logger.Debug("broadcast sent", "message_id", msg.ID, "kind", msg.Kind)
	return msg.ID, nil
}

// Reply sends a response to a received message, carrying its correlation.
// A message that was itself a reply keeps the original correlation id, so
// a whole exchange shares one.
func (c *Communicator) Reply(original *messaging.Message, draft *messaging.Message) (string, error) {
	if original == nil {
		return "", fmt.Errorf("original message is required")
	}

	msg, err := c.prepare(draft, original.From)
	if err != nil {
		return "", err
	}
	msg.CorrelationID = original.CorrelationID
	if msg.CorrelationID == "" {
		msg.CorrelationID = original.ID
	}

	if err := c.router.Route(msg); err != nil {
		return "", err
	}

	c.logger.Debug("reply sent",
		"message_id", msg.ID,
		"to", original.From,
		"correlation_id", msg.CorrelationID)
	return msg.ID, nil
}

// Subscribe observes successfully delivered messages whose kind matches
// the pattern. Patterns are exact kinds or a single trailing wildcard.
func (c *Communicator) Subscribe(pattern string, handler func(*messaging.Message)) (string, error) {
	return c.router.Subscribe(pattern, handler)
}

// Unsubscribe removes a subscription. No-op when the id is unknown.
func (c *Communicator) Unsubscribe(subscriptionID string) {
	c.router.Unsubscribe(subscriptionID)
}

// Discover returns ids of agents advertising the capability.
func (c *Communicator) Discover(capability string) []string {
	return c.router.Discover(capability)
}

// prepare stamps identity onto a draft. Callers usually build drafts with
// messaging.New; hand-built drafts get an id and timestamp here.
func (c *Communicator) prepare(draft *messaging.Message, to string) (*messaging.Message, error) {
	if draft == nil {
		return nil, fmt.Errorf("draft message is required")
	}

	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	if draft.Priority == 0 {
		draft.Priority = messaging.PriorityNormal
	}
	draft.From = c.agentID
	draft.To = to
	return draft, nil
}

// =============================================================================
// Resources
// =============================================================================

// RequestResources allocates from a system pool. The amount is a human
// string in the pool's unit family ("512MB", "2 cores", "100Mbps").
func (c *Communicator) RequestResources(resourceType, amount string, opts ...resources.AllocateOption) (*resources.AllocationRecord, error) {
	typ, err := resources.ParseResourceType(resourceType)
	if err != nil {
		return nil, err
	}
	parsed, err := resources.ParseAmount(typ, amount)
	if err != nil {
		return nil, err
	}

	record, err := c.allocator.Allocate(c.agentID, typ, parsed, opts...)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("resources allocated",
		"allocation_id", record.ID,
		"type", typ,
		"amount", resources.FormatAmount(typ, parsed))
	return record, nil
}

// Release returns an allocation to its pool. No-op when the allocation is
// unknown or already settled.
func (c *Communicator) Release(allocationID string) {
	c.allocator.Release(allocationID)
}

// Allocations returns this agent's active allocations.
func (c *Communicator) Allocations() []*resources.AllocationRecord {
	return c.allocator.ActiveFor(c.agentID)
}

// Usage returns this agent's allocated totals per resource type.
func (c *Communicator) Usage() map[resources.ResourceType]int64 {
	return c.allocator.UsageFor(c.agentID)
}

// =============================================================================
// Channels
// =============================================================================

// CreateChannel registers a new named channel.
func (c *Communicator) CreateChannel(name string) error {
	_, err := c.registry.Create(name)
	return err
}

// JoinChannel subscribes this agent to a channel.
func (c *Communicator) JoinChannel(name string) error {
	return c.registry.Join(name, c.agentID)
}

// LeaveChannel removes this agent from a channel.
func (c *Communicator) LeaveChannel(name string) error {
	return c.registry.Leave(name, c.agentID)
}

// PublishToChannel records a message in the channel's history and delivers
// it to every current subscriber, this agent included when joined.
func (c *Communicator) PublishToChannel(name string, draft *messaging.Message) (string, error) {
	msg, err := c.prepare(draft, name)
	if err != nil {
		return "", err
	}

	subscribers, err := c.registry.Publish(name, msg)
	if err != nil {
		return "", err
	}
	if err := c.router.Fanout(msg, subscribers); err != nil {
		return "", err
	}

	c.logger.Debug("channel publish",
		"message_id", msg.ID,
		"channel", name,
		"subscribers", len(subscribers))
	return msg.ID, nil
}

// ChannelHistory returns the channel's retained messages, oldest first,
// with expired entries excluded.
func (c *Communicator) ChannelHistory(name string) ([]*messaging.Message, error) {
	return c.registry.History(name)
}
