package channels

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Channel Registry
// =============================================================================
//
// Named pub/sub channels agents join and publish to. The registry owns the
// channel map; each channel owns its subscriber set and a bounded history.
// Publishing appends to history and hands the current subscriber set back
// to the caller for fan-out; the registry itself never delivers.

// Default channels created at registry startup.
const (
	SystemEvents     = "system-events"
	AgentLifecycle   = "agent-lifecycle"
	ResourceEvents   = "resource-events"
	ErrorEvents      = "error-events"
	HealthMonitoring = "health-monitoring"
)

// DefaultChannels lists the channels every registry starts with.
func DefaultChannels() []string {
	return []string{
		SystemEvents,
		AgentLifecycle,
		ResourceEvents,
		ErrorEvents,
		HealthMonitoring,
	}
}

// Common channel errors.
var (
	ErrChannelExists   = errors.New("channel already exists")
	ErrChannelNotFound = errors.New("channel not found")
)

// =============================================================================
// Channel
// =============================================================================

// Channel is one named topic: a subscriber set plus a bounded message
// history. All access goes through its methods; the registry hands out
// *Channel but the zero value is unusable.
type Channel struct {
	mu           sync.RWMutex
	name         string
	createdAt    time.Time
	subscribers  map[string]struct{}
	history      []*messaging.Message
	historyLimit int
}

func newChannel(name string, historyLimit int) *Channel {
	return &Channel{
		name:         name,
		createdAt:    time.Now(),
		subscribers:  make(map[string]struct{}),
		history:      make([]*messaging.Message, 0, historyLimit),
		historyLimit: historyLimit,
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// CreatedAt returns the channel creation time.
func (c *Channel) CreatedAt() time.Time {
	return c.createdAt
}

// Subscribers returns the current subscriber ids, sorted.
func (c *Channel) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSubscriber reports whether an agent is joined to the channel.
func (c *Channel) HasSubscriber(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[agentID]
	return ok
}

// join and leave are idempotent set mutations.
func (c *Channel) join(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[agentID] = struct{}{}
}

func (c *Channel) leave(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, agentID)
}

// publish appends to history, evicting the oldest entries beyond the
// limit, and returns the subscriber set for fan-out.
func (c *Channel) publish(msg *messaging.Message) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, msg)
	if len(c.history) > c.historyLimit {
		overflow := len(c.history) - c.historyLimit
		c.history = append(c.history[:0], c.history[overflow:]...)
	}

	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// History returns retained entries oldest-first, excluding messages whose
// ttl has lapsed. Join does not replay; this is the explicit replay read.
func (c *Channel) History() []*messaging.Message {
	return c.historyAt(time.Now())
}

func (c *Channel) historyAt(now time.Time) []*messaging.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*messaging.Message, 0, len(c.history))
	for _, msg := range c.history {
		if msg.IsExpiredAt(now) {
			continue
		}
		entries = append(entries, msg)
	}
	return entries
}

// =============================================================================
// Registry
// =============================================================================

// RegistryConfig configures the channel registry.
type RegistryConfig struct {
	// HistoryLimit bounds each channel's retained history.
	HistoryLimit int

	// Defaults are created at startup. DefaultChannels() when nil.
	Defaults []string

	// Logger for channel lifecycle (slog.Default when nil).
	Logger *slog.Logger
}

// DefaultRegistryConfig returns the standard registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HistoryLimit: 100,
		Defaults:     DefaultChannels(),
	}
}

// Registry manages the named channels.
type Registry struct {
	mu           sync.RWMutex
	channels     map[string]*Channel
	historyLimit int
	published    int64
	logger       *slog.Logger
}

// NewRegistry creates a registry with the configured default channels.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.Defaults == nil {
		cfg.Defaults = DefaultChannels()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry := &Registry{
		channels:     make(map[string]*Channel),
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.With("component", "channels"),
	}
	for _, name := range cfg.Defaults {
		registry.channels[name] = newChannel(name, cfg.HistoryLimit)
	}
	return registry
}

// Create adds a channel. Fails with ErrChannelExists when the name is
// already taken.
func (r *Registry) Create(name string) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrChannelExists, name)
	}

	channel := newChannel(name, r.historyLimit)
	r.channels[name] = channel

	r.logger.Debug("channel created", "channel", name)
	return channel, nil
}

// Get returns a channel by name.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.channels[name]
	return channel, ok
}

// Join adds an agent to a channel's subscriber set. Idempotent.
func (r *Registry) Join(name, agentID string) error {
	channel, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	channel.join(agentID)
	return nil
}

// Leave removes an agent from a channel's subscriber set. Idempotent.
func (r *Registry) Leave(name, agentID string) error {
	channel, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	channel.leave(agentID)
	return nil
}

// LeaveAll removes an agent from every channel and returns how many
// memberships were dropped.
func (r *Registry) LeaveAll(agentID string) int {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, channel := range r.channels {
		channels = append(channels, channel)
	}
	r.mu.RUnlock()

	removed := 0
	for _, channel := range channels {
		if channel.HasSubscriber(agentID) {
			channel.leave(agentID)
			removed++
		}
	}
	return removed
}

// Publish appends the message to the channel history and returns the
// subscriber ids the caller should fan out to.
func (r *Registry) Publish(name string, msg *messaging.Message) ([]string, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}

	channel, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}

	subscribers := channel.publish(msg)

	r.mu.Lock()
	r.published++
	r.mu.Unlock()

	return subscribers, nil
}

// History returns a channel's retained non-expired entries, oldest-first.
func (r *Registry) History(name string) ([]*messaging.Message, error) {
	channel, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	return channel.History(), nil
}

// Names returns all channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelInfo is the read-boundary view of one channel.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Subscribers int       `json:"subscribers"`
	HistoryLen  int       `json:"history_len"`
	CreatedAt   time.Time `json:"created_at"`
}

// List returns info for every channel, sorted by name.
func (r *Registry) List() []ChannelInfo {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, channel := range r.channels {
		channels = append(channels, channel)
	}
	r.mu.RUnlock()

	infos := make([]ChannelInfo, 0, len(channels))
	for _, channel := range channels {
		channel.mu.RLock()
		infos = append(infos, ChannelInfo{
			Name:        channel.name,
			Subscribers: len(channel.subscribers),
			HistoryLen:  len(channel.history),
			CreatedAt:   channel.createdAt,
		})
		channel.mu.RUnlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RegistryStats contains registry counters.
type RegistryStats struct {
	Channels  int   `json:"channels"`
	Published int64 `json:"published"`
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Channels:  len(r.channels),
		Published: r.published,
	}
}
