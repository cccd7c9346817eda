// Package system wires the communication substrate into one runnable
// kernel: router, channel registry, resource allocator, status store, and
// event publisher, plus the periodic workers that keep them moving.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/comm"
	"github.com/vesselworks/plexus/core/config"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/resources"
	"github.com/vesselworks/plexus/core/routing"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrAlreadyStarted = errors.New("system already started")
	ErrSystemClosed   = errors.New("system closed")
)

// =============================================================================
// System
// =============================================================================

// System owns the wired substrate. Construct with New, start the periodic
// workers with Start, and stop everything with Close. All public methods
// are safe for concurrent use.
type System struct {
	cfg       *config.Config
	router    *routing.Router
	registry  *channels.Registry
	allocator *resources.Allocator
	store     *messaging.StatusStore
	events    *EventPublisher
	cron      *cron.Cron
	logger    *slog.Logger

	mu        sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
	closed    bool
	startedAt time.Time
}

// New builds the substrate from the config. The status store is skipped
// when disabled; everything else is always wired.
func New(cfg *config.Config, logger *slog.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pools, err := poolSpecs(cfg.Resources)
	if err != nil {
		return nil, err
	}
	allocator, err := resources.NewAllocator(resources.AllocatorConfig{
		Pools:      pools,
		AuditLimit: cfg.Resources.AuditLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("allocator: %w", err)
	}

	registry := channels.NewRegistry(channels.RegistryConfig{
		HistoryLimit: cfg.Channels.HistoryLimit,
		Defaults:     cfg.Channels.Defaults,
		Logger:       logger,
	})
	events := NewEventPublisher(registry, logger)

	var store *messaging.StatusStore
	if cfg.Status.Enabled {
		storeCfg := messaging.DefaultStatusStoreConfig()
		if cfg.Status.DBPath != "" {
			storeCfg.DBPath = cfg.Status.DBPath
		}
		storeCfg.ColdStorageTTL = config.Duration(cfg.Status.ColdTTL, storeCfg.ColdStorageTTL)
		store, err = messaging.NewStatusStore(storeCfg)
		if err != nil {
			allocator.Close()
			return nil, fmt.Errorf("status store: %w", err)
		}
	}

	routerCfg := routing.RouterConfig{
		OverloadThreshold: cfg.Router.OverloadThreshold,
		QueueCapacity:     cfg.Router.QueueCapacity,
		Retry: routing.RetryPolicy{
			InitialDelay: config.Duration(cfg.Router.RetryInitialDelay, time.Second),
			Multiplier:   cfg.Router.RetryMultiplier,
			MaxDelay:     config.Duration(cfg.Router.RetryMaxDelay, 30*time.Second),
			MaxRetries:   cfg.Router.MaxRetries,
		},
		DedupeWindow:   config.Duration(cfg.Router.DedupeWindow, routing.DefaultDedupeWindow),
		DedupeCapacity: cfg.Router.DedupeCapacity,
		Events:         events,
		Logger:         logger,
	}
	if store != nil {
		routerCfg.Status = store
	}
	router := routing.NewRouter(routerCfg)
	events.BindRouter(router)

	return &System{
		cfg:       cfg,
		router:    router,
		registry:  registry,
		allocator: allocator,
		store:     store,
		events:    events,
		logger:    logger.With("component", "system"),
		done:      make(chan struct{}),
	}, nil
}

// poolSpecs parses the configured human-readable pool sizes.
func poolSpecs(cfg config.ResourcesConfig) ([]resources.PoolSpec, error) {
	entries := []struct {
		typ  resources.ResourceType
		pool config.PoolConfig
	}{
		{resources.ResourceMemory, cfg.Memory},
		{resources.ResourceCompute, cfg.Compute},
		{resources.ResourceStorage, cfg.Storage},
		{resources.ResourceNetwork, cfg.Network},
	}

	specs := make([]resources.PoolSpec, 0, len(entries))
	for _, entry := range entries {
		total, err := resources.ParseAmount(entry.typ, entry.pool.Total)
		if err != nil {
			return nil, fmt.Errorf("resources.%s.total: %w", entry.typ, err)
		}
		var reserved int64
		if entry.pool.Reserved != "" {
			reserved, err = resources.ParseAmount(entry.typ, entry.pool.Reserved)
			if err != nil {
				return nil, fmt.Errorf("resources.%s.reserved: %w", entry.typ, err)
			}
		}
		specs = append(specs, resources.PoolSpec{Type: entry.typ, Total: total, Reserved: reserved})
	}
	return specs, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the periodic workers: queue drain, retry drain,
// allocation expiry sweep, and the cron janitor. The context cancels all
// of them; so does Close.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSystemClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.scheduleJanitor(); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	drain := config.Duration(s.cfg.System.DrainInterval, 100*time.Millisecond)
	retry := config.Duration(s.cfg.System.RetryInterval, time.Second)
	sweep := config.Duration(s.cfg.System.SweepInterval, time.Second)

	s.wg.Add(3)
	go s.tickLoop(ctx, drain, func(now time.Time) { s.router.DrainQueues(now) })
	go s.tickLoop(ctx, retry, func(now time.Time) { s.router.DrainRetries(now) })
	go s.tickLoop(ctx, sweep, s.sweepExpired)
	s.cron.Start()

	s.events.SystemEvent("system.started", map[string]any{
		"drain_interval": drain.String(),
		"retry_interval": retry.String(),
		"sweep_interval": sweep.String(),
	})
	s.logger.Info("system started",
		"drain_interval", drain,
		"retry_interval", retry,
		"sweep_interval", sweep)
	return nil
}

// scheduleJanitor registers the slow jobs: status archive cleanup and the
// health snapshot.
func (s *System) scheduleJanitor() error {
	c := cron.New()

	if s.store != nil {
		schedule := s.cfg.System.CleanupSchedule
		if _, err := c.AddFunc(schedule, s.cleanupStatus); err != nil {
			return fmt.Errorf("cleanup schedule %q: %w", schedule, err)
		}
	}

	schedule := s.cfg.System.HealthSchedule
	if _, err := c.AddFunc(schedule, func() { s.events.PublishHealth(s.Health()) }); err != nil {
		return fmt.Errorf("health schedule %q: %w", schedule, err)
	}

	s.cron = c
	return nil
}

func (s *System) cleanupStatus() {
	removed, err := s.store.Cleanup()
	if err != nil {
		s.logger.Warn("status cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("status archive cleaned", "removed", removed)
	}
}

func (s *System) tickLoop(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// sweepExpired settles timed-out allocations and reports each one.
func (s *System) sweepExpired(now time.Time) {
	for _, record := range s.allocator.SweepExpired(now) {
		s.events.ResourceEvent("resource.expired", record.AgentID, map[string]any{
			"allocation_id": record.ID,
			"type":          string(record.Type),
			"amount":        resources.FormatAmount(record.Type, record.Amount),
		})
	}
}

// Close stops the workers and closes every component. Safe to call twice.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasStarted := s.started
	startedAt := s.startedAt
	s.mu.Unlock()

	if wasStarted {
		s.events.SystemEvent("system.stopping", map[string]any{
			"uptime": time.Since(startedAt).String(),
		})
		close(s.done)
		s.wg.Wait()
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	}

	var errs []error
	if err := s.router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.allocator.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.store != nil {
		if err := s.store.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("system closed")
	return errors.Join(errs...)
}

// =============================================================================
// Agent Surface
// =============================================================================

// Connect registers an agent and returns its communicator.
func (s *System) Connect(agentID string, capabilities []string, handler routing.Handler) (*comm.Communicator, error) {
	if err := s.router.Register(agentID, capabilities, handler); err != nil {
		return nil, err
	}
	return comm.New(agentID, comm.Deps{
		Router:    s.router,
		Channels:  s.registry,
		Allocator: s.allocator,
		Logger:    s.logger,
	})
}

// Disconnect unregisters an agent, removes its channel memberships, and
// releases its active allocations.
func (s *System) Disconnect(agentID string) {
	s.router.Unregister(agentID)

	if left := s.registry.LeaveAll(agentID); left > 0 {
		s.logger.Debug("channel memberships dropped", "agent_id", agentID, "channels", left)
	}

	for _, record := range s.allocator.ActiveFor(agentID) {
		s.allocator.Release(record.ID)
		s.events.ResourceEvent("resource.released", agentID, map[string]any{
			"allocation_id": record.ID,
			"type":          string(record.Type),
			"amount":        resources.FormatAmount(record.Type, record.Amount),
			"reason":        "disconnect",
		})
	}
}

// Discover lists agents by capability; empty lists everyone.
func (s *System) Discover(capability string) []string {
	return s.router.Discover(capability)
}

// =============================================================================
// Resource Surface
// =============================================================================

// Allocate grants capacity from a pool, both arguments human-readable
// ("memory", "100MB"). Grants and denials are reported on the resource
// events channel.
func (s *System) Allocate(agentID, resourceType, amount string, opts ...resources.AllocateOption) (*resources.AllocationRecord, error) {
	typ, err := resources.ParseResourceType(resourceType)
	if err != nil {
		return nil, err
	}
	parsed, err := resources.ParseAmount(typ, amount)
	if err != nil {
		return nil, err
	}

	record, err := s.allocator.Allocate(agentID, typ, parsed, opts...)
	if err != nil {
		s.events.ResourceEvent("resource.denied", agentID, map[string]any{
			"type":   string(typ),
			"amount": amount,
			"reason": err.Error(),
		})
		return nil, err
	}

	s.events.ResourceEvent("resource.granted", agentID, map[string]any{
		"allocation_id": record.ID,
		"type":          string(record.Type),
		"amount":        resources.FormatAmount(record.Type, record.Amount),
	})
	return record, nil
}

// Release returns an allocation's capacity. No-op when already settled.
func (s *System) Release(allocationID string) {
	record, ok := s.allocator.Get(allocationID)
	active := ok && record.Status == resources.AllocationActive

	s.allocator.Release(allocationID)

	if active {
		s.events.ResourceEvent("resource.released", record.AgentID, map[string]any{
			"allocation_id": record.ID,
			"type":          string(record.Type),
			"amount":        resources.FormatAmount(record.Type, record.Amount),
		})
	}
}

// SetLimits installs per-agent allocation ceilings.
func (s *System) SetLimits(agentID string, limits resources.AgentLimits) {
	s.allocator.SetLimits(agentID, limits)
}

// SystemResources returns the pool accounting snapshot.
func (s *System) SystemResources() resources.Snapshot {
	return s.allocator.Snapshot()
}

// =============================================================================
// Channel Surface
// =============================================================================

// CreateChannel adds a named channel.
func (s *System) CreateChannel(name string) error {
	_, err := s.registry.Create(name)
	return err
}

// JoinChannel subscribes an agent to a channel.
func (s *System) JoinChannel(name, agentID string) error {
	return s.registry.Join(name, agentID)
}

// LeaveChannel removes an agent from a channel.
func (s *System) LeaveChannel(name, agentID string) error {
	return s.registry.Leave(name, agentID)
}

// PublishToChannel stamps a draft and delivers it to the channel's
// current subscribers. The sender defaults to the system itself.
func (s *System) PublishToChannel(name string, msg *messaging.Message) error {
	if msg == nil {
		return messaging.ErrInvalidMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = SystemAgentID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Priority == 0 {
		msg.Priority = messaging.PriorityNormal
	}
	msg.To = name

	subscribers, err := s.registry.Publish(name, msg)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return nil
	}
	return s.router.Fanout(msg, subscribers)
}

// ChannelHistory returns a channel's retained, unexpired history.
func (s *System) ChannelHistory(name string) ([]*messaging.Message, error) {
	return s.registry.History(name)
}

// =============================================================================
// Introspection
// =============================================================================

// HealthSnapshot is the periodic health report published to the
// monitoring channel.
type HealthSnapshot struct {
	TakenAt        time.Time          `json:"taken_at"`
	Uptime         time.Duration      `json:"uptime"`
	Agents         int                `json:"agents"`
	MessagesRouted int64              `json:"messages_routed"`
	DeliveryP95    float64            `json:"delivery_p95_ms"`
	QueueDepth     int                `json:"queue_depth"`
	RetryDepth     int                `json:"retry_depth"`
	Channels       int                `json:"channels"`
	Resources      resources.Snapshot `json:"resources"`
}

// Health assembles the current health snapshot.
func (s *System) Health() HealthSnapshot {
	routerStats := s.router.Stats()

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	return HealthSnapshot{
		TakenAt:        time.Now(),
		Uptime:         uptime,
		Agents:         routerStats.Agents,
		MessagesRouted: routerStats.Routed,
		DeliveryP95:    routerStats.LatencyP95Ms,
		QueueDepth:     routerStats.QueueDepth,
		RetryDepth:     routerStats.RetryDepth,
		Channels:       len(s.registry.Names()),
		Resources:      s.allocator.Snapshot(),
	}
}

// SystemStats aggregates the component counters.
type SystemStats struct {
	Router    routing.RouterStats           `json:"router"`
	Channels  channels.RegistryStats        `json:"channels"`
	Resources resources.AllocatorStats      `json:"resources"`
	Status    *messaging.StatusStoreMetrics `json:"status,omitempty"`
}

// Stats returns a snapshot of every component's counters.
func (s *System) Stats() SystemStats {
	stats := SystemStats{
		Router:    s.router.Stats(),
		Channels:  s.registry.Stats(),
		Resources: s.allocator.Stats(),
	}
	if s.store != nil {
		m := s.store.Stats()
		stats.Status = &m
	}
	return stats
}

// MessageStatus looks up a message's tracked status record. Returns false
// when tracking is disabled or the id is unknown.
func (s *System) MessageStatus(id string) (*messaging.StatusRecord, bool) {
	if s.store == nil {
		return nil, false
	}
	return s.store.Get(id)
}

// Router exposes the message router.
func (s *System) Router() *routing.Router { return s.router }

// ChannelRegistry exposes the channel registry.
func (s *System) ChannelRegistry() *channels.Registry { return s.registry }

// Allocator exposes the resource allocator.
func (s *System) Allocator() *resources.Allocator { return s.allocator }

// StatusStore exposes the status store; nil when disabled.
func (s *System) StatusStore() *messaging.StatusStore { return s.store }

// Events exposes the event publisher.
func (s *System) Events() *EventPublisher { return s.events }
