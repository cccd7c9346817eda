package system

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/config"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/resources"
	"github.com/vesselworks/plexus/core/routing"
)

// =============================================================================
// System Kernel Tests
// =============================================================================

// testConfig returns the default config with the status store disabled so
// plain tests never touch the filesystem.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Status.Enabled = false
	return cfg
}

func newTestSystem(t *testing.T, cfg *config.Config) *System {
	t.Helper()

	sys, err := New(cfg, nil)
	require.NoError(t, err, "New")
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

// inbox records messages delivered to an agent.
type inbox struct {
	mu       sync.Mutex
	messages []*messaging.Message
}

func (i *inbox) handle(msg *messaging.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

func (i *inbox) kinds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	kinds := make([]string, len(i.messages))
	for n, msg := range i.messages {
		kinds[n] = msg.Kind
	}
	return kinds
}

func channelKinds(t *testing.T, sys *System, channel string) []string {
	t.Helper()

	history, err := sys.ChannelHistory(channel)
	require.NoError(t, err, "ChannelHistory")
	kinds := make([]string, len(history))
	for i, msg := range history {
		kinds[i] = msg.Kind
	}
	return kinds
}

func TestNewWiresComponents(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	require.NotNil(t, sys.Router(), "router")
	require.NotNil(t, sys.ChannelRegistry(), "channel registry")
	require.NotNil(t, sys.Allocator(), "allocator")
	require.NotNil(t, sys.Events(), "event publisher")
	assert.Nil(t, sys.StatusStore(), "status store disabled by test config")

	assert.ElementsMatch(t, channels.DefaultChannels(), sys.ChannelRegistry().Names(),
		"default channels created")

	snapshot := sys.SystemResources()
	assert.Len(t, snapshot.Pools, 4, "four pools from default config")
}

func TestNewParsesPoolSizes(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.Memory = config.PoolConfig{Total: "16GB", Reserved: "1GB"}
	cfg.Resources.Compute = config.PoolConfig{Total: "50 units", Reserved: ""}
	sys := newTestSystem(t, cfg)

	var memory, compute resources.PoolSnapshot
	for _, pool := range sys.SystemResources().Pools {
		switch pool.Type {
		case resources.ResourceMemory:
			memory = pool
		case resources.ResourceCompute:
			compute = pool
		}
	}

	assert.Equal(t, int64(16<<30), memory.Total, "memory total")
	assert.Equal(t, int64(1<<30), memory.Reserved, "memory reserved")
	assert.Equal(t, int64(50), compute.Total, "compute total")
	assert.Equal(t, int64(0), compute.Reserved, "compute reserved")
}

func TestNewRejectsBadPoolSize(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.Memory.Total = "plenty"

	_, err := New(cfg, nil)
	require.Error(t, err, "unparseable pool size must fail construction")
	assert.Contains(t, err.Error(), "resources.memory.total")
}

func TestConnectAndDiscover(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	box := &inbox{}
	facade, err := sys.Connect("worker-1", []string{"content-generation"}, box.handle)
	require.NoError(t, err, "Connect")
	require.Equal(t, "worker-1", facade.ID())

	assert.Equal(t, []string{"worker-1"}, sys.Discover("content-generation"))
	assert.Empty(t, sys.Discover("vision"), "no agent advertises vision")

	_, err = sys.Connect("worker-1", nil, box.handle)
	require.ErrorIs(t, err, routing.ErrAlreadyRegistered, "duplicate id rejected")

	assert.Contains(t, channelKinds(t, sys, channels.AgentLifecycle), "agent.registered",
		"registration reported on the lifecycle channel")
}

func TestConnectedAgentsExchangeMessages(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	sender, err := sys.Connect("sender", nil, (&inbox{}).handle)
	require.NoError(t, err, "Connect sender")
	box := &inbox{}
	_, err = sys.Connect("receiver", nil, box.handle)
	require.NoError(t, err, "Connect receiver")

	id, err := sender.Send("receiver", messaging.New("task.assign", map[string]any{"n": 1}))
	require.NoError(t, err, "Send")
	require.NotEmpty(t, id)

	require.Equal(t, []string{"task.assign"}, box.kinds())
}

func TestDisconnectCleansUp(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	_, err := sys.Connect("worker-1", []string{"builder"}, (&inbox{}).handle)
	require.NoError(t, err, "Connect")
	require.NoError(t, sys.JoinChannel(channels.SystemEvents, "worker-1"), "JoinChannel")
	_, err = sys.Allocate("worker-1", "memory", "100MB")
	require.NoError(t, err, "Allocate")

	sys.Disconnect("worker-1")

	assert.Empty(t, sys.Discover(""), "agent gone from the registry")
	assert.Empty(t, sys.Allocator().ActiveFor("worker-1"), "allocations released")

	channel, ok := sys.ChannelRegistry().Get(channels.SystemEvents)
	require.True(t, ok)
	assert.False(t, channel.HasSubscriber("worker-1"), "channel membership dropped")

	assert.Contains(t, channelKinds(t, sys, channels.AgentLifecycle), "agent.unregistered")
	assert.Contains(t, channelKinds(t, sys, channels.ResourceEvents), "resource.released",
		"forced release reported")
}

func TestAllocateUpdatesPoolAndPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.Memory = config.PoolConfig{Total: "1GB", Reserved: ""}
	sys := newTestSystem(t, cfg)

	record, err := sys.Allocate("agentX", "memory", "100MB")
	require.NoError(t, err, "Allocate")
	require.Equal(t, int64(100<<20), record.Amount)

	var memory resources.PoolSnapshot
	for _, pool := range sys.SystemResources().Pools {
		if pool.Type == resources.ResourceMemory {
			memory = pool
		}
	}
	assert.Equal(t, "924MB", memory.AvailableHuman, "1GB minus 100MB")
	assert.Equal(t, memory.Total, memory.Allocated+memory.Available+memory.Reserved,
		"pool conservation")

	_, err = sys.Allocate("agentX", "memory", "1GB")
	require.ErrorIs(t, err, resources.ErrInsufficientCapacity, "over-ask denied")

	kinds := channelKinds(t, sys, channels.ResourceEvents)
	assert.Contains(t, kinds, "resource.granted")
	assert.Contains(t, kinds, "resource.denied")
}

func TestAllocateRejectsBadInput(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	_, err := sys.Allocate("agentX", "plutonium", "1KG")
	require.Error(t, err, "unknown resource type")

	_, err = sys.Allocate("agentX", "memory", "lots")
	require.Error(t, err, "unparseable amount")
}

func TestReleaseIsIdempotent(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	record, err := sys.Allocate("agentX", "compute", "10 units")
	require.NoError(t, err, "Allocate")

	sys.Release(record.ID)
	sys.Release(record.ID)
	sys.Release("no-such-allocation")

	assert.Empty(t, sys.Allocator().ActiveFor("agentX"))

	released := 0
	for _, kind := range channelKinds(t, sys, channels.ResourceEvents) {
		if kind == "resource.released" {
			released++
		}
	}
	assert.Equal(t, 1, released, "double release publishes once")
}

func TestSetLimitsEnforced(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	sys.SetLimits("agentX", resources.AgentLimits{MaxMemory: 50 << 20})

	_, err := sys.Allocate("agentX", "memory", "100MB")
	require.ErrorIs(t, err, resources.ErrLimitExceeded)

	_, err = sys.Allocate("agentX", "memory", "25MB")
	require.NoError(t, err, "within the ceiling")
}

func TestPublishToChannel(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	box := &inbox{}
	_, err := sys.Connect("listener", nil, box.handle)
	require.NoError(t, err, "Connect")

	require.NoError(t, sys.CreateChannel("alerts"), "CreateChannel")
	require.NoError(t, sys.JoinChannel("alerts", "listener"), "JoinChannel")

	err = sys.PublishToChannel("alerts", messaging.New("alert.fire", map[string]any{"zone": 4}))
	require.NoError(t, err, "PublishToChannel")

	require.Equal(t, []string{"alert.fire"}, box.kinds())
	history, err := sys.ChannelHistory("alerts")
	require.NoError(t, err, "ChannelHistory")
	require.Len(t, history, 1)
	assert.Equal(t, SystemAgentID, history[0].From, "system stamps itself as sender")

	err = sys.PublishToChannel("missing", messaging.New("alert.fire", nil))
	require.ErrorIs(t, err, channels.ErrChannelNotFound)
}

func TestHealthSnapshot(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	_, err := sys.Connect("a", nil, (&inbox{}).handle)
	require.NoError(t, err)
	_, err = sys.Connect("b", nil, (&inbox{}).handle)
	require.NoError(t, err)

	health := sys.Health()
	assert.Equal(t, 2, health.Agents)
	assert.Equal(t, 5, health.Channels)
	assert.Len(t, health.Resources.Pools, 4)
	assert.False(t, health.TakenAt.IsZero())
	assert.Zero(t, health.Uptime, "uptime is zero before Start")
}

func TestStatsAggregates(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	sender, err := sys.Connect("sender", nil, (&inbox{}).handle)
	require.NoError(t, err)
	_, err = sys.Connect("receiver", nil, (&inbox{}).handle)
	require.NoError(t, err)
	_, err = sender.Send("receiver", messaging.New("task.run", nil))
	require.NoError(t, err)
	_, err = sys.Allocate("sender", "memory", "10MB")
	require.NoError(t, err)

	stats := sys.Stats()
	assert.Equal(t, int64(1), stats.Router.Routed)
	assert.Equal(t, int64(1), stats.Resources.Granted)
	assert.GreaterOrEqual(t, stats.Channels.Published, int64(1), "resource event published")
	assert.Nil(t, stats.Status, "status disabled")
}

func TestMessageStatusDisabled(t *testing.T) {
	sys := newTestSystem(t, testConfig())

	record, ok := sys.MessageStatus("any-id")
	assert.Nil(t, record)
	assert.False(t, ok)
}

func TestMessageStatusTracksDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.Status.Enabled = true
	cfg.Status.DBPath = filepath.Join(t.TempDir(), "status.db")
	sys := newTestSystem(t, cfg)
	require.NotNil(t, sys.StatusStore(), "status store enabled")

	sender, err := sys.Connect("sender", nil, (&inbox{}).handle)
	require.NoError(t, err)
	_, err = sys.Connect("receiver", nil, (&inbox{}).handle)
	require.NoError(t, err)

	id, err := sender.Send("receiver", messaging.New("task.run", nil))
	require.NoError(t, err, "Send")

	record, ok := sys.MessageStatus(id)
	require.True(t, ok, "delivered message should be tracked")
	assert.Equal(t, messaging.StatusDelivered, record.Status)
	assert.Equal(t, "receiver", record.To)

	stats := sys.Stats()
	require.NotNil(t, stats.Status, "store metrics present")
	assert.GreaterOrEqual(t, stats.Status.TotalTracked, int64(1))
}

func TestStartLifecycle(t *testing.T) {
	sys := newTestSystem(t, testConfig())
	ctx := context.Background()

	require.NoError(t, sys.Start(ctx), "first Start")
	require.ErrorIs(t, sys.Start(ctx), ErrAlreadyStarted, "second Start")

	require.NoError(t, sys.Close(), "Close")
	require.ErrorIs(t, sys.Start(ctx), ErrSystemClosed, "Start after Close")

	kinds := channelKinds(t, sys, channels.SystemEvents)
	assert.Contains(t, kinds, "system.started")
	assert.Contains(t, kinds, "system.stopping")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.System.HealthSchedule = "whenever"
	sys := newTestSystem(t, cfg)

	err := sys.Start(context.Background())
	require.Error(t, err, "invalid cron schedule")
	assert.Contains(t, err.Error(), "health schedule")
}

func TestCloseIsIdempotent(t *testing.T) {
	sys, err := New(testConfig(), nil)
	require.NoError(t, err, "New")

	require.NoError(t, sys.Close(), "first Close")
	require.NoError(t, sys.Close(), "second Close")
}

func TestSweepExpiresAllocations(t *testing.T) {
	cfg := testConfig()
	cfg.System.SweepInterval = "10ms"
	sys := newTestSystem(t, cfg)

	_, err := sys.Allocate("agentX", "memory", "50MB", resources.WithExpiry(20*time.Millisecond))
	require.NoError(t, err, "Allocate")
	require.NoError(t, sys.Start(context.Background()), "Start")

	require.Eventually(t, func() bool {
		return len(sys.Allocator().ActiveFor("agentX")) == 0
	}, 2*time.Second, 10*time.Millisecond, "sweep should settle the expired allocation")

	require.Eventually(t, func() bool {
		for _, kind := range channelKinds(t, sys, channels.ResourceEvents) {
			if kind == "resource.expired" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expiry should be reported")
}

func TestJanitorPublishesHealth(t *testing.T) {
	cfg := testConfig()
	cfg.System.HealthSchedule = "@every 100ms"
	sys := newTestSystem(t, cfg)

	require.NoError(t, sys.Start(context.Background()), "Start")

	require.Eventually(t, func() bool {
		kinds := channelKinds(t, sys, channels.HealthMonitoring)
		return len(kinds) > 0 && kinds[0] == "health.snapshot"
	}, 3*time.Second, 50*time.Millisecond, "janitor should publish health snapshots")
}

func TestDrainLoopDeliversQueued(t *testing.T) {
	cfg := testConfig()
	cfg.Router.OverloadThreshold = 1
	cfg.System.DrainInterval = "10ms"
	sys := newTestSystem(t, cfg)

	gate := make(chan struct{})
	seeded := make(chan struct{})
	box := &inbox{}
	var once sync.Once
	_, err := sys.Connect("busy", nil, func(msg *messaging.Message) error {
		if msg.Kind == "hold.seed" {
			once.Do(func() { close(seeded) })
			<-gate
			return nil
		}
		return box.handle(msg)
	})
	require.NoError(t, err, "Connect busy")

	producer, err := sys.Connect("producer", nil, (&inbox{}).handle)
	require.NoError(t, err, "Connect producer")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = producer.Send("busy", messaging.New("hold.seed", nil))
	}()
	<-seeded
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gate) }) }
	t.Cleanup(func() {
		release()
		wg.Wait()
	})

	_, err = producer.Send("busy", messaging.New("task.work", nil))
	require.NoError(t, err, "Send to overloaded target")
	require.Equal(t, 1, sys.Router().QueueDepth("busy"), "message parked in the overload queue")

	require.NoError(t, sys.Start(context.Background()), "Start")
	release()

	require.Eventually(t, func() bool {
		kinds := box.kinds()
		return len(kinds) == 1 && kinds[0] == "task.work"
	}, 2*time.Second, 10*time.Millisecond, "drain loop should deliver the queued message")
}
