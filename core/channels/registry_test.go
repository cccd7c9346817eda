package channels

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vesselworks/plexus/core/messaging"
)

func newTestRegistry() *Registry {
	return NewRegistry(DefaultRegistryConfig())
}

func newTestMessage(kind string) *messaging.Message {
	return messaging.New(kind, "payload").WithFrom("sender").WithTo("receiver")
}

// TestNewRegistry_Defaults verifies the standard channels exist at startup.
func TestNewRegistry_Defaults(t *testing.T) {
	registry := newTestRegistry()

	names := registry.Names()
	if len(names) != 5 {
		t.Fatalf("got %d channels, want 5", len(names))
	}

	for _, want := range DefaultChannels() {
		if _, ok := registry.Get(want); !ok {
			t.Errorf("default channel %q missing", want)
		}
	}
}

// TestRegistry_Create verifies creation and the duplicate guard.
func TestRegistry_Create(t *testing.T) {
	registry := newTestRegistry()

	channel, err := registry.Create("alerts")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if channel.Name() != "alerts" {
		t.Errorf("got name %q, want %q", channel.Name(), "alerts")
	}
	if channel.CreatedAt().IsZero() {
		t.Error("CreatedAt should be set")
	}

	if _, err := registry.Create("alerts"); !errors.Is(err, ErrChannelExists) {
		t.Errorf("expected ErrChannelExists, got %v", err)
	}
	if _, err := registry.Create(""); err == nil {
		t.Error("expected error for empty name")
	}
}

// TestRegistry_JoinLeave verifies membership mutation and idempotence.
func TestRegistry_JoinLeave(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("alerts"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := registry.Join("missing", "agent-a"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}

	if err := registry.Join("alerts", "agent-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := registry.Join("alerts", "agent-a"); err != nil {
		t.Fatalf("second Join failed: %v", err)
	}

	channel, _ := registry.Get("alerts")
	if subs := channel.Subscribers(); len(subs) != 1 || subs[0] != "agent-a" {
		t.Errorf("got subscribers %v, want [agent-a]", subs)
	}

	if err := registry.Leave("alerts", "agent-a"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := registry.Leave("alerts", "agent-a"); err != nil {
		t.Fatalf("second Leave failed: %v", err)
	}
	if channel.HasSubscriber("agent-a") {
		t.Error("agent should no longer be subscribed")
	}

	if err := registry.Leave("missing", "agent-a"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

// TestRegistry_Publish verifies fan-out targets and history append.
func TestRegistry_Publish(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("alerts"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := registry.Join("alerts", "agent-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	subscribers, err := registry.Publish("alerts", newTestMessage("alert.fired"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(subscribers) != 1 || subscribers[0] != "agent-a" {
		t.Errorf("got subscribers %v, want [agent-a]", subscribers)
	}

	history, err := registry.History("alerts")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Kind != "alert.fired" {
		t.Errorf("got history %v, want one alert.fired entry", history)
	}

	if _, err := registry.Publish("missing", newTestMessage("x")); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	if _, err := registry.Publish("alerts", nil); err == nil {
		t.Error("expected error for nil message")
	}
}

// TestRegistry_Publish_HistoryBound verifies the oldest entries evict
// beyond the limit.
func TestRegistry_Publish_HistoryBound(t *testing.T) {
	registry := NewRegistry(RegistryConfig{HistoryLimit: 3, Defaults: []string{}})
	if _, err := registry.Create("alerts"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := registry.Publish("alerts", newTestMessage(fmt.Sprintf("alert.%d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	history, err := registry.History("alerts")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d entries, want 3", len(history))
	}
	for i, want := range []string{"alert.2", "alert.3", "alert.4"} {
		if history[i].Kind != want {
			t.Errorf("entry %d: got kind %q, want %q", i, history[i].Kind, want)
		}
	}
}

// TestChannel_History_ExcludesExpired verifies ttl filtering at the
// replay boundary.
func TestChannel_History_ExcludesExpired(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("alerts"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	durable := newTestMessage("alert.durable")
	fleeting := newTestMessage("alert.fleeting").WithTTL(time.Minute)
	if _, err := registry.Publish("alerts", durable); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := registry.Publish("alerts", fleeting); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	channel, _ := registry.Get("alerts")

	now := channel.historyAt(time.Now())
	if len(now) != 2 {
		t.Errorf("got %d entries now, want 2", len(now))
	}

	later := channel.historyAt(time.Now().Add(2 * time.Minute))
	if len(later) != 1 || later[0].Kind != "alert.durable" {
		t.Errorf("expired entry should drop from replay, got %d entries", len(later))
	}
}

// TestRegistry_LeaveAll verifies membership teardown across channels.
func TestRegistry_LeaveAll(t *testing.T) {
	registry := newTestRegistry()

	for _, name := range []string{SystemEvents, ErrorEvents, HealthMonitoring} {
		if err := registry.Join(name, "agent-a"); err != nil {
			t.Fatalf("Join %s failed: %v", name, err)
		}
	}

	if removed := registry.LeaveAll("agent-a"); removed != 3 {
		t.Errorf("got %d removed, want 3", removed)
	}
	for _, name := range registry.Names() {
		channel, _ := registry.Get(name)
		if channel.HasSubscriber("agent-a") {
			t.Errorf("agent still subscribed to %s", name)
		}
	}

	if removed := registry.LeaveAll("agent-a"); removed != 0 {
		t.Errorf("second LeaveAll removed %d, want 0", removed)
	}
}

// TestRegistry_List verifies the read-boundary view.
func TestRegistry_List(t *testing.T) {
	registry := NewRegistry(RegistryConfig{Defaults: []string{}})
	if _, err := registry.Create("beta"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := registry.Create("alpha"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := registry.Join("alpha", "agent-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := registry.Publish("alpha", newTestMessage("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	infos := registry.List()
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Errorf("infos should sort by name, got %s, %s", infos[0].Name, infos[1].Name)
	}
	if infos[0].Subscribers != 1 {
		t.Errorf("got %d subscribers, want 1", infos[0].Subscribers)
	}
	if infos[0].HistoryLen != 1 {
		t.Errorf("got history len %d, want 1", infos[0].HistoryLen)
	}
}

// TestRegistry_ConcurrentPublish verifies counters and bounds under
// contention.
func TestRegistry_ConcurrentPublish(t *testing.T) {
	registry := NewRegistry(RegistryConfig{HistoryLimit: 100, Defaults: []string{}})
	if _, err := registry.Create("alerts"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _ = registry.Publish("alerts", newTestMessage(fmt.Sprintf("alert.%d.%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	stats := registry.Stats()
	if stats.Published != workers*perWorker {
		t.Errorf("got %d published, want %d", stats.Published, workers*perWorker)
	}

	history, err := registry.History("alerts")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 100 {
		t.Errorf("got %d entries, want 100", len(history))
	}
}
