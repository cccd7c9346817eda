package routing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Agent Registry
// =============================================================================
//
// The registry tracks every agent the router can deliver to: identity,
// capabilities, load level, and the inbound handler. Registrations are
// mutated only through register/unregister and the delivery bookkeeping;
// reads hand out snapshot copies.

// Common routing errors.
var (
	ErrUnknownTarget     = errors.New("unknown target agent")
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrDuplicateMessage  = errors.New("duplicate message suppressed")
	ErrDeliveryFailed    = errors.New("message delivery failed")
	ErrRouterClosed      = errors.New("router is closed")
)

// Handler receives a message delivered to the registered agent.
type Handler func(msg *messaging.Message) error

// AgentStatus is the registry's view of an agent.
type AgentStatus string

const (
	// AgentOnline means registered and idle.
	AgentOnline AgentStatus = "online"

	// AgentBusy means at least one delivery is in flight.
	AgentBusy AgentStatus = "busy"

	// AgentOffline means the agent left the registry.
	AgentOffline AgentStatus = "offline"
)

// IsValid reports whether s is a defined agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentOnline, AgentBusy, AgentOffline:
		return true
	}
	return false
}

// AgentRegistration is the registry's record for one agent.
type AgentRegistration struct {
	ID           string
	Capabilities []string
	Status       AgentStatus
	LoadLevel    int
	LastActivity time.Time
	RegisteredAt time.Time
	Handler      Handler
}

// AgentInfo is the read-boundary snapshot of a registration.
type AgentInfo struct {
	ID           string      `json:"id"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	LoadLevel    int         `json:"load_level"`
	LastActivity time.Time   `json:"last_activity"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// AgentRegistry holds the registered agents and the capability index.
type AgentRegistry struct {
	mu           sync.RWMutex
	agents       map[string]*AgentRegistration
	capabilities map[string]map[string]struct{}
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:       make(map[string]*AgentRegistration),
		capabilities: make(map[string]map[string]struct{}),
	}
}

// Register adds an agent with its capabilities and inbound handler.
func (r *AgentRegistry) Register(id string, capabilities []string, handler Handler) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if handler == nil {
		return fmt.Errorf("agent %s: handler is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	now := time.Now()
	r.agents[id] = &AgentRegistration{
		ID:           id,
		Capabilities: append([]string(nil), capabilities...),
		Status:       AgentOnline,
		LastActivity: now,
		RegisteredAt: now,
		Handler:      handler,
	}
	for _, capability := range capabilities {
		if r.capabilities[capability] == nil {
			r.capabilities[capability] = make(map[string]struct{})
		}
		r.capabilities[capability][id] = struct{}{}
	}
	return nil
}

// Unregister removes an agent and its capability entries. Returns false
// when the agent was not registered.
func (r *AgentRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	registration, exists := r.agents[id]
	if !exists {
		return false
	}

	for _, capability := range registration.Capabilities {
		delete(r.capabilities[capability], id)
		if len(r.capabilities[capability]) == 0 {
			delete(r.capabilities, capability)
		}
	}
	delete(r.agents, id)
	return true
}

// Info returns a snapshot of one registration.
func (r *AgentRegistry) Info(id string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, exists := r.agents[id]
	if !exists {
		return AgentInfo{}, false
	}
	return snapshotRegistration(registration), true
}

// List returns snapshots of every registration, sorted by id.
func (r *AgentRegistry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.agents))
	for _, registration := range r.agents {
		infos = append(infos, snapshotRegistration(registration))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Discover returns ids of agents advertising the capability, sorted.
// An empty capability lists every registered agent.
func (r *AgentRegistry) Discover(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	if capability == "" {
		ids = make([]string, 0, len(r.agents))
		for id := range r.agents {
			ids = append(ids, id)
		}
	} else {
		ids = make([]string, 0, len(r.capabilities[capability]))
		for id := range r.capabilities[capability] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// LoadLevel returns an agent's in-flight delivery count.
func (r *AgentRegistry) LoadLevel(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if registration, exists := r.agents[id]; exists {
		return registration.LoadLevel
	}
	return 0
}

// isOverloaded reports whether the agent's load has reached the threshold.
// Unknown agents report overloaded so callers skip them.
func (r *AgentRegistry) isOverloaded(id string, threshold int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, exists := r.agents[id]
	if !exists {
		return true
	}
	return registration.LoadLevel >= threshold
}

// beginDelivery hands out the agent's handler and increments its load.
func (r *AgentRegistry) beginDelivery(id string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registration, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}

	registration.LoadLevel++
	registration.Status = AgentBusy
	return registration.Handler, nil
}

// endDelivery decrements load and stamps activity after a handler returns.
func (r *AgentRegistry) endDelivery(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registration, exists := r.agents[id]
	if !exists {
		return
	}

	if registration.LoadLevel > 0 {
		registration.LoadLevel--
	}
	if registration.LoadLevel == 0 {
		registration.Status = AgentOnline
	}
	registration.LastActivity = time.Now()
}

func snapshotRegistration(registration *AgentRegistration) AgentInfo {
	return AgentInfo{
		ID:           registration.ID,
		Capabilities: append([]string(nil), registration.Capabilities...),
		Status:       registration.Status,
		LoadLevel:    registration.LoadLevel,
		LastActivity: registration.LastActivity,
		RegisteredAt: registration.RegisteredAt,
	}
}
