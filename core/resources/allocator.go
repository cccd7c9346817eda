package resources

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Resource Allocator
// =============================================================================
//
// Allocator grants and reclaims capacity from the resource pools. It is the
// only component that mutates pool fields. Allocation failures are
// synchronous: the caller must know capacity decisions immediately, so
// nothing here is queued or retried.
//
// Active allocations are indexed by ID; settled records (released or
// expired) move to a bounded audit trail. Expiry is observed only by the
// periodic sweep.

// AllocationStatus is the lifecycle state of an allocation.
type AllocationStatus string

const (
	// AllocationActive means the capacity is held by the agent.
	AllocationActive AllocationStatus = "active"

	// AllocationReleased means the holder returned the capacity.
	AllocationReleased AllocationStatus = "released"

	// AllocationExpired means the sweep reclaimed the capacity after
	// expires_at passed.
	AllocationExpired AllocationStatus = "expired"
)

// AllocationRecord is the recorded grant of a resource amount to an agent.
// Once non-active it is immutable and kept for audit.
type AllocationRecord struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agent_id"`
	Type        ResourceType       `json:"type"`
	Amount      int64              `json:"amount"`
	Priority    messaging.Priority `json:"priority"`
	AllocatedAt time.Time          `json:"allocated_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Status      AllocationStatus   `json:"status"`
	SettledAt   *time.Time         `json:"settled_at,omitempty"`
}

// AgentLimits holds per-agent ceilings consulted by Allocate.
// Zero values mean unlimited.
type AgentLimits struct {
	MaxMemory      int64 `json:"max_memory,omitempty"`
	MaxCompute     int64 `json:"max_compute,omitempty"`
	MaxStorage     int64 `json:"max_storage,omitempty"`
	MaxBandwidth   int64 `json:"max_bandwidth,omitempty"`
	MaxConnections int   `json:"max_connections,omitempty"`
}

// CeilingFor returns the ceiling for one resource type, 0 for unlimited.
func (l AgentLimits) CeilingFor(t ResourceType) int64 {
	switch t {
	case ResourceMemory:
		return l.MaxMemory
	case ResourceCompute:
		return l.MaxCompute
	case ResourceStorage:
		return l.MaxStorage
	case ResourceNetwork:
		return l.MaxBandwidth
	default:
		return 0
	}
}

// computeQuotas is the fixed priority-to-compute-quota table: the share of
// the compute pool's total a single allocation may claim.
var computeQuotas = map[messaging.Priority]float64{
	messaging.PriorityLow:      0.10,
	messaging.PriorityNormal:   0.25,
	messaging.PriorityHigh:     0.40,
	messaging.PriorityCritical: 0.60,
}

// ComputeQuota returns the compute pool share for a priority.
func ComputeQuota(p messaging.Priority) float64 {
	if share, ok := computeQuotas[p]; ok {
		return share
	}
	return computeQuotas[messaging.PriorityNormal]
}

// =============================================================================
// Options & Configuration
// =============================================================================

type allocateOptions struct {
	priority messaging.Priority
	ttl      time.Duration
}

// AllocateOption customizes a single allocation request.
type AllocateOption func(*allocateOptions)

// WithPriority sets the allocation priority (default normal).
func WithPriority(p messaging.Priority) AllocateOption {
	return func(o *allocateOptions) {
		o.priority = p
	}
}

// WithExpiry sets a relative expiry; the sweep reclaims the allocation
// once it passes.
func WithExpiry(ttl time.Duration) AllocateOption {
	return func(o *allocateOptions) {
		o.ttl = ttl
	}
}

// PoolSpec is the initial sizing for one pool, in canonical units.
type PoolSpec struct {
	Type     ResourceType
	Total    int64
	Reserved int64
}

// AllocatorConfig configures the allocator.
type AllocatorConfig struct {
	// Pools to create at startup (defaults used when empty).
	Pools []PoolSpec

	// AuditLimit bounds the settled-record history.
	AuditLimit int

	// Logger for allocation flow (slog.Default when nil).
	Logger *slog.Logger
}

// DefaultAllocatorConfig returns sensible defaults: 8GB memory, 100 compute
// units, 100GB storage, 1Gbps network, each with a small reserved floor.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Pools: []PoolSpec{
			{Type: ResourceMemory, Total: 8 << 30, Reserved: 512 << 20},
			{Type: ResourceCompute, Total: 100, Reserved: 10},
			{Type: ResourceStorage, Total: 100 << 30, Reserved: 1 << 30},
			{Type: ResourceNetwork, Total: 1000, Reserved: 100},
		},
		AuditLimit: 1000,
	}
}

// =============================================================================
// Allocator
// =============================================================================

// Allocator owns the resource pools and every allocation record.
type Allocator struct {
	mu         sync.Mutex
	pools      map[ResourceType]*Pool
	active     map[string]*AllocationRecord
	usage      map[string]map[ResourceType]int64
	counts     map[string]int
	limits     map[string]AgentLimits
	audit      []*AllocationRecord
	auditLimit int
	counters   allocatorCounters
	logger     *slog.Logger
	closed     bool
}

type allocatorCounters struct {
	Granted        int64
	Released       int64
	Expired        int64
	DeniedCapacity int64
	DeniedLimit    int64
}

// NewAllocator creates an allocator with pools built from the config.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if len(cfg.Pools) == 0 {
		cfg.Pools = DefaultAllocatorConfig().Pools
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pools := make(map[ResourceType]*Pool, len(cfg.Pools))
	for _, spec := range cfg.Pools {
		if _, exists := pools[spec.Type]; exists {
			return nil, fmt.Errorf("duplicate pool spec for %q", spec.Type)
		}
		pool, err := NewPool(spec.Type, spec.Total, spec.Reserved)
		if err != nil {
			return nil, err
		}
		pools[spec.Type] = pool
	}

	return &Allocator{
		pools:      pools,
		active:     make(map[string]*AllocationRecord),
		usage:      make(map[string]map[ResourceType]int64),
		counts:     make(map[string]int),
		limits:     make(map[string]AgentLimits),
		audit:      make([]*AllocationRecord, 0, cfg.AuditLimit),
		auditLimit: cfg.AuditLimit,
		logger:     cfg.Logger.With("component", "allocator"),
	}, nil
}

// Allocate grants amount of a resource to an agent. On failure the pool is
// left untouched. Capacity is checked before per-agent limits, and compute
// requests are additionally capped by the priority quota table.
func (a *Allocator) Allocate(agentID string, typ ResourceType, amount int64, opts ...AllocateOption) (*AllocationRecord, error) {
	options := allocateOptions{priority: messaging.PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}

	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrAllocatorClosed
	}

	pool, ok := a.pools[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, typ)
	}

	if amount > pool.Available() {
		a.counters.DeniedCapacity++
		return nil, fmt.Errorf("%w: %s requested %s, available %s",
			ErrInsufficientCapacity, typ,
			FormatAmount(typ, amount), FormatAmount(typ, pool.Available()))
	}

	if limits, ok := a.limits[agentID]; ok {
		if ceiling := limits.CeilingFor(typ); ceiling > 0 {
			if inUse := a.usage[agentID][typ]; inUse+amount > ceiling {
				a.counters.DeniedLimit++
				return nil, fmt.Errorf("%w: agent %s %s ceiling %s, in use %s, requested %s",
					ErrLimitExceeded, agentID, typ,
					FormatAmount(typ, ceiling), FormatAmount(typ, inUse), FormatAmount(typ, amount))
			}
		}
		if limits.MaxConnections > 0 && a.counts[agentID] >= limits.MaxConnections {
			a.counters.DeniedLimit++
			return nil, fmt.Errorf("%w: agent %s at max concurrent allocations (%d)",
				ErrLimitExceeded, agentID, limits.MaxConnections)
		}
	}

	if typ == ResourceCompute {
		quota := int64(ComputeQuota(options.priority) * float64(pool.Total()))
		if amount > quota {
			a.counters.DeniedLimit++
			return nil, fmt.Errorf("%w: compute request %d exceeds %s priority quota %d",
				ErrLimitExceeded, amount, options.priority, quota)
		}
	}

	if err := pool.Take(amount); err != nil {
		a.counters.DeniedCapacity++
		return nil, err
	}

	now := time.Now()
	record := &AllocationRecord{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Type:        typ,
		Amount:      amount,
		Priority:    options.priority,
		AllocatedAt: now,
		Status:      AllocationActive,
	}
	if options.ttl > 0 {
		exp := now.Add(options.ttl)
		record.ExpiresAt = &exp
	}

	a.active[record.ID] = record
	if a.usage[agentID] == nil {
		a.usage[agentID] = make(map[ResourceType]int64)
	}
	a.usage[agentID][typ] += amount
	a.counts[agentID]++
	a.counters.Granted++

	a.logger.Debug("resource allocated",
		"allocation_id", record.ID,
		"agent_id", agentID,
		"type", typ,
		"amount", FormatAmount(typ, amount),
		"priority", options.priority.String())

	return record, nil
}

// Release returns an allocation's capacity to its pool. Idempotent:
// releasing an unknown or already settled allocation is a no-op.
func (a *Allocator) Release(allocationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.active[allocationID]
	if !ok {
		return
	}

	a.settleLocked(record, AllocationReleased, time.Now())
	a.counters.Released++

	a.logger.Debug("resource released",
		"allocation_id", record.ID,
		"agent_id", record.AgentID,
		"type", record.Type,
		"amount", FormatAmount(record.Type, record.Amount))
}

// settleLocked moves an active record to its terminal state and restores
// pool capacity. Caller holds the allocator mutex.
func (a *Allocator) settleLocked(record *AllocationRecord, status AllocationStatus, now time.Time) {
	if pool, ok := a.pools[record.Type]; ok {
		pool.Restore(record.Amount)
	}

	delete(a.active, record.ID)

	if byType, ok := a.usage[record.AgentID]; ok {
		byType[record.Type] -= record.Amount
		if byType[record.Type] <= 0 {
			delete(byType, record.Type)
		}
		if len(byType) == 0 {
			delete(a.usage, record.AgentID)
		}
	}
	a.counts[record.AgentID]--
	if a.counts[record.AgentID] <= 0 {
		delete(a.counts, record.AgentID)
	}

	record.Status = status
	record.SettledAt = &now

	a.audit = append(a.audit, record)
	if len(a.audit) > a.auditLimit {
		a.audit = a.audit[len(a.audit)-a.auditLimit:]
	}
}

// SweepExpired transitions every active allocation with expires_at at or
// before now to expired and restores its capacity. Returns the reclaimed
// records so the caller can notify holders.
func (a *Allocator) SweepExpired(now time.Time) []*AllocationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var reclaimed []*AllocationRecord
	for _, record := range a.active {
		if record.ExpiresAt != nil && !record.ExpiresAt.After(now) {
			a.settleLocked(record, AllocationExpired, now)
			a.counters.Expired++
			reclaimed = append(reclaimed, record)
		}
	}

	if len(reclaimed) > 0 {
		a.logger.Info("expired allocations reclaimed", "count", len(reclaimed))
	}
	return reclaimed
}

// SetLimits stores per-agent ceilings consulted by Allocate.
func (a *Allocator) SetLimits(agentID string, limits AgentLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits[agentID] = limits
}

// Limits returns the configured ceilings for an agent.
func (a *Allocator) Limits(agentID string) (AgentLimits, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	limits, ok := a.limits[agentID]
	return limits, ok
}

// Get returns a copy of an allocation record, active or settled.
func (a *Allocator) Get(allocationID string) (*AllocationRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if record, ok := a.active[allocationID]; ok {
		copied := *record
		return &copied, true
	}
	for _, record := range a.audit {
		if record.ID == allocationID {
			copied := *record
			return &copied, true
		}
	}
	return nil, false
}

// ActiveFor returns copies of an agent's active allocation records.
func (a *Allocator) ActiveFor(agentID string) []*AllocationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var records []*AllocationRecord
	for _, record := range a.active {
		if record.AgentID == agentID {
			copied := *record
			records = append(records, &copied)
		}
	}
	return records
}

// UsageFor returns an agent's active holdings by resource type.
func (a *Allocator) UsageFor(agentID string) map[ResourceType]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := make(map[ResourceType]int64, len(a.usage[agentID]))
	for typ, amount := range a.usage[agentID] {
		usage[typ] = amount
	}
	return usage
}

// History returns up to limit settled records, oldest first.
// limit <= 0 returns the whole retained trail.
func (a *Allocator) History(limit int) []*AllocationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.audit)
	if limit > 0 && limit < n {
		n = limit
	}

	records := make([]*AllocationRecord, 0, n)
	for _, record := range a.audit[len(a.audit)-n:] {
		copied := *record
		records = append(records, &copied)
	}
	return records
}

// =============================================================================
// Snapshots & Stats
// =============================================================================

// Snapshot is the read-boundary view of all pools, with human-readable
// renderings.
type Snapshot struct {
	Pools       []PoolSnapshot `json:"pools"`
	ActiveCount int            `json:"active_count"`
	AgentCount  int            `json:"agent_count"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Snapshot returns the current pool accounting in a stable type order.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := Snapshot{
		ActiveCount: len(a.active),
		AgentCount:  len(a.counts),
		GeneratedAt: time.Now(),
	}
	for _, typ := range ResourceTypes() {
		if pool, ok := a.pools[typ]; ok {
			snapshot.Pools = append(snapshot.Pools, pool.Snapshot())
		}
	}
	return snapshot
}

// AllocatorStats contains allocation counters.
type AllocatorStats struct {
	Granted        int64 `json:"granted"`
	Released       int64 `json:"released"`
	Expired        int64 `json:"expired"`
	DeniedCapacity int64 `json:"denied_capacity"`
	DeniedLimit    int64 `json:"denied_limit"`
	ActiveCount    int   `json:"active_count"`
}

// Stats returns a snapshot of allocation counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AllocatorStats{
		Granted:        a.counters.Granted,
		Released:       a.counters.Released,
		Expired:        a.counters.Expired,
		DeniedCapacity: a.counters.DeniedCapacity,
		DeniedLimit:    a.counters.DeniedLimit,
		ActiveCount:    len(a.active),
	}
}

// Close releases every active allocation back to its pool and refuses
// further allocations.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAllocatorClosed
	}
	a.closed = true

	now := time.Now()
	for _, record := range a.active {
		a.settleLocked(record, AllocationReleased, now)
		a.counters.Released++
	}

	return nil
}
