package resources

import (
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// Resource Pool Accounting
// =============================================================================
//
// Pool tracks capacity for a single resource type in canonical units. The
// conservation invariant holds at every observable instant:
//
//	total = allocated + available + reserved
//
// Reserved is the system floor that is never allocatable. All mutation goes
// through the Allocator; nothing else writes pool fields.

// ResourceType enumerates the pooled resource kinds.
type ResourceType string

const (
	// ResourceMemory is working memory, measured in bytes.
	ResourceMemory ResourceType = "memory"

	// ResourceCompute is abstract compute capacity, measured in units.
	ResourceCompute ResourceType = "compute"

	// ResourceStorage is persistent storage, measured in bytes.
	ResourceStorage ResourceType = "storage"

	// ResourceNetwork is network bandwidth, measured in Mbps.
	ResourceNetwork ResourceType = "network"
)

// ResourceTypes lists every pooled resource kind.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceMemory, ResourceCompute, ResourceStorage, ResourceNetwork}
}

// IsValid reports whether t is one of the defined resource types.
func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceMemory, ResourceCompute, ResourceStorage, ResourceNetwork:
		return true
	}
	return false
}

// ParseResourceType converts a resource type name to a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	t := ResourceType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown resource type: %q", s)
	}
	return t, nil
}

// Unit returns the canonical unit name for the resource type.
func (t ResourceType) Unit() string {
	switch t {
	case ResourceMemory, ResourceStorage:
		return "bytes"
	case ResourceNetwork:
		return "mbps"
	case ResourceCompute:
		return "units"
	default:
		return "units"
	}
}

// Common pool and allocation errors.
var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrLimitExceeded        = errors.New("agent limit exceeded")
	ErrUnknownPool          = errors.New("unknown resource pool")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrAllocatorClosed      = errors.New("allocator is closed")
)

// Pool is the authoritative accounting for one resource type.
type Pool struct {
	mu        sync.Mutex
	typ       ResourceType
	total     int64
	allocated int64
	available int64
	reserved  int64
}

// NewPool creates a pool with the given total capacity and reserved floor.
// Available starts at total minus reserved.
func NewPool(typ ResourceType, total, reserved int64) (*Pool, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, typ)
	}
	if total <= 0 {
		return nil, fmt.Errorf("pool %s: total must be positive, got %d", typ, total)
	}
	if reserved < 0 || reserved > total {
		return nil, fmt.Errorf("pool %s: reserved %d out of range [0, %d]", typ, reserved, total)
	}

	return &Pool{
		typ:       typ,
		total:     total,
		reserved:  reserved,
		available: total - reserved,
	}, nil
}

// Type returns the pool's resource type.
func (p *Pool) Type() ResourceType {
	return p.typ
}

// Available returns the currently allocatable capacity.
func (p *Pool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Total returns the pool's total capacity.
func (p *Pool) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Take moves amount from available to allocated. The pool is left untouched
// when the request exceeds available capacity.
func (p *Pool) Take(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.available {
		return fmt.Errorf("%w: %s requested %d, available %d",
			ErrInsufficientCapacity, p.typ, amount, p.available)
	}

	p.allocated += amount
	p.available -= amount
	return nil
}

// Restore returns amount from allocated to available. Amounts beyond the
// currently allocated total are clamped.
func (p *Pool) Restore(amount int64) {
	if amount <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.allocated {
		amount = p.allocated
	}
	p.allocated -= amount
	p.available += amount
}

// PoolSnapshot is a point-in-time copy of pool accounting, with
// human-readable renderings for the read boundary.
type PoolSnapshot struct {
	Type           ResourceType `json:"type"`
	Total          int64        `json:"total"`
	Allocated      int64        `json:"allocated"`
	Available      int64        `json:"available"`
	Reserved       int64        `json:"reserved"`
	TotalHuman     string       `json:"total_human"`
	AllocatedHuman string       `json:"allocated_human"`
	AvailableHuman string       `json:"available_human"`
	ReservedHuman  string       `json:"reserved_human"`
}

// Snapshot returns a consistent copy of the pool's accounting.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolSnapshot{
		Type:           p.typ,
		Total:          p.total,
		Allocated:      p.allocated,
		Available:      p.available,
		Reserved:       p.reserved,
		TotalHuman:     FormatAmount(p.typ, p.total),
		AllocatedHuman: FormatAmount(p.typ, p.allocated),
		AvailableHuman: FormatAmount(p.typ, p.available),
		ReservedHuman:  FormatAmount(p.typ, p.reserved),
	}
}
