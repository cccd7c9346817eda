package routing

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Duplicate Suppression
// =============================================================================

const (
	// DefaultDedupeWindow is how long a message signature suppresses
	// identical sends.
	DefaultDedupeWindow = 60 * time.Second

	// DefaultDedupeCapacity bounds the signature cache.
	DefaultDedupeCapacity = 4096
)

// Deduper drops repeat messages: an identical (from, to, kind, payload)
// signature seen within the window is a duplicate, regardless of priority.
// Backed by an expiring LRU so retention is bounded both by time and by
// entry count.
type Deduper struct {
	cache      *expirable.LRU[string, time.Time]
	window     time.Duration
	suppressed atomic.Int64
}

// NewDeduper creates a deduper with the given window and cache capacity.
func NewDeduper(window time.Duration, capacity int) *Deduper {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}

	return &Deduper{
		cache:  expirable.NewLRU[string, time.Time](capacity, nil, window),
		window: window,
	}
}

// Seen reports whether an identical message was routed within the window,
// recording this one's signature when not.
func (d *Deduper) Seen(msg *messaging.Message) bool {
	signature := msg.Signature()

	if _, ok := d.cache.Get(signature); ok {
		d.suppressed.Add(1)
		return true
	}

	d.cache.Add(signature, time.Now())
	return false
}

// Window returns the suppression window.
func (d *Deduper) Window() time.Duration {
	return d.window
}

// Len returns the number of retained signatures.
func (d *Deduper) Len() int {
	return d.cache.Len()
}

// Suppressed returns how many duplicates were dropped.
func (d *Deduper) Suppressed() int64 {
	return d.suppressed.Load()
}
