package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Message - Inter-Agent Message Envelope
// =============================================================================
//
// Message is the envelope for all inter-agent communication. It carries an
// opaque payload together with routing metadata (from/to/kind), temporal
// controls (ttl), and the priority that governs queue order and retry
// eligibility.
//
// A message is immutable once it has been handed to the router. Lifecycle
// state is tracked outside the envelope: the retry wrapper lives in the
// routing package and status transitions are recorded by the StatusStore.

// Broadcast is the sentinel target that fans a message out to every
// registered agent instead of a single recipient.
const Broadcast = "broadcast"

// Message is the envelope for one inter-agent message.
type Message struct {
	// ID is the unique message identifier (UUID).
	ID string `json:"id"`

	// CorrelationID links requests to responses.
	CorrelationID string `json:"correlation_id,omitempty"`

	// From is the agent that created this message.
	From string `json:"from"`

	// To is the intended recipient agent, or the Broadcast sentinel.
	To string `json:"to"`

	// Kind is the message tag used for subscription matching,
	// conventionally dotted ("agent.ping", "resource.allocation.expired").
	Kind string `json:"kind"`

	// Payload is the opaque message content.
	Payload any `json:"payload,omitempty"`

	// Priority determines queue order and retry eligibility.
	Priority Priority `json:"priority"`

	// CreatedAt is when the message was created.
	CreatedAt time.Time `json:"created_at"`

	// TTL is the relative time-to-live from CreatedAt.
	// Zero means the message never expires.
	TTL time.Duration `json:"ttl,omitempty"`

	// Metadata for extensibility (custom key-value pairs).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// Constructors
// =============================================================================

// New creates a message of the given kind with an opaque payload.
// Generates a UUID, stamps the creation time, and defaults to normal
// priority. From/To are stamped by the communication facade before routing.
func New(kind string, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// NewWithID creates a message with a caller-supplied ID. Used by tests and
// by replay paths that must preserve identity.
func NewWithID(id, kind string, payload any) *Message {
	m := New(kind, payload)
	m.ID = id
	return m
}

// =============================================================================
// Builder Pattern
// =============================================================================

// WithFrom sets the sending agent.
func (m *Message) WithFrom(from string) *Message {
	m.From = from
	return m
}

// WithTo sets the target agent (or Broadcast).
func (m *Message) WithTo(to string) *Message {
	m.To = to
	return m
}

// WithCorrelation sets the correlation ID (for request-response pairing).
func (m *Message) WithCorrelation(correlationID string) *Message {
	m.CorrelationID = correlationID
	return m
}

// WithPriority sets the message priority.
func (m *Message) WithPriority(priority Priority) *Message {
	m.Priority = priority
	return m
}

// WithTTL sets a relative time-to-live.
func (m *Message) WithTTL(ttl time.Duration) *Message {
	m.TTL = ttl
	return m
}

// WithMetadata adds a metadata key-value pair.
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// =============================================================================
// Temporal Methods
// =============================================================================

// ExpiresAt returns the absolute expiration time, or nil if the message
// never expires.
func (m *Message) ExpiresAt() *time.Time {
	if m.TTL > 0 {
		exp := m.CreatedAt.Add(m.TTL)
		return &exp
	}
	return nil
}

// IsExpired reports whether the message has exceeded its TTL.
func (m *Message) IsExpired() bool {
	return m.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the message is expired as of the given time.
func (m *Message) IsExpiredAt(now time.Time) bool {
	exp := m.ExpiresAt()
	if exp == nil {
		return false
	}
	return now.After(*exp)
}

// RemainingTTL returns the time remaining until expiration.
// Returns 0 if expired or no expiration set.
func (m *Message) RemainingTTL() time.Duration {
	exp := m.ExpiresAt()
	if exp == nil {
		return 0
	}
	remaining := time.Until(*exp)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Age returns how long since the message was created.
func (m *Message) Age() time.Duration {
	return time.Since(m.CreatedAt)
}

// =============================================================================
// Validation
// =============================================================================

// ErrInvalidMessage is the sentinel for malformed messages. Validation
// failures unwrap to it, so callers can match with errors.Is while still
// seeing the offending field.
var ErrInvalidMessage = errors.New("invalid message")

// ValidationError describes a single failed envelope check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

// Validate checks the envelope is complete. Returns nil if valid, or a
// *ValidationError describing the first problem found.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if m.From == "" {
		return &ValidationError{Field: "from", Message: "required"}
	}
	if m.To == "" {
		return &ValidationError{Field: "to", Message: "required"}
	}
	if m.Kind == "" {
		return &ValidationError{Field: "kind", Message: "required"}
	}
	if m.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "required"}
	}
	if m.TTL < 0 {
		return &ValidationError{Field: "ttl", Message: "cannot be negative"}
	}
	if !m.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: "unknown level"}
	}
	return nil
}

// =============================================================================
// Utility Methods
// =============================================================================

// Signature returns the duplicate-suppression key. Two messages with the
// same from, to, kind, and payload rendering are considered duplicates
// within the suppression window regardless of their IDs.
func (m *Message) Signature() string {
	return fmt.Sprintf("%s|%s|%s|%v", m.From, m.To, m.Kind, m.Payload)
}

// Clone creates a copy of the message with a fresh ID and creation time.
// Metadata is copied shallowly per key.
func (m *Message) Clone() *Message {
	clone := *m
	clone.ID = uuid.New().String()
	clone.CreatedAt = time.Now()
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// =============================================================================
// Priority
// =============================================================================

// Priority determines message processing order.
// Higher values = higher priority = drained first.
type Priority int

const (
	// PriorityLow is for non-urgent messages. Delivery failures are not
	// retried.
	PriorityLow Priority = 25

	// PriorityNormal is the default. Delivery failures are not retried.
	PriorityNormal Priority = 50

	// PriorityHigh is for important messages. Delivery failures enter the
	// retry queue.
	PriorityHigh Priority = 75

	// PriorityCritical is for urgent, time-sensitive messages. Delivery
	// failures enter the retry queue ahead of everything else.
	PriorityCritical Priority = 100
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to a Priority.
// "medium" is accepted as an alias of "normal".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "medium":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", s)
	}
}

// IsValid reports whether p is one of the defined levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Retryable reports whether delivery failures at this priority enter the
// retry queue. Low and normal failures are dropped immediately.
func (p Priority) Retryable() bool {
	return p >= PriorityHigh
}

// MarshalJSON serializes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON deserializes a priority from its name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a message as observed by the router:
//
//	created -> {routed | queued | dropped}
//	queued  -> {delivered | retrying -> dropped}
//
// Routed means the message passed the routing decision and was handed to
// its target synchronously; delivered covers queued messages that later
// reached their target. Expired marks messages whose TTL lapsed before use.
type Status string

const (
	// StatusCreated means the message was accepted but not yet routed.
	StatusCreated Status = "created"

	// StatusRouted means the routing decision completed and the message
	// was handed to its target.
	StatusRouted Status = "routed"

	// StatusQueued means the message is waiting in a per-target queue.
	StatusQueued Status = "queued"

	// StatusRetrying means a delivery failed and the message is waiting
	// for its next attempt.
	StatusRetrying Status = "retrying"

	// StatusDelivered means the target handler accepted the message.
	StatusDelivered Status = "delivered"

	// StatusDropped means the message was discarded (invalid target,
	// duplicate, retry budget exhausted, or non-retryable failure).
	StatusDropped Status = "dropped"

	// StatusExpired means the message exceeded its TTL before delivery.
	StatusExpired Status = "expired"
)

// IsTerminal returns true if this is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusDropped || s == StatusExpired
}

// IsValid reports whether s is one of the defined states.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusRouted, StatusQueued, StatusRetrying,
		StatusDelivered, StatusDropped, StatusExpired:
		return true
	}
	return false
}

// ParseStatus converts a status name to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown message status: %q", s)
	}
	return st, nil
}
