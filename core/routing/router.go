package routing

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Message Router
// =============================================================================
//
// The router is the delivery decision pipeline: validate, resolve the
// target, suppress duplicates, check load, deliver. Targeted sends to an
// overloaded agent spill into a per-target queue drained on the fast tick;
// failed high and critical deliveries enter the retry queue drained on the
// slow tick. Handlers run on the routing goroutine; the sender observes
// only the message id, never handler errors.

// StatusSink receives message lifecycle transitions. The status store
// implements it; a nil sink disables tracking.
type StatusSink interface {
	Track(msg *messaging.Message)
	UpdateStatus(id string, status messaging.Status, detail string) error
	RecordAttempt(id string, attempt int, attemptErr error) error
}

// EventSink receives routing events for the system channels. A nil sink
// disables emission.
type EventSink interface {
	AgentEvent(kind, agentID string, detail map[string]any)
	ErrorEvent(source string, err error, detail map[string]any)
}

// Subscription is a bus-level observer matched against message kind.
type Subscription struct {
	ID      string
	Pattern string
	matcher glob.Glob
	handler func(*messaging.Message)
}

// RouterConfig configures the router.
type RouterConfig struct {
	// OverloadThreshold is the load level at which a target stops
	// receiving direct deliveries.
	OverloadThreshold int

	// QueueCapacity bounds each per-target overload queue.
	QueueCapacity int

	// Retry controls redelivery of failed high and critical messages.
	Retry RetryPolicy

	// DedupeWindow and DedupeCapacity bound duplicate suppression.
	DedupeWindow   time.Duration
	DedupeCapacity int

	// LatencyWindow bounds the delivery latency samples kept for stats.
	LatencyWindow int

	// Status receives lifecycle transitions (optional).
	Status StatusSink

	// Events receives agent and error events (optional).
	Events EventSink

	// Logger for routing flow (slog.Default when nil).
	Logger *slog.Logger
}

// DefaultRouterConfig returns the standard router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		OverloadThreshold: 10,
		QueueCapacity:     1024,
		Retry:             DefaultRetryPolicy(),
		DedupeWindow:      DefaultDedupeWindow,
		DedupeCapacity:    DefaultDedupeCapacity,
		LatencyWindow:     defaultLatencyWindow,
	}
}

// Router owns agent registrations, the overload and retry queues, and the
// subscription table.
type Router struct {
	mu      sync.Mutex
	agents  *AgentRegistry
	queues  map[string]*MessageQueue
	retries *MessageQueue
	subs    map[string]*Subscription
	closed  bool

	dedupe  *Deduper
	config  RouterConfig
	metrics *routerMetrics
	status  StatusSink
	events  EventSink
	logger  *slog.Logger
}

// NewRouter creates a router from the config.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = 10
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	cfg.Retry = cfg.Retry.normalize()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		agents:  NewAgentRegistry(),
		queues:  make(map[string]*MessageQueue),
		retries: NewMessageQueue(),
		subs:    make(map[string]*Subscription),
		dedupe:  NewDeduper(cfg.DedupeWindow, cfg.DedupeCapacity),
		config:  cfg,
		metrics: newRouterMetrics(cfg.LatencyWindow),
		status:  cfg.Status,
		events:  cfg.Events,
		logger:  cfg.Logger.With("component", "router"),
	}
}

// =============================================================================
// Registration
// =============================================================================

// Register adds an agent to the routing table.
func (r *Router) Register(id string, capabilities []string, handler Handler) error {
	if r.isClosed() {
		return ErrRouterClosed
	}

	if err := r.agents.Register(id, capabilities, handler); err != nil {
		return err
	}

	r.logger.Info("agent registered", "agent_id", id, "capabilities", capabilities)
	r.emitAgentEvent("agent.registered", id, map[string]any{"capabilities": capabilities})
	return nil
}

// Unregister removes an agent. Messages still queued for it are dropped.
func (r *Router) Unregister(id string) {
	if !r.agents.Unregister(id) {
		return
	}

	r.mu.Lock()
	queue := r.queues[id]
	delete(r.queues, id)
	r.mu.Unlock()

	if queue != nil {
		for _, item := range queue.Drain() {
			r.dropMessage(item.Message, "unknown_target", "target unregistered with message queued")
		}
	}

	r.logger.Info("agent unregistered", "agent_id", id)
	r.emitAgentEvent("agent.unregistered", id, nil)
}

// Discover returns ids of agents advertising the capability, sorted.
// An empty capability lists every registered agent.
func (r *Router) Discover(capability string) []string {
	return r.agents.Discover(capability)
}

// Agents returns snapshots of every registration.
func (r *Router) Agents() []AgentInfo {
	return r.agents.List()
}

// Agent returns one registration snapshot.
func (r *Router) Agent(id string) (AgentInfo, bool) {
	return r.agents.Info(id)
}

// =============================================================================
// Routing Pipeline
// =============================================================================

// Route runs the delivery pipeline for one message. The only synchronous
// failure is validation (and a closed router); everything downstream is
// absorbed into status records, logs, and error events.
func (r *Router) Route(msg *messaging.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if r.isClosed() {
		return ErrRouterClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	r.trackCreated(msg)
	r.countRouted()

	if msg.IsExpired() {
		r.dropMessage(msg, "expired", "ttl lapsed before routing")
		return nil
	}

	if msg.To == messaging.Broadcast {
		r.routeBroadcast(msg)
		return nil
	}

	r.routeDirect(msg)
	return nil
}

func (r *Router) routeDirect(msg *messaging.Message) {
	if _, ok := r.agents.Info(msg.To); !ok {
		r.dropMessage(msg, "unknown_target", "no agent registered as "+msg.To)
		return
	}

	if r.dedupe.Seen(msg) {
		r.dropMessage(msg, "duplicate", "identical message within "+r.dedupe.Window().String())
		return
	}

	if r.agents.isOverloaded(msg.To, r.config.OverloadThreshold) {
		r.enqueueOverload(msg, msg.To)
		return
	}

	r.deliver(msg, msg.To, 0)
}

// routeBroadcast fans out to every registered agent except the sender.
// Overloaded agents are skipped, not queued.
func (r *Router) routeBroadcast(msg *messaging.Message) {
	candidates := r.agents.Discover("")
	targets := candidates[:0:0]
	for _, id := range candidates {
		if id != msg.From {
			targets = append(targets, id)
		}
	}

	if len(targets) == 0 {
		r.dropMessage(msg, "no_targets", "no agents registered for broadcast")
		return
	}

	if r.dedupe.Seen(msg) {
		r.dropMessage(msg, "duplicate", "identical broadcast within "+r.dedupe.Window().String())
		return
	}

	delivered, skipped := 0, 0
	for _, target := range targets {
		if r.agents.isOverloaded(target, r.config.OverloadThreshold) {
			skipped++
			continue
		}
		if r.deliver(msg, target, 0) {
			delivered++
		}
	}

	r.logger.Debug("broadcast routed",
		"message_id", msg.ID,
		"delivered", delivered,
		"skipped", skipped,
		"targets", len(targets))

	if delivered > 0 {
		r.setStatus(msg.ID, messaging.StatusDelivered,
			fmt.Sprintf("broadcast delivered to %d of %d (skipped %d)", delivered, len(targets), skipped))
	} else {
		r.dropMessage(msg, "no_targets",
			fmt.Sprintf("broadcast reached none of %d targets (skipped %d)", len(targets), skipped))
	}
}

// Fanout delivers a channel publish to each subscriber. Overloaded
// subscribers queue rather than skip; duplicate publishes are suppressed
// once for the whole fanout.
func (r *Router) Fanout(msg *messaging.Message, targets []string) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if r.isClosed() {
		return ErrRouterClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	r.trackCreated(msg)
	r.countRouted()

	if msg.IsExpired() {
		r.dropMessage(msg, "expired", "ttl lapsed before routing")
		return nil
	}

	if r.dedupe.Seen(msg) {
		r.dropMessage(msg, "duplicate", "identical publish within "+r.dedupe.Window().String())
		return nil
	}

	if len(targets) == 0 {
		r.setStatus(msg.ID, messaging.StatusDelivered, "published with no subscribers")
		r.notifySubscribers(msg)
		return nil
	}

	delivered, queued := 0, 0
	for _, target := range targets {
		if _, ok := r.agents.Info(target); !ok {
			continue
		}
		if r.agents.isOverloaded(target, r.config.OverloadThreshold) {
			r.enqueueOverload(msg, target)
			queued++
			continue
		}
		if r.deliver(msg, target, 0) {
			delivered++
		}
	}

	if delivered > 0 || queued > 0 {
		r.setStatus(msg.ID, messaging.StatusDelivered,
			fmt.Sprintf("fanout delivered to %d of %d (queued %d)", delivered, len(targets), queued))
	}
	return nil
}

// deliver performs one delivery attempt. priorAttempts counts tries
// already made for this message and target.
func (r *Router) deliver(msg *messaging.Message, target string, priorAttempts int) bool {
	handler, err := r.agents.beginDelivery(target)
	if err != nil {
		r.dropMessage(msg, "unknown_target", "target vanished before delivery: "+target)
		return false
	}

	start := time.Now()
	handlerErr := func() error {
		defer r.agents.endDelivery(target)
		return handler(msg)
	}()
	r.metrics.recordLatency(time.Since(start))

	if handlerErr != nil {
		r.handleFailure(msg, target, priorAttempts+1, handlerErr)
		return false
	}

	r.countDelivered()
	r.setStatus(msg.ID, messaging.StatusDelivered, "delivered to "+target)
	r.logger.Debug("message delivered",
		"message_id", msg.ID,
		"target", target,
		"kind", msg.Kind,
		"priority", msg.Priority.String())

	r.notifySubscribers(msg)
	return true
}

// handleFailure decides between dropping and scheduling a retry after a
// failed attempt. attempts counts every try made so far.
func (r *Router) handleFailure(msg *messaging.Message, target string, attempts int, handlerErr error) {
	r.recordAttempt(msg.ID, attempts, handlerErr)

	if !msg.Priority.Retryable() {
		r.metrics.mu.Lock()
		r.metrics.droppedFailed++
		r.metrics.mu.Unlock()

		r.setStatus(msg.ID, messaging.StatusDropped, "delivery failed: "+handlerErr.Error())
		r.logger.Warn("message dropped after failed delivery",
			"message_id", msg.ID,
			"target", target,
			"priority", msg.Priority.String(),
			"error", handlerErr)
		r.emitError("router", fmt.Errorf("%w: %s to %s: %v", ErrDeliveryFailed, msg.ID, target, handlerErr),
			map[string]any{"message_id": msg.ID, "target": target, "from": msg.From})
		return
	}

	retriesPerformed := attempts - 1
	if retriesPerformed >= r.config.Retry.MaxRetries {
		r.metrics.mu.Lock()
		r.metrics.droppedExhausted++
		r.metrics.mu.Unlock()

		r.setStatus(msg.ID, messaging.StatusDropped,
			fmt.Sprintf("retry budget exhausted after %d attempts", attempts))
		r.logger.Warn("message dropped after retry exhaustion",
			"message_id", msg.ID,
			"target", target,
			"attempts", attempts,
			"error", handlerErr)
		r.emitError("router", fmt.Errorf("%w: %s to %s after %d attempts", ErrDeliveryFailed, msg.ID, target, attempts),
			map[string]any{"message_id": msg.ID, "target": target, "attempts": attempts, "from": msg.From})
		return
	}

	delay := CalculateDelay(retriesPerformed, r.config.Retry)
	now := time.Now()
	item := &QueuedMessage{
		Message:     msg,
		Target:      target,
		Retries:     retriesPerformed,
		MaxRetries:  r.config.Retry.MaxRetries,
		NextRetryAt: now.Add(delay),
		EnqueuedAt:  now,
		LastError:   handlerErr.Error(),
	}

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.retries.Push(item)
	}
	r.mu.Unlock()

	if closed {
		r.dropMessage(msg, "shutdown", "router closed during retry scheduling")
		return
	}

	r.metrics.mu.Lock()
	r.metrics.retriesScheduled++
	r.metrics.mu.Unlock()

	r.setStatus(msg.ID, messaging.StatusRetrying,
		fmt.Sprintf("retry %d of %d in %s", retriesPerformed+1, r.config.Retry.MaxRetries, delay))
	r.logger.Warn("delivery failed, retry scheduled",
		"message_id", msg.ID,
		"target", target,
		"retry", retriesPerformed+1,
		"delay", delay,
		"error", handlerErr)
}

func (r *Router) enqueueOverload(msg *messaging.Message, target string) {
	now := time.Now()
	item := &QueuedMessage{
		Message:     msg,
		Target:      target,
		MaxRetries:  r.config.Retry.MaxRetries,
		NextRetryAt: now,
		EnqueuedAt:  now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropMessage(msg, "shutdown", "router closed")
		return
	}
	queue := r.queues[target]
	if queue == nil {
		queue = NewMessageQueue()
		r.queues[target] = queue
	}
	if queue.Len() >= r.config.QueueCapacity {
		r.mu.Unlock()
		r.metrics.mu.Lock()
		r.metrics.droppedQueueFull++
		r.metrics.mu.Unlock()
		r.setStatus(msg.ID, messaging.StatusDropped, "overload queue full for "+target)
		r.logger.Warn("message dropped, overload queue full",
			"message_id", msg.ID, "target", target)
		r.emitError("router", fmt.Errorf("overload queue full for %s", target),
			map[string]any{"message_id": msg.ID, "target": target, "from": msg.From})
		return
	}
	queue.Push(item)
	r.mu.Unlock()

	r.metrics.mu.Lock()
	r.metrics.queued++
	r.metrics.mu.Unlock()

	r.setStatus(msg.ID, messaging.StatusQueued, "target overloaded: "+target)
	r.logger.Debug("message queued for overloaded target",
		"message_id", msg.ID,
		"target", target,
		"priority", msg.Priority.String())
}

// =============================================================================
// Queue Draining
// =============================================================================

// DrainQueues delivers spilled messages to targets that have capacity
// again, highest priority first. The kernel calls this on the fast tick;
// tests call it directly.
func (r *Router) DrainQueues(now time.Time) int {
	if r.isClosed() {
		return 0
	}

	delivered := 0
	for _, target := range r.queueTargets() {
		if _, ok := r.agents.Info(target); !ok {
			r.mu.Lock()
			queue := r.queues[target]
			delete(r.queues, target)
			r.mu.Unlock()
			if queue != nil {
				for _, item := range queue.Drain() {
					r.dropMessage(item.Message, "unknown_target", "target left with message queued")
				}
			}
			continue
		}
		for !r.agents.isOverloaded(target, r.config.OverloadThreshold) {
			item := r.popQueued(target, now)
			if item == nil {
				break
			}
			if item.Message.IsExpiredAt(now) {
				r.dropMessage(item.Message, "expired", "ttl lapsed in overload queue")
				continue
			}
			if r.deliver(item.Message, item.Target, item.Retries) {
				delivered++
			}
		}
	}
	return delivered
}

// DrainRetries redelivers retry-queue messages whose backoff has elapsed.
// The kernel calls this on the slow tick; tests call it directly.
func (r *Router) DrainRetries(now time.Time) int {
	if r.isClosed() {
		return 0
	}

	delivered := 0
	for {
		item := r.popRetry(now)
		if item == nil {
			break
		}
		if item.Message.IsExpiredAt(now) {
			r.dropMessage(item.Message, "expired", "ttl lapsed awaiting retry")
			continue
		}
		if _, ok := r.agents.Info(item.Target); !ok {
			r.dropMessage(item.Message, "unknown_target", "target left before retry: "+item.Target)
			continue
		}
		if r.agents.isOverloaded(item.Target, r.config.OverloadThreshold) {
			item.NextRetryAt = now.Add(CalculateDelay(item.Retries, r.config.Retry))
			r.pushRetry(item)
			continue
		}
		if r.deliver(item.Message, item.Target, item.Retries+1) {
			delivered++
		}
	}
	return delivered
}

func (r *Router) queueTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]string, 0, len(r.queues))
	for target, queue := range r.queues {
		if queue.Len() == 0 {
			delete(r.queues, target)
			continue
		}
		targets = append(targets, target)
	}
	return targets
}

func (r *Router) popQueued(target string, now time.Time) *QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[target]
	if queue == nil {
		return nil
	}
	return queue.PopDue(now)
}

func (r *Router) popRetry(now time.Time) *QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries.PopDue(now)
}

func (r *Router) pushRetry(item *QueuedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.retries.Push(item)
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers an observer for message kinds matching the pattern.
// Patterns are exact kinds or a single trailing wildcard ("agent.*").
func (r *Router) Subscribe(pattern string, handler func(*messaging.Message)) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("subscription handler is required")
	}
	if err := validatePattern(pattern); err != nil {
		return "", err
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRouterClosed
	}

	id := uuid.New().String()
	r.subs[id] = &Subscription{
		ID:      id,
		Pattern: pattern,
		matcher: matcher,
		handler: handler,
	}
	return id, nil
}

// Unsubscribe removes an observer. No-op when the id is unknown.
func (r *Router) Unsubscribe(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, subscriptionID)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("subscription pattern is required")
	}
	if strings.Count(pattern, "*") > 1 {
		return fmt.Errorf("pattern %q: only a single trailing wildcard is supported", pattern)
	}
	if star := strings.IndexByte(pattern, '*'); star >= 0 && star != len(pattern)-1 {
		return fmt.Errorf("pattern %q: wildcard must be trailing", pattern)
	}
	return nil
}

// notifySubscribers fires matching observers after a successful delivery.
func (r *Router) notifySubscribers(msg *messaging.Message) {
	r.mu.Lock()
	matched := make([]func(*messaging.Message), 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.matcher.Match(msg.Kind) {
			matched = append(matched, sub.handler)
		}
	}
	r.mu.Unlock()

	for _, handler := range matched {
		handler(msg)
	}
}

// =============================================================================
// Lifecycle, Stats & Helpers
// =============================================================================

// Stats returns a snapshot of routing counters, depths, and latency
// quantiles.
func (r *Router) Stats() RouterStats {
	stats := r.metrics.snapshot()
	stats.Agents = r.agents.Count()
	stats.DedupeRetained = r.dedupe.Len()
	stats.DedupeSuppressed = r.dedupe.Suppressed()

	r.mu.Lock()
	stats.Subscriptions = len(r.subs)
	for _, queue := range r.queues {
		stats.QueueDepth += queue.Len()
	}
	stats.RetryDepth = r.retries.Len()
	r.mu.Unlock()

	return stats
}

// QueueDepth returns the total overload queue depth for one target.
func (r *Router) QueueDepth(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queue := r.queues[target]; queue != nil {
		return queue.Len()
	}
	return 0
}

// RetryDepth returns the retry queue depth.
func (r *Router) RetryDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries.Len()
}

// Close stops routing and drops everything still queued.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	r.closed = true

	pending := r.retries.Drain()
	for _, queue := range r.queues {
		pending = append(pending, queue.Drain()...)
	}
	r.queues = make(map[string]*MessageQueue)
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, item := range pending {
		r.dropMessage(item.Message, "shutdown", "router closed with message queued")
	}

	r.logger.Info("router closed", "dropped_pending", len(pending))
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) countRouted() {
	r.metrics.mu.Lock()
	r.metrics.routed++
	r.metrics.mu.Unlock()
}

func (r *Router) countDelivered() {
	r.metrics.mu.Lock()
	r.metrics.delivered++
	r.metrics.mu.Unlock()
}

// dropMessage settles a message as dropped (or expired) for the given
// reason, with the matching counter, log line, and error event.
func (r *Router) dropMessage(msg *messaging.Message, reason, detail string) {
	status := messaging.StatusDropped

	r.metrics.mu.Lock()
	switch reason {
	case "duplicate":
		r.metrics.droppedDuplicate++
	case "unknown_target":
		r.metrics.droppedUnknownTarget++
	case "expired":
		r.metrics.droppedExpired++
		status = messaging.StatusExpired
	case "no_targets":
		r.metrics.droppedNoTargets++
	case "shutdown":
		r.metrics.droppedShutdown++
	default:
		r.metrics.droppedFailed++
	}
	r.metrics.mu.Unlock()

	if reason == "duplicate" {
		detail = ErrDuplicateMessage.Error() + ": " + detail
	}
	r.setStatus(msg.ID, status, detail)

	switch reason {
	case "duplicate":
		r.logger.Debug("duplicate message dropped", "message_id", msg.ID, "kind", msg.Kind)
	case "unknown_target":
		r.logger.Warn("message dropped", "message_id", msg.ID, "reason", reason, "detail", detail)
		r.emitError("router", fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To),
			map[string]any{"message_id": msg.ID, "to": msg.To, "from": msg.From})
	default:
		r.logger.Warn("message dropped", "message_id", msg.ID, "reason", reason, "detail", detail)
	}
}

func (r *Router) trackCreated(msg *messaging.Message) {
	if r.status != nil {
		r.status.Track(msg)
	}
}

func (r *Router) setStatus(id string, status messaging.Status, detail string) {
	if r.status != nil {
		_ = r.status.UpdateStatus(id, status, detail)
	}
}

func (r *Router) recordAttempt(id string, attempt int, attemptErr error) {
	if r.status != nil {
		_ = r.status.RecordAttempt(id, attempt, attemptErr)
	}
}

func (r *Router) emitAgentEvent(kind, agentID string, detail map[string]any) {
	if r.events != nil {
		r.events.AgentEvent(kind, agentID, detail)
	}
}

func (r *Router) emitError(source string, err error, detail map[string]any) {
	if r.events != nil {
		r.events.ErrorEvent(source, err, detail)
	}
}
