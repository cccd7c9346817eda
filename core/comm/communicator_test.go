package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/resources"
	"github.com/vesselworks/plexus/core/routing"
)

// =============================================================================
// Communicator Unit Tests
// =============================================================================

// commRig wires the substrate components a facade forwards to.
type commRig struct {
	router    *routing.Router
	channels  *channels.Registry
	allocator *resources.Allocator
}

func newCommRig(t *testing.T) *commRig {
	t.Helper()

	router := routing.NewRouter(routing.DefaultRouterConfig())
	registry := channels.NewRegistry(channels.DefaultRegistryConfig())
	allocator, err := resources.NewAllocator(resources.AllocatorConfig{
		Pools: []resources.PoolSpec{
			{Type: resources.ResourceMemory, Total: 1 << 30},
			{Type: resources.ResourceCompute, Total: 100},
		},
	})
	require.NoError(t, err, "NewAllocator")

	t.Cleanup(func() {
		_ = router.Close()
		_ = allocator.Close()
	})
	return &commRig{router: router, channels: registry, allocator: allocator}
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

func (i *inbox) all() []*messaging.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*messaging.Message(nil), i.messages...)
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

// connect registers an agent and binds a facade to it.
func (r *commRig) connect(t *testing.T, agentID string) (*Communicator, *inbox) {
	t.Helper()

	box := &inbox{}
	require.NoError(t, r.router.Register(agentID, nil, box.handle), "Register")

	facade, err := New(agentID, Deps{
		Router:    r.router,
		Channels:  r.channels,
		Allocator: r.allocator,
	})
	require.NoError(t, err, "New")
	return facade, box
}

func TestNew_Validation(t *testing.T) {
	rig := newCommRig(t)
	deps := Deps{Router: rig.router, Channels: rig.channels, Allocator: rig.allocator}

	_, err := New("", deps)
	assert.Error(t, err, "empty agent id should fail")

	_, err = New("agent-a", Deps{Channels: rig.channels, Allocator: rig.allocator})
	assert.Error(t, err, "missing router should fail")

	_, err = New("agent-a", Deps{Router: rig.router, Allocator: rig.allocator})
	assert.Error(t, err, "missing channel registry should fail")

	_, err = New("agent-a", Deps{Router: rig.router, Channels: rig.channels})
	assert.Error(t, err, "missing allocator should fail")
}

func TestCommunicator_Send(t *testing.T) {
	rig := newCommRig(t)
	sender, _ := rig.connect(t, "sender")
	_, receiverBox := rig.connect(t, "receiver")

	id, err := sender.Send("receiver", messaging.New("task.compile", map[string]string{"repo": "plexus"}))

	require.NoError(t, err, "Send")
	assert.NotEmpty(t, id, "message id should be returned")

	received := receiverBox.all()
	require.Len(t, received, 1, "receiver should have one message")
	assert.Equal(t, id, received[0].ID, "delivered id should match returned id")
	assert.Equal(t, "sender", received[0].From, "From should be stamped with sender id")
	assert.Equal(t, "receiver", received[0].To, "To should be stamped with target id")
	assert.Equal(t, messaging.PriorityNormal, received[0].Priority, "default priority should be normal")
}

func TestCommunicator_Send_StampsBareDraft(t *testing.T) {
	rig := newCommRig(t)
	sender, _ := rig.connect(t, "sender")
	_, receiverBox := rig.connect(t, "receiver")

	draft := &messaging.Message{Kind: "task.compile", Payload: "bare"}
	id, err := sender.Send("receiver", draft)

	require.NoError(t, err, "Send")
	assert.NotEmpty(t, id, "id should be assigned to bare draft")

	received := receiverBox.all()
	require.Len(t, received, 1, "receiver should have one message")
	assert.False(t, received[0].CreatedAt.IsZero(), "CreatedAt should be stamped")
}

func TestCommunicator_Send_Invalid(t *testing.T) {
	rig := newCommRig(t)
	sender, _ := rig.connect(t, "sender")

	_, err := sender.Send("receiver", nil)
	assert.Error(t, err, "nil draft should fail")

	_, err = sender.Send("receiver", &messaging.Message{Payload: "no kind"})
	assert.ErrorIs(t, err, messaging.ErrInvalidMessage, "missing kind should fail validation")
}

func TestCommunicator_Broadcast(t *testing.T) {
	rig := newCommRig(t)
	sender, senderBox := rig.connect(t, "sender")
	_, firstBox := rig.connect(t, "listener-1")
	_, secondBox := rig.connect(t, "listener-2")

	id, err := sender.Broadcast(messaging.New("announce.restart", nil))

	require.NoError(t, err, "Broadcast")
	assert.NotEmpty(t, id, "message id should be returned")
	assert.Equal(t, []string{"announce.restart"}, firstBox.kinds(), "listener-1 should receive broadcast")
	assert.Equal(t, []string{"announce.restart"}, secondBox.kinds(), "listener-2 should receive broadcast")
	assert.Empty(t, senderBox.kinds(), "sender should not receive own broadcast")
}

func TestCommunicator_Reply(t *testing.T) {
	rig := newCommRig(t)
	requester, requesterBox := rig.connect(t, "requester")
	responder, responderBox := rig.connect(t, "responder")

	_, err := requester.Send("responder", messaging.New("task.request", "do it"))
	require.NoError(t, err, "Send")

	received := responderBox.all()
	require.Len(t, received, 1, "responder should have the request")

	replyID, err := responder.Reply(received[0], messaging.New("task.response", "done"))
	require.NoError(t, err, "Reply")

	replies := requesterBox.all()
	require.Len(t, replies, 1, "requester should have the reply")
	assert.Equal(t, replyID, replies[0].ID, "reply id should match")
	assert.Equal(t, "responder", replies[0].From, "reply From should be responder")
	assert.Equal(t, received[0].ID, replies[0].CorrelationID, "reply should correlate to the request")

	// A reply to a reply keeps the original correlation.
	followUpID, err := requester.Reply(replies[0], messaging.New("task.followup", "thanks"))
	require.NoError(t, err, "Reply to reply")

	followUps := responderBox.all()
	require.Len(t, followUps, 2, "responder should have request and follow-up")
	assert.Equal(t, followUpID, followUps[1].ID, "follow-up id should match")
	assert.Equal(t, received[0].ID, followUps[1].CorrelationID, "exchange should share one correlation id")
}

func TestCommunicator_Reply_Invalid(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "agent-a")

	_, err := facade.Reply(nil, messaging.New("task.response", nil))
	assert.Error(t, err, "nil original should fail")
}

func TestCommunicator_SubscribeUnsubscribe(t *testing.T) {
	rig := newCommRig(t)
	sender, _ := rig.connect(t, "sender")
	rig.connect(t, "receiver")

	observed := &inbox{}
	subID, err := sender.Subscribe("task.*", func(msg *messaging.Message) {
		_ = observed.handle(msg)
	})
	require.NoError(t, err, "Subscribe")

	_, err = sender.Send("receiver", messaging.New("task.compile", nil))
	require.NoError(t, err, "Send")
	_, err = sender.Send("receiver", messaging.New("status.ping", nil))
	require.NoError(t, err, "Send")

	assert.Equal(t, []string{"task.compile"}, observed.kinds(), "observer should see matching kinds only")

	sender.Unsubscribe(subID)
	_, err = sender.Send("receiver", messaging.New("task.lint", nil))
	require.NoError(t, err, "Send")

	assert.Equal(t, []string{"task.compile"}, observed.kinds(), "observer should stop after unsubscribe")
}

func TestCommunicator_Discover(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "seeker")

	require.NoError(t, rig.router.Register("worker-1", []string{"content-generation"}, func(*messaging.Message) error { return nil }), "Register worker-1")

	assert.Equal(t, []string{"worker-1"}, facade.Discover("content-generation"), "Discover should find by capability")
	assert.Empty(t, facade.Discover("unknown-capability"), "unknown capability should find nothing")
}

// =============================================================================
// Resource Forwarding
// =============================================================================

func TestCommunicator_RequestResources(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "agent-x")

	record, err := facade.RequestResources("memory", "100MB")

	require.NoError(t, err, "RequestResources")
	assert.Equal(t, "agent-x", record.AgentID, "record should carry the agent id")
	assert.Equal(t, resources.ResourceMemory, record.Type, "type should be memory")
	assert.Equal(t, int64(100<<20), record.Amount, "amount should parse binary megabytes")

	active := facade.Allocations()
	require.Len(t, active, 1, "agent should have one active allocation")
	assert.Equal(t, record.ID, active[0].ID, "active allocation should match")

	usage := facade.Usage()
	assert.Equal(t, int64(100<<20), usage[resources.ResourceMemory], "usage should reflect the allocation")

	facade.Release(record.ID)
	assert.Empty(t, facade.Allocations(), "release should clear the active set")

	// Releasing again is a no-op.
	facade.Release(record.ID)
}

func TestCommunicator_RequestResources_Invalid(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "agent-x")

	_, err := facade.RequestResources("plutonium", "1kg")
	assert.Error(t, err, "unknown resource type should fail")

	_, err = facade.RequestResources("memory", "lots")
	assert.Error(t, err, "malformed amount should fail")

	_, err = facade.RequestResources("memory", "2GB")
	assert.ErrorIs(t, err, resources.ErrInsufficientCapacity, "over-ask should fail with capacity error")
}

func TestCommunicator_RequestResources_WithOptions(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "agent-x")

	record, err := facade.RequestResources("compute", "40 units",
		resources.WithPriority(messaging.PriorityHigh))

	require.NoError(t, err, "RequestResources")
	assert.Equal(t, messaging.PriorityHigh, record.Priority, "priority option should apply")
}

// =============================================================================
// Channel Forwarding
// =============================================================================

func TestCommunicator_Channels(t *testing.T) {
	rig := newCommRig(t)
	publisher, _ := rig.connect(t, "publisher")
	member, memberBox := rig.connect(t, "member")
	_, outsiderBox := rig.connect(t, "outsider")

	require.NoError(t, publisher.CreateChannel("alerts"), "CreateChannel")
	require.NoError(t, member.JoinChannel("alerts"), "JoinChannel")

	id, err := publisher.PublishToChannel("alerts", messaging.New("alert.disk", "disk at 90%"))
	require.NoError(t, err, "PublishToChannel")
	assert.NotEmpty(t, id, "publish should return the message id")

	assert.Equal(t, []string{"alert.disk"}, memberBox.kinds(), "member should receive the publish")
	assert.Empty(t, outsiderBox.kinds(), "non-member should not receive the publish")

	history, err := publisher.ChannelHistory("alerts")
	require.NoError(t, err, "ChannelHistory")
	require.Len(t, history, 1, "history should retain the publish")
	assert.Equal(t, id, history[0].ID, "history entry should match")

	require.NoError(t, member.LeaveChannel("alerts"), "LeaveChannel")
	_, err = publisher.PublishToChannel("alerts", messaging.New("alert.cpu", "cpu at 95%"))
	require.NoError(t, err, "PublishToChannel after leave")

	assert.Equal(t, []string{"alert.disk"}, memberBox.kinds(), "member should stop receiving after leave")
}

func TestCommunicator_PublishToChannel_SelfDelivery(t *testing.T) {
	rig := newCommRig(t)
	publisher, publisherBox := rig.connect(t, "publisher")

	require.NoError(t, publisher.CreateChannel("notes"), "CreateChannel")
	require.NoError(t, publisher.JoinChannel("notes"), "JoinChannel")

	_, err := publisher.PublishToChannel("notes", messaging.New("note.saved", nil))
	require.NoError(t, err, "PublishToChannel")

	assert.Equal(t, []string{"note.saved"}, publisherBox.kinds(), "joined publisher should receive own publish")
}

func TestCommunicator_PublishToChannel_Unknown(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "publisher")

	_, err := facade.PublishToChannel("missing", messaging.New("alert.disk", nil))
	assert.ErrorIs(t, err, channels.ErrChannelNotFound, "unknown channel should fail")

	_, err = facade.ChannelHistory("missing")
	assert.ErrorIs(t, err, channels.ErrChannelNotFound, "history of unknown channel should fail")
}

func TestCommunicator_CreateChannel_Duplicate(t *testing.T) {
	rig := newCommRig(t)
	facade, _ := rig.connect(t, "publisher")

	require.NoError(t, facade.CreateChannel("alerts"), "CreateChannel")
	err := facade.CreateChannel("alerts")
	assert.ErrorIs(t, err, channels.ErrChannelExists, "duplicate create should fail")
}
