package fabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestGroupNames(t *testing.T) {
	id := uuid.MustParse("3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10")

	assert.Equal(t, "call_3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10", CallGroup(id))
	assert.Equal(t, "user_3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10_notifications", NotificationsGroup(id))
	assert.Equal(t, "user_3fa3d6ae-6f47-4a89-9f2a-02a2171e9d10_conversations", ConversationsGroup(id))
}

func TestEventDeliverableTo(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()

	broadcast := Event{Type: "call_ended"}
	assert.True(t, broadcast.DeliverableTo(alice))
	assert.True(t, broadcast.DeliverableTo(bob))

	targeted := Event{Type: "signal_relay", Target: alice}
	assert.True(t, targeted.DeliverableTo(alice))
	assert.False(t, targeted.DeliverableTo(bob))
}

func TestMemoryFabricFanOut(t *testing.T) {
	f := NewMemoryFabric()
	ctx := context.Background()

	sub1, err := f.Subscribe(ctx, "call_x")
	require.NoError(t, err)
	sub2, err := f.Subscribe(ctx, "call_x")
	require.NoError(t, err)
	other, err := f.Subscribe(ctx, "call_y")
	require.NoError(t, err)

	ev, err := NewEvent("time_update", map[string]any{"remaining_minutes": 4.5})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, "call_x", ev))

	for _, sub := range []Subscription{sub1, sub2} {
		got := recvEvent(t, sub)
		assert.Equal(t, "time_update", got.Type)
	}

	select {
	case ev := <-other.C():
		t.Fatalf("unexpected event on other group: %+v", ev)
	default:
	}
}

func TestMemoryFabricPublishOrder(t *testing.T) {
	f := NewMemoryFabric()
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "call_x")
	require.NoError(t, err)

	for _, typ := range []string{"call_accepted", "time_update", "call_ending", "call_ended"} {
		ev, err := NewEvent(typ, map[string]any{})
		require.NoError(t, err)
		require.NoError(t, f.Publish(ctx, "call_x", ev))
	}

	for _, want := range []string{"call_accepted", "time_update", "call_ending", "call_ended"} {
		assert.Equal(t, want, recvEvent(t, sub).Type)
	}
}

func TestMemoryFabricCloseStopsDelivery(t *testing.T) {
	f := NewMemoryFabric()
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "call_x")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok)

	ev, err := NewEvent("time_update", map[string]any{})
	require.NoError(t, err)
	assert.NoError(t, f.Publish(ctx, "call_x", ev))
}

func TestRedisFabricRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := NewRedisFabric(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer f.Close()

	ctx := context.Background()
	sub, err := f.Subscribe(ctx, "call_x")
	require.NoError(t, err)
	defer sub.Close()

	target := uuid.New()
	ev, err := NewEvent("signal_relay", map[string]any{"kind": "offer"})
	require.NoError(t, err)
	ev.Target = target

	require.NoError(t, f.Publish(ctx, "call_x", ev))

	got := recvEvent(t, sub)
	assert.Equal(t, "signal_relay", got.Type)
	assert.Equal(t, target, got.Target)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "offer", payload["kind"])
}

func TestRedisFabricUnavailable(t *testing.T) {
	_, err := NewRedisFabric(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
