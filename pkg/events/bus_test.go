package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func newLocalBus() *Bus {
	return NewBus(nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestSubscribeFilterByTenant(t *testing.T) {
	bus := newLocalBus()
	tenantA := uuid.New()
	tenantB := uuid.New()

	sub := bus.Subscribe(8, FilterTenant(tenantA))
	defer bus.Unsubscribe(sub)

	bus.Publish(context.Background(), New(EventSessionCreated, tenantA, uuid.New(), nil))
	bus.Publish(context.Background(), New(EventSessionCreated, tenantB, uuid.New(), nil))

	select {
	case event := <-sub.Events():
		assert.Equal(t, tenantA, event.TenantID)
	case <-time.After(time.Second):
		t.Fatal("expected an event for tenant A")
	}

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event for tenant %s", event.TenantID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerSessionFIFO(t *testing.T) {
	bus := newLocalBus()
	tenantID := uuid.New()
	sessionID := uuid.New()

	sub := bus.Subscribe(128, FilterSession(tenantID, sessionID))
	defer bus.Unsubscribe(sub)

	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(context.Background(), New(EventSessionStatusChanged, tenantID, sessionID, map[string]interface{}{
			"seq": i,
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case event := <-sub.Events():
			seq, ok := event.Payload["seq"].(int)
			require.True(t, ok)
			assert.Equal(t, i, seq, "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := newLocalBus()
	tenantID := uuid.New()

	sub := bus.Subscribe(2, FilterTenant(tenantID))
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), New(EventSessionCreated, tenantID, uuid.New(), nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must never block on a full subscriber")
	}
}

func TestCrossNodeFanout(t *testing.T) {
	mr := miniredis.RunT(t)
	tenantID := uuid.New()

	newNode := func() *Bus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store := coordination.NewClient(client, observability.NewNoopLogger())
		return NewBus(store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	}

	publisher := newNode()
	receiver := newNode()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiver.RunRelay(ctx, tenantID)
	time.Sleep(100 * time.Millisecond) // let the subscription attach

	sub := receiver.Subscribe(8, FilterTenant(tenantID))
	defer receiver.Unsubscribe(sub)

	sessionID := uuid.New()
	publisher.Publish(context.Background(), New(EventSessionCompleted, tenantID, sessionID, nil))

	select {
	case event := <-sub.Events():
		assert.Equal(t, EventSessionCompleted, event.Type)
		assert.Equal(t, sessionID, event.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the relayed event on the second node")
	}
}
