// Package events is the typed broadcast layer. Producers publish session,
// task and agent events; in-process subscribers receive them in per-session
// FIFO order, and a coordination-store pub/sub channel events:{tenant}
// fans them out to other nodes. Delivery is best-effort: a slow subscriber
// drops messages rather than blocking the control plane.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// EventType identifies the kind of event
type EventType string

const (
	EventSessionCreated       EventType = "session.created"
	EventSessionStatusChanged EventType = "session.status_changed"
	EventSessionCompleted     EventType = "session.completed"
	EventSessionFailed        EventType = "session.failed"
	EventTaskStatusChanged    EventType = "task.status_changed"
	EventAgentRegistered      EventType = "agent.registered"
	EventAgentHeartbeatLost   EventType = "agent.heartbeat_lost"
)

// Event is a single broadcast message
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"event_type"`
	TenantID  uuid.UUID              `json:"tenant_id"`
	SessionID uuid.UUID              `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and current timestamp
func New(eventType EventType, tenantID, sessionID uuid.UUID, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		TenantID:  tenantID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Filter selects which events a subscription receives
type Filter func(Event) bool

// FilterTenant matches all events of one tenant
func FilterTenant(tenantID uuid.UUID) Filter {
	return func(e Event) bool { return e.TenantID == tenantID }
}

// FilterSession matches events of one session
func FilterSession(tenantID, sessionID uuid.UUID) Filter {
	return func(e Event) bool { return e.TenantID == tenantID && e.SessionID == sessionID }
}

// Subscription is a live event feed
type Subscription struct {
	id     uuid.UUID
	ch     chan Event
	filter Filter
}

// Events returns the subscription's delivery channel. It closes on
// Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus is the in-process broadcaster with optional cross-node fan-out
type Bus struct {
	logger  observability.Logger
	metrics observability.MetricsClient
	store   *coordination.Client // nil disables cross-node fan-out

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription

	// sessionMu serializes delivery per session so subscribers observe
	// per-session FIFO order even with concurrent publishers
	sessionMu sync.Map // uuid.UUID -> *sync.Mutex

	// seen holds recently published IDs so the relay skips this node's
	// own fan-out
	seen *seenWindow
}

// NewBus creates an event bus. Pass a nil store for in-process only.
func NewBus(store *coordination.Client, logger observability.Logger, metrics observability.MetricsClient) *Bus {
	return &Bus{
		logger:  logger,
		metrics: metrics,
		store:   store,
		subs:    map[uuid.UUID]*Subscription{},
		seen:    newSeenWindow(1024),
	}
}

// Subscribe registers a filtered feed. buffer bounds the delivery channel;
// events beyond it are dropped for that subscriber.
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		id:     uuid.New(),
		ch:     make(chan Event, buffer),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to local subscribers and fans it out to
// other nodes on events:{tenant}. Fan-out failures are logged, never
// surfaced: broadcast is best-effort.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.seen.observe(event.ID)
	b.deliverLocal(event)

	if b.store == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to encode event for fan-out", map[string]interface{}{
			"event_type": string(event.Type),
			"error":      err.Error(),
		})
		return
	}
	channel := coordination.NamespaceEvents + event.TenantID.String()
	if err := b.store.Publish(ctx, channel, payload); err != nil {
		b.logger.Warn("Event fan-out failed", map[string]interface{}{
			"event_type": string(event.Type),
			"channel":    channel,
			"error":      err.Error(),
		})
	}
}

func (b *Bus) deliverLocal(event Event) {
	if event.SessionID != uuid.Nil {
		mu := b.sessionLock(event.SessionID)
		mu.Lock()
		defer mu.Unlock()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.metrics.IncrementCounterWithLabels("events.dropped", 1, map[string]string{
				"event_type": string(event.Type),
			})
		}
	}
	b.metrics.IncrementCounterWithLabels("events.published", 1, map[string]string{
		"event_type": string(event.Type),
	})
}

func (b *Bus) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	if mu, ok := b.sessionMu.Load(sessionID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := b.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunRelay consumes the tenant's cross-node channel and redelivers remote
// events to local subscribers. Events this node published are skipped via
// the seen-ID check inside the window. Blocks until ctx is cancelled.
func (b *Bus) RunRelay(ctx context.Context, tenantID uuid.UUID) {
	if b.store == nil {
		return
	}
	channel := coordination.NamespaceEvents + tenantID.String()
	messages, closeSub := b.store.Subscribe(ctx, channel)
	defer func() { _ = closeSub() }()

	b.consumeRelay(ctx, messages)
}

// RunRelayAll relays remote events for every tenant via a pattern
// subscription on events:*. The server process runs this; per-tenant
// RunRelay exists for embedded and test setups.
func (b *Bus) RunRelayAll(ctx context.Context) {
	if b.store == nil {
		return
	}
	messages, closeSub := b.store.PSubscribe(ctx, coordination.NamespaceEvents+"*")
	defer func() { _ = closeSub() }()

	b.consumeRelay(ctx, messages)
}

func (b *Bus) consumeRelay(ctx context.Context, messages <-chan coordination.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("Dropping malformed relayed event", map[string]interface{}{
					"channel": msg.Channel,
					"error":   err.Error(),
				})
				continue
			}
			if b.seen.observe(event.ID) {
				continue
			}
			b.deliverLocal(event)
		}
	}
}

// seenWindow is a bounded set of recently observed event IDs
type seenWindow struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	cap   int
}

func newSeenWindow(capacity int) *seenWindow {
	return &seenWindow{ids: map[uuid.UUID]struct{}{}, cap: capacity}
}

// observe returns true when the ID was already seen, recording it otherwise
func (w *seenWindow) observe(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ids[id]; ok {
		return true
	}
	w.ids[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.cap {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.ids, oldest)
	}
	return false
}
