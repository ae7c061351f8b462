// Package locks implements the distributed mutex that serializes session
// mutations across nodes. Locks live in the coordination store under
// lock:{resource}; waiters queue fairly in lock_queue:{resource} ordered
// by priority then arrival. Acquisition, renewal and release are atomic
// server-side scripts so an observer never sees two holders.
package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Defaults
const (
	DefaultTTL            = 30 * time.Second
	DefaultAcquireTimeout = 10 * time.Second
	DefaultRetryInterval  = 100 * time.Millisecond
)

// lockRecord is the JSON payload stored at lock:{resource}
type lockRecord struct {
	LockID       string `json:"lock_id"`
	OwnerID      string `json:"owner_id"`
	AcquiredAt   int64  `json:"acquired_at"`
	ExpiresAt    int64  `json:"expires_at"`
	RenewalCount int    `json:"renewal_count"`
}

// acquireScript enqueues the request, prunes expired waiters, deletes an
// abandoned lock whose expires_at has passed, and grants the lock only to
// the request at the head of the queue. Returns 1 when acquired.
const acquireScript = `
local lockKey = KEYS[1]
local queueKey = KEYS[2]
local metaKey = KEYS[3]
local requestID = ARGV[1]
local payload = ARGV[2]
local ttlMs = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])
local score = tonumber(ARGV[5])
local deadlineMs = ARGV[6]

redis.call('ZADD', queueKey, 'NX', score, requestID)
redis.call('HSET', metaKey, requestID, deadlineMs)

local waiters = redis.call('ZRANGE', queueKey, 0, -1)
for _, waiter in ipairs(waiters) do
	local deadline = redis.call('HGET', metaKey, waiter)
	if deadline and tonumber(deadline) < nowMs then
		redis.call('ZREM', queueKey, waiter)
		redis.call('HDEL', metaKey, waiter)
	end
end

local current = redis.call('GET', lockKey)
if current then
	local lock = cjson.decode(current)
	if tonumber(lock.expires_at) < nowMs then
		redis.call('DEL', lockKey)
		current = false
	end
end

if not current then
	local head = redis.call('ZRANGE', queueKey, 0, 0)
	if head[1] == requestID then
		redis.call('SET', lockKey, payload, 'PX', ttlMs)
		redis.call('ZREM', queueKey, requestID)
		redis.call('HDEL', metaKey, requestID)
		return 1
	end
end
return 0
`

// renewScript extends the lock only when the caller still owns it.
// Returns the new renewal count, or 0 when the lock is lost.
const renewScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local lock = cjson.decode(current)
if lock.lock_id ~= ARGV[1] or lock.owner_id ~= ARGV[2] then
	return 0
end
lock.renewal_count = lock.renewal_count + 1
lock.expires_at = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(lock), 'PX', tonumber(ARGV[4]))
return lock.renewal_count
`

// releaseScript deletes the lock only when the caller owns it.
// Returns 1 on delete, 0 when absent, -1 when owned by someone else.
const releaseScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local lock = cjson.decode(current)
if lock.lock_id ~= ARGV[1] or lock.owner_id ~= ARGV[2] then
	return -1
end
redis.call('DEL', KEYS[1])
return 1
`

// AcquireOptions configures a single acquisition
type AcquireOptions struct {
	// Timeout bounds how long a blocking acquire waits; default 10s
	Timeout time.Duration
	// Blocking retries until Timeout; non-blocking fails immediately
	Blocking bool
	// TTL is the lock's expiry; default 30s
	TTL time.Duration
	// Priority orders waiters; higher wins, ties by arrival
	Priority int
	// Owner overrides the logical owner identity; defaults to the
	// manager's node identity. The wait-for graph links on this value.
	Owner string
}

// Lock is a held distributed lock
type Lock struct {
	Resource     string
	LockID       string
	OwnerID      string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	RenewalCount int

	manager   *Manager
	ttl       time.Duration
	cancel    context.CancelFunc
	lost      chan struct{}
	lostOnce  sync.Once
	releaseMu sync.Mutex
	released  bool
}

// Lost is closed when the heartbeat discovers the lock is no longer owned
func (l *Lock) Lost() <-chan struct{} {
	return l.lost
}

// Manager coordinates distributed locks for one node
type Manager struct {
	store         *coordination.Client
	logger        observability.Logger
	metrics       observability.MetricsClient
	nodeID        string
	retryInterval time.Duration

	mu      sync.Mutex
	held    map[string]map[string]bool // owner -> set of held resources
	waiting map[string]string          // owner -> resource being waited on
}

// NewManager creates a lock manager with a fresh node identity
func NewManager(store *coordination.Client, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	return &Manager{
		store:         store,
		logger:        logger,
		metrics:       metrics,
		nodeID:        uuid.New().String(),
		retryInterval: DefaultRetryInterval,
		held:          map[string]map[string]bool{},
		waiting:       map[string]string{},
	}
}

// NodeID returns the manager's node identity
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Acquire obtains the lock on resource, queueing fairly behind
// higher-priority or earlier waiters. Blocking acquires retry every
// retryInterval until the timeout elapses (LOCK_TIMEOUT) or a circular
// wait is found (DEADLOCK_DETECTED).
func (m *Manager) Acquire(ctx context.Context, resource string, opts AcquireOptions) (*Lock, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAcquireTimeout
	}
	owner := opts.Owner
	if owner == "" {
		owner = m.nodeID
	}

	m.warnOnOrderingViolation(owner, resource)

	requestID := uuid.New().String()
	lockID := uuid.New().String()
	deadline := time.Now().Add(opts.Timeout)

	m.setWaiting(owner, resource)
	defer m.clearWaiting(owner)

	// Queue score: higher priority sorts first, ties by arrival time
	score := float64(-opts.Priority)*1e13 + float64(time.Now().UnixMilli())

	for {
		now := time.Now()
		record := lockRecord{
			LockID:     lockID,
			OwnerID:    owner,
			AcquiredAt: now.UnixMilli(),
			ExpiresAt:  now.Add(opts.TTL).UnixMilli(),
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode lock record")
		}

		result, err := m.store.Eval(ctx, acquireScript,
			[]string{
				coordination.NamespaceLock + resource,
				coordination.NamespaceLockQueue + resource,
				coordination.NamespaceLockMetadata + resource,
			},
			requestID, string(payload), opts.TTL.Milliseconds(), now.UnixMilli(), score, deadline.UnixMilli(),
		)
		if err != nil {
			return nil, err
		}

		if acquired, ok := result.(int64); ok && acquired == 1 {
			lock := m.newHeldLock(resource, lockID, owner, now, opts.TTL)
			m.metrics.IncrementCounterWithLabels("lock.acquired", 1, map[string]string{"resource": resource})
			return lock, nil
		}

		if !opts.Blocking {
			m.dequeue(ctx, resource, requestID)
			return nil, apperrors.Newf(apperrors.CodeLockTimeout, "lock on %s is held", resource)
		}

		if m.hasCircularWait(ctx, owner, resource) {
			m.dequeue(ctx, resource, requestID)
			m.metrics.IncrementCounter("lock.deadlock_detected", 1)
			return nil, apperrors.Newf(apperrors.CodeDeadlockDetected, "circular wait acquiring %s", resource)
		}

		if time.Now().After(deadline) {
			m.dequeue(ctx, resource, requestID)
			m.metrics.IncrementCounterWithLabels("lock.timeout", 1, map[string]string{"resource": resource})
			return nil, apperrors.Newf(apperrors.CodeLockTimeout, "timed out acquiring lock on %s", resource)
		}

		select {
		case <-ctx.Done():
			m.dequeue(ctx, resource, requestID)
			return nil, apperrors.Wrap(ctx.Err(), apperrors.CodeCancelled, "lock acquire cancelled")
		case <-time.After(m.retryInterval):
		}
	}
}

// Release releases the lock. Releasing a lock the caller no longer owns
// returns LOCK_NOT_OWNED without side effects.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	lock.releaseMu.Lock()
	if lock.released {
		lock.releaseMu.Unlock()
		return nil
	}
	lock.released = true
	lock.releaseMu.Unlock()

	lock.cancel()
	m.forget(lock.OwnerID, lock.Resource)

	result, err := m.store.Eval(ctx, releaseScript,
		[]string{coordination.NamespaceLock + lock.Resource},
		lock.LockID, lock.OwnerID,
	)
	if err != nil {
		return err
	}
	if v, ok := result.(int64); ok && v == -1 {
		return apperrors.Newf(apperrors.CodeLockNotOwned, "lock on %s is owned by someone else", lock.Resource)
	}
	m.metrics.IncrementCounterWithLabels("lock.released", 1, map[string]string{"resource": lock.Resource})
	return nil
}

// HolderOf returns the current owner of a resource, or "" when unlocked
func (m *Manager) HolderOf(ctx context.Context, resource string) (string, error) {
	raw, found, err := m.store.Get(ctx, coordination.NamespaceLock+resource)
	if err != nil || !found {
		return "", err
	}
	var record lockRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "malformed lock record")
	}
	if time.Now().UnixMilli() > record.ExpiresAt {
		return "", nil
	}
	return record.OwnerID, nil
}

// newHeldLock registers the lock and starts its heartbeat
func (m *Manager) newHeldLock(resource, lockID, owner string, acquiredAt time.Time, ttl time.Duration) *Lock {
	hbCtx, cancel := context.WithCancel(context.Background())
	lock := &Lock{
		Resource:   resource,
		LockID:     lockID,
		OwnerID:    owner,
		AcquiredAt: acquiredAt,
		ExpiresAt:  acquiredAt.Add(ttl),
		manager:    m,
		ttl:        ttl,
		cancel:     cancel,
		lost:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.held[owner] == nil {
		m.held[owner] = map[string]bool{}
	}
	m.held[owner][resource] = true
	m.mu.Unlock()

	go m.heartbeat(hbCtx, lock)
	return lock
}

// heartbeat renews the lock every ttl/3. A renewal that finds the lock
// missing or foreign marks the lock lost and stops.
func (m *Manager) heartbeat(ctx context.Context, lock *Lock) {
	interval := lock.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newExpiry := time.Now().Add(lock.ttl)
			result, err := m.store.Eval(ctx, renewScript,
				[]string{coordination.NamespaceLock + lock.Resource},
				lock.LockID, lock.OwnerID, newExpiry.UnixMilli(), lock.ttl.Milliseconds(),
			)
			if err != nil {
				m.logger.Warn("Lock renewal failed", map[string]interface{}{
					"resource": lock.Resource,
					"error":    err.Error(),
				})
				continue
			}
			count, _ := result.(int64)
			if count == 0 {
				m.logger.Error("Lock lost during renewal", map[string]interface{}{
					"resource": lock.Resource,
					"owner":    lock.OwnerID,
				})
				m.forget(lock.OwnerID, lock.Resource)
				lock.lostOnce.Do(func() { close(lock.lost) })
				return
			}
			lock.RenewalCount = int(count)
			lock.ExpiresAt = newExpiry
			m.metrics.IncrementCounterWithLabels("lock.renewed", 1, map[string]string{"resource": lock.Resource})
		}
	}
}

// hasCircularWait follows the wait-for graph from the given owner: the
// resource it wants, that resource's holder, the resource that holder
// waits on, and so on. A path that returns to the owner is a deadlock.
func (m *Manager) hasCircularWait(ctx context.Context, owner, resource string) bool {
	visited := map[string]bool{}
	current := resource

	for i := 0; i < 32; i++ {
		holder, err := m.HolderOf(ctx, current)
		if err != nil || holder == "" {
			return false
		}
		if holder == owner {
			return true
		}
		if visited[holder] {
			return false
		}
		visited[holder] = true

		m.mu.Lock()
		next, waiting := m.waiting[holder]
		m.mu.Unlock()
		if !waiting {
			return false
		}
		current = next
	}
	return false
}

// warnOnOrderingViolation logs when locks are taken out of ascending
// resource-name order while others are held
func (m *Manager) warnOnOrderingViolation(owner, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for heldResource := range m.held[owner] {
		if resource < heldResource {
			m.logger.Warn("Acquiring lock out of ascending resource order", map[string]interface{}{
				"owner":     owner,
				"holding":   heldResource,
				"acquiring": resource,
			})
			return
		}
	}
}

func (m *Manager) setWaiting(owner, resource string) {
	m.mu.Lock()
	m.waiting[owner] = resource
	m.mu.Unlock()
}

func (m *Manager) clearWaiting(owner string) {
	m.mu.Lock()
	delete(m.waiting, owner)
	m.mu.Unlock()
}

func (m *Manager) forget(owner, resource string) {
	m.mu.Lock()
	if resources := m.held[owner]; resources != nil {
		delete(resources, resource)
		if len(resources) == 0 {
			delete(m.held, owner)
		}
	}
	m.mu.Unlock()
}

// dequeue removes an unfulfilled request from the wait queue
func (m *Manager) dequeue(ctx context.Context, resource, requestID string) {
	if err := m.store.ZRem(ctx, coordination.NamespaceLockQueue+resource, requestID); err != nil {
		m.logger.Warn("Failed to dequeue lock waiter", map[string]interface{}{
			"resource": resource,
			"error":    err.Error(),
		})
	}
	script := `redis.call('HDEL', KEYS[1], ARGV[1]) return 1`
	if _, err := m.store.Eval(ctx, script, []string{coordination.NamespaceLockMetadata + resource}, requestID); err != nil {
		m.logger.Debug("Failed to clear lock waiter metadata", map[string]interface{}{
			"resource": resource,
			"error":    err.Error(),
		})
	}
}

// SessionLockResource names the lock guarding a session's execution
func SessionLockResource(sessionID fmt.Stringer) string {
	return "session:execution:" + sessionID.String()
}
