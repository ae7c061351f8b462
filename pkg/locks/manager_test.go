package locks

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := coordination.NewClient(client, observability.NewNoopLogger())
	return NewManager(store, observability.NewNoopLogger(), observability.NewNoopMetricsClient()), mr
}

func TestAcquireRelease(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "session:execution:abc", AcquireOptions{Blocking: false})
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "session:execution:abc", lock.Resource)
	assert.True(t, mr.Exists("lock:session:execution:abc"))

	holder, err := manager.HolderOf(ctx, "session:execution:abc")
	require.NoError(t, err)
	assert.Equal(t, manager.NodeID(), holder)

	require.NoError(t, manager.Release(ctx, lock))
	assert.False(t, mr.Exists("lock:session:execution:abc"))
}

func TestNonBlockingContention(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false})
	require.NoError(t, err)
	defer func() { _ = manager.Release(ctx, lock) }()

	_, err = manager.Acquire(ctx, "res", AcquireOptions{Blocking: false, Owner: "other"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLockTimeout))
}

func TestBlockingTimeout(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false})
	require.NoError(t, err)
	defer func() { _ = manager.Release(ctx, lock) }()

	start := time.Now()
	_, err = manager.Acquire(ctx, "res", AcquireOptions{
		Blocking: true,
		Timeout:  300 * time.Millisecond,
		Owner:    "other",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestExpiredLockTakeover(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	stale := lockRecord{
		LockID:     "dead-lock-id",
		OwnerID:    "crashed-node",
		AcquiredAt: time.Now().Add(-2 * time.Minute).UnixMilli(),
		ExpiresAt:  time.Now().Add(-time.Minute).UnixMilli(),
	}
	payload, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, mr.Set("lock:res", string(payload)))

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false})
	require.NoError(t, err)
	assert.Equal(t, manager.NodeID(), lock.OwnerID)
	assert.NotEqual(t, "dead-lock-id", lock.LockID)
}

func TestReleaseNotOwned(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false})
	require.NoError(t, err)

	// A second holder replaced us behind our back
	stolen := &Lock{
		Resource: lock.Resource,
		LockID:   "someone-else",
		OwnerID:  lock.OwnerID,
		cancel:   func() {},
	}
	err = manager.Release(ctx, stolen)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLockNotOwned))

	// The true owner can still release
	require.NoError(t, manager.Release(ctx, lock))
}

func TestPriorityOrdering(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	held, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false, Owner: "holder"})
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup

	acquire := func(owner string, priority int) {
		defer wg.Done()
		lock, err := manager.Acquire(ctx, "res", AcquireOptions{
			Blocking: true,
			Timeout:  5 * time.Second,
			Priority: priority,
			Owner:    owner,
		})
		if err != nil {
			return
		}
		order <- owner
		time.Sleep(150 * time.Millisecond)
		_ = manager.Release(ctx, lock)
	}

	wg.Add(2)
	go acquire("low", 1)
	time.Sleep(100 * time.Millisecond)
	go acquire("high", 10)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, manager.Release(ctx, held))
	wg.Wait()
	close(order)

	var winners []string
	for w := range order {
		winners = append(winners, w)
	}
	require.Len(t, winners, 2)
	assert.Equal(t, "high", winners[0], "higher priority waiter should win despite arriving later")
	assert.Equal(t, "low", winners[1])
}

func TestFIFOWithinPriority(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	held, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false, Owner: "holder"})
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup

	acquire := func(owner string) {
		defer wg.Done()
		lock, err := manager.Acquire(ctx, "res", AcquireOptions{
			Blocking: true,
			Timeout:  5 * time.Second,
			Owner:    owner,
		})
		if err != nil {
			return
		}
		order <- owner
		time.Sleep(150 * time.Millisecond)
		_ = manager.Release(ctx, lock)
	}

	wg.Add(2)
	go acquire("first")
	time.Sleep(100 * time.Millisecond)
	go acquire("second")
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, manager.Release(ctx, held))
	wg.Wait()
	close(order)

	var winners []string
	for w := range order {
		winners = append(winners, w)
	}
	require.Len(t, winners, 2)
	assert.Equal(t, "first", winners[0])
}

func TestHeartbeatRenewal(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{
		Blocking: false,
		TTL:      300 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = manager.Release(ctx, lock) }()

	time.Sleep(600 * time.Millisecond)
	assert.Greater(t, lock.RenewalCount, 0, "heartbeat should have renewed at least once")

	holder, err := manager.HolderOf(ctx, "res")
	require.NoError(t, err)
	assert.Equal(t, manager.NodeID(), holder, "lock should outlive its original TTL while heartbeating")
}

func TestLostLockSignalled(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "res", AcquireOptions{
		Blocking: false,
		TTL:      300 * time.Millisecond,
	})
	require.NoError(t, err)

	mr.Del("lock:res")

	select {
	case <-lock.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Lost() to fire after the lock vanished")
	}
}

func TestDeadlockDetected(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lockA, err := manager.Acquire(ctx, "r1", AcquireOptions{Blocking: false, Owner: "A"})
	require.NoError(t, err)
	defer func() { _ = manager.Release(ctx, lockA) }()

	lockB, err := manager.Acquire(ctx, "r2", AcquireOptions{Blocking: false, Owner: "B"})
	require.NoError(t, err)
	defer func() { _ = manager.Release(ctx, lockB) }()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := manager.Acquire(ctx, "r2", AcquireOptions{
			Blocking: true, Timeout: 2 * time.Second, Owner: "A",
		})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := manager.Acquire(ctx, "r1", AcquireOptions{
			Blocking: true, Timeout: 2 * time.Second, Owner: "B",
		})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	deadlocks := 0
	for err := range errs {
		if apperrors.HasCode(err, apperrors.CodeDeadlockDetected) {
			deadlocks++
		}
	}
	assert.GreaterOrEqual(t, deadlocks, 1, "at least one waiter must abort with a deadlock error")
}

func TestConcurrentAcquireSingleHolder(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	var (
		holders int32
		maxSeen int32
		mu      sync.Mutex
	)

	const acquirers = 100

	var wg sync.WaitGroup
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lock, err := manager.Acquire(ctx, "res", AcquireOptions{
				Blocking: true,
				Timeout:  2 * time.Minute,
				Owner:    "owner-" + strconv.Itoa(n),
			})
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			_ = manager.Release(ctx, lock)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen, "no two owners may hold the lock at once")
}

func TestQueueDrainsByPriorityThenArrival(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	held, err := manager.Acquire(ctx, "res", AcquireOptions{Blocking: false, Owner: "holder"})
	require.NoError(t, err)

	order := make(chan string, 5)
	var wg sync.WaitGroup

	acquire := func(owner string, priority int) {
		defer wg.Done()
		lock, err := manager.Acquire(ctx, "res", AcquireOptions{
			Blocking: true,
			Timeout:  15 * time.Second,
			Priority: priority,
			Owner:    owner,
		})
		if err != nil {
			t.Errorf("%s: acquire failed: %v", owner, err)
			return
		}
		order <- owner
		time.Sleep(50 * time.Millisecond)
		_ = manager.Release(ctx, lock)
	}

	// Five waiters join in a fixed arrival order while the lock is held
	waiters := []struct {
		owner    string
		priority int
	}{
		{"a", 0}, {"b", 5}, {"c", 0}, {"d", 5}, {"e", 10},
	}
	wg.Add(len(waiters))
	for _, w := range waiters {
		go acquire(w.owner, w.priority)
		time.Sleep(100 * time.Millisecond)
	}

	require.NoError(t, manager.Release(ctx, held))
	wg.Wait()
	close(order)

	var got []string
	for owner := range order {
		got = append(got, owner)
	}
	assert.Equal(t, []string{"e", "b", "d", "a", "c"}, got,
		"queue must drain by descending priority, ties by arrival")
}
