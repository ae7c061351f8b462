// Package coordination wraps the ephemeral KV store (Redis) that backs
// distributed locks, agent load counters, tenant token windows and event
// fan-out. Every call runs through a circuit breaker: when the store is
// unreachable the breaker opens and callers fail fast with
// COORDINATION_UNAVAILABLE so the control plane can degrade read-only.
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Key namespaces used in the coordination store
const (
	NamespaceLock         = "lock:"
	NamespaceLockQueue    = "lock_queue:"
	NamespaceLockMetadata = "lock_metadata:"
	NamespaceAgentLoad    = "agent_load:"
	NamespaceTenantTokens = "tenant_tokens:"
	NamespaceEvents       = "events:"
)

// Member is a scored member of a sorted set
type Member struct {
	Score  float64
	Member string
}

// Client is the coordination store client
type Client struct {
	redis   *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewClient wraps a redis client with circuit breaking
func NewClient(redisClient *redis.Client, logger observability.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "coordination-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Coordination store circuit state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &Client{
		redis:   redisClient,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// execute runs fn through the breaker mapping breaker/transport failures
// to COORDINATION_UNAVAILABLE. redis.Nil passes through untouched so
// callers can distinguish absence from outage.
func (c *Client) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		v, err := fn()
		if err == redis.Nil {
			return v, nil
		}
		return v, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.Wrap(err, apperrors.CodeCoordinationUnavailable, "coordination store circuit open")
		}
		return nil, apperrors.Wrap(err, apperrors.CodeCoordinationUnavailable, "coordination store "+op+" failed")
	}
	return result, nil
}

// Ping checks connectivity; used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.execute("ping", func() (interface{}, error) {
		return nil, c.redis.Ping(ctx).Err()
	})
	return err
}

// Get returns the value at key; empty string and found=false when absent
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := c.execute("get", func() (interface{}, error) {
		v, err := c.redis.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}
	return result.(string), true, nil
}

// Set stores a value with a TTL; ttl <= 0 means no expiry
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.execute("set", func() (interface{}, error) {
		return nil, c.redis.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX sets key only if absent; returns whether the set happened
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := c.execute("setnx", func() (interface{}, error) {
		return c.redis.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	_, err := c.execute("del", func() (interface{}, error) {
		return nil, c.redis.Del(ctx, keys...).Err()
	})
	return err
}

// Eval runs a server-side script atomically
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.execute("eval", func() (interface{}, error) {
		v, err := c.redis.Eval(ctx, script, keys, args...).Result()
		if err == redis.Nil {
			return nil, nil
		}
		return v, err
	})
}

// ZAdd adds a scored member to a sorted set
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := c.execute("zadd", func() (interface{}, error) {
		return nil, c.redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZRem removes members from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	_, err := c.execute("zrem", func() (interface{}, error) {
		return nil, c.redis.ZRem(ctx, key, toInterfaces(members)...).Err()
	})
	return err
}

// ZRangeWithScores returns members [start, stop] in ascending score order
func (c *Client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	result, err := c.execute("zrange", func() (interface{}, error) {
		return c.redis.ZRangeWithScores(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	zs := result.([]redis.Z)
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		members = append(members, Member{Score: z.Score, Member: member})
	}
	return members, nil
}

// IncrByWithWindow atomically adds delta to a rolling counter, setting the
// expiry only when the key is created. Used for the per-tenant 24h token
// window. Returns the new counter value.
func (c *Client) IncrByWithWindow(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	script := `
		local v = redis.call('INCRBY', KEYS[1], ARGV[1])
		if tonumber(v) == tonumber(ARGV[1]) then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return v
	`
	result, err := c.Eval(ctx, script, []string{key}, delta, window.Milliseconds())
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Publish sends a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := c.execute("publish", func() (interface{}, error) {
		return nil, c.redis.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe opens a subscription to the given channels. The returned
// channel closes when ctx is cancelled. Pub/sub bypasses the breaker: a
// blocked subscriber is not a store outage.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func() error) {
	sub := c.redis.Subscribe(ctx, channels...)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close
}

// PSubscribe opens a pattern subscription, e.g. "events:*". Semantics
// match Subscribe.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (<-chan Message, func() error) {
	sub := c.redis.PSubscribe(ctx, patterns...)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close
}

// Message is a pub/sub message
type Message struct {
	Channel string
	Payload []byte
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
