// Package cache provides the orchestrator's distributed-state collaborator:
// a thin go-redis wrapper used to coordinate session ownership and rate
// limiting across multiple orchestrator replicas. A single-node deployment
// never needs this; it exists for the horizontally-scaled case where two
// replicas must agree on which node owns a user's live container.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds the Redis connection parameters.
type Config struct {
	URL          string // redis://host:port/db, takes precedence over the fields below
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane connection defaults for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// DistributedState coordinates session ownership and shared rate-limit
// counters across orchestrator replicas.
type DistributedState struct {
	client *redis.Client
}

// New connects to Redis per cfg and verifies connectivity with a Ping.
func New(cfg Config) (*DistributedState, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		parsed.PoolSize = cfg.PoolSize
		parsed.DialTimeout = cfg.DialTimeout
		parsed.ReadTimeout = cfg.ReadTimeout
		parsed.WriteTimeout = cfg.WriteTimeout
		opts = parsed
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &DistributedState{client: client}, nil
}

// Close releases the underlying connection pool.
func (d *DistributedState) Close() error {
	return d.client.Close()
}

// Ping checks connectivity, used by the health endpoint.
func (d *DistributedState) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func sessionOwnerKey(userID string) string { return "cage:session_owner:" + userID }

// ClaimSessionOwner attempts to record nodeID as the owner of userID's
// session for ttl, failing if another node already holds the claim. This is
// the building block that lets multiple orchestrator replicas agree on
// which one holds a user's live container.
func (d *DistributedState) ClaimSessionOwner(ctx context.Context, userID, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, sessionOwnerKey(userID), nodeID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim session owner: %w", err)
	}
	return ok, nil
}

// RenewSessionOwner extends the TTL on an existing claim, used by the owning
// node's keep-alive loop. It does not verify nodeID still matches; callers
// that need that guarantee should check SessionOwner first.
func (d *DistributedState) RenewSessionOwner(ctx context.Context, userID string, ttl time.Duration) error {
	if err := d.client.Expire(ctx, sessionOwnerKey(userID), ttl).Err(); err != nil {
		return fmt.Errorf("renew session owner: %w", err)
	}
	return nil
}

// SessionOwner returns the node currently claiming userID's session, or
// ("", false) if unclaimed.
func (d *DistributedState) SessionOwner(ctx context.Context, userID string) (string, bool, error) {
	nodeID, err := d.client.Get(ctx, sessionOwnerKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session owner: %w", err)
	}
	return nodeID, true, nil
}

// ReleaseSessionOwner drops the ownership claim, e.g. on graceful shutdown.
func (d *DistributedState) ReleaseSessionOwner(ctx context.Context, userID string) error {
	if err := d.client.Del(ctx, sessionOwnerKey(userID)).Err(); err != nil {
		return fmt.Errorf("release session owner: %w", err)
	}
	return nil
}

func rateCounterKey(userID string) string { return "cage:rate_counter:" + userID }

// IncrWithWindow atomically increments a per-user request counter and sets
// its expiry to window on first increment, giving a cross-replica
// equivalent of the in-process token bucket's rolling-minute admission
// check.
func (d *DistributedState) IncrWithWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	key := rateCounterKey(userID)

	count, err := d.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr rate counter: %w", err)
	}
	if count == 1 {
		if err := d.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("set rate counter expiry: %w", err)
		}
	}
	return count, nil
}
