// Package cluster coordinates replicas that share one Redis: a job guarded
// by the Coordinator runs on at most one replica at a time.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LockClient is the subset of Redis the coordinator needs. A go-redis client
// or a test double can sit behind it.
type LockClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// DelIfValue deletes key only while it still holds value, as one atomic
	// step. Returns true if deleted.
	DelIfValue(ctx context.Context, key, value string) (bool, error)
}

// Config holds coordinator settings.
type Config struct {
	NodeID    string
	KeyPrefix string        // default: "autopilot:lock:"
	LockTTL   time.Duration // default: 2m; bounds how long a crashed holder blocks others
}

// Coordinator hands out named, expiring locks.
type Coordinator struct {
	nodeID  string
	prefix  string
	client  LockClient
	logger  *slog.Logger
	lockTTL time.Duration
}

// NewCoordinator creates a coordinator on client.
func NewCoordinator(client LockClient, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "autopilot:lock:"
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		prefix:  cfg.KeyPrefix,
		client:  client,
		logger:  logger,
		lockTTL: cfg.LockTTL,
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Acquire takes the lock called name. It returns false when another node
// holds it.
func (c *Coordinator) Acquire(ctx context.Context, name string) (bool, error) {
	acquired, err := c.client.SetNX(ctx, c.prefix+name, c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if acquired {
		c.logger.Debug("lock acquired", "lock", name, "node", c.nodeID)
	}
	return acquired, nil
}

// Release drops the lock called name if this node still holds it. A lock that
// expired and was taken by another node is left alone.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	deleted, err := c.client.DelIfValue(ctx, c.prefix+name, c.nodeID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if !deleted {
		c.logger.Debug("skipping lock release (not owner)", "lock", name, "node", c.nodeID)
	}
	return nil
}

// Exclusive wraps fn so it runs only while holding the lock called name.
// When another node holds the lock the call is skipped and returns nil. A nil
// Coordinator runs fn unguarded, which is what a single replica wants.
func (c *Coordinator) Exclusive(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	if c == nil || fn == nil {
		return fn
	}
	return func(ctx context.Context) error {
		ok, err := c.Acquire(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Debug("job held by another node, skipping", "job", name, "node", c.nodeID)
			return nil
		}
		defer func() {
			if err := c.Release(context.WithoutCancel(ctx), name); err != nil {
				c.logger.Warn("lock release failed", "lock", name, "error", err)
			}
		}()
		return fn(ctx)
	}
}
