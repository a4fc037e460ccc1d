package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"storefront-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/set_available.lua
var setAvailableScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// StockTTL bounds how long a mirrored ledger entry may outlive missed refreshes
const StockTTL = 10 * time.Minute

type Client struct {
	rdb                *redis.Client
	setAvailableScript *redis.Script
	releaseLockScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:                rdb,
		setAvailableScript: redis.NewScript(setAvailableScript),
		releaseLockScript:  redis.NewScript(releaseLockScript),
	}, nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(variantID int64) string {
	return fmt.Sprintf("stock:%d", variantID)
}

// SetStock mirrors a ledger entry. The entry's UpdatedAt orders concurrent
// writers, so a late refresh never overwrites a newer one. It reports whether
// the write was applied.
func (c *Client) SetStock(ctx context.Context, e models.StockLedgerEntry) (bool, error) {
	version := e.UpdatedAt.UnixMicro()
	result, err := c.setAvailableScript.Run(ctx, c.rdb, []string{stockKey(e.VariantID)},
		e.OnHand, e.Reserved, version, int(StockTTL.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("set available script failed: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return applied == 1, nil
}

// GetAvailable returns on_hand minus reserved from the mirror. found is
// false when the variant is not mirrored.
func (c *Client) GetAvailable(ctx context.Context, variantID int64) (available int, found bool, err error) {
	result, err := c.rdb.HMGet(ctx, stockKey(variantID), "on_hand", "reserved").Result()
	if err != nil {
		return 0, false, err
	}
	if len(result) != 2 || result[0] == nil || result[1] == nil {
		return 0, false, nil
	}

	onHand, err := strconv.Atoi(fmt.Sprint(result[0]))
	if err != nil {
		return 0, false, fmt.Errorf("corrupt on_hand for variant %d: %w", variantID, err)
	}
	reserved, err := strconv.Atoi(fmt.Sprint(result[1]))
	if err != nil {
		return 0, false, fmt.Errorf("corrupt reserved for variant %d: %w", variantID, err)
	}
	return onHand - reserved, true, nil
}

// MarkProcessed records an event id and reports whether this is its first sighting
func (c *Client) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("processed:%s", eventID), 1, ttl).Result()
}

// ForgetProcessed removes an event id so a redelivery is handled again
func (c *Client) ForgetProcessed(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("processed:%s", eventID)).Err()
}

// AcquireLock acquires a distributed lock. The returned token must be passed
// to ReleaseLock; ok is false when someone else holds the lock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
