// Package cache keeps a read-through snapshot of account availability in Redis.
// The worker writes it from stock_changed events; the API reads it for
// cheap availability checks. The ledger itself never reads the cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
	"farmledger/internal/domain/ledger"
)

const keyPrefix = "farmledger:stock:"

// Snapshot is the cached availability of one account.
type Snapshot struct {
	AccountID   id.ID              `json:"accountId"`
	FarmID      id.ID              `json:"farmId"`
	Category    ledger.Category    `json:"category"`
	ProductName string             `json:"productName"`
	Available   types.Quantity     `json:"available"`
	UnitCost    types.Money        `json:"unitCost"`
	IsLowStock  bool               `json:"isLowStock"`
	StockHealth ledger.StockHealth `json:"stockHealth"`
	Version     int64              `json:"version"`
	AsOf        time.Time          `json:"asOf"`
}

// SnapshotFromEvent builds a snapshot from a stock_changed payload.
func SnapshotFromEvent(ev ledger.StockChanged) Snapshot {
	return Snapshot{
		AccountID:   ev.AccountID,
		FarmID:      ev.FarmID,
		Category:    ev.Category,
		ProductName: ev.ProductName,
		Available:   ev.Balance,
		UnitCost:    ev.UnitCost,
		IsLowStock:  ev.IsLowStock,
		StockHealth: ev.StockHealth,
		Version:     ev.Version,
		AsOf:        ev.OccurredAt,
	}
}

// SnapshotFromAccount builds a snapshot from a freshly read account.
func SnapshotFromAccount(acc *ledger.Account, now time.Time) Snapshot {
	return Snapshot{
		AccountID:   acc.ID,
		FarmID:      acc.FarmID,
		Category:    acc.Category,
		ProductName: acc.ProductName,
		Available:   acc.QuantityAvailable,
		UnitCost:    acc.UnitCost,
		IsLowStock:  acc.IsLowStock,
		StockHealth: acc.StockHealth,
		Version:     acc.Version,
		AsOf:        now,
	}
}

// Key returns the Redis key for an account key.
func Key(k ledger.AccountKey) string {
	k = k.Normalized()
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, k.FarmID, k.Category, k.ProductName)
}

// setIfNewer stores the snapshot unless a newer version is already cached.
// Events can arrive out of order after relay retries.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded['version'] and tonumber(decoded['version']) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// SnapshotCache stores snapshots in Redis.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache wraps an existing client.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Ping checks the connection.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *SnapshotCache) Get(ctx context.Context, key ledger.AccountKey) (*Snapshot, bool, error) {
	val, err := c.client.Get(ctx, Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// Put stores snap unless the cache already holds a newer version. It reports
// whether the write happened.
func (c *SnapshotCache) Put(ctx context.Context, snap Snapshot) (bool, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	key := Key(ledger.AccountKey{FarmID: snap.FarmID, Category: snap.Category, ProductName: snap.ProductName})
	n, err := setIfNewer.Run(ctx, c.client, []string{key}, payload, snap.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("store snapshot: %w", err)
	}
	return n == 1, nil
}

// Invalidate drops the snapshot for key.
func (c *SnapshotCache) Invalidate(ctx context.Context, key ledger.AccountKey) error {
	return c.client.Del(ctx, Key(key)).Err()
}
