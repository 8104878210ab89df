package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
)

const stockKeyPrefix = "stock:"

// setStockScript writes a SKU's quantity only when the incoming ledger
// version is newer than the cached one, so out-of-order mirror writes from
// concurrent queues cannot regress the cache.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'v')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'q', quantity, 'v', version)
return 1
`)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func (r *RedisStockCache) SetStock(ctx context.Context, item domain.StockItem) (bool, error) {
	key := stockKeyPrefix + item.SKU

	result, err := setStockScript.Run(ctx, r.client, []string{key}, item.Quantity, item.Version).Int()
	if err != nil {
		return false, fmt.Errorf("cache stock %s: %w", item.SKU, err)
	}

	return result == 1, nil
}

func (r *RedisStockCache) GetStock(ctx context.Context, sku string) (*domain.StockItem, error) {
	fields, err := r.client.HGetAll(ctx, stockKeyPrefix+sku).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached stock %s: %w", sku, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	quantity, err := strconv.Atoi(fields["q"])
	if err != nil {
		return nil, fmt.Errorf("cached quantity for %s: %w", sku, err)
	}
	version, err := strconv.ParseInt(fields["v"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cached version for %s: %w", sku, err)
	}

	return &domain.StockItem{SKU: sku, Quantity: quantity, Version: version}, nil
}

func (r *RedisStockCache) DeleteStock(ctx context.Context, sku string) error {
	return r.client.Del(ctx, stockKeyPrefix+sku).Err()
}
