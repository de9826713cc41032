// 文件: pkg/oracle/redis.go
// Redis 价格源
//
// Key: oracle:price:{spoke}:{reserve}，值为十进制价格字符串 ("1.00025")
//
// 读: 先查 Redis，成功则刷新本地缓存；Redis 出错时在 fallbackTTL 内用本地缓存
// 写: SetPrice 同时写 Redis 和本地缓存

package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"hubspoke.com/pkg/logger"
)

const (
	keyPrefix = "oracle:price:"

	defaultTimeout     = 200 * time.Millisecond
	defaultFallbackTTL = 30 * time.Second
)

type cachedPrice struct {
	price uint256.Int
	at    time.Time
}

// Redis Redis 价格源，一个 Spoke 一个实例
type Redis struct {
	client      *redis.Client
	spoke       string
	timeout     time.Duration
	fallbackTTL time.Duration

	cache sync.Map // reserveID -> cachedPrice
	log   *logger.Entry
}

// RedisOption Redis 价格源选项
type RedisOption func(*Redis)

// WithTimeout 单次读取超时
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

// WithFallbackTTL Redis 不可用时本地缓存的有效期
func WithFallbackTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.fallbackTTL = d }
}

// NewRedis 创建 Redis 价格源
func NewRedis(client *redis.Client, spoke string, opts ...RedisOption) *Redis {
	r := &Redis{
		client:      client,
		spoke:       spoke,
		timeout:     defaultTimeout,
		fallbackTTL: defaultFallbackTTL,
		log:         logger.GetLogger().WithComponent("Oracle").WithFields(logger.Fields{"spoke": spoke}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key 储备价格的 Redis key
func (r *Redis) Key(reserveID uint32) string {
	return keyPrefix + r.spoke + ":" + strconv.FormatUint(uint64(reserveID), 10)
}

// SetPrice 写入十进制价格
func (r *Redis) SetPrice(ctx context.Context, reserveID uint32, price decimal.Decimal) error {
	p, err := FromDecimal(price)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.Key(reserveID), price.String(), 0).Err(); err != nil {
		return err
	}
	r.cache.Store(reserveID, cachedPrice{price: *p, at: time.Now()})
	return nil
}

// GetReservePrice 读取价格 (8 位小数)
func (r *Redis) GetReservePrice(reserveID uint32) (*uint256.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.Key(reserveID)).Result()
	if err == nil {
		p, perr := ParsePrice(val)
		if perr != nil {
			return nil, perr
		}
		r.cache.Store(reserveID, cachedPrice{price: *p, at: time.Now()})
		return p, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: reserve %d", ErrPriceNotFound, reserveID)
	}

	// Redis 不可用，回落到本地缓存
	if v, ok := r.cache.Load(reserveID); ok {
		c := v.(cachedPrice)
		if time.Since(c.at) <= r.fallbackTTL {
			r.log.WithError(err).WithFields(logger.Fields{"reserve": reserveID}).
				Warn("[Oracle] redis unavailable, using cached price")
			return new(uint256.Int).Set(&c.price), nil
		}
	}
	return nil, fmt.Errorf("oracle: reserve %d: %w", reserveID, err)
}
