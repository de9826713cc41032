// 文件: pkg/oracle/oracle.go
// 价格源 - 储备价格，8 位小数
//
// Static: 内存价格表，测试和模拟用
// Redis:  从 Redis 读十进制价格字符串，Redis 不可用时回落到本地缓存

package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceDecimals 价格小数位
const PriceDecimals = 8

var (
	ErrPriceNotFound = errors.New("oracle: price not found")
	ErrInvalidPrice  = errors.New("oracle: invalid price")
)

// FromDecimal 十进制价格 -> 8 位小数整数 (截断)
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, d.String())
	}
	scaled := d.Shift(PriceDecimals).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows", ErrInvalidPrice, d.String())
	}
	return v, nil
}

// ToDecimal 8 位小数整数 -> 十进制价格
func ToDecimal(p *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(p.ToBig(), -PriceDecimals)
}

// ParsePrice 解析十进制价格字符串
func ParsePrice(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	return FromDecimal(d)
}

// =============================================================================
// Static
// =============================================================================

// Static 内存价格表
type Static struct {
	mu     sync.RWMutex
	prices map[uint32]uint256.Int
}

// NewStatic 创建空价格表
func NewStatic() *Static {
	return &Static{prices: make(map[uint32]uint256.Int)}
}

// SetPrice 设置价格 (8 位小数)
func (o *Static) SetPrice(reserveID uint32, price *uint256.Int) {
	o.mu.Lock()
	o.prices[reserveID] = *price
	o.mu.Unlock()
}

// SetPriceDecimal 用十进制价格设置
func (o *Static) SetPriceDecimal(reserveID uint32, price decimal.Decimal) error {
	p, err := FromDecimal(price)
	if err != nil {
		return err
	}
	o.SetPrice(reserveID, p)
	return nil
}

// GetReservePrice 返回价格拷贝
func (o *Static) GetReservePrice(reserveID uint32) (*uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[reserveID]
	if !ok {
		return nil, fmt.Errorf("%w: reserve %d", ErrPriceNotFound, reserveID)
	}
	return new(uint256.Int).Set(&p), nil
}
