// 文件: pkg/wadray/wadray.go
// 定点数学库 - wad (1e18) / ray (1e27) 精度运算
//
// 核心约定:
// 1. 所有数值使用 uint256 (github.com/holiman/uint256)，无符号 256 位
// 2. 每个乘除法都有显式的向上/向下取整版本，调用方必须选择方向
// 3. 乘积溢出 2^256 直接返回 ErrMulOverflow，绝不静默截断

package wadray

import (
	"errors"

	"github.com/holiman/uint256"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrMulOverflow              = errors.New("wadray: multiplication overflow")
	ErrAddOverflow              = errors.New("wadray: addition overflow")
	ErrDivisionByZero           = errors.New("wadray: division by zero")
	ErrWeightedAverageUnderflow = errors.New("wadray: weighted average removal exceeds accumulated total")
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	// PercentageFactor 100.00% (bps)
	PercentageFactor = 10_000

	// SecondsPerYear 线性利息按 365 天计
	SecondsPerYear = 31_536_000
)

var (
	wad          = uint256.NewInt(1_000_000_000_000_000_000)
	ray          = uint256.MustFromDecimal("1000000000000000000000000000")
	wadRayRatio  = uint256.NewInt(1_000_000_000)
	percentScale = uint256.NewInt(PercentageFactor)
	bpsToRayMul  = uint256.MustFromDecimal("100000000000000000000000") // 1e23
	bpsToWadMul  = uint256.NewInt(100_000_000_000_000)                // 1e14
	secondsYear  = uint256.NewInt(SecondsPerYear)
	maxUint256   = new(uint256.Int).Not(new(uint256.Int))
)

// WAD 返回 1e18 的新副本
func WAD() *uint256.Int { return new(uint256.Int).Set(wad) }

// RAY 返回 1e27 的新副本
func RAY() *uint256.Int { return new(uint256.Int).Set(ray) }

// MaxUint256 返回 2^256-1 的新副本
func MaxUint256() *uint256.Int { return new(uint256.Int).Set(maxUint256) }

// Zero 返回 0
func Zero() *uint256.Int { return new(uint256.Int) }

// One 返回 1 (最小单位)
func One() *uint256.Int { return uint256.NewInt(1) }

// FromUint64 包装 uint256.NewInt
func FromUint64(v uint64) *uint256.Int { return uint256.NewInt(v) }

// MustFromDecimal 十进制字符串常量，格式错误直接 panic，只用于常量和测试
func MustFromDecimal(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

// IsMax 判断是否为 2^256-1 (常用作 "全部" 的哨兵值)
func IsMax(v *uint256.Int) bool { return v.Eq(maxUint256) }

// =============================================================================
// 取整方向
// =============================================================================

// Rounding 取整方向
type Rounding uint8

const (
	Floor Rounding = iota // 向下取整
	Ceil                  // 向上取整
)

func (r Rounding) String() string {
	switch r {
	case Floor:
		return "FLOOR"
	case Ceil:
		return "CEIL"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 通用 mulDiv
// =============================================================================

// MulDiv 计算 a*b/d，按 r 取整
//
// a*b 超过 256 位返回 ErrMulOverflow
func MulDiv(a, b, d *uint256.Int, r Rounding) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrMulOverflow
	}
	q := new(uint256.Int).Div(prod, d)
	if r == Ceil && !new(uint256.Int).Mod(prod, d).IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// MulDivDown a*b/d 向下取整
func MulDivDown(a, b, d *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, d, Floor) }

// MulDivUp a*b/d 向上取整
func MulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, d, Ceil) }

// =============================================================================
// Wad 运算
// =============================================================================

func WadMulDown(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, wad, Floor) }
func WadMulUp(a, b *uint256.Int) (*uint256.Int, error)   { return MulDiv(a, b, wad, Ceil) }
func WadDivDown(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, wad, b, Floor) }
func WadDivUp(a, b *uint256.Int) (*uint256.Int, error)   { return MulDiv(a, wad, b, Ceil) }

// =============================================================================
// Ray 运算
// =============================================================================

func RayMulDown(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, ray, Floor) }
func RayMulUp(a, b *uint256.Int) (*uint256.Int, error)   { return MulDiv(a, b, ray, Ceil) }
func RayDivDown(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, ray, b, Floor) }
func RayDivUp(a, b *uint256.Int) (*uint256.Int, error)   { return MulDiv(a, ray, b, Ceil) }

// RayMul 按方向选择 RayMulDown / RayMulUp
func RayMul(a, b *uint256.Int, r Rounding) (*uint256.Int, error) { return MulDiv(a, b, ray, r) }

// RayDiv 按方向选择 RayDivDown / RayDivUp
func RayDiv(a, b *uint256.Int, r Rounding) (*uint256.Int, error) { return MulDiv(a, ray, b, r) }

// WadToRay wad -> ray (乘 1e9)
func WadToRay(a *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, wadRayRatio)
	if overflow {
		return nil, ErrMulOverflow
	}
	return z, nil
}

// RayToWadDown ray -> wad (除 1e9，向下取整)
func RayToWadDown(a *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(a, wadRayRatio)
}

// =============================================================================
// 百分比 (bps) 运算
// =============================================================================

// PercentMulDown value * bps / 10000 向下取整
func PercentMulDown(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(value, uint256.NewInt(bps), percentScale, Floor)
}

// PercentMulUp value * bps / 10000 向上取整
func PercentMulUp(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(value, uint256.NewInt(bps), percentScale, Ceil)
}

// PercentDivDown value * 10000 / bps 向下取整
func PercentDivDown(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(value, percentScale, uint256.NewInt(bps), Floor)
}

// PercentDivUp value * 10000 / bps 向上取整
func PercentDivUp(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(value, percentScale, uint256.NewInt(bps), Ceil)
}

// BpsToRay 1 bps = 1e23 ray
func BpsToRay(bps uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(bps), bpsToRayMul)
}

// BpsToWad 1 bps = 1e14 wad
func BpsToWad(bps uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(bps), bpsToWadMul)
}

// =============================================================================
// 线性利息
// =============================================================================

// LinearInterest 线性利息因子 (ray)
//
//	factor = RAY + rate * elapsed / SecondsPerYear
//
// rate 为年化利率 (ray)。elapsed = 0 时返回 RAY。
// 例: rate = 0.08 ray, elapsed = 7 年 -> 1.56 ray
func LinearInterest(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || rate.IsZero() {
		return RAY(), nil
	}
	growth, err := MulDiv(rate, uint256.NewInt(elapsed), secondsYear, Floor)
	if err != nil {
		return nil, err
	}
	factor, overflow := new(uint256.Int).AddOverflow(ray, growth)
	if overflow {
		return nil, ErrAddOverflow
	}
	return factor, nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// Min 返回较小值的副本
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Max 返回较大值的副本
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// SubFloor a-b，b > a 时返回 0
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Add 带溢出检查的加法
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrAddOverflow
	}
	return z, nil
}

// Mul 带溢出检查的乘法
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrMulOverflow
	}
	return z, nil
}

// Pow10 10^n
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
