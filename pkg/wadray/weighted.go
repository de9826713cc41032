// 文件: pkg/wadray/weighted.go
// 加权平均累加器
//
// 维护 Σ(value*weight) 与 Σweight 两个累加值:
// - Add: 加入一对 (value, weight)
// - Remove: 精确撤销之前加入的一对
// - Average: Σ(value*weight) / Σweight (向下取整)
//
// Remove 前先检查前置条件，绝不依赖回绕。失败时累加器保持不变。

package wadray

import "github.com/holiman/uint256"

// WeightedAverage 加权平均累加器 (值类型，可直接拷贝)
type WeightedAverage struct {
	SumValueWeight uint256.Int // Σ(value*weight)
	SumWeight      uint256.Int // Σweight
}

// Add 加入 (value, weight)
func (w *WeightedAverage) Add(value, weight *uint256.Int) error {
	product, overflow := new(uint256.Int).MulOverflow(value, weight)
	if overflow {
		return ErrMulOverflow
	}
	sumVW, overflow := new(uint256.Int).AddOverflow(&w.SumValueWeight, product)
	if overflow {
		return ErrAddOverflow
	}
	sumW, overflow := new(uint256.Int).AddOverflow(&w.SumWeight, weight)
	if overflow {
		return ErrAddOverflow
	}
	w.SumValueWeight.Set(sumVW)
	w.SumWeight.Set(sumW)
	return nil
}

// Remove 撤销 (value, weight)
//
// 贡献大于当前累计值时返回 ErrWeightedAverageUnderflow
func (w *WeightedAverage) Remove(value, weight *uint256.Int) error {
	product, overflow := new(uint256.Int).MulOverflow(value, weight)
	if overflow {
		return ErrMulOverflow
	}
	if product.Gt(&w.SumValueWeight) || weight.Gt(&w.SumWeight) {
		return ErrWeightedAverageUnderflow
	}
	w.SumValueWeight.Sub(&w.SumValueWeight, product)
	w.SumWeight.Sub(&w.SumWeight, weight)
	return nil
}

// Average 当前加权平均值，空累加器返回 0
func (w *WeightedAverage) Average() *uint256.Int {
	if w.SumWeight.IsZero() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(&w.SumValueWeight, &w.SumWeight)
}

// IsEmpty 是否没有任何权重
func (w *WeightedAverage) IsEmpty() bool {
	return w.SumWeight.IsZero()
}
