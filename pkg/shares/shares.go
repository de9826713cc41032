// 文件: pkg/shares/shares.go
// 份额换算库 - 资产数量 <-> 池份额
//
// 换算公式带虚拟偏移 (VirtualAssets / VirtualShares):
//
//	shares = assets * (totalShares + VS) / (totalAssets + VA)
//	assets = shares * (totalAssets + VA) / (totalShares + VS)
//
// 空池按 1:1 换算，首个存款人无法通过捐赠抬高份额价格。
//
// 取整规则: 调用方改变自身仓位时承担取整成本
// - 存款铸造份额 / 计算可提资产: 向下取整
// - 按指定金额提款需要烧毁的份额: 向上取整

package shares

import (
	"github.com/holiman/uint256"

	"hubspoke.com/pkg/wadray"
)

const (
	// VirtualAssets 虚拟资产
	VirtualAssets = 1_000_000
	// VirtualShares 虚拟份额
	VirtualShares = 1_000_000
)

var (
	virtualAssets = uint256.NewInt(VirtualAssets)
	virtualShares = uint256.NewInt(VirtualShares)
)

// ToShares assets -> shares
func ToShares(assets, totalAssets, totalShares *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	num, err := wadray.Add(totalShares, virtualShares)
	if err != nil {
		return nil, err
	}
	den, err := wadray.Add(totalAssets, virtualAssets)
	if err != nil {
		return nil, err
	}
	return wadray.MulDiv(assets, num, den, r)
}

// ToAssets shares -> assets
func ToAssets(shares, totalAssets, totalShares *uint256.Int, r wadray.Rounding) (*uint256.Int, error) {
	num, err := wadray.Add(totalAssets, virtualAssets)
	if err != nil {
		return nil, err
	}
	den, err := wadray.Add(totalShares, virtualShares)
	if err != nil {
		return nil, err
	}
	return wadray.MulDiv(shares, num, den, r)
}

// ToSharesDown assets -> shares 向下取整 (存款)
func ToSharesDown(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return ToShares(assets, totalAssets, totalShares, wadray.Floor)
}

// ToSharesUp assets -> shares 向上取整 (按金额提款)
func ToSharesUp(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return ToShares(assets, totalAssets, totalShares, wadray.Ceil)
}

// ToAssetsDown shares -> assets 向下取整 (可提余额)
func ToAssetsDown(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return ToAssets(shares, totalAssets, totalShares, wadray.Floor)
}

// ToAssetsUp shares -> assets 向上取整 (按份额铸造时的成本)
func ToAssetsUp(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return ToAssets(shares, totalAssets, totalShares, wadray.Ceil)
}
