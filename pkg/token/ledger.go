// 文件: pkg/token/ledger.go
// 底层资产转账边界
//
// Hub 只通过 Transferer 接口移动底层资产:
// - TransferFrom: 从付款方拉取到资金池 (存款/还款)
// - Transfer: 从资金池付给收款方 (取款/借款)
//
// Ledger 是内存实现，供测试和模拟使用。转账失败整笔调用失败，不重试。

package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInvalidAmount       = errors.New("token: invalid amount")
	ErrBalanceOverflow     = errors.New("token: balance overflow")
)

// Address 账户地址
type Address string

// Transferer 转账接口
type Transferer interface {
	TransferFrom(token string, from, to Address, amount *uint256.Int) error
	Transfer(token string, from, to Address, amount *uint256.Int) error
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger 内存账本: token -> address -> balance
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[Address]*uint256.Int
}

// NewLedger 创建账本
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]map[Address]*uint256.Int),
	}
}

// Mint 给地址增发 (模拟充值)
func (l *Ledger) Mint(token string, to Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(token, to)
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	bal.Set(sum)
	return nil
}

// BalanceOf 余额副本
func (l *Ledger) BalanceOf(token string, who Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if accounts, ok := l.balances[token]; ok {
		if bal, ok := accounts[who]; ok {
			return new(uint256.Int).Set(bal)
		}
	}
	return new(uint256.Int)
}

// TransferFrom 从 from 拉取到 to
func (l *Ledger) TransferFrom(token string, from, to Address, amount *uint256.Int) error {
	return l.move(token, from, to, amount)
}

// Transfer 从 from 付给 to
func (l *Ledger) Transfer(token string, from, to Address, amount *uint256.Int) error {
	return l.move(token, from, to, amount)
}

func (l *Ledger) move(token string, from, to Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.balanceLocked(token, from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, src.Dec(), amount.Dec())
	}
	dst := l.balanceLocked(token, to)
	// 先检查再改，保证失败时两边都不动
	if _, overflow := new(uint256.Int).AddOverflow(dst, amount); overflow && from != to {
		return ErrBalanceOverflow
	}
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}

// balanceLocked 获取余额指针 (懒初始化)，调用方持有写锁
func (l *Ledger) balanceLocked(token string, who Address) *uint256.Int {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[Address]*uint256.Int)
		l.balances[token] = accounts
	}
	bal, ok := accounts[who]
	if !ok {
		bal = new(uint256.Int)
		accounts[who] = bal
	}
	return bal
}
