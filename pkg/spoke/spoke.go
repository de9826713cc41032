// 文件: pkg/spoke/spoke.go
// Spoke 风险引擎 - 用户仓位、风险溢价、健康因子、清算
//
// Spoke 不直接碰 Hub 的份额运算，只调用 Hub 的换算与资金接口:
// - 先在拷贝上结算溢价、计算新仓位、校验健康因子 (用 Hub 的预演换算)
// - 最后调用 Hub 移动资金
// - Hub 成功才提交拷贝并发出事件

package spoke

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/wadray"
)

// HubAPI Spoke 依赖的 Hub 接口，*hub.Hub 满足该接口
type HubAPI interface {
	Add(id hub.AssetID, caller hub.SpokeID, amount *uint256.Int, from hub.Address) (*uint256.Int, error)
	Remove(id hub.AssetID, caller hub.SpokeID, amount *uint256.Int, to hub.Address) (*uint256.Int, error)
	Draw(id hub.AssetID, caller hub.SpokeID, amount *uint256.Int, to hub.Address) (*uint256.Int, error)
	Restore(id hub.AssetID, caller hub.SpokeID, baseAmount, premiumAmount *uint256.Int, from hub.Address) (*uint256.Int, error)

	ConvertToSuppliedShares(id hub.AssetID, assets *uint256.Int, r wadray.Rounding) (*uint256.Int, error)
	ConvertToSuppliedAssets(id hub.AssetID, shares *uint256.Int, r wadray.Rounding) (*uint256.Int, error)
	DrawnIndex(id hub.AssetID) (*uint256.Int, error)
	Decimals(id hub.AssetID) (uint8, error)
	GetSpoke(id hub.AssetID, spoke hub.SpokeID) (hub.SpokeData, error)
}

// PriceOracle 价格来源，8 位小数，pkg/oracle 的实现满足该接口
type PriceOracle interface {
	GetReservePrice(reserveID uint32) (*uint256.Int, error)
}

// Option Spoke 选项
type Option func(*Spoke)

// WithSink 指定事件出口
func WithSink(s event.Sink) Option {
	return func(sp *Spoke) { sp.sink = s }
}

// WithTreasury 指定清算费接收账户
func WithTreasury(u UserID) Option {
	return func(sp *Spoke) { sp.treasury = u }
}

// WithLiquidationConfig 指定清算参数 (未校验，New 之后用 UpdateLiquidationConfig 修改)
func WithLiquidationConfig(c LiquidationConfig) Option {
	return func(sp *Spoke) { sp.liqConfig = c }
}

// =============================================================================
// Spoke
// =============================================================================

// Spoke 风险引擎
type Spoke struct {
	mu sync.RWMutex

	id     hub.SpokeID
	hub    HubAPI
	oracle PriceOracle
	sink   event.Sink
	log    *logger.Entry

	treasury  UserID
	liqConfig LiquidationConfig

	reserves     []Reserve
	assetReserve map[hub.AssetID]ReserveID
	accounts     map[UserID]*Account
}

// New 创建 Spoke
func New(id hub.SpokeID, h HubAPI, oracle PriceOracle, opts ...Option) *Spoke {
	s := &Spoke{
		id:           id,
		hub:          h,
		oracle:       oracle,
		sink:         event.Discard{},
		log:          logger.GetLogger().WithComponent("Spoke").WithFields(logger.Fields{"spoke": id}),
		liqConfig:    DefaultLiquidationConfig(),
		assetReserve: make(map[hub.AssetID]ReserveID),
		accounts:     make(map[UserID]*Account),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID Spoke 标识 (在 Hub 上的调用方身份)
func (s *Spoke) ID() hub.SpokeID { return s.id }

// =============================================================================
// 管理接口
// =============================================================================

// AddReserve 为 Hub 资产开设储备，dyn 成为 key 0
func (s *Spoke) AddReserve(assetID hub.AssetID, priceSource string, cfg ReserveConfig, dyn DynamicReserveConfig) (ReserveID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if err := dyn.Validate(); err != nil {
		return 0, err
	}
	decimals, err := s.hub.Decimals(assetID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assetReserve[assetID]; ok {
		return 0, fmt.Errorf("%w: asset %d is reserve %d", ErrReserveAlreadyListed, assetID, existing)
	}
	id := ReserveID(len(s.reserves))
	s.reserves = append(s.reserves, Reserve{
		ID:             id,
		AssetID:        assetID,
		PriceSource:    priceSource,
		Decimals:       decimals,
		Config:         cfg,
		DynamicConfigs: []DynamicReserveConfig{dyn},
	})
	s.assetReserve[assetID] = id

	s.log.WithFields(logger.Fields{
		"reserve_id":   id,
		"asset_id":     assetID,
		"price_source": priceSource,
	}).Info("[Spoke] reserve listed")

	e := s.newEvent(event.TypeReserveAdded, &s.reserves[id])
	e.Counterparty = priceSource
	s.sink.Emit(withDynamic(withReserveConfig(e, cfg), 0, dyn))
	return id, nil
}

// UpdateReserveConfig 更新静态配置
func (s *Spoke) UpdateReserveConfig(id ReserveID, cfg ReserveConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return err
	}
	r.Config = cfg
	t.emit(withReserveConfig(s.newEvent(event.TypeReserveConfigUpdated, r), cfg))
	t.commit()
	return nil
}

// AddDynamicReserveConfig 追加一版动态配置并设为当前，返回新 key
func (s *Spoke) AddDynamicReserveConfig(id ReserveID, dyn DynamicReserveConfig) (uint32, error) {
	if err := dyn.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return 0, err
	}
	r.DynamicConfigs = append(r.DynamicConfigs, dyn)
	r.DynamicConfigKey = uint32(len(r.DynamicConfigs) - 1)
	t.emit(withDynamic(s.newEvent(event.TypeDynamicConfigAdded, r), r.DynamicConfigKey, dyn))
	t.commit()
	return r.DynamicConfigKey, nil
}

// UpdateDynamicReserveConfig 原地修改某一版动态配置
//
// 引用该 key 的仓位立即按新参数估值
func (s *Spoke) UpdateDynamicReserveConfig(id ReserveID, key uint32, dyn DynamicReserveConfig) error {
	if err := dyn.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return err
	}
	if _, err := r.Dynamic(key); err != nil {
		return err
	}
	r.DynamicConfigs[key] = dyn
	t.emit(withDynamic(s.newEvent(event.TypeDynamicConfigUpdated, r), key, dyn))
	t.commit()
	return nil
}

// UpdateLiquidationConfig 更新清算参数
func (s *Spoke) UpdateLiquidationConfig(cfg LiquidationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.liqConfig = cfg
	s.sink.Emit(event.New(event.TypeLiquidationConfigUpdated, "spoke:"+string(s.id)).
		With("target_health_factor", cfg.TargetHealthFactor.Dec()).
		With("health_factor_for_max_bonus", cfg.HealthFactorForMaxBonus.Dec()).
		With("liquidation_bonus_factor", fmt.Sprintf("%d", cfg.LiquidationBonusFactor)))
	return nil
}

// SetTreasury 设置清算费接收账户
func (s *Spoke) SetTreasury(u UserID) {
	s.mu.Lock()
	s.treasury = u
	s.mu.Unlock()
}

func (s *Spoke) newEvent(typ event.Type, r *Reserve) event.Event {
	e := event.New(typ, "spoke:"+string(s.id))
	e.Spoke = string(s.id)
	e.AssetID = r.AssetID
	e.ReserveID = r.ID
	return e
}

func withReserveConfig(e event.Event, cfg ReserveConfig) event.Event {
	return e.
		With("paused", fmt.Sprintf("%t", cfg.Paused)).
		With("frozen", fmt.Sprintf("%t", cfg.Frozen)).
		With("borrowable", fmt.Sprintf("%t", cfg.Borrowable)).
		With("collateral_risk", fmt.Sprintf("%d", cfg.CollateralRisk))
}

func withDynamic(e event.Event, key uint32, dyn DynamicReserveConfig) event.Event {
	return e.
		With("dynamic_config_key", fmt.Sprintf("%d", key)).
		With("collateral_factor", fmt.Sprintf("%d", dyn.CollateralFactor)).
		With("liquidation_bonus", fmt.Sprintf("%d", dyn.LiquidationBonus)).
		With("liquidation_fee", fmt.Sprintf("%d", dyn.LiquidationFee))
}

// =============================================================================
// 事务
// =============================================================================

// stx Spoke 事务: 储备和账户都按需拷贝，commit 时写回
type stx struct {
	s        *Spoke
	reserves map[ReserveID]*Reserve
	accounts map[UserID]*Account
	indexes  map[hub.AssetID]*uint256.Int
	prices   map[ReserveID]*uint256.Int
	events   []event.Event
}

// begin 开启事务 (调用方持有锁)
func (s *Spoke) begin() *stx {
	return &stx{
		s:        s,
		reserves: make(map[ReserveID]*Reserve),
		accounts: make(map[UserID]*Account),
		indexes:  make(map[hub.AssetID]*uint256.Int),
		prices:   make(map[ReserveID]*uint256.Int),
	}
}

func (t *stx) reserve(id ReserveID) (*Reserve, error) {
	if r, ok := t.reserves[id]; ok {
		return r, nil
	}
	if int(id) >= len(t.s.reserves) {
		return nil, fmt.Errorf("%w: %d", ErrReserveNotListed, id)
	}
	r := t.s.reserves[id].clone()
	t.reserves[id] = r
	return r, nil
}

// account 取账户拷贝，不存在则新建
func (t *stx) account(u UserID) *Account {
	if a, ok := t.accounts[u]; ok {
		return a
	}
	var a *Account
	if cur, ok := t.s.accounts[u]; ok {
		a = cur.clone()
	} else {
		a = newAccount(u)
	}
	t.accounts[u] = a
	return a
}

// position 取仓位，首次接触时按储备当前 key 创建
func (t *stx) position(a *Account, r *Reserve) *UserPosition {
	if p, ok := a.Positions[r.ID]; ok {
		return p
	}
	p := &UserPosition{DynamicConfigKey: r.DynamicConfigKey}
	a.Positions[r.ID] = p
	return p
}

// index Hub 预演的债务指数 (事务内缓存)
func (t *stx) index(id hub.AssetID) (*uint256.Int, error) {
	if idx, ok := t.indexes[id]; ok {
		return idx, nil
	}
	idx, err := t.s.hub.DrawnIndex(id)
	if err != nil {
		return nil, err
	}
	t.indexes[id] = idx
	return idx, nil
}

// price 储备价格 (事务内缓存)
func (t *stx) price(id ReserveID) (*uint256.Int, error) {
	if p, ok := t.prices[id]; ok {
		return p, nil
	}
	p, err := t.s.oracle.GetReservePrice(id)
	if err != nil {
		return nil, err
	}
	t.prices[id] = p
	return p, nil
}

func (t *stx) emit(e event.Event) {
	t.events = append(t.events, e)
}

func (t *stx) commit() {
	s := t.s
	for id, r := range t.reserves {
		s.reserves[id] = *r
	}
	for u, a := range t.accounts {
		s.accounts[u] = a
	}
	for _, e := range t.events {
		s.sink.Emit(e)
	}
}
