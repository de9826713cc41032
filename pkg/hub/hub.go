// 文件: pkg/hub/hub.go
// Hub 账本 - 每个资产一个资金池，多个 Spoke 共享
//
// 核心流程 (每个改状态的调用):
// 1. 拷贝资产记录，开启事务
// 2. 计息 (accrue)
// 3. 校验资格、容量
// 4. 修改拷贝
// 5. 通过 Transferer 转账
// 6. 全部成功才提交，之后发出事件
//
// 任何一步失败，已修改的拷贝直接丢弃，状态不变。

package hub

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/shares"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

// RateStrategy 利率策略接口，pkg/irm.Strategy 满足该接口
type RateStrategy interface {
	SetInterestRateData(caller string, assetID uint32, data irm.InterestRateData) error
	GetInterestRateData(assetID uint32) (irm.InterestRateData, error)
	CalculateInterestRate(assetID uint32, liquidity, baseDebt, premiumDebt *uint256.Int) (*uint256.Int, error)
}

// Option Hub 选项
type Option func(*Hub)

// WithClock 指定时钟
func WithClock(c Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithSink 指定事件出口
func WithSink(s event.Sink) Option {
	return func(h *Hub) { h.sink = s }
}

// =============================================================================
// Hub
// =============================================================================

// Hub 资金池账本
type Hub struct {
	mu sync.RWMutex

	id       string
	pool     Address
	strategy RateStrategy
	transfer token.Transferer
	clock    Clock
	sink     event.Sink
	log      *logger.Entry

	assets     []Asset
	spokes     []map[SpokeID]*SpokeData
	spokeOrder [][]SpokeID
}

// New 创建 Hub
//
// id 同时是利率策略的调用方身份，资金池地址为 "hub:<id>"
func New(id string, strategy RateStrategy, transfer token.Transferer, opts ...Option) *Hub {
	h := &Hub{
		id:       id,
		pool:     Address("hub:" + id),
		strategy: strategy,
		transfer: transfer,
		clock:    SystemClock{},
		sink:     event.Discard{},
		log:      logger.GetLogger().WithComponent("Hub").WithFields(logger.Fields{"hub": id}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID Hub 标识
func (h *Hub) ID() string { return h.id }

// Pool 资金池地址
func (h *Hub) Pool() Address { return h.pool }

// =============================================================================
// 管理接口
// =============================================================================

// AddAsset 上架资产
//
// 手续费接收方自动登记为该资产的 Spoke (启用、不限额)，手续费比例初始为 0
func (h *Hub) AddAsset(underlying string, decimals uint8, feeReceiver SpokeID, data irm.InterestRateData) (AssetID, error) {
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if feeReceiver == "" {
		return 0, ErrInvalidFeeReceiver
	}
	if err := data.Validate(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := AssetID(len(h.assets))
	if err := h.strategy.SetInterestRateData(h.id, id, data); err != nil {
		return 0, err
	}
	rate, err := h.strategy.CalculateInterestRate(id, wadray.Zero(), wadray.Zero(), wadray.Zero())
	if err != nil {
		return 0, err
	}

	asset := Asset{
		ID:         id,
		Underlying: underlying,
		Decimals:   decimals,
		LastUpdate: h.clock.Now().Unix(),
		Config: AssetConfig{
			FeeReceiver: feeReceiver,
			Active:      true,
		},
	}
	asset.DrawnIndex.Set(wadray.RAY())
	asset.DrawnRate.Set(rate)

	receiver := &SpokeData{Config: DefaultSpokeConfig()}
	h.assets = append(h.assets, asset)
	h.spokes = append(h.spokes, map[SpokeID]*SpokeData{feeReceiver: receiver})
	h.spokeOrder = append(h.spokeOrder, []SpokeID{feeReceiver})

	h.log.WithFields(logger.Fields{
		"asset_id":     id,
		"underlying":   underlying,
		"decimals":     decimals,
		"fee_receiver": feeReceiver,
	}).Info("[Hub] asset listed")

	e := h.newEvent(event.TypeAssetAdded, id)
	e.Counterparty = underlying
	h.sink.Emit(e.With("decimals", fmt.Sprintf("%d", decimals)))
	e = h.newEvent(event.TypeSpokeAdded, id)
	e.Spoke = string(feeReceiver)
	h.sink.Emit(e)
	return id, nil
}

// UpdateAssetConfig 更新资产配置，先按旧配置计息
func (h *Hub) UpdateAssetConfig(id AssetID, cfg AssetConfig) error {
	if cfg.LiquidityFee > wadray.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrInvalidLiquidityFee, cfg.LiquidityFee)
	}
	if cfg.FeeReceiver == "" {
		return ErrInvalidFeeReceiver
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return err
	}
	if err := t.accrue(); err != nil {
		return err
	}
	if _, err := t.spoke(cfg.FeeReceiver); err != nil {
		t.register(cfg.FeeReceiver, DefaultSpokeConfig())
	}
	t.asset.Config = cfg

	e := h.newEvent(event.TypeAssetConfigUpdated, id)
	e.Spoke = string(cfg.FeeReceiver)
	t.emit(e.
		With("liquidity_fee", fmt.Sprintf("%d", cfg.LiquidityFee)).
		With("active", fmt.Sprintf("%t", cfg.Active)).
		With("paused", fmt.Sprintf("%t", cfg.Paused)).
		With("frozen", fmt.Sprintf("%t", cfg.Frozen)))
	t.commit()

	h.log.WithFields(logger.Fields{"asset_id": id, "config": cfg}).Info("[Hub] asset config updated")
	return nil
}

// SetInterestRateData 更新利率曲线，先计息再刷新缓存利率
func (h *Hub) SetInterestRateData(id AssetID, data irm.InterestRateData) error {
	if err := data.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return err
	}
	if err := t.accrue(); err != nil {
		return err
	}
	if err := h.strategy.SetInterestRateData(h.id, id, data); err != nil {
		return err
	}
	if err := t.updateRate(); err != nil {
		return err
	}
	t.emit(h.newEvent(event.TypeInterestRateDataUpdated, id).
		With("optimal_usage_ratio", fmt.Sprintf("%d", data.OptimalUsageRatio)).
		With("base_rate", fmt.Sprintf("%d", data.BaseVariableBorrowRate)).
		With("slope1", fmt.Sprintf("%d", data.VariableRateSlope1)).
		With("slope2", fmt.Sprintf("%d", data.VariableRateSlope2)))
	t.commit()
	return nil
}

// AddSpoke 登记 Spoke
func (h *Hub) AddSpoke(id AssetID, spoke SpokeID, cfg SpokeConfig) error {
	if spoke == "" {
		return ErrInvalidSpoke
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return err
	}
	if _, exists := h.spokes[id][spoke]; exists {
		return fmt.Errorf("%w: %s", ErrSpokeAlreadyListed, spoke)
	}
	t.register(spoke, cfg)

	e := h.newEvent(event.TypeSpokeAdded, id)
	e.Spoke = string(spoke)
	t.emit(withSpokeConfig(e, cfg))
	t.commit()

	h.log.WithFields(logger.Fields{"asset_id": id, "spoke": spoke}).Info("[Hub] spoke listed")
	return nil
}

// UpdateSpokeConfig 更新 Spoke 配置
func (h *Hub) UpdateSpokeConfig(id AssetID, spoke SpokeID, cfg SpokeConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return err
	}
	sd, err := t.spoke(spoke)
	if err != nil {
		return err
	}
	sd.Config = cfg

	e := h.newEvent(event.TypeSpokeConfigUpdated, id)
	e.Spoke = string(spoke)
	t.emit(withSpokeConfig(e, cfg))
	t.commit()
	return nil
}

// Accrue 单独触发计息 (定时任务、快照前调用)
func (h *Hub) Accrue(id AssetID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, err := h.begin(id)
	if err != nil {
		return err
	}
	if err := t.accrue(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func withSpokeConfig(e event.Event, cfg SpokeConfig) event.Event {
	return e.
		With("active", fmt.Sprintf("%t", cfg.Active)).
		With("paused", fmt.Sprintf("%t", cfg.Paused)).
		With("supply_cap", cfg.SupplyCap.Dec()).
		With("draw_cap", cfg.DrawCap.Dec())
}

func (h *Hub) newEvent(typ event.Type, id AssetID) event.Event {
	e := event.New(typ, "hub:"+h.id)
	e.AssetID = id
	return e
}

// =============================================================================
// 事务
// =============================================================================

// txn 单个资产上的事务: 改的都是拷贝，commit 时整体写回
type txn struct {
	h      *Hub
	now    int64
	asset  Asset
	spokes map[SpokeID]*SpokeData
	added  []SpokeID
	events []event.Event
}

// begin 开启事务 (调用方持有锁)
func (h *Hub) begin(id AssetID) (*txn, error) {
	if int(id) >= len(h.assets) {
		return nil, fmt.Errorf("%w: %d", ErrAssetNotListed, id)
	}
	return &txn{
		h:      h,
		now:    h.clock.Now().Unix(),
		asset:  h.assets[id],
		spokes: make(map[SpokeID]*SpokeData),
	}, nil
}

// spoke 取 Spoke 记录的拷贝 (同一事务内多次取得到同一份)
func (t *txn) spoke(id SpokeID) (*SpokeData, error) {
	if sd, ok := t.spokes[id]; ok {
		return sd, nil
	}
	cur, ok := t.h.spokes[t.asset.ID][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpokeNotListed, id)
	}
	sd := *cur
	t.spokes[id] = &sd
	return &sd, nil
}

// register 在事务内登记新 Spoke
func (t *txn) register(id SpokeID, cfg SpokeConfig) {
	t.spokes[id] = &SpokeData{Config: cfg}
	t.added = append(t.added, id)
}

func (t *txn) emit(e event.Event) {
	t.events = append(t.events, e)
}

// commit 写回并发出事件
func (t *txn) commit() {
	h := t.h
	id := t.asset.ID
	h.assets[id] = t.asset
	for _, sid := range t.added {
		h.spokes[id][sid] = t.spokes[sid]
		h.spokeOrder[id] = append(h.spokeOrder[id], sid)
	}
	for sid, sd := range t.spokes {
		if cur, ok := h.spokes[id][sid]; ok && cur != sd {
			*cur = *sd
		}
	}
	for _, e := range t.events {
		h.sink.Emit(e)
	}
}

// =============================================================================
// 计息
// =============================================================================

// accrue 把利息计到当前时间
//
//	index'    = index ⊗↑ linearInterest(rate, elapsed)
//	increase  = shares ⊗↑ index' - shares ⊗↑ index
//	fee       = increase × liquidityFee (向下)
//	feeShares = toSharesDown(fee, totalAssets' - fee, totalShares)
//
// 然后按新的利用率刷新利率，记录时间戳
func (t *txn) accrue() error {
	a := &t.asset
	elapsed := t.now - a.LastUpdate
	if elapsed <= 0 {
		return nil
	}

	factor, err := wadray.LinearInterest(&a.DrawnRate, uint64(elapsed))
	if err != nil {
		return err
	}
	newIndex, err := wadray.RayMulUp(&a.DrawnIndex, factor)
	if err != nil {
		return err
	}
	oldDebt, err := a.TotalDrawn()
	if err != nil {
		return err
	}
	a.DrawnIndex.Set(newIndex)
	newDebt, err := a.TotalDrawn()
	if err != nil {
		return err
	}
	increase := new(uint256.Int).Sub(newDebt, oldDebt)

	feeShares := new(uint256.Int)
	if !increase.IsZero() && a.Config.LiquidityFee > 0 {
		fee, err := wadray.PercentMulDown(increase, uint64(a.Config.LiquidityFee))
		if err != nil {
			return err
		}
		if !fee.IsZero() {
			total, err := wadray.Add(&a.Liquidity, newDebt)
			if err != nil {
				return err
			}
			feeShares, err = shares.ToSharesDown(fee, new(uint256.Int).Sub(total, fee), &a.SuppliedShares)
			if err != nil {
				return err
			}
			if !feeShares.IsZero() {
				receiver, err := t.spoke(a.Config.FeeReceiver)
				if err != nil {
					return err
				}
				if err := addShares(&receiver.SuppliedShares, feeShares); err != nil {
					return err
				}
				if err := addShares(&a.SuppliedShares, feeShares); err != nil {
					return err
				}
			}
		}
	}

	a.LastUpdate = t.now
	if err := t.updateRate(); err != nil {
		return err
	}

	e := t.h.newEvent(event.TypeAccrue, a.ID)
	e.Spoke = string(a.Config.FeeReceiver)
	e.Amount = increase.Dec()
	e.Shares = feeShares.Dec()
	t.emit(e.
		With("drawn_index", a.DrawnIndex.Dec()).
		With("drawn_rate", a.DrawnRate.Dec()).
		With("elapsed", fmt.Sprintf("%d", elapsed)))
	return nil
}

// updateRate 按当前可用资金和基础债务刷新缓存利率
func (t *txn) updateRate() error {
	drawn, err := t.asset.TotalDrawn()
	if err != nil {
		return err
	}
	rate, err := t.h.strategy.CalculateInterestRate(t.asset.ID, &t.asset.Liquidity, drawn, wadray.Zero())
	if err != nil {
		return err
	}
	t.asset.DrawnRate.Set(rate)
	return nil
}

// addShares dst += v (溢出报错)
func addShares(dst, v *uint256.Int) error {
	sum, err := wadray.Add(dst, v)
	if err != nil {
		return err
	}
	dst.Set(sum)
	return nil
}
