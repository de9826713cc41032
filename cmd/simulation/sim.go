package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"hubspoke.com/pkg/config"
	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/idgen"
	"hubspoke.com/pkg/liquidation"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/wadray"
)

// borrowerPos 模拟借款人的抵押与借款储备
type borrowerPos struct {
	user spoke.UserID
	coll *market
	debt *market
}

// simulator 随机用户流量 + 时间推进 + 价格冲击
type simulator struct {
	cfg     config.SimulationConfig
	world   *world
	engine  *engine.Engine
	monitor *liquidation.Monitor // 可为 nil
	rnd     *rand.Rand
	log     *logger.Entry

	borrowers []borrowerPos
	rejected  int
}

func newSimulator(cfg config.SimulationConfig, w *world, e *engine.Engine, m *liquidation.Monitor) *simulator {
	return &simulator{
		cfg:     cfg,
		world:   w,
		engine:  e,
		monitor: m,
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
		log:     logger.GetLogger().WithComponent("Simulation"),
	}
}

func toUint(d decimal.Decimal) *uint256.Int {
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow || d.IsNegative() {
		return new(uint256.Int)
	}
	return v
}

func (s *simulator) usd(lo, hi int64) decimal.Decimal {
	return decimal.NewFromInt(lo + s.rnd.Int63n(hi-lo+1))
}

// fund 给用户铸币后存入
func (s *simulator) fund(ctx context.Context, m *market, user spoke.UserID, usd decimal.Decimal) (*uint256.Int, error) {
	amount := toUint(m.units(usd))
	if amount.IsZero() {
		return amount, nil
	}
	if err := s.world.ledger.Mint(m.symbol, spoke.UserAddress(user), amount); err != nil {
		return nil, err
	}
	_, err := s.engine.Supply(ctx, idgen.NextString(), m.spoke, m.reserve, user, amount)
	return amount, err
}

// =============================================================================
// 开仓
// =============================================================================

// seed 前一半用户向每个可借储备存款，后一半抵押波动资产借稳定资产
func (s *simulator) seed(ctx context.Context) error {
	userID := spoke.UserID(1)
	for _, sp := range s.world.spokes {
		markets := s.world.marketsOf(sp.ID())
		var colls, debts []*market
		for _, m := range markets {
			if m.cf > 0 && m.volatile() {
				colls = append(colls, m)
			}
			if m.borrow && !m.volatile() {
				debts = append(debts, m)
			}
		}
		if len(colls) == 0 || len(debts) == 0 {
			s.log.WithFields(logger.Fields{"spoke": sp.ID()}).Warn("[Simulation] no volatile collateral or stable debt, skip borrowers")
		}

		lenders := s.cfg.Users / 2
		for i := 0; i < lenders; i++ {
			for _, m := range markets {
				if !m.borrow {
					continue
				}
				if _, err := s.fund(ctx, m, userID, s.usd(20_000, 200_000)); err != nil {
					return fmt.Errorf("lender %d supply %s: %w", userID, m.symbol, err)
				}
			}
			userID++
		}

		for i := lenders; i < s.cfg.Users; i++ {
			if len(colls) == 0 || len(debts) == 0 {
				break
			}
			b := borrowerPos{
				user: userID,
				coll: colls[s.rnd.Intn(len(colls))],
				debt: debts[s.rnd.Intn(len(debts))],
			}
			userID++
			if err := s.open(ctx, b); err != nil {
				s.rejected++
				s.log.WithFields(logger.Fields{"user": b.user}).WithError(err).Debug("[Simulation] open rejected")
				continue
			}
			s.borrowers = append(s.borrowers, b)
		}
	}
	s.log.WithFields(logger.Fields{
		"borrowers": len(s.borrowers),
		"rejected":  s.rejected,
	}).Info("[Simulation] positions opened")
	return nil
}

// open 抵押后按 60%~95% 的借款能力借款
func (s *simulator) open(ctx context.Context, b borrowerPos) error {
	collUSD := s.usd(1_000, 20_000)
	if _, err := s.fund(ctx, b.coll, b.user, collUSD); err != nil {
		return err
	}
	if err := s.engine.SetUsingAsCollateral(ctx, idgen.NextString(), b.coll.spoke, b.coll.reserve, b.user, true); err != nil {
		return err
	}
	ltv := decimal.NewFromInt(int64(b.coll.cf)).Div(decimal.NewFromInt(wadray.PercentageFactor))
	usage := decimal.NewFromInt(60 + s.rnd.Int63n(36)).Div(decimal.NewFromInt(100))
	borrow := toUint(b.debt.units(collUSD.Mul(ltv).Mul(usage)))
	if borrow.IsZero() {
		return nil
	}
	_, err := s.engine.Borrow(ctx, idgen.NextString(), b.debt.spoke, b.debt.reserve, b.user, borrow)
	return err
}

// =============================================================================
// 运行
// =============================================================================

// run 每个 tick 推进时钟并计息，随机还款或加借；中点施加价格冲击
func (s *simulator) run(ctx context.Context, shock decimal.Decimal) error {
	delay := s.cfg.TickDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for tick := 1; tick <= s.cfg.Ticks; tick++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.world.clock.Advance(s.cfg.TickPeriod)
		if err := s.engine.Accrue(ctx); err != nil {
			return fmt.Errorf("accrue: %w", err)
		}
		s.trade(ctx)

		if tick == s.cfg.Ticks/2 && !shock.IsZero() {
			if err := s.shock(ctx, shock); err != nil {
				return err
			}
		}
		if tick%10 == 0 {
			st := s.engine.GetStats()
			s.log.WithFields(logger.Fields{
				"tick":         tick,
				"commands":     st.TotalCommands,
				"rejected":     st.RejectCount,
				"liquidations": st.LiquidationCount,
			}).Info("[Simulation] progress")
		}
	}
	return nil
}

// trade 随机挑几个借款人还款或加借，失败只计数
func (s *simulator) trade(ctx context.Context) {
	if len(s.borrowers) == 0 {
		return
	}
	for i := 0; i < 1+len(s.borrowers)/10; i++ {
		b := s.borrowers[s.rnd.Intn(len(s.borrowers))]
		var err error
		if s.rnd.Intn(2) == 0 {
			usd := s.usd(50, 500)
			amount := toUint(b.debt.units(usd))
			if err = s.world.ledger.Mint(b.debt.symbol, spoke.UserAddress(b.user), amount); err == nil {
				_, err = s.engine.Repay(ctx, idgen.NextString(), b.debt.spoke, b.debt.reserve, b.user, amount)
			}
		} else {
			amount := toUint(b.debt.units(s.usd(10, 200)))
			_, err = s.engine.Borrow(ctx, idgen.NextString(), b.debt.spoke, b.debt.reserve, b.user, amount)
		}
		if err != nil {
			s.rejected++
		}
	}
}

// shock 所有波动资产按比例改价，刷新快照后通知清算监控
func (s *simulator) shock(ctx context.Context, ratio decimal.Decimal) error {
	factor := decimal.NewFromInt(1).Add(ratio)
	if !factor.IsPositive() {
		return fmt.Errorf("price shock %s wipes out prices", ratio)
	}
	var touched []*market
	for _, m := range s.world.markets {
		if !m.volatile() {
			continue
		}
		m.price = m.price.Mul(factor)
		if err := s.world.feeds[m.spoke].Set(ctx, m.reserve, m.price); err != nil {
			return fmt.Errorf("set %s price: %w", m.symbol, err)
		}
		touched = append(touched, m)
		s.log.WithFields(logger.Fields{
			"spoke":   m.spoke,
			"reserve": m.symbol,
			"price":   m.price.StringFixed(2),
		}).Warn("[Simulation] price shock")
	}
	if err := s.engine.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if s.monitor != nil {
		for _, m := range touched {
			s.monitor.OnPriceChange(m.spoke, m.reserve)
		}
	}
	return nil
}

// underwater 当前健康因子低于 1 的账户数
func underwater(e *engine.Engine) (n int) {
	for _, snap := range e.Snapshots() {
		if snap.HasDebt() && snap.Data.HealthFactor.Lt(wadray.WAD()) {
			n++
		}
	}
	return n
}

// fundKeeper 给清算人铸每个可借储备的偿债资金
func fundKeeper(w *world, keeper spoke.UserID, funds string) error {
	for _, m := range w.markets {
		if !m.borrow {
			continue
		}
		amount, err := config.ParseAmount(funds, m.decimals)
		if err != nil {
			return err
		}
		if err := w.ledger.Mint(m.symbol, spoke.UserAddress(keeper), amount); err != nil {
			return err
		}
	}
	return nil
}

// checkInvariants 在主循环内核对每个资产的 Hub 不变量
func checkInvariants(ctx context.Context, e *engine.Engine) error {
	return e.Query(ctx, func() error {
		h := e.Hub()
		for i := 0; i < h.AssetCount(); i++ {
			if err := h.CheckInvariants(hub.AssetID(i)); err != nil {
				return err
			}
		}
		for _, id := range e.SpokeIDs() {
			sp, _ := e.Spoke(id)
			if err := sp.CheckInvariants(); err != nil {
				return err
			}
		}
		return nil
	})
}
