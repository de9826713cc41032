package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"hubspoke.com/pkg/config"
	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/oracle"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/token"
)

// =============================================================================
// 价格源
// =============================================================================

// priceFeed 模拟器改价入口，内存和 Redis 两种实现
type priceFeed interface {
	spoke.PriceOracle
	Set(ctx context.Context, reserve spoke.ReserveID, price decimal.Decimal) error
}

type staticFeed struct{ *oracle.Static }

func (f staticFeed) Set(_ context.Context, reserve spoke.ReserveID, price decimal.Decimal) error {
	return f.SetPriceDecimal(reserve, price)
}

type redisFeed struct{ *oracle.Redis }

func (f redisFeed) Set(ctx context.Context, reserve spoke.ReserveID, price decimal.Decimal) error {
	return f.SetPrice(ctx, reserve, price)
}

// =============================================================================
// World
// =============================================================================

// market 一个 Spoke 上的储备，价格用十进制保存方便换算数量
type market struct {
	spoke    hub.SpokeID
	reserve  spoke.ReserveID
	symbol   string
	decimals uint8
	price    decimal.Decimal
	cf       uint32
	borrow   bool
}

// world 按配置搭好的 Hub、Spoke 与价格源
type world struct {
	hub    *hub.Hub
	clock  *hub.ManualClock
	ledger *token.Ledger
	spokes []*spoke.Spoke
	feeds  map[hub.SpokeID]priceFeed

	markets []*market
}

// buildWorld 上架资产、注册 Spoke 与储备并写入初始价格
func buildWorld(ctx context.Context, cfg config.Config, sink event.Sink, rdb *redis.Client) (*world, error) {
	w := &world{
		clock:  hub.NewManualClock(time.Now()),
		ledger: token.NewLedger(),
		feeds:  make(map[hub.SpokeID]priceFeed),
	}
	w.hub = hub.New(cfg.Hub.ID, irm.NewStrategy(cfg.Hub.ID), w.ledger,
		hub.WithClock(w.clock), hub.WithSink(sink))

	assets := make(map[string]hub.AssetID, len(cfg.Hub.Assets))
	for _, a := range cfg.Hub.Assets {
		rate, err := a.RateData()
		if err != nil {
			return nil, err
		}
		id, err := w.hub.AddAsset(a.Symbol, a.Decimals, hub.SpokeID(a.FeeReceiver), rate)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", a.Symbol, err)
		}
		hc, err := a.HubConfig()
		if err != nil {
			return nil, err
		}
		if err := w.hub.UpdateAssetConfig(id, hc); err != nil {
			return nil, fmt.Errorf("configure %s: %w", a.Symbol, err)
		}
		assets[a.Symbol] = id
	}

	for _, sc := range cfg.Spokes {
		id := hub.SpokeID(sc.ID)
		var feed priceFeed = staticFeed{oracle.NewStatic()}
		if rdb != nil {
			feed = redisFeed{oracle.NewRedis(rdb, sc.ID)}
		}
		lc, err := sc.LiquidationConfig()
		if err != nil {
			return nil, err
		}
		sp := spoke.New(id, w.hub, feed,
			spoke.WithSink(sink),
			spoke.WithTreasury(spoke.UserID(sc.Treasury)),
			spoke.WithLiquidationConfig(lc))

		for _, rc := range sc.Reserves {
			m, err := w.listReserve(ctx, sp, feed, assets[rc.Asset], rc)
			if err != nil {
				return nil, fmt.Errorf("spoke %s reserve %s: %w", sc.ID, rc.Asset, err)
			}
			w.markets = append(w.markets, m)
		}
		w.spokes = append(w.spokes, sp)
		w.feeds[id] = feed
	}
	return w, nil
}

func (w *world) listReserve(ctx context.Context, sp *spoke.Spoke, feed priceFeed, assetID hub.AssetID, rc config.ReserveConfig) (*market, error) {
	decimals, err := w.hub.Decimals(assetID)
	if err != nil {
		return nil, err
	}
	caps, err := rc.Caps(decimals)
	if err != nil {
		return nil, err
	}
	// 手续费接收方在上架资产时已登记，只更新上限
	if err := w.hub.AddSpoke(assetID, sp.ID(), caps); errors.Is(err, hub.ErrSpokeAlreadyListed) {
		err = w.hub.UpdateSpokeConfig(assetID, sp.ID(), caps)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	static, err := rc.Static()
	if err != nil {
		return nil, err
	}
	dyn, err := rc.Dynamic()
	if err != nil {
		return nil, err
	}
	reserve, err := sp.AddReserve(assetID, rc.PriceSource, static, dyn)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(rc.Price)
	if err != nil {
		return nil, err
	}
	if err := feed.Set(ctx, reserve, price); err != nil {
		return nil, fmt.Errorf("set price: %w", err)
	}
	return &market{
		spoke:    sp.ID(),
		reserve:  reserve,
		symbol:   rc.Asset,
		decimals: decimals,
		price:    price,
		cf:       dyn.CollateralFactor,
		borrow:   static.Borrowable && !static.Paused && !static.Frozen,
	}, nil
}

// units 美元价值换算成资产最小单位 (向下取整)
func (m *market) units(usd decimal.Decimal) decimal.Decimal {
	return usd.Div(m.price).Shift(int32(m.decimals)).Truncate(0)
}

// volatile 价格偏离 1 美元超过 5% 视为波动资产
func (m *market) volatile() bool {
	return m.price.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.RequireFromString("0.05"))
}

// marketsOf 某个 Spoke 的全部储备
func (w *world) marketsOf(id hub.SpokeID) []*market {
	var out []*market
	for _, m := range w.markets {
		if m.spoke == id {
			out = append(out, m)
		}
	}
	return out
}
