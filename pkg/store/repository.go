// 文件: pkg/store/repository.go
// 持久化模块 - 检查点仓库 (GORM 实现)
//
// 整份 Hub / Spoke 状态在一个事务里写入:
// - 资产、储备、配置按主键 Upsert
// - 账户和仓位整表替换 (仓位可能被清空)
//
// 生产用 MySQL，测试用 sqlite。

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/spoke"
)

// batchSize 批量插入的每批行数
const batchSize = 500

// OpenMySQL 连接 MySQL
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

// Repository 检查点仓库，实现 engine.Checkpointer 和 engine.Loader
type Repository struct {
	db  *gorm.DB
	log *logger.Entry
}

// NewRepository 创建仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, log: logger.GetLogger().WithComponent("Store")}
}

// AutoMigrate 建表
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(allModels()...)
}

// upsertAll 按主键覆盖全部列
func upsertAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, batchSize).Error
}

// =============================================================================
// Hub
// =============================================================================

// SaveHub 写入 Hub 全量状态
func (r *Repository) SaveHub(ctx context.Context, st hub.State) error {
	now := time.Now()
	assets := make([]AssetRecord, 0, len(st.Assets))
	for i := range st.Assets {
		a := &st.Assets[i]
		rec := AssetRecord{
			AssetID:        a.ID,
			Underlying:     a.Underlying,
			Decimals:       a.Decimals,
			SuppliedShares: dec(&a.SuppliedShares),
			DrawnShares:    dec(&a.DrawnShares),
			DrawnIndex:     dec(&a.DrawnIndex),
			DrawnRate:      dec(&a.DrawnRate),
			Liquidity:      dec(&a.Liquidity),
			LastUpdate:     a.LastUpdate,
			FeeReceiver:    string(a.Config.FeeReceiver),
			LiquidityFee:   a.Config.LiquidityFee,
			Active:         a.Config.Active,
			Paused:         a.Config.Paused,
			Frozen:         a.Config.Frozen,
			UpdatedAt:      now,
		}
		if int(a.ID) < len(st.Rates) {
			rate := st.Rates[a.ID]
			rec.OptimalUsageRatio = rate.OptimalUsageRatio
			rec.BaseVariableBorrowRate = rate.BaseVariableBorrowRate
			rec.VariableRateSlope1 = rate.VariableRateSlope1
			rec.VariableRateSlope2 = rate.VariableRateSlope2
		}
		assets = append(assets, rec)
	}

	spokes := make([]SpokeAssetRecord, 0, len(st.Spokes))
	for i, e := range st.Spokes {
		spokes = append(spokes, SpokeAssetRecord{
			AssetID:        e.AssetID,
			SpokeID:        string(e.Spoke),
			Seq:            i,
			SuppliedShares: dec(&e.Data.SuppliedShares),
			DrawnShares:    dec(&e.Data.DrawnShares),
			Active:         e.Data.Config.Active,
			Paused:         e.Data.Config.Paused,
			SupplyCap:      dec(&e.Data.Config.SupplyCap),
			DrawCap:        dec(&e.Data.Config.DrawCap),
			UpdatedAt:      now,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertAll(tx, assets); err != nil {
			return fmt.Errorf("save assets: %w", err)
		}
		if err := upsertAll(tx, spokes); err != nil {
			return fmt.Errorf("save spoke assets: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.WithFields(logger.Fields{
		"assets": len(assets),
		"spokes": len(spokes),
	}).Debug("[Store] hub saved")
	return nil
}

// LoadHub 读取 Hub 状态，没有记录时 found=false
func (r *Repository) LoadHub(ctx context.Context) (hub.State, bool, error) {
	var assets []AssetRecord
	if err := r.db.WithContext(ctx).Order("asset_id").Find(&assets).Error; err != nil {
		return hub.State{}, false, fmt.Errorf("load assets: %w", err)
	}
	if len(assets) == 0 {
		return hub.State{}, false, nil
	}
	var spokes []SpokeAssetRecord
	if err := r.db.WithContext(ctx).Order("seq").Find(&spokes).Error; err != nil {
		return hub.State{}, false, fmt.Errorf("load spoke assets: %w", err)
	}

	st := hub.State{
		Assets: make([]hub.Asset, len(assets)),
		Rates:  make([]irm.InterestRateData, len(assets)),
	}
	if len(spokes) > 0 {
		st.Spokes = make([]hub.SpokeEntry, len(spokes))
	}
	for i, rec := range assets {
		a := &st.Assets[i]
		a.ID = rec.AssetID
		a.Underlying = rec.Underlying
		a.Decimals = rec.Decimals
		a.LastUpdate = rec.LastUpdate
		a.Config = hub.AssetConfig{
			FeeReceiver:  hub.SpokeID(rec.FeeReceiver),
			LiquidityFee: rec.LiquidityFee,
			Active:       rec.Active,
			Paused:       rec.Paused,
			Frozen:       rec.Frozen,
		}
		if err := errors.Join(
			parse(&a.SuppliedShares, "supplied_shares", rec.SuppliedShares),
			parse(&a.DrawnShares, "drawn_shares", rec.DrawnShares),
			parse(&a.DrawnIndex, "drawn_index", rec.DrawnIndex),
			parse(&a.DrawnRate, "drawn_rate", rec.DrawnRate),
			parse(&a.Liquidity, "liquidity", rec.Liquidity),
		); err != nil {
			return hub.State{}, false, fmt.Errorf("asset %d: %w", rec.AssetID, err)
		}
		st.Rates[i] = irm.InterestRateData{
			OptimalUsageRatio:      rec.OptimalUsageRatio,
			BaseVariableBorrowRate: rec.BaseVariableBorrowRate,
			VariableRateSlope1:     rec.VariableRateSlope1,
			VariableRateSlope2:     rec.VariableRateSlope2,
		}
	}
	for i, rec := range spokes {
		e := &st.Spokes[i]
		e.AssetID = rec.AssetID
		e.Spoke = hub.SpokeID(rec.SpokeID)
		e.Data.Config.Active = rec.Active
		e.Data.Config.Paused = rec.Paused
		if err := errors.Join(
			parse(&e.Data.SuppliedShares, "supplied_shares", rec.SuppliedShares),
			parse(&e.Data.DrawnShares, "drawn_shares", rec.DrawnShares),
			parse(&e.Data.Config.SupplyCap, "supply_cap", rec.SupplyCap),
			parse(&e.Data.Config.DrawCap, "draw_cap", rec.DrawCap),
		); err != nil {
			return hub.State{}, false, fmt.Errorf("spoke %s asset %d: %w", rec.SpokeID, rec.AssetID, err)
		}
	}
	return st, true, nil
}

// =============================================================================
// Spoke
// =============================================================================

// SaveSpoke 写入 Spoke 全量状态
func (r *Repository) SaveSpoke(ctx context.Context, id hub.SpokeID, st spoke.State) error {
	sid := string(id)
	now := time.Now()

	reserves := make([]ReserveRecord, 0, len(st.Reserves))
	var dyns []DynamicConfigRecord
	for i := range st.Reserves {
		res := &st.Reserves[i]
		reserves = append(reserves, ReserveRecord{
			SpokeID:          sid,
			ReserveID:        res.ID,
			AssetID:          res.AssetID,
			PriceSource:      res.PriceSource,
			Decimals:         res.Decimals,
			Paused:           res.Config.Paused,
			Frozen:           res.Config.Frozen,
			Borrowable:       res.Config.Borrowable,
			CollateralRisk:   res.Config.CollateralRisk,
			DynamicConfigKey: res.DynamicConfigKey,
			PremiumValueSum:  dec(&res.PremiumAverage.SumValueWeight),
			PremiumWeightSum: dec(&res.PremiumAverage.SumWeight),
			UpdatedAt:        now,
		})
		for key, d := range res.DynamicConfigs {
			dyns = append(dyns, DynamicConfigRecord{
				SpokeID:          sid,
				ReserveID:        res.ID,
				ConfigKey:        uint32(key),
				CollateralFactor: d.CollateralFactor,
				LiquidationBonus: d.LiquidationBonus,
				LiquidationFee:   d.LiquidationFee,
			})
		}
	}

	accounts := make([]AccountRecord, 0, len(st.Accounts))
	var positions []PositionRecord
	for i := range st.Accounts {
		acc := &st.Accounts[i]
		accounts = append(accounts, AccountRecord{
			SpokeID:     sid,
			UserID:      int64(acc.UserID),
			RiskPremium: acc.RiskPremium,
		})
		for _, rid := range acc.ReserveIDs() {
			p := acc.Positions[rid]
			positions = append(positions, PositionRecord{
				SpokeID:            sid,
				UserID:             int64(acc.UserID),
				ReserveID:          rid,
				SuppliedShares:     dec(&p.SuppliedShares),
				UsingAsCollateral:  p.UsingAsCollateral,
				DrawnShares:        dec(&p.DrawnShares),
				PremiumDrawnShares: dec(&p.PremiumDrawnShares),
				PremiumOffset:      dec(&p.PremiumOffset),
				RealizedPremium:    dec(&p.RealizedPremium),
				RiskPremium:        p.RiskPremium,
				DynamicConfigKey:   p.DynamicConfigKey,
			})
		}
	}

	lc := LiquidationConfigRecord{
		SpokeID:                 sid,
		TargetHealthFactor:      dec(&st.LiquidationConfig.TargetHealthFactor),
		HealthFactorForMaxBonus: dec(&st.LiquidationConfig.HealthFactorForMaxBonus),
		LiquidationBonusFactor:  st.LiquidationConfig.LiquidationBonusFactor,
		Treasury:                int64(st.Treasury),
		UpdatedAt:               now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertAll(tx, reserves); err != nil {
			return fmt.Errorf("save reserves: %w", err)
		}
		if err := upsertAll(tx, dyns); err != nil {
			return fmt.Errorf("save dynamic configs: %w", err)
		}
		if err := tx.Where("spoke_id = ?", sid).Delete(&PositionRecord{}).Error; err != nil {
			return fmt.Errorf("clear positions: %w", err)
		}
		if err := tx.Where("spoke_id = ?", sid).Delete(&AccountRecord{}).Error; err != nil {
			return fmt.Errorf("clear accounts: %w", err)
		}
		if len(accounts) > 0 {
			if err := tx.CreateInBatches(&accounts, batchSize).Error; err != nil {
				return fmt.Errorf("save accounts: %w", err)
			}
		}
		if len(positions) > 0 {
			if err := tx.CreateInBatches(&positions, batchSize).Error; err != nil {
				return fmt.Errorf("save positions: %w", err)
			}
		}
		if err := upsertAll(tx, []LiquidationConfigRecord{lc}); err != nil {
			return fmt.Errorf("save liquidation config: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.WithFields(logger.Fields{
		"spoke":     sid,
		"reserves":  len(reserves),
		"accounts":  len(accounts),
		"positions": len(positions),
	}).Debug("[Store] spoke saved")
	return nil
}

// LoadSpoke 读取 Spoke 状态，没有记录时 found=false
func (r *Repository) LoadSpoke(ctx context.Context, id hub.SpokeID) (spoke.State, bool, error) {
	sid := string(id)
	db := r.db.WithContext(ctx)

	var lc LiquidationConfigRecord
	err := db.Where("spoke_id = ?", sid).First(&lc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return spoke.State{}, false, nil
	}
	if err != nil {
		return spoke.State{}, false, fmt.Errorf("load liquidation config: %w", err)
	}

	var (
		reserves  []ReserveRecord
		dyns      []DynamicConfigRecord
		accounts  []AccountRecord
		positions []PositionRecord
	)
	if err := db.Where("spoke_id = ?", sid).Order("reserve_id").Find(&reserves).Error; err != nil {
		return spoke.State{}, false, fmt.Errorf("load reserves: %w", err)
	}
	if err := db.Where("spoke_id = ?", sid).Order("reserve_id, config_key").Find(&dyns).Error; err != nil {
		return spoke.State{}, false, fmt.Errorf("load dynamic configs: %w", err)
	}
	if err := db.Where("spoke_id = ?", sid).Order("user_id").Find(&accounts).Error; err != nil {
		return spoke.State{}, false, fmt.Errorf("load accounts: %w", err)
	}
	if err := db.Where("spoke_id = ?", sid).Order("user_id, reserve_id").Find(&positions).Error; err != nil {
		return spoke.State{}, false, fmt.Errorf("load positions: %w", err)
	}

	st := spoke.State{
		Reserves: make([]spoke.Reserve, len(reserves)),
		Treasury: spoke.UserID(lc.Treasury),
	}
	st.LiquidationConfig.LiquidationBonusFactor = lc.LiquidationBonusFactor
	if err := errors.Join(
		parse(&st.LiquidationConfig.TargetHealthFactor, "target_health_factor", lc.TargetHealthFactor),
		parse(&st.LiquidationConfig.HealthFactorForMaxBonus, "health_factor_for_max_bonus", lc.HealthFactorForMaxBonus),
	); err != nil {
		return spoke.State{}, false, err
	}

	byID := make(map[spoke.ReserveID]*spoke.Reserve, len(reserves))
	for i, rec := range reserves {
		res := &st.Reserves[i]
		res.ID = rec.ReserveID
		res.AssetID = rec.AssetID
		res.PriceSource = rec.PriceSource
		res.Decimals = rec.Decimals
		res.Config = spoke.ReserveConfig{
			Paused:         rec.Paused,
			Frozen:         rec.Frozen,
			Borrowable:     rec.Borrowable,
			CollateralRisk: rec.CollateralRisk,
		}
		res.DynamicConfigKey = rec.DynamicConfigKey
		if err := errors.Join(
			parse(&res.PremiumAverage.SumValueWeight, "premium_value_sum", rec.PremiumValueSum),
			parse(&res.PremiumAverage.SumWeight, "premium_weight_sum", rec.PremiumWeightSum),
		); err != nil {
			return spoke.State{}, false, fmt.Errorf("reserve %d: %w", rec.ReserveID, err)
		}
		byID[rec.ReserveID] = res
	}
	for _, d := range dyns {
		res, ok := byID[d.ReserveID]
		if !ok || int(d.ConfigKey) != len(res.DynamicConfigs) {
			return spoke.State{}, false, fmt.Errorf("%w: dynamic config reserve %d key %d", ErrCorruptRecord, d.ReserveID, d.ConfigKey)
		}
		res.DynamicConfigs = append(res.DynamicConfigs, spoke.DynamicReserveConfig{
			CollateralFactor: d.CollateralFactor,
			LiquidationBonus: d.LiquidationBonus,
			LiquidationFee:   d.LiquidationFee,
		})
	}

	idx := make(map[spoke.UserID]int, len(accounts))
	for _, rec := range accounts {
		idx[spoke.UserID(rec.UserID)] = len(st.Accounts)
		st.Accounts = append(st.Accounts, spoke.Account{
			UserID:      spoke.UserID(rec.UserID),
			RiskPremium: rec.RiskPremium,
			Positions:   make(map[spoke.ReserveID]*spoke.UserPosition),
		})
	}
	for _, rec := range positions {
		i, ok := idx[spoke.UserID(rec.UserID)]
		if !ok {
			return spoke.State{}, false, fmt.Errorf("%w: position without account user %d", ErrCorruptRecord, rec.UserID)
		}
		p := &spoke.UserPosition{
			UsingAsCollateral: rec.UsingAsCollateral,
			RiskPremium:       rec.RiskPremium,
			DynamicConfigKey:  rec.DynamicConfigKey,
		}
		if err := errors.Join(
			parse(&p.SuppliedShares, "supplied_shares", rec.SuppliedShares),
			parse(&p.DrawnShares, "drawn_shares", rec.DrawnShares),
			parse(&p.PremiumDrawnShares, "premium_drawn_shares", rec.PremiumDrawnShares),
			parse(&p.PremiumOffset, "premium_offset", rec.PremiumOffset),
			parse(&p.RealizedPremium, "realized_premium", rec.RealizedPremium),
		); err != nil {
			return spoke.State{}, false, fmt.Errorf("position user %d reserve %d: %w", rec.UserID, rec.ReserveID, err)
		}
		st.Accounts[i].Positions[rec.ReserveID] = p
	}

	r.log.WithFields(logger.Fields{
		"spoke":     sid,
		"reserves":  len(st.Reserves),
		"accounts":  len(st.Accounts),
		"positions": len(positions),
	}).Info("[Store] spoke loaded")
	return st, true, nil
}
