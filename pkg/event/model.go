// 文件: pkg/event/model.go
// 账本事件 - 每次状态变更产生一条结构化事件
//
// 事件只用于链下观测，不参与状态恢复:
// Hub/Spoke 在事务提交之后才发出事件，发送失败不影响已提交的状态

package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hubspoke.com/pkg/idgen"
)

// =============================================================================
// 常量定义
// =============================================================================

// TopicEvents Kafka topic
const TopicEvents = "hubspoke_events"

// SubjectPrefix NATS subject 前缀，完整 subject = 前缀 + 小写事件名
const SubjectPrefix = "hubspoke.events."

// Type 事件类型
type Type uint8

const (
	// ===== Hub 管理 =====
	TypeAssetAdded Type = iota + 1
	TypeAssetConfigUpdated
	TypeInterestRateDataUpdated
	TypeSpokeAdded
	TypeSpokeConfigUpdated

	// ===== Hub 资金 =====
	TypeAccrue
	TypeAdd
	TypeRemove
	TypeDraw
	TypeRestore

	// ===== Spoke 管理 =====
	TypeReserveAdded
	TypeReserveConfigUpdated
	TypeDynamicConfigAdded
	TypeDynamicConfigUpdated
	TypeLiquidationConfigUpdated

	// ===== Spoke 用户 =====
	TypeSupply
	TypeWithdraw
	TypeBorrow
	TypeRepay
	TypeSetUsingAsCollateral
	TypeLiquidate
	TypeUserRiskPremiumUpdated
	TypeUserDynamicConfigRefreshed
)

var typeNames = map[Type]string{
	TypeAssetAdded:                 "ASSET_ADDED",
	TypeAssetConfigUpdated:         "ASSET_CONFIG_UPDATED",
	TypeInterestRateDataUpdated:    "INTEREST_RATE_DATA_UPDATED",
	TypeSpokeAdded:                 "SPOKE_ADDED",
	TypeSpokeConfigUpdated:         "SPOKE_CONFIG_UPDATED",
	TypeAccrue:                     "ACCRUE",
	TypeAdd:                        "ADD",
	TypeRemove:                     "REMOVE",
	TypeDraw:                       "DRAW",
	TypeRestore:                    "RESTORE",
	TypeReserveAdded:               "RESERVE_ADDED",
	TypeReserveConfigUpdated:       "RESERVE_CONFIG_UPDATED",
	TypeDynamicConfigAdded:         "DYNAMIC_CONFIG_ADDED",
	TypeDynamicConfigUpdated:       "DYNAMIC_CONFIG_UPDATED",
	TypeLiquidationConfigUpdated:   "LIQUIDATION_CONFIG_UPDATED",
	TypeSupply:                     "SUPPLY",
	TypeWithdraw:                   "WITHDRAW",
	TypeBorrow:                     "BORROW",
	TypeRepay:                      "REPAY",
	TypeSetUsingAsCollateral:       "SET_USING_AS_COLLATERAL",
	TypeLiquidate:                  "LIQUIDATE",
	TypeUserRiskPremiumUpdated:     "USER_RISK_PREMIUM_UPDATED",
	TypeUserDynamicConfigRefreshed: "USER_DYNAMIC_CONFIG_REFRESHED",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// =============================================================================
// Event
// =============================================================================

// Event 结构化事件
//
// 金额统一用十进制字符串，避免 JSON 数字精度问题
type Event struct {
	// ===== 唯一标识 =====
	ID     int64  `json:"id"`     // 雪花 ID
	Type   Type   `json:"type"`   // 事件类型
	Source string `json:"source"` // 发出者 (hub / spoke 标识)

	// ===== 市场 =====
	AssetID   uint32 `json:"asset_id"`
	ReserveID uint32 `json:"reserve_id,omitempty"`
	Spoke     string `json:"spoke,omitempty"`

	// ===== 参与方 =====
	User         int64  `json:"user,omitempty"`          // 发起人
	OnBehalfOf   int64  `json:"on_behalf_of,omitempty"`  // 仓位所有人
	Counterparty string `json:"counterparty,omitempty"` // 付款/收款地址

	// ===== 数额 =====
	Amount string            `json:"amount,omitempty"`
	Shares string            `json:"shares,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// New 创建事件并分配 ID
func New(typ Type, source string) Event {
	return Event{
		ID:        idgen.NextID(),
		Type:      typ,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// With 附加扩展字段 (返回副本)
func (e Event) With(key, value string) Event {
	extra := make(map[string]string, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// Subject NATS subject
func (e Event) Subject() string {
	return SubjectPrefix + strings.ToLower(e.Type.String())
}

// =============================================================================
// Event 实现 kafka.Message 接口
// =============================================================================

// Topic 返回 Kafka topic
func (e Event) Topic() string {
	return TopicEvents
}

// Key 返回分区 key，同一资产的事件进入同一分区保证顺序
func (e Event) Key() string {
	return fmt.Sprintf("asset-%d", e.AssetID)
}

// Value 返回序列化后的消息体
func (e Event) Value() ([]byte, error) {
	return json.Marshal(e)
}
