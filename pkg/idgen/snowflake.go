// 文件: pkg/idgen/snowflake.go
// 进程内 ID 生成
//
// 事件 ID 和命令幂等键都取自雪花 ID，节点号来自配置 node_id，
// 多个进程同时写 Kafka / 存储时用节点号区分来源。
// 使用开源库: github.com/bwmarrin/snowflake

package idgen

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
)

// MaxNode 默认 10 位节点号的上限
const MaxNode = 1023

var ErrInvalidNode = errors.New("idgen: node id out of range")

// Generator 绑定一个节点号的 ID 生成器，并发安全
type Generator struct {
	node   *snowflake.Node
	nodeID int64
}

// New 创建生成器，nodeID 取值 0..MaxNode
func New(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNode {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNode, nodeID)
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Generator{node: n, nodeID: nodeID}, nil
}

// Node 节点号
func (g *Generator) Node() int64 { return g.nodeID }

// Next 事件 ID
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

// NextString 十进制字符串形式
func (g *Generator) NextString() string {
	return g.node.Generate().String()
}

// CmdID 带前缀的命令幂等键，例如 "liq-1abc2def"
func (g *Generator) CmdID(prefix string) string {
	return prefix + "-" + g.node.Generate().Base36()
}

// Info 从 ID 解出的生成时间与节点
type Info struct {
	Time time.Time
	Node int64
	Step int64
}

// Parse 解析 Next 生成的 ID
func Parse(id int64) Info {
	sid := snowflake.ParseInt64(id)
	return Info{
		Time: time.UnixMilli(sid.Time()),
		Node: sid.Node(),
		Step: sid.Step(),
	}
}

// =============================================================================
// 进程默认生成器
// =============================================================================

var std atomic.Pointer[Generator]

// Init 用配置的节点号替换进程默认生成器，启动时调用一次
func Init(nodeID int64) error {
	g, err := New(nodeID)
	if err != nil {
		return err
	}
	std.Store(g)
	return nil
}

// Default 进程默认生成器，未 Init 时使用节点 0
func Default() *Generator {
	if g := std.Load(); g != nil {
		return g
	}
	g, _ := New(0)
	if std.CompareAndSwap(nil, g) {
		return g
	}
	return std.Load()
}

// NextID 默认生成器的事件 ID
func NextID() int64 { return Default().Next() }

// NextString 默认生成器的字符串 ID
func NextString() string { return Default().NextString() }

// CmdID 默认生成器的命令幂等键
func CmdID(prefix string) string { return Default().CmdID(prefix) }
