// 文件: pkg/kafka/consumer.go
// Kafka 事件消费者
//
// 下游 (对账、风控看板) 用消费者组回读账本事件:
// - 处理失败只记日志并计数，offset 照常提交，事件流不会卡住
// - Stop 取消 ctx 并等待当前 session 退出

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"hubspoke.com/pkg/logger"
)

// =============================================================================
// 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	Topics        []string `yaml:"topics"`
	OffsetInitial int64    `yaml:"offset_initial"` // sarama.OffsetNewest / OffsetOldest
	AutoCommit    bool     `yaml:"auto_commit"`
}

// DefaultConsumerConfig 从最新位置开始，自动提交
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetNewest,
		AutoCommit:    true,
	}
}

// SaramaConfig 转换为 sarama 配置
func (cfg ConsumerConfig) SaramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit
	sc.Consumer.Return.Errors = true
	return sc
}

// MessageHandler 单条消息处理
type MessageHandler func(topic string, partition int32, offset int64, key, value []byte) error

// =============================================================================
// Consumer
// =============================================================================

// Consumer 消费者组封装
type Consumer struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler
	log     *logger.Entry

	handled atomic.Int64
	failed  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 连接 broker 并创建消费者组
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka consumer: no topics")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return NewConsumerFromGroup(group, cfg, handler), nil
}

// NewConsumerFromGroup 使用已有的消费者组
func NewConsumerFromGroup(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		group:   group,
		config:  cfg,
		handler: handler,
		log:     logger.GetLogger().WithComponent("Kafka"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动消费协程，rebalance 后自动重新加入
func (c *Consumer) Start() {
	c.wg.Add(2)
	go c.consumeLoop()
	go c.errorLoop()
	c.log.WithFields(logger.Fields{
		"group":  c.config.GroupID,
		"topics": c.config.Topics,
	}).Info("[Kafka] consumer started")
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	h := &groupHandler{c: c}
	for {
		err := c.group.Consume(c.ctx, c.config.Topics, h)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.log.WithError(err).Warn("[Kafka] consume error")
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) errorLoop() {
	defer c.wg.Done()
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.log.WithError(err).Warn("[Kafka] consumer group error")
		case <-c.ctx.Done():
			return
		}
	}
}

// Stop 停止消费并关闭消费者组
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	err := c.group.Close()
	c.log.WithFields(logger.Fields{
		"handled": c.handled.Load(),
		"failed":  c.failed.Load(),
	}).Info("[Kafka] consumer stopped")
	return err
}

// ConsumerStats 统计
type ConsumerStats struct {
	Handled int64
	Failed  int64
}

// Stats 处理计数
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Handled: c.handled.Load(), Failed: c.failed.Load()}
}

// handle 处理一条消息，返回后 offset 即可提交
func (c *Consumer) handle(msg *sarama.ConsumerMessage) {
	if err := c.handler(msg.Topic, msg.Partition, msg.Offset, msg.Key, msg.Value); err != nil {
		c.failed.Add(1)
		c.log.WithFields(logger.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).WithError(err).Warn("[Kafka] handle error")
		return
	}
	c.handled.Add(1)
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

type groupHandler struct {
	c *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.c.handle(msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
