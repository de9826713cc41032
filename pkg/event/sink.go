// 文件: pkg/event/sink.go
// 事件出口
//
// - Recorder: 内存记录 (测试、模拟)
// - LogSink: 写日志
// - KafkaSink: 通过 pkg/kafka 发送 (Event 实现 kafka.Message)
// - NatsSink: 通过 pkg/nats 发布
// - Multi: 扇出到多个出口

package event

import (
	"sync"

	"hubspoke.com/pkg/kafka"
	"hubspoke.com/pkg/logger"
)

// Sink 事件出口
//
// Emit 在状态提交之后调用，不返回错误: 出口自己负责记录失败
type Sink interface {
	Emit(e Event)
}

// Discard 丢弃所有事件
type Discard struct{}

func (Discard) Emit(Event) {}

// =============================================================================
// Recorder
// =============================================================================

// Recorder 在内存中按顺序记录事件
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder 创建记录器
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events 返回所有事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType 过滤指定类型
func (r *Recorder) ByType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Last 最后一条事件
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Reset 清空
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// =============================================================================
// LogSink
// =============================================================================

// LogSink 以 debug 级别输出事件
type LogSink struct {
	log *logger.Entry
}

// NewLogSink 创建日志出口
func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger().WithComponent("Event")}
}

func (s *LogSink) Emit(e Event) {
	s.log.WithFields(logger.Fields{
		"id":      e.ID,
		"type":    e.Type.String(),
		"source":  e.Source,
		"asset":   e.AssetID,
		"reserve": e.ReserveID,
		"user":    e.User,
		"amount":  e.Amount,
		"shares":  e.Shares,
	}).Debug("[Event] emitted")
}

// =============================================================================
// KafkaSink
// =============================================================================

// KafkaSender pkg/kafka.Producer 满足该接口
type KafkaSender interface {
	Send(msg kafka.Message) error
}

// KafkaSink 发送到 Kafka
type KafkaSink struct {
	sender KafkaSender
	log    *logger.Entry
}

// NewKafkaSink 创建 Kafka 出口
func NewKafkaSink(sender KafkaSender) *KafkaSink {
	return &KafkaSink{sender: sender, log: logger.GetLogger().WithComponent("Event")}
}

func (s *KafkaSink) Emit(e Event) {
	if err := s.sender.Send(e); err != nil {
		s.log.WithFields(logger.Fields{"id": e.ID, "type": e.Type.String()}).
			WithError(err).Warn("[Event] kafka send failed")
	}
}

// =============================================================================
// NatsSink
// =============================================================================

// NatsPublisher pkg/nats.Publisher 满足该接口
type NatsPublisher interface {
	Publish(subject string, data any) error
}

// NatsSink 发布到 NATS，subject 按事件类型区分
type NatsSink struct {
	pub NatsPublisher
	log *logger.Entry
}

// NewNatsSink 创建 NATS 出口
func NewNatsSink(pub NatsPublisher) *NatsSink {
	return &NatsSink{pub: pub, log: logger.GetLogger().WithComponent("Event")}
}

func (s *NatsSink) Emit(e Event) {
	if err := s.pub.Publish(e.Subject(), e); err != nil {
		s.log.WithFields(logger.Fields{"id": e.ID, "subject": e.Subject()}).
			WithError(err).Warn("[Event] nats publish failed")
	}
}

// =============================================================================
// Multi
// =============================================================================

// Multi 扇出
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
