// 文件: pkg/nats/publisher.go
// NATS 事件发布者
// 轻量级替代 Kafka，适合本地开发和模拟运行

package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config NATS 连接配置
type Config struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultConfig 默认连接配置
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "hubspoke",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
}

// Connect 建立连接
func Connect(cfg Config) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher 创建发布者
func NewPublisher(cfg Config) (*Publisher, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn}, nil
}

// Publish 以 JSON 发布消息
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return p.conn.Publish(subject, bytes)
}

// Flush 等待服务器确认已发送的消息
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close 关闭连接 (先排空缓冲)
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}
