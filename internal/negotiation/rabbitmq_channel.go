package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 通道的连接参数。
type RabbitMQConfig struct {
	URL        string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQChannel 使用 RabbitMQ 承载智能体消息，每个 DID 对应一个
// 独立队列，队列名为 walta.inbox.<did>。
type RabbitMQChannel struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	durable    bool
	autoDelete bool

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQChannel 创建 RabbitMQ 通道实例。
func NewRabbitMQChannel(cfg RabbitMQConfig) (*RabbitMQChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	return &RabbitMQChannel{
		conn:       conn,
		ch:         ch,
		durable:    cfg.Durable,
		autoDelete: cfg.AutoDelete,
		declared:   make(map[string]bool),
	}, nil
}

func queueName(did string) string {
	return "walta.inbox." + did
}

func (c *RabbitMQChannel) declare(did string) (string, error) {
	name := queueName(did)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declared[name] {
		return name, nil
	}
	if _, err := c.ch.QueueDeclare(name, c.durable, c.autoDelete, false, false, nil); err != nil {
		return "", fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	c.declared[name] = true
	return name, nil
}

// Send 将信封投递到收件人的队列。
func (c *RabbitMQChannel) Send(ctx context.Context, env Envelope) error {
	if c == nil || c.ch == nil {
		return errors.New("RabbitMQ 通道未初始化")
	}
	queue, err := c.declare(env.To)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化信封失败: %w", err)
	}
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Receive 使用手动确认模式消费指定 DID 的队列。
func (c *RabbitMQChannel) Receive(ctx context.Context, did string, workerCount int, handler Handler) error {
	if c == nil || c.ch == nil {
		return errors.New("RabbitMQ 通道未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	queue, err := c.declare(did)
	if err != nil {
		return err
	}
	msgs, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					var env Envelope
					if err := json.Unmarshal(msg.Body, &env); err != nil {
						_ = msg.Ack(false)
						continue
					}
					_ = handler(ctx, env)
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (c *RabbitMQChannel) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ Channel = (*RabbitMQChannel)(nil)
