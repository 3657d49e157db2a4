package router

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 传输层的连接参数。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	QueuePrefix string `json:"queue_prefix"`
	Prefetch    int    `json:"prefetch"`
	Durable     bool   `json:"durable"`
}

// RabbitMQTransport 为每个收件箱声明一个队列，通过默认交换机路由。
type RabbitMQTransport struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	prefix  string
	durable bool

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewRabbitMQTransport 建立连接与 channel。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "openmcp.inbox."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	return &RabbitMQTransport{
		conn:     conn,
		ch:       ch,
		prefix:   prefix,
		durable:  cfg.Durable,
		declared: make(map[string]struct{}),
	}, nil
}

func (t *RabbitMQTransport) queue(inbox string) (string, error) {
	name := t.prefix + inbox
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.declared[name]; ok {
		return name, nil
	}
	if _, err := t.ch.QueueDeclare(name, t.durable, !t.durable, false, false, nil); err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败", xerrors.WithField("queue", name))
	}
	t.declared[name] = struct{}{}
	return name, nil
}

// Publish 将信号以 JSON 投递到收件箱队列。
func (t *RabbitMQTransport) Publish(ctx context.Context, inbox string, sig signal.Signal) error {
	if t == nil || t.ch == nil {
		return xerrors.New(xerrors.CodeUnavailable, "RabbitMQ 传输层未初始化")
	}
	raw, err := signal.Encode(sig)
	if err != nil {
		return err
	}
	name, err := t.queue(inbox)
	if err != nil {
		return err
	}
	err = t.ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     sig.ID,
		CorrelationId: sig.ID,
		Type:          sig.SchemaID,
		Body:          raw,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 投递信号失败", xerrors.WithField("inbox", inbox))
	}
	return nil
}

// Consume 以手动确认模式消费队列。消息在处理前确认，保证至多一次。
func (t *RabbitMQTransport) Consume(ctx context.Context, inbox string, handler Handler) error {
	if t == nil || t.ch == nil {
		return xerrors.New(xerrors.CodeUnavailable, "RabbitMQ 传输层未初始化")
	}
	name, err := t.queue(inbox)
	if err != nil {
		return err
	}
	msgs, err := t.ch.ConsumeWithContext(ctx, name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败", xerrors.WithField("queue", name))
	}
	log := logger.Named("router.rabbitmq")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 消费通道已关闭", xerrors.WithField("queue", name))
			}
			_ = msg.Ack(false)
			sig, err := signal.Decode(msg.Body)
			if err != nil {
				log.Warn("丢弃无法解码的信号", "queue", name, "error", err)
				continue
			}
			if err := handler(ctx, sig); err != nil {
				log.Debug("信号处理失败", "queue", name, "id", sig.ID, "error", err)
			}
		}
	}
}

// Close 关闭 channel 与连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
