package router

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/pkg/logger"
)

// RedisConfig 描述 Redis 传输层的连接参数。
type RedisConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	KeyPrefix string        `json:"key_prefix"`
	BlockWait time.Duration `json:"block_wait"`
}

// RedisTransport 以 Redis list 作为收件箱：LPUSH 投递，BRPOP 消费。
type RedisTransport struct {
	client *redis.Client
	prefix string
	wait   time.Duration
}

// NewRedisTransport 连接 Redis 并创建传输层。
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisTransportWithClient(client, cfg.KeyPrefix, cfg.BlockWait), nil
}

// NewRedisTransportWithClient 复用已有客户端。
func NewRedisTransportWithClient(client *redis.Client, prefix string, wait time.Duration) *RedisTransport {
	if prefix == "" {
		prefix = "openmcp:inbox:"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisTransport{client: client, prefix: prefix, wait: wait}
}

func (t *RedisTransport) key(inbox string) string {
	return t.prefix + inbox
}

// Publish 将信号编码为 JSON 后投递。
func (t *RedisTransport) Publish(ctx context.Context, inbox string, sig signal.Signal) error {
	raw, err := signal.Encode(sig)
	if err != nil {
		return err
	}
	if err := t.client.LPush(ctx, t.key(inbox), raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递信号失败", xerrors.WithField("inbox", inbox))
	}
	return nil
}

// Consume 通过 BRPOP 拉取信号。无法解码的消息会被记录后丢弃。
func (t *RedisTransport) Consume(ctx context.Context, inbox string, handler Handler) error {
	key := t.key(inbox)
	log := logger.Named("router.redis")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := t.client.BRPop(ctx, t.wait, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 连接已关闭")
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取信号失败", xerrors.WithField("inbox", inbox))
		}
		if len(values) != 2 {
			continue
		}
		sig, err := signal.Decode([]byte(values[1]))
		if err != nil {
			log.Warn("丢弃无法解码的信号", "inbox", inbox, "error", err)
			continue
		}
		if err := handler(ctx, sig); err != nil {
			log.Debug("信号处理失败", "inbox", inbox, "id", sig.ID, "error", err)
		}
	}
}

// Close 关闭 Redis 连接。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
