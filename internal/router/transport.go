package router

import (
	"context"

	"OpenMCP-Hub/internal/signal"
)

// Handler 处理从收件箱取出的信号。
type Handler func(ctx context.Context, sig signal.Signal) error

// Transport 抽象信号的投递介质。每个 hub 命名空间对应一个收件箱。
type Transport interface {
	// Publish 将信号投递到指定收件箱。
	Publish(ctx context.Context, inbox string, sig signal.Signal) error
	// Consume 持续消费收件箱直到 ctx 结束。
	Consume(ctx context.Context, inbox string, handler Handler) error
	Close() error
}
