package router

import (
	"context"
	"sync"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/signal"
)

// MemoryTransport 使用 channel 模拟收件箱，多个 Router 共享同一实例即可互通。
type MemoryTransport struct {
	mu      sync.Mutex
	size    int
	inboxes map[string]chan signal.Signal
	closed  bool
}

// NewMemoryTransport 创建内存传输层，size 为每个收件箱的缓冲大小。
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 64
	}
	return &MemoryTransport{size: size, inboxes: make(map[string]chan signal.Signal)}
}

func (t *MemoryTransport) inbox(name string) (chan signal.Signal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "传输层已关闭")
	}
	ch, ok := t.inboxes[name]
	if !ok {
		ch = make(chan signal.Signal, t.size)
		t.inboxes[name] = ch
	}
	return ch, nil
}

// Publish 将信号放入收件箱，缓冲已满时阻塞直到 ctx 结束。
func (t *MemoryTransport) Publish(ctx context.Context, inbox string, sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	ch, err := t.inbox(inbox)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- sig:
		return nil
	}
}

// Consume 逐条处理收件箱中的信号。处理失败不会重新投递。
func (t *MemoryTransport) Consume(ctx context.Context, inbox string, handler Handler) error {
	ch, err := t.inbox(inbox)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-ch:
			_ = handler(ctx, sig)
		}
	}
}

// Close 拒绝后续投递。未消费的信号被丢弃。
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
