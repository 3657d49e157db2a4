// Package actor 提供“单写者”执行单元：每个实体拥有一个 goroutine，
// 所有读写都以闭包形式经由 channel 投递，串行执行，状态从不在调用方之间共享。
package actor

import (
	"context"
	"sync"

	xerrors "OpenMCP-Hub/internal/errors"
)

// ErrStopped 表示执行单元已经停止，不再接受请求。
var ErrStopped = xerrors.New(xerrors.CodeUnavailable, "process stopped")

const mailboxSize = 64

// Loop 串行执行投递给它的闭包，闭包独占状态 S。
type Loop[S any] struct {
	state  *S
	ops    chan func(*S)
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	onStop func(*S)
}

// Start 启动执行单元。onStop 在循环退出前于同一 goroutine 内执行，可为 nil。
func Start[S any](state *S, onStop func(*S)) *Loop[S] {
	l := &Loop[S]{
		state:  state,
		ops:    make(chan func(*S), mailboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		onStop: onStop,
	}
	go l.run()
	return l
}

func (l *Loop[S]) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			if l.onStop != nil {
				l.onStop(l.state)
			}
			return
		case op := <-l.ops:
			op(l.state)
		}
	}
}

// Do 投递闭包并等待其执行完成。
func (l *Loop[S]) Do(ctx context.Context, fn func(*S) error) error {
	_, err := Call(ctx, l, func(s *S) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

// Call 投递带返回值的闭包并等待结果。调用方的 ctx 只约束等待，
// 已进入邮箱的闭包仍会执行，结果写入带缓冲的 channel 后被丢弃。
func Call[S, R any](ctx context.Context, l *Loop[S], fn func(*S) (R, error)) (R, error) {
	type reply struct {
		value R
		err   error
	}
	var zero R
	replyCh := make(chan reply, 1)
	op := func(s *S) {
		v, err := fn(s)
		replyCh <- reply{value: v, err: err}
	}
	select {
	case <-l.quit:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	case l.ops <- op:
	}
	select {
	case r := <-replyCh:
		return r.value, r.err
	case <-l.done:
		select {
		case r := <-replyCh:
			return r.value, r.err
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Tell 以非阻塞方式投递闭包，邮箱已满或已停止时返回 false。
func (l *Loop[S]) Tell(fn func(*S)) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.ops <- fn:
		return true
	default:
		return false
	}
}

// Stop 停止执行单元并等待其退出，可重复调用。
func (l *Loop[S]) Stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// Done 在执行单元退出后关闭。
func (l *Loop[S]) Done() <-chan struct{} {
	return l.done
}
