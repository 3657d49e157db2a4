package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/router"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/pkg/logger"
)

const (
	CodeWorkerStopped xerrors.Code = "AGENT_STOPPED"
	CodeWorkerCrashed xerrors.Code = "AGENT_CRASHED"
)

func init() {
	xerrors.Register(CodeWorkerStopped, xerrors.Attributes{
		Message:  "agent worker stopped",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassLiveness,
	})
	xerrors.Register(CodeWorkerCrashed, xerrors.Attributes{
		Message:  "agent worker crashed",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassLiveness,
	})
}

// Handler 处理派发给 agent 的任务信号，返回响应 payload。
type Handler interface {
	HandleTask(ctx context.Context, sig signal.Signal) (map[string]any, error)
}

// HandlerFunc 将函数适配为 Handler。
type HandlerFunc func(ctx context.Context, sig signal.Signal) (map[string]any, error)

// HandleTask 实现 Handler。
func (f HandlerFunc) HandleTask(ctx context.Context, sig signal.Signal) (map[string]any, error) {
	return f(ctx, sig)
}

type call struct {
	ctx   context.Context
	sig   signal.Signal
	reply chan callResult
}

type callResult struct {
	payload map[string]any
	err     error
}

// Worker 是一个存活的 agent 进程。
type Worker struct {
	id      string
	handler Handler
	logger  *slog.Logger
	timeout time.Duration

	calls chan call
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Option 定义可选的 Worker 配置。
type Option func(*Worker)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTaskTimeout 限制单个任务的处理时长。
func WithTaskTimeout(timeout time.Duration) Option {
	return func(w *Worker) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}

// Start 启动 worker。
func Start(id string, handler Handler, opts ...Option) *Worker {
	w := &Worker{
		id:      id,
		handler: handler,
		logger:  logger.Named("agent"),
		calls:   make(chan call),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = w.logger.With("agent", id)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case c := <-w.calls:
			res, crashed := w.serve(c)
			c.reply <- res
			if crashed {
				return
			}
		}
	}
}

// serve 执行一个任务。处理器 panic 视为进程崩溃：worker 退出，存活句柄随之关闭。
func (w *Worker) serve(c call) (res callResult, crashed bool) {
	ctx := c.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("agent 处理任务时崩溃", "task", c.sig.ID, "panic", p)
			res = callResult{err: xerrors.New(CodeWorkerCrashed, fmt.Sprint(p), xerrors.WithField("agent", w.id))}
			crashed = true
		}
	}()
	payload, err := w.handler.HandleTask(ctx, c.sig)
	return callResult{payload: payload, err: err}, false
}

// ID 返回 agent 标识。
func (w *Worker) ID() string { return w.id }

// Done 实现 hub.Handle：worker 退出后关闭。
func (w *Worker) Done() <-chan struct{} { return w.done }

// Call 以进程内调用的方式派发任务，返回复用请求 ID 的响应信号。
func (w *Worker) Call(ctx context.Context, sig signal.Signal) (signal.Signal, error) {
	payload, err := w.call(ctx, sig)
	if err != nil {
		return signal.Signal{}, err
	}
	return sig.Reply(signal.SchemaTaskResult, payload), nil
}

func (w *Worker) call(ctx context.Context, sig signal.Signal) (map[string]any, error) {
	reply := make(chan callResult, 1)
	select {
	case <-w.done:
		return nil, xerrors.New(CodeWorkerStopped, "", xerrors.WithField("agent", w.id))
	case <-ctx.Done():
		return nil, ctx.Err()
	case w.calls <- call{ctx: ctx, sig: sig, reply: reply}:
	}
	select {
	case res := <-reply:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve 在路由器上为本 agent 登记端点，返回注销函数。
func (w *Worker) Serve(r *router.Router) func() {
	return r.Handle(w.id, func(ctx context.Context, req signal.Signal) (map[string]any, error) {
		return w.call(ctx, req)
	})
}

// Stop 让 worker 退出，可重复调用。
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}
