// Package router 负责按信号 ID 关联请求与响应，并在收件箱上提供端点服务。
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/pkg/logger"
)

// 路由相关错误码。
const (
	CodeRequestTimeout xerrors.Code = "ROUTER_REQUEST_TIMEOUT"
	CodeDuplicateWait  xerrors.Code = "ROUTER_DUPLICATE_SUBSCRIPTION"
	CodeRemoteFailure  xerrors.Code = "ROUTER_REMOTE_FAILURE"
)

func init() {
	xerrors.Register(CodeRequestTimeout, xerrors.Attributes{
		Message:   "request timed out",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassLiveness,
		Retryable: true,
	})
	xerrors.Register(CodeDuplicateWait, xerrors.Attributes{
		Message:  "signal id already awaited",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeRemoteFailure, xerrors.Attributes{
		Message:  "remote endpoint failed",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCapability,
	})
}

// Endpoint 处理发往某个接收方的请求，返回值作为响应 payload。
type Endpoint func(ctx context.Context, req signal.Signal) (map[string]any, error)

// Router 绑定一个收件箱。发出的请求以该收件箱为 Sender，响应回到这里后按 ID 交给等待者。
type Router struct {
	inbox     string
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	waiters   map[string]chan signal.Signal
	endpoints map[string]Endpoint
}

// Option 定义可选配置。
type Option func(*Router)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建路由器。
func New(inbox string, transport Transport, opts ...Option) *Router {
	r := &Router{
		inbox:     inbox,
		transport: transport,
		logger:    logger.Named("router"),
		waiters:   make(map[string]chan signal.Signal),
		endpoints: make(map[string]Endpoint),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With("inbox", inbox)
	return r
}

// Inbox 返回路由器绑定的收件箱名。
func (r *Router) Inbox() string {
	return r.inbox
}

// Subscribe 登记对某个信号 ID 的一次性等待。返回的取消函数可重复调用。
func (r *Router) Subscribe(id string) (<-chan signal.Signal, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[id]; exists {
		return nil, nil, xerrors.New(CodeDuplicateWait, "", xerrors.WithField("id", id))
	}
	ch := make(chan signal.Signal, 1)
	r.waiters[id] = ch
	cancel := func() {
		r.mu.Lock()
		if cur, ok := r.waiters[id]; ok && cur == ch {
			delete(r.waiters, id)
		}
		r.mu.Unlock()
	}
	return ch, cancel, nil
}

// Pending 返回尚未收到响应的等待者数量。
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Send 投递信号，不等待响应。
func (r *Router) Send(ctx context.Context, inbox string, sig signal.Signal) error {
	if err := r.transport.Publish(ctx, inbox, sig); err != nil {
		metrics.ObserveSignal("sent", "error")
		return err
	}
	metrics.ObserveSignal("sent", "ok")
	return nil
}

// Request 发送请求并在 timeout 内等待同 ID 的响应。无论结果如何，等待者都会被移除。
func (r *Router) Request(ctx context.Context, inbox string, sig signal.Signal, timeout time.Duration) (signal.Signal, error) {
	if sig.Sender == "" {
		sig.Sender = r.inbox
	}
	ch, cancel, err := r.Subscribe(sig.ID)
	if err != nil {
		return signal.Signal{}, err
	}
	defer cancel()

	if err := r.Send(ctx, inbox, sig); err != nil {
		return signal.Signal{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case resp := <-ch:
		if resp.SchemaID == signal.SchemaTaskFailure {
			return resp, xerrors.New(CodeRemoteFailure, resp.String("error"),
				xerrors.WithField("id", resp.ID),
				xerrors.WithField("code", resp.String("code")))
		}
		return resp, nil
	case <-timer:
		metrics.ObserveSignal("received", "timeout")
		return signal.Signal{}, xerrors.New(CodeRequestTimeout, "",
			xerrors.WithField("id", sig.ID),
			xerrors.WithField("inbox", inbox))
	case <-ctx.Done():
		return signal.Signal{}, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "request cancelled", xerrors.WithField("id", sig.ID))
	}
}

// Handle 为接收方登记端点。响应复用请求 ID 投递到请求的 Sender 收件箱。
func (r *Router) Handle(recipient string, endpoint Endpoint) func() {
	r.mu.Lock()
	r.endpoints[recipient] = endpoint
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.endpoints, recipient)
		r.mu.Unlock()
	}
}

// Deliver 处理一条到达本收件箱的信号：优先交给接收方端点，其次交给同 ID 的等待者，
// 都不存在时丢弃。
func (r *Router) Deliver(ctx context.Context, sig signal.Signal) error {
	r.mu.Lock()
	endpoint, isEndpoint := r.endpoints[sig.Recipient]
	var waiter chan signal.Signal
	if !isEndpoint {
		if ch, ok := r.waiters[sig.ID]; ok {
			waiter = ch
			delete(r.waiters, sig.ID)
		}
	}
	r.mu.Unlock()

	switch {
	case isEndpoint:
		metrics.ObserveSignal("received", "request")
		go r.serve(ctx, endpoint, sig)
		return nil
	case waiter != nil:
		metrics.ObserveSignal("received", "ok")
		waiter <- sig
		return nil
	default:
		metrics.ObserveSignal("received", "unmatched")
		r.logger.Debug("丢弃无人等待的信号", "id", sig.ID, "schema", sig.SchemaID)
		return nil
	}
}

func (r *Router) serve(ctx context.Context, endpoint Endpoint, req signal.Signal) {
	payload, err := endpoint(ctx, req)
	var resp signal.Signal
	if err != nil {
		resp = req.Reply(signal.SchemaTaskFailure, map[string]any{
			"error": err.Error(),
			"code":  string(xerrors.CodeOf(err)),
		})
	} else {
		resp = req.Reply(signal.SchemaTaskResult, payload)
	}
	if req.Sender == "" {
		r.logger.Warn("请求缺少 sender，无法回复", "id", req.ID)
		return
	}
	if err := r.Send(ctx, req.Sender, resp); err != nil {
		r.logger.Warn("回复信号失败", "id", req.ID, "to", req.Sender, "error", err)
	}
}

// Run 消费本收件箱直到 ctx 结束。
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("路由器开始消费")
	err := r.transport.Consume(ctx, r.inbox, r.Deliver)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
