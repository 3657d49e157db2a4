package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/pkg/logger"
)

// Executor 针对注册表中的 Capability 解释步骤树。
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// Option 定义执行器的可选配置。
type Option func(*Executor)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{registry: registry, logger: logger.Named("step")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Outcome 是一次运行的结果。失败时 Context 仍包含失败前已保存的结果。
type Outcome struct {
	Value   any         `json:"value"`
	StepID  string      `json:"step_id,omitempty"`
	Context ExecContext `json:"context"`
}

type runConfig struct {
	log   *Log
	order ResultOrder
}

// RunOption 调整单次运行。
type RunOption func(*runConfig)

// WithLog 记录执行日志。
func WithLog(l *Log) RunOption {
	return func(c *runConfig) { c.log = l }
}

// WithResultOrder 指定输出提取规则，默认 DeclarationOrder。
func WithResultOrder(order ResultOrder) RunOption {
	return func(c *runConfig) { c.order = order }
}

type run struct {
	exec *Executor
	cfg  runConfig
}

// Run 以 input 为种子执行步骤树，返回最后一个步骤的输出或第一个未被恢复的错误。
func (e *Executor) Run(ctx context.Context, root Step, input map[string]any, opts ...RunOption) (Outcome, error) {
	var cfg runConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	order, err := declarationIndex(root)
	if err != nil {
		return Outcome{}, err
	}
	if input == nil {
		input = map[string]any{}
	}
	ec := ExecContext{InputKey: input}
	r := &run{exec: e, cfg: cfg}
	runErr := r.step(ctx, root, ec)

	out := Outcome{Context: ec}
	var key string
	var ok bool
	if cfg.order == KeyOrder {
		key, ok = lastByKey(ec)
	} else {
		key, ok = lastByDeclaration(ec, order)
	}
	if ok {
		out.StepID = key
		out.Value = ec[key]
	}
	return out, runErr
}

func declarationIndex(root Step) (map[string]int, error) {
	order := make(map[string]int)
	var invalid error
	idx := 0
	walk(root, func(s Step) {
		if invalid != nil {
			return
		}
		if s.Kind == KindSingle {
			if s.ID == "" || s.ID == InputKey {
				invalid = xerrors.New(CodeInvalidStep, "single 步骤 ID 为空或与保留键冲突", xerrors.WithField("id", s.ID))
				return
			}
			order[s.ID] = idx
		}
		idx++
	})
	return order, invalid
}

func (r *run) step(ctx context.Context, s Step, ec ExecContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	var err error
	switch s.Kind {
	case KindSingle:
		err = r.single(ctx, s, ec)
	case KindSequence:
		err = r.sequence(ctx, s, ec)
	case KindParallel:
		err = r.parallel(ctx, s, ec)
	case KindBranch:
		err = r.branch(ctx, s, ec)
	default:
		err = xerrors.New(CodeInvalidStep, "未知的步骤类型", xerrors.WithField("kind", string(s.Kind)), xerrors.WithField("id", s.ID))
	}
	metrics.ObserveStep(string(s.Kind), err == nil, time.Since(start))
	return err
}

func (r *run) sequence(ctx context.Context, s Step, ec ExecContext) error {
	for _, child := range s.Children {
		if err := r.step(ctx, child, ec); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) branch(ctx context.Context, s Step, ec ExecContext) error {
	if s.Condition == nil {
		return xerrors.New(CodeInvalidStep, "branch 缺少条件", xerrors.WithField("id", s.ID))
	}
	label, err := s.Condition(ec)
	if err != nil {
		return err
	}
	selected, ok := s.Branches[label]
	if !ok {
		return xerrors.New(CodeNoMatchingBranch, "", xerrors.WithField("id", s.ID), xerrors.WithField("label", label))
	}
	return r.step(ctx, selected, ec)
}

type childResult struct {
	index    int
	local    ExecContext
	err      error
	timedOut bool
}

// parallel 让每个子步骤从同一起始上下文出发，按完成顺序合并结果。
// 第一个失败会取消其余子步骤，之后到达的结果被丢弃。
func (r *run) parallel(ctx context.Context, s Step, ec ExecContext) error {
	if len(s.Children) == 0 {
		return nil
	}
	start := ec.clone()
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan childResult, len(s.Children))
	for i, child := range s.Children {
		go func(i int, child Step) {
			cctx := pctx
			if s.Opts.Timeout > 0 {
				var ccancel context.CancelFunc
				cctx, ccancel = context.WithTimeout(pctx, s.Opts.Timeout)
				defer ccancel()
			}
			local := start.clone()
			err := r.step(cctx, child, local)
			timedOut := err != nil && pctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded)
			results <- childResult{index: i, local: local, err: err, timedOut: timedOut}
		}(i, child)
	}

	var firstErr error
	for range s.Children {
		res := <-results
		if firstErr != nil {
			continue
		}
		if res.timedOut {
			if s.Opts.TimeoutPolicy == FailOnTimeout {
				firstErr = xerrors.New(CodeStepTimeout, "并行子步骤超时",
					xerrors.WithField("id", s.ID),
					xerrors.WithField("child", s.Children[res.index].ID))
				cancel()
				continue
			}
			r.exec.logger.Warn("丢弃超时的并行子步骤", "parallel", s.ID, "child", s.Children[res.index].ID)
			continue
		}
		if res.err != nil {
			firstErr = res.err
			cancel()
			continue
		}
		for k, v := range res.local {
			if _, existed := start[k]; existed {
				continue
			}
			ec[k] = v
		}
	}
	return firstErr
}

func (r *run) single(ctx context.Context, s Step, ec ExecContext) error {
	capability, ok := r.exec.registry.Lookup(s.Target)
	if !ok {
		return xerrors.New(CodeUnknownCapability, "", xerrors.WithField("capability", s.Target), xerrors.WithField("id", s.ID))
	}
	params, err := resolveParams(s.Params, ec)
	if err != nil {
		return err
	}

	log := r.cfg.log
	log.begin(s.ID, s.Target)
	retries := s.Opts.Retries
	for attempt := 1; ; attempt++ {
		log.attempt(s.ID, attempt)
		value, err := r.invoke(ctx, capability, s, params, ec)
		if err == nil {
			ec[s.ID] = value
			log.finish(s.ID, nil)
			return nil
		}
		// 外部取消不再重试，也不进入回退。
		if ctx.Err() != nil {
			log.finish(s.ID, err)
			return err
		}
		if retries > 0 {
			retries--
			metrics.IncStepRetry()
			r.exec.logger.Debug("步骤失败，准备重试", "step", s.ID, "attempt", attempt, "error", err)
			if waitErr := sleep(ctx, s.Opts.RetryBackoff); waitErr != nil {
				log.finish(s.ID, waitErr)
				return waitErr
			}
			continue
		}
		if s.Opts.Fallback != nil {
			decision := s.Opts.Fallback(ctx, err, ec)
			if decision.proceed {
				ec[s.ID] = decision.value
				log.finish(s.ID, nil)
				return nil
			}
			stopErr := stopError(s.ID, decision.value)
			log.finish(s.ID, stopErr)
			return stopErr
		}
		log.finish(s.ID, err)
		return err
	}
}

type invocation struct {
	value any
	err   error
}

// invoke 在独立 goroutine 中调用 Capability，捕获 panic，并在超时或取消时立即返回。
func (r *run) invoke(ctx context.Context, c Capability, s Step, params map[string]any, ec ExecContext) (any, error) {
	callCtx := ctx
	if s.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Opts.Timeout)
		defer cancel()
	}
	view := ec.clone()
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: xerrors.New(CodeCapabilityPanic, fmt.Sprint(p),
					xerrors.WithField("id", s.ID),
					xerrors.WithField("capability", s.Target))}
			}
		}()
		v, err := c.Handle(callCtx, params, view)
		done <- invocation{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return nil, xerrors.Wrap(CodeStepTimeout, callCtx.Err(), "",
				xerrors.WithField("id", s.ID),
				xerrors.WithField("timeout", s.Opts.Timeout.String()))
		}
		return nil, ctx.Err()
	}
}

func stopError(stepID string, value any) error {
	if err, ok := value.(error); ok {
		return err
	}
	return xerrors.New(CodeFallbackStopped, fmt.Sprint(value), xerrors.WithField("id", stepID))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
