// Package objective 实现目标进程：一次计划执行的状态机，持有对应的任务追踪器与产物仓库。
package objective

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"OpenMCP-Hub/internal/actor"
	"OpenMCP-Hub/internal/artifact"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/notify"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/internal/tracker"
	"OpenMCP-Hub/pkg/logger"
)

const defaultEventCapacity = 128

// Process 是目标进程。所有状态由单个 goroutine 持有。
type Process struct {
	id      string
	loop    *actor.Loop[state]
	logger  *slog.Logger
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	tracker *tracker.Tracker
	store   *artifact.Store
}

type state struct {
	objective Objective
	events    []notify.Notification
	capacity  int
}

// Option 定义可选配置。
type Option func(*Process, *state)

// WithEventCapacity 设置保留的通知条数。
func WithEventCapacity(n int) Option {
	return func(_ *Process, s *state) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(p *Process, _ *state) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 以 pending 状态启动目标进程。
func New(def Definition, opts ...Option) *Process {
	now := time.Now().UTC()
	st := &state{
		objective: Objective{
			ID:        def.ID,
			Name:      def.Name,
			Owner:     def.Owner,
			Steps:     slices.Clone(def.Steps),
			Input:     def.Input,
			Status:    StatusPending,
			Results:   []StepResult{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		capacity: defaultEventCapacity,
	}
	st.objective = st.objective.clone()
	p := &Process{
		id:     def.ID,
		logger: logger.Named("objective"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p, st)
		}
	}
	p.logger = p.logger.With("objective", def.ID)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.loop = actor.Start(st, nil)
	return p
}

// Attach 绑定所属的追踪器与产物仓库，须在进程对外可见前调用。
func (p *Process) Attach(tr *tracker.Tracker, store *artifact.Store) {
	p.tracker = tr
	p.store = store
}

// ID 返回目标 ID。
func (p *Process) ID() string { return p.id }

// Tracker 返回任务追踪器。
func (p *Process) Tracker() *tracker.Tracker { return p.tracker }

// Store 返回产物仓库。
func (p *Process) Store() *artifact.Store { return p.store }

// Context 在目标取消或进程拆除时结束，用于中止在途派发。
func (p *Process) Context() context.Context { return p.ctx }

// Initialize pending → initializing。
func (p *Process) Initialize(ctx context.Context) error {
	return p.transition(ctx, StatusInitializing, "", StatusPending)
}

// Start initializing → in_progress。
func (p *Process) Start(ctx context.Context) error {
	return p.transition(ctx, StatusInProgress, "", StatusInitializing)
}

// Complete in_progress → completed，进度置为 100。
func (p *Process) Complete(ctx context.Context) error {
	return p.transition(ctx, StatusCompleted, "", StatusInProgress)
}

// Fail 将任意非终态目标标记为失败。
func (p *Process) Fail(ctx context.Context, reason string) error {
	return p.transition(ctx, StatusFailed, reason, StatusPending, StatusInitializing, StatusInProgress)
}

// Cancel 将任意非终态目标标记为取消，并中止在途派发。
func (p *Process) Cancel(ctx context.Context) error {
	err := p.transition(ctx, StatusCancelled, "", StatusPending, StatusInitializing, StatusInProgress)
	if err == nil {
		p.cancel()
	}
	return err
}

func (p *Process) transition(ctx context.Context, target Status, reason string, from ...Status) error {
	err := p.loop.Do(ctx, func(s *state) error {
		o := &s.objective
		if !slices.Contains(from, o.Status) {
			return invalidTransition(o.Status, target)
		}
		now := p.now()
		o.Status = target
		o.UpdatedAt = now
		switch target {
		case StatusCompleted:
			o.Progress = 100
			o.FinishedAt = now
		case StatusFailed:
			o.Error = reason
			o.FinishedAt = now
		case StatusCancelled:
			o.FinishedAt = now
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ObserveObjectiveTransition(string(target))
	p.logger.Info("目标状态变更", "status", target)
	return nil
}

// UpdateProgress 更新进度，仅在 in_progress 时有效，取值 0..100 且不可回退。
func (p *Process) UpdateProgress(ctx context.Context, pct int) error {
	return p.loop.Do(ctx, func(s *state) error {
		o := &s.objective
		if o.Status != StatusInProgress {
			return xerrors.New(CodeInvalidProgress, "目标未在执行中", xerrors.WithField("status", string(o.Status)))
		}
		if pct < 0 || pct > 100 {
			return xerrors.New(CodeInvalidProgress, "进度超出范围", xerrors.WithField("progress", strconv.Itoa(pct)))
		}
		if pct < o.Progress {
			return xerrors.New(CodeInvalidProgress, "进度不可回退",
				xerrors.WithField("progress", strconv.Itoa(pct)),
				xerrors.WithField("current", strconv.Itoa(o.Progress)))
		}
		o.Progress = pct
		o.UpdatedAt = p.now()
		return nil
	})
}

// SetCurrentStep 设置当前步骤，仅接受目标声明过的步骤。
func (p *Process) SetCurrentStep(ctx context.Context, name string) error {
	return p.loop.Do(ctx, func(s *state) error {
		o := &s.objective
		if o.Status != StatusInProgress {
			return xerrors.New(CodeInvalidStep, "目标未在执行中", xerrors.WithField("status", string(o.Status)))
		}
		if !slices.Contains(o.Steps, name) {
			return xerrors.New(CodeInvalidStep, "", xerrors.WithField("step", name))
		}
		o.CurrentStep = name
		o.UpdatedAt = p.now()
		return nil
	})
}

// RecordResult 向结果日志追加一条记录。
func (p *Process) RecordResult(ctx context.Context, r StepResult) error {
	return p.loop.Do(ctx, func(s *state) error {
		o := &s.objective
		if o.Status != StatusInProgress {
			return invalidTransition(o.Status, StatusInProgress)
		}
		o.Results = append(o.Results, r)
		o.UpdatedAt = p.now()
		return nil
	})
}

// Snapshot 返回当前状态副本。
func (p *Process) Snapshot(ctx context.Context) (Objective, error) {
	return actor.Call(ctx, p.loop, func(s *state) (Objective, error) {
		return s.objective.clone(), nil
	})
}

// Events 返回最近收到的追踪器与产物仓库通知。
func (p *Process) Events(ctx context.Context) ([]notify.Notification, error) {
	return actor.Call(ctx, p.loop, func(s *state) ([]notify.Notification, error) {
		return slices.Clone(s.events), nil
	})
}

// Notify 实现 notify.Sink。邮箱已满时通知被丢弃。
func (p *Process) Notify(n notify.Notification) {
	if !p.loop.Tell(func(s *state) {
		s.events = append(s.events, n)
		if over := len(s.events) - s.capacity; over > 0 {
			s.events = slices.Delete(s.events, 0, over)
		}
	}) {
		p.logger.Debug("丢弃通知", "kind", n.Kind, "event", n.Event)
	}
}

// Stop 拆除进程：中止在途派发并停止状态循环。追踪器与产物仓库由监督者负责停止。
func (p *Process) Stop() {
	p.cancel()
	p.loop.Stop()
}

// Done 在进程停止后关闭。
func (p *Process) Done() <-chan struct{} {
	return p.loop.Done()
}
