// Package tracker 为单个目标维护任务生命周期：pending → assigned → in_progress → completed|failed。
package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Hub/internal/actor"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/notify"
)

// Tracker 由单个 goroutine 持有任务表。
type Tracker struct {
	objectiveID string
	loop        *actor.Loop[book]
	sink        notify.Sink
	now         func() time.Time
}

type book struct {
	order []string
	tasks map[string]*Task
}

// Option 定义可选配置。
type Option func(*Tracker)

// WithSink 设置变更通知的接收方。
func WithSink(sink notify.Sink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New 创建并启动追踪器。
func New(objectiveID string, opts ...Option) *Tracker {
	t := &Tracker{
		objectiveID: objectiveID,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.loop = actor.Start(&book{tasks: make(map[string]*Task)}, nil)
	return t
}

// ObjectiveID 返回所属目标。
func (t *Tracker) ObjectiveID() string {
	return t.objectiveID
}

// CreateTask 以 pending 状态创建任务。
func (t *Tracker) CreateTask(ctx context.Context, step string) (string, error) {
	if strings.TrimSpace(step) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}
	return actor.Call(ctx, t.loop, func(b *book) (string, error) {
		now := t.now()
		task := &Task{
			ID:        uuid.NewString(),
			Step:      step,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		b.tasks[task.ID] = task
		b.order = append(b.order, task.ID)
		t.emit("created", *task)
		return task.ID, nil
	})
}

// AssignTask 将 pending 任务指派给 agent。
func (t *Tracker) AssignTask(ctx context.Context, id, agentID string) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	return t.mutate(ctx, id, "assigned", func(task *Task) error {
		if task.Status != StatusPending {
			return invalidStatus(task, StatusPending)
		}
		task.Status = StatusAssigned
		task.AssignedAgent = agentID
		return nil
	})
}

// StartTask 由被指派的 agent 开始执行任务。
func (t *Tracker) StartTask(ctx context.Context, id, agentID string) error {
	return t.mutate(ctx, id, "started", func(task *Task) error {
		if task.Status != StatusAssigned {
			return invalidStatus(task, StatusAssigned)
		}
		if task.AssignedAgent != agentID {
			return xerrors.New(CodeTaskWrongAgent, "",
				xerrors.WithField("id", task.ID),
				xerrors.WithField("assigned", task.AssignedAgent),
				xerrors.WithField("agent", agentID))
		}
		task.Status = StatusInProgress
		task.StartedAt = t.now()
		return nil
	})
}

// CompleteTask 记录执行结果。
func (t *Tracker) CompleteTask(ctx context.Context, id string, result any) error {
	return t.mutate(ctx, id, "completed", func(task *Task) error {
		if task.Status != StatusInProgress {
			return invalidStatus(task, StatusInProgress)
		}
		task.Status = StatusCompleted
		task.Result = result
		task.FinishedAt = t.now()
		return nil
	})
}

// FailTask 记录失败原因。
func (t *Tracker) FailTask(ctx context.Context, id, reason string) error {
	return t.mutate(ctx, id, "failed", func(task *Task) error {
		if task.Status != StatusInProgress {
			return invalidStatus(task, StatusInProgress)
		}
		task.Status = StatusFailed
		task.Error = reason
		task.FinishedAt = t.now()
		return nil
	})
}

func (t *Tracker) mutate(ctx context.Context, id, event string, fn func(*Task) error) error {
	return t.loop.Do(ctx, func(b *book) error {
		task, ok := b.tasks[id]
		if !ok {
			return notFound(id)
		}
		if err := fn(task); err != nil {
			return err
		}
		task.UpdatedAt = t.now()
		t.emit(event, *task)
		return nil
	})
}

// GetTask 返回任务副本。
func (t *Tracker) GetTask(ctx context.Context, id string) (Task, error) {
	return actor.Call(ctx, t.loop, func(b *book) (Task, error) {
		task, ok := b.tasks[id]
		if !ok {
			return Task{}, notFound(id)
		}
		return *task, nil
	})
}

// ListTasks 按创建顺序返回全部任务。
func (t *Tracker) ListTasks(ctx context.Context) ([]Task, error) {
	return t.list(ctx, func(*Task) bool { return true })
}

// ListAgentTasks 返回指派给某个 agent 的任务。
func (t *Tracker) ListAgentTasks(ctx context.Context, agentID string) ([]Task, error) {
	return t.list(ctx, func(task *Task) bool { return task.AssignedAgent == agentID })
}

func (t *Tracker) list(ctx context.Context, match func(*Task) bool) ([]Task, error) {
	return actor.Call(ctx, t.loop, func(b *book) ([]Task, error) {
		out := make([]Task, 0, len(b.order))
		for _, id := range b.order {
			if task := b.tasks[id]; match(task) {
				out = append(out, *task)
			}
		}
		return out, nil
	})
}

// Stats 统计各状态的任务数量。
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	return actor.Call(ctx, t.loop, func(b *book) (Stats, error) {
		var s Stats
		for _, task := range b.tasks {
			s.add(task.Status)
		}
		return s, nil
	})
}

// Stop 停止追踪器。
func (t *Tracker) Stop() {
	t.loop.Stop()
}

// Done 在追踪器停止后关闭。
func (t *Tracker) Done() <-chan struct{} {
	return t.loop.Done()
}

func (t *Tracker) emit(event string, task Task) {
	notify.Emit(t.sink, notify.KindTaskTracker, t.objectiveID, event, task)
}
