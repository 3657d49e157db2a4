package company

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Hub/internal/agent"
	"OpenMCP-Hub/internal/artifact"
	"OpenMCP-Hub/internal/engine"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/hub"
	"OpenMCP-Hub/internal/objective"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/internal/router"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/internal/storage/archive"
	"OpenMCP-Hub/pkg/logger"
)

const defaultDispatchTimeout = 30 * time.Second

// Outcome 标记单步驱动的结果。
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeComplete Outcome = "complete"
)

// StepOutcome 是 ExecuteNextStep 的返回值。
type StepOutcome struct {
	Outcome   Outcome              `json:"outcome"`
	Result    objective.StepResult `json:"result"`
	Objective objective.Objective  `json:"objective"`
}

// Caller 是可被进程内调用的 agent 句柄，agent.Worker 实现了它。
type Caller interface {
	Call(ctx context.Context, sig signal.Signal) (signal.Signal, error)
}

// Runner 把计划的每一步派发给匹配角色的 agent。
type Runner struct {
	company    *Company
	hub        *hub.Hub
	supervisor *engine.Supervisor
	router     *router.Router
	history    archive.Repository
	timeout    time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	mu      sync.Mutex
	plan    Plan
	input   map[string]any
	roles   []Role
	proc    *objective.Process
	next    int
	finish  sync.Once
	final   objective.Objective
	started time.Time
}

// dispatcher 是解析后的派发目标。
type dispatcher struct {
	agentID string
	mode    string
	call    func(ctx context.Context, sig signal.Signal, timeout time.Duration) (signal.Signal, error)
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithRouter 启用远程角色的派发。
func WithRouter(r *router.Router) Option {
	return func(rn *Runner) { rn.router = r }
}

// WithHistory 在计划结束时写入运行历史。
func WithHistory(repo archive.Repository) Option {
	return func(rn *Runner) { rn.history = repo }
}

// WithDispatchTimeout 设置等待单步响应的上限。
func WithDispatchTimeout(d time.Duration) Option {
	return func(rn *Runner) {
		if d > 0 {
			rn.timeout = d
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(rn *Runner) {
		if l != nil {
			rn.logger = l
		}
	}
}

// NewRunner 创建计划执行器。
func NewRunner(c *Company, h *hub.Hub, sup *engine.Supervisor, opts ...Option) *Runner {
	rn := &Runner{
		company:    c,
		hub:        h,
		supervisor: sup,
		timeout:    defaultDispatchTimeout,
		logger:     logger.Named("company"),
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rn)
		}
	}
	return rn
}

// Company 返回公司声明。
func (rn *Runner) Company() *Company { return rn.company }

// StartPlan 校验输入并预先解析每一步的角色与 agent，全部通过后才创建目标。
func (rn *Runner) StartPlan(ctx context.Context, planName, owner string, input map[string]any) (string, error) {
	plan, err := rn.company.Plan(planName)
	if err != nil {
		return "", err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := plan.ValidateInput(input); err != nil {
		return "", err
	}

	roles := make([]Role, len(plan.Steps))
	for i, step := range plan.Steps {
		role, err := rn.company.MatchRole(step)
		if err != nil {
			return "", err
		}
		if _, err := rn.resolve(ctx, role); err != nil {
			rn.logger.Warn("计划预检失败", "plan", plan.Name, "role", role.ID, "error", err)
			return "", err
		}
		roles[i] = role
	}

	proc, err := rn.supervisor.StartObjective(ctx, engine.Spec{
		Name:  plan.Name,
		Steps: plan.Steps,
		Owner: owner,
		Input: input,
	})
	if err != nil {
		return "", err
	}
	if err := proc.Initialize(ctx); err == nil {
		err = proc.Start(ctx)
	}
	if err != nil {
		_ = rn.supervisor.StopObjective(context.WithoutCancel(ctx), proc.ID())
		return "", err
	}

	rn.mu.Lock()
	rn.runs[proc.ID()] = &run{
		plan:    plan,
		input:   input,
		roles:   roles,
		proc:    proc,
		started: time.Now(),
	}
	rn.mu.Unlock()

	rn.logger.Info("计划已启动", "plan", plan.Name, "objective", proc.ID(), "steps", len(plan.Steps))
	logger.Audit().Info("plan started", "plan", plan.Name, "objective", proc.ID(), "owner", owner)
	return proc.ID(), nil
}

// ExecuteNextStep 执行下一步。最后一步成功后目标完成并返回 OutcomeComplete。
func (rn *Runner) ExecuteNextStep(ctx context.Context, objectiveID string) (StepOutcome, error) {
	r, err := rn.lookup(objectiveID)
	if err != nil {
		return StepOutcome{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.plan.Steps)
	if r.next >= total {
		snap, err := r.proc.Snapshot(ctx)
		return StepOutcome{Outcome: OutcomeComplete, Objective: snap}, err
	}
	index := r.next
	stepText := r.plan.Steps[index]
	role := r.roles[index]
	proc := r.proc

	d, err := rn.resolve(ctx, role)
	if err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	if err := proc.SetCurrentStep(ctx, stepText); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}

	tr := proc.Tracker()
	taskID, err := tr.CreateTask(ctx, stepText)
	if err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	if err := tr.AssignTask(ctx, taskID, d.agentID); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	if err := tr.StartTask(ctx, taskID, d.agentID); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}

	result := objective.StepResult{Index: index, Step: stepText, TaskID: taskID, Agent: d.agentID}
	value, err := rn.dispatch(ctx, r, d, role, taskID, stepText)
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		_ = tr.FailTask(ctx, taskID, err.Error())
		_ = proc.RecordResult(ctx, result)
		return rn.abort(ctx, r, result, err)
	}

	result.Status = "completed"
	result.Result = value
	if err := tr.CompleteTask(ctx, taskID, value); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	if _, err := proc.Store().StoreArtifact(ctx, stepText, value, "application/json", artifact.StoreOptions{
		Tags:      []string{role.ID},
		StepID:    taskID,
		CreatedBy: d.agentID,
		Metadata:  map[string]any{"plan": r.plan.Name, "index": index},
	}); err != nil {
		rn.logger.Warn("保存步骤产物失败", "objective", proc.ID(), "task", taskID, "error", err)
	}
	if err := proc.RecordResult(ctx, result); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	r.next++
	if err := proc.UpdateProgress(ctx, r.next*100/total); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}

	if r.next < total {
		snap, err := proc.Snapshot(ctx)
		return StepOutcome{Outcome: OutcomeOK, Result: result, Objective: snap}, err
	}
	if err := proc.Complete(ctx); err != nil {
		return rn.abort(ctx, r, objective.StepResult{}, err)
	}
	snap := rn.finish(ctx, r)
	return StepOutcome{Outcome: OutcomeComplete, Result: result, Objective: snap}, nil
}

// RunPlan 启动计划并执行到结束，返回最终的目标快照。
func (rn *Runner) RunPlan(ctx context.Context, planName, owner string, input map[string]any) (objective.Objective, error) {
	id, err := rn.StartPlan(ctx, planName, owner, input)
	if err != nil {
		return objective.Objective{}, err
	}
	return rn.Drive(ctx, id)
}

// Drive 从当前位置执行到结束。
func (rn *Runner) Drive(ctx context.Context, objectiveID string) (objective.Objective, error) {
	for {
		out, err := rn.ExecuteNextStep(ctx, objectiveID)
		if err != nil {
			return out.Objective, err
		}
		if out.Outcome == OutcomeComplete {
			return out.Objective, nil
		}
	}
}

// CancelPlan 取消计划：中断在途派发并拆除目标子树。
func (rn *Runner) CancelPlan(ctx context.Context, objectiveID string) error {
	r, err := rn.lookup(objectiveID)
	if err != nil {
		return err
	}
	if err := r.proc.Cancel(ctx); err != nil {
		return err
	}
	rn.finish(ctx, r)
	rn.logger.Info("计划已取消", "objective", objectiveID)
	return nil
}

// Runs 返回仍在执行的目标 ID。
func (rn *Runner) Runs() []string {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	ids := make([]string, 0, len(rn.runs))
	for id := range rn.runs {
		ids = append(ids, id)
	}
	return ids
}

func (rn *Runner) lookup(id string) (*run, error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	r, ok := rn.runs[id]
	if !ok {
		return nil, xerrors.New(CodeRunNotFound, "", xerrors.WithField("id", id))
	}
	return r, nil
}

// resolve 把角色解析为一个在线 agent。
func (rn *Runner) resolve(ctx context.Context, role Role) (dispatcher, error) {
	missing := func(cause error) error {
		opts := []xerrors.Option{xerrors.WithField("role", role.ID)}
		if role.Agent.ID != "" {
			opts = append(opts, xerrors.WithField("agent", role.Agent.ID))
		}
		if cause != nil {
			return xerrors.Wrap(CodeMissingAgent, cause, "", opts...)
		}
		return xerrors.New(CodeMissingAgent, "", opts...)
	}

	switch role.Agent.Kind {
	case AgentRemote:
		if rn.router == nil {
			return dispatcher{}, missing(xerrors.New(CodeRemoteUnavailable, "", xerrors.WithField("hub", role.Agent.HubRef)))
		}
		return rn.remote(role.Agent), nil
	case AgentLocal:
		rec, err := rn.hub.GetAgentInfo(ctx, role.Agent.ID)
		if err != nil {
			return dispatcher{}, missing(err)
		}
		if d, ok := rn.local(rec); ok {
			return d, nil
		}
		return dispatcher{}, missing(nil)
	default:
		for _, capability := range role.Capabilities {
			recs, err := rn.hub.FindAvailable(ctx, capability)
			if err != nil {
				return dispatcher{}, missing(err)
			}
			for _, rec := range recs {
				if d, ok := rn.local(rec); ok {
					return d, nil
				}
			}
		}
		return dispatcher{}, missing(nil)
	}
}

func (rn *Runner) local(rec hub.Record) (dispatcher, bool) {
	if rec.Status == hub.StatusOffline {
		return dispatcher{}, false
	}
	caller, ok := rec.Handle.(Caller)
	if !ok {
		return dispatcher{}, false
	}
	return dispatcher{
		agentID: rec.ID,
		mode:    "local",
		call: func(ctx context.Context, sig signal.Signal, timeout time.Duration) (signal.Signal, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := rn.hub.UpdateStatus(ctx, rec.ID, hub.StatusBusy); err == nil {
				defer rn.hub.UpdateStatus(context.WithoutCancel(ctx), rec.ID, hub.StatusAvailable)
			}
			return caller.Call(ctx, sig)
		},
	}, true
}

func (rn *Runner) remote(ref AgentRef) dispatcher {
	return dispatcher{
		agentID: ref.ID,
		mode:    "remote",
		call: func(ctx context.Context, sig signal.Signal, timeout time.Duration) (signal.Signal, error) {
			return rn.router.Request(ctx, ref.HubRef, sig, timeout)
		},
	}
}

// dispatch 在限定时间内等待关联响应；目标被取消时在途调用随之中断。
func (rn *Runner) dispatch(ctx context.Context, r *run, d dispatcher, role Role, taskID, stepText string) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.proc.Context(), cancel)
	defer stop()

	sig := signal.New(signal.SchemaTaskRequest, map[string]any{
		agent.FieldTask:        stepText,
		agent.FieldInput:       r.input,
		agent.FieldObjectiveID: r.proc.ID(),
		agent.FieldTaskID:      taskID,
		agent.FieldRole:        role.ID,
	}, signal.To(d.agentID))

	begin := time.Now()
	resp, err := d.call(ctx, sig, rn.timeout)
	metrics.ObserveDispatch(d.mode, err == nil, time.Since(begin))
	if err != nil {
		switch {
		case r.proc.Context().Err() != nil:
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "计划已取消", xerrors.WithField("objective", r.proc.ID()))
		case errors.Is(err, context.DeadlineExceeded), xerrors.HasCode(err, router.CodeRequestTimeout):
			return nil, xerrors.Wrap(CodeDispatchTimeout, err, "",
				xerrors.WithField("step", stepText),
				xerrors.WithField("agent", d.agentID))
		default:
			return nil, xerrors.Wrap(CodeStepFailed, err, "",
				xerrors.WithField("step", stepText),
				xerrors.WithField("agent", d.agentID))
		}
	}
	if resp.ID != sig.ID {
		return nil, xerrors.New(CodeStepFailed, "响应未关联到请求",
			xerrors.WithField("step", stepText),
			xerrors.WithField("agent", d.agentID))
	}
	if v, ok := resp.Payload[agent.FieldResult]; ok {
		return v, nil
	}
	return resp.Payload, nil
}

// abort 让目标失败并结束运行；目标已被取消时保持取消状态。
func (rn *Runner) abort(ctx context.Context, r *run, result objective.StepResult, cause error) (StepOutcome, error) {
	if err := r.proc.Fail(context.WithoutCancel(ctx), cause.Error()); err != nil &&
		!xerrors.HasCode(err, objective.CodeInvalidTransition) && !xerrors.HasCode(err, xerrors.CodeUnavailable) {
		rn.logger.Warn("标记目标失败出错", "objective", r.proc.ID(), "error", err)
	}
	snap := rn.finish(ctx, r)
	rn.logger.Warn("计划执行失败", "plan", r.plan.Name, "objective", r.proc.ID(), "error", cause)
	return StepOutcome{Result: result, Objective: snap}, cause
}

// finish 归档并拆除目标，只执行一次，返回最终快照。
func (rn *Runner) finish(ctx context.Context, r *run) objective.Objective {
	r.finish.Do(func() {
		ctx := context.WithoutCancel(ctx)
		snap, err := r.proc.Snapshot(ctx)
		if err != nil {
			rn.logger.Warn("读取目标快照失败", "objective", r.proc.ID(), "error", err)
		} else if rn.history != nil {
			if err := rn.history.Save(ctx, archive.FromObjective(snap)); err != nil {
				rn.logger.Warn("归档运行记录失败", "objective", r.proc.ID(), "error", err)
			}
		}
		if err := rn.supervisor.StopObjective(ctx, r.proc.ID()); err != nil && !xerrors.HasCode(err, engine.CodeObjectiveNotFound) {
			rn.logger.Warn("拆除目标失败", "objective", r.proc.ID(), "error", err)
		}
		rn.mu.Lock()
		delete(rn.runs, r.proc.ID())
		rn.mu.Unlock()
		logger.Audit().Info("plan finished", "plan", r.plan.Name, "objective", r.proc.ID(),
			"status", string(snap.Status), "duration", time.Since(r.started).String())
		r.final = snap
	})
	return r.final
}
