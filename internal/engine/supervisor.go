// Package engine 监管目标子树：按目标 ID 原子地启动与拆除 {目标进程, 任务追踪器, 产物仓库}。
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"OpenMCP-Hub/internal/actor"
	"OpenMCP-Hub/internal/artifact"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/notify"
	"OpenMCP-Hub/internal/objective"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/internal/tracker"
	"OpenMCP-Hub/pkg/logger"
)

const (
	CodeAlreadyRunning    xerrors.Code = "OBJECTIVE_ALREADY_RUNNING"
	CodeObjectiveNotFound xerrors.Code = "OBJECTIVE_NOT_FOUND"
	CodeStartFailed       xerrors.Code = "OBJECTIVE_START_FAILED"
)

func init() {
	xerrors.Register(CodeAlreadyRunning, xerrors.Attributes{
		Message:  "objective already running",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeObjectiveNotFound, xerrors.Attributes{
		Message:  "objective not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeStartFailed, xerrors.Attributes{
		Message:   "objective start failed",
		Severity:  xerrors.SeverityCritical,
		Class:     xerrors.ClassInternal,
		Retryable: true,
	})
}

// ProcessFactory 创建目标进程。
type ProcessFactory func(def objective.Definition) (*objective.Process, error)

// TrackerFactory 创建任务追踪器，sink 为所属目标进程。
type TrackerFactory func(objectiveID string, sink notify.Sink) (*tracker.Tracker, error)

// StoreFactory 创建产物仓库，sink 为所属目标进程。
type StoreFactory func(objectiveID string, sink notify.Sink) (*artifact.Store, error)

// Spec 描述待启动的目标。ID 为空时自动生成。
type Spec struct {
	ID    string
	Name  string
	Steps []string
	Owner string
	Input map[string]any
}

// Supervisor 持有目标 ID 到子树的注册表。
type Supervisor struct {
	loop       *actor.Loop[registry]
	logger     *slog.Logger
	newProcess ProcessFactory
	newTracker TrackerFactory
	newStore   StoreFactory
}

type subtree struct {
	process *objective.Process
	tracker *tracker.Tracker
	store   *artifact.Store
}

func (t *subtree) teardown() {
	t.process.Stop()
	t.tracker.Stop()
	t.store.Stop()
}

type registry map[string]*subtree

// Option 定义可选配置。
type Option func(*Supervisor)

// WithProcessFactory 替换目标进程的创建方式。
func WithProcessFactory(f ProcessFactory) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.newProcess = f
		}
	}
}

// WithTrackerFactory 替换任务追踪器的创建方式。
func WithTrackerFactory(f TrackerFactory) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.newTracker = f
		}
	}
}

// WithStoreFactory 替换产物仓库的创建方式。
func WithStoreFactory(f StoreFactory) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.newStore = f
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSupervisor 创建监督者。
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: logger.Named("engine"),
		newProcess: func(def objective.Definition) (*objective.Process, error) {
			return objective.New(def), nil
		},
		newTracker: func(id string, sink notify.Sink) (*tracker.Tracker, error) {
			return tracker.New(id, tracker.WithSink(sink)), nil
		},
		newStore: func(id string, sink notify.Sink) (*artifact.Store, error) {
			return artifact.New(id, artifact.WithSink(sink)), nil
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	reg := registry{}
	s.loop = actor.Start(&reg, func(r *registry) {
		for id, t := range *r {
			t.teardown()
			metrics.ObjectiveStopped()
			delete(*r, id)
		}
	})
	return s
}

// StartObjective 原子地启动目标子树；任一部分失败时已启动的部分全部拆除。
func (s *Supervisor) StartObjective(ctx context.Context, spec Spec) (*objective.Process, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	def := objective.Definition{
		ID:    id,
		Name:  spec.Name,
		Owner: spec.Owner,
		Steps: spec.Steps,
		Input: spec.Input,
	}
	proc, err := actor.Call(ctx, s.loop, func(r *registry) (*objective.Process, error) {
		if _, exists := (*r)[id]; exists {
			return nil, xerrors.New(CodeAlreadyRunning, "", xerrors.WithField("id", id))
		}
		t, err := s.build(def)
		if err != nil {
			return nil, err
		}
		(*r)[id] = t
		metrics.ObjectiveStarted()
		return t.process, nil
	})
	if err != nil {
		s.logger.Warn("启动目标失败", "objective", id, "error", err)
		return nil, err
	}
	s.logger.Info("目标已启动", "objective", id, "name", spec.Name)
	return proc, nil
}

func (s *Supervisor) build(def objective.Definition) (*subtree, error) {
	proc, err := s.newProcess(def)
	if err != nil {
		return nil, xerrors.Wrap(CodeStartFailed, err, "创建目标进程失败", xerrors.WithField("id", def.ID))
	}
	tr, err := s.newTracker(def.ID, proc)
	if err != nil {
		proc.Stop()
		return nil, xerrors.Wrap(CodeStartFailed, err, "创建任务追踪器失败", xerrors.WithField("id", def.ID))
	}
	st, err := s.newStore(def.ID, proc)
	if err != nil {
		tr.Stop()
		proc.Stop()
		return nil, xerrors.Wrap(CodeStartFailed, err, "创建产物仓库失败", xerrors.WithField("id", def.ID))
	}
	proc.Attach(tr, st)
	return &subtree{process: proc, tracker: tr, store: st}, nil
}

// StopObjective 拆除目标子树并移除注册项。
func (s *Supervisor) StopObjective(ctx context.Context, id string) error {
	err := s.loop.Do(ctx, func(r *registry) error {
		t, ok := (*r)[id]
		if !ok {
			return xerrors.New(CodeObjectiveNotFound, "", xerrors.WithField("id", id))
		}
		delete(*r, id)
		t.teardown()
		metrics.ObjectiveStopped()
		return nil
	})
	if err == nil {
		s.logger.Info("目标已拆除", "objective", id)
	}
	return err
}

// Get 返回目标进程。
func (s *Supervisor) Get(ctx context.Context, id string) (*objective.Process, error) {
	return actor.Call(ctx, s.loop, func(r *registry) (*objective.Process, error) {
		t, ok := (*r)[id]
		if !ok {
			return nil, xerrors.New(CodeObjectiveNotFound, "", xerrors.WithField("id", id))
		}
		return t.process, nil
	})
}

// ListObjectives 返回存活目标的快照，按 ID 排序。
func (s *Supervisor) ListObjectives(ctx context.Context) ([]objective.Objective, error) {
	procs, err := actor.Call(ctx, s.loop, func(r *registry) ([]*objective.Process, error) {
		out := make([]*objective.Process, 0, len(*r))
		for _, t := range *r {
			out = append(out, t.process)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	snaps := make([]objective.Objective, 0, len(procs))
	for _, p := range procs {
		snap, err := p.Snapshot(ctx)
		if err != nil {
			// 拆除中的目标直接跳过。
			if xerrors.HasCode(err, xerrors.CodeUnavailable) {
				continue
			}
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, nil
}

// Close 拆除全部目标并停止监督者。
func (s *Supervisor) Close() {
	s.loop.Stop()
}
