// Package hub 实现 agent 注册中心：按能力发现、状态维护与基于句柄的存活追踪。
// 每个 Hub 是一个独立命名空间，所有变更由单个 goroutine 串行执行。
package hub

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"OpenMCP-Hub/internal/actor"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/observability/metrics"
	"OpenMCP-Hub/pkg/logger"
)

// hub 相关错误码。
const (
	CodeAlreadyRegistered xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentOffline      xerrors.Code = "AGENT_OFFLINE"
)

func init() {
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{
		Message:  "agent already registered",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeAgentOffline, xerrors.Attributes{
		Message:  "agent offline",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassLiveness,
	})
}

// Hub 是 agent 注册中心。
type Hub struct {
	name   string
	loop   *actor.Loop[registry]
	logger *slog.Logger
	now    func() time.Time
}

type entry struct {
	record Record
	gen    uint64
	stop   chan struct{}
}

type registry struct {
	seq     uint64
	gen     uint64
	entries map[string]*entry
}

// Option 定义可选配置。
type Option func(*Hub)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock 指定时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New 创建并启动一个 hub。
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:   name,
		logger: logger.Named("hub"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = h.logger.With("hub", name)
	h.loop = actor.Start(&registry{entries: make(map[string]*entry)}, func(r *registry) {
		for _, e := range r.entries {
			e.closeWatch()
		}
	})
	return h
}

// Name 返回 hub 命名空间。
func (h *Hub) Name() string {
	return h.name
}

// Register 注册 agent 并开始监控其句柄。同一 ID 的存活记录不可重复注册；
// 已离线的记录会被新记录替换。
func (h *Hub) Register(ctx context.Context, desc Descriptor, handle Handle, capabilities []string) (Record, error) {
	id := strings.TrimSpace(desc.ID)
	if id == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	if handle == nil {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "agent 句柄不能为空", xerrors.WithField("id", id))
	}
	caps := normalizeCapabilities(capabilities)

	rec, err := actor.Call(ctx, h.loop, func(r *registry) (Record, error) {
		if existing, ok := r.entries[id]; ok && existing.record.Status != StatusOffline {
			return Record{}, xerrors.New(CodeAlreadyRegistered, "", xerrors.WithField("id", id))
		}
		now := h.now()
		r.seq++
		r.gen++
		e := &entry{
			record: Record{
				ID:           id,
				Name:         desc.Name,
				Capabilities: caps,
				Status:       StatusAvailable,
				Metadata:     desc.Metadata,
				RegisteredAt: now,
				LastSeen:     now,
				Seq:          r.seq,
				Handle:       handle,
			},
			gen:  r.gen,
			stop: make(chan struct{}),
		}
		e.record = e.record.clone()
		r.entries[id] = e
		go h.watch(id, e.gen, handle, e.stop)
		h.publishCounts(r)
		return e.record.clone(), nil
	})
	metrics.ObserveRegistration(h.name, err == nil)
	if err != nil {
		return Record{}, err
	}
	h.logger.Info("agent 已注册", "agent", id, "capabilities", caps)
	return rec, nil
}

// watch 等待句柄结束并将对应代次的记录标记为离线。
func (h *Hub) watch(id string, gen uint64, handle Handle, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-handle.Done():
	}
	_ = h.loop.Do(context.Background(), func(r *registry) error {
		e, ok := r.entries[id]
		if !ok || e.gen != gen || e.record.Status == StatusOffline {
			return nil
		}
		e.record.Status = StatusOffline
		e.record.LastSeen = h.now()
		h.publishCounts(r)
		h.logger.Warn("agent 已离线", "agent", id)
		return nil
	})
}

// FindByCapability 返回声明了该能力的全部记录（含离线），按注册顺序排列。
func (h *Hub) FindByCapability(ctx context.Context, capability string) ([]Record, error) {
	return h.find(ctx, func(rec Record) bool { return rec.HasCapability(capability) })
}

// FindAvailable 与 FindByCapability 相同，但排除离线记录。
func (h *Hub) FindAvailable(ctx context.Context, capability string) ([]Record, error) {
	return h.find(ctx, func(rec Record) bool {
		return rec.Status != StatusOffline && rec.HasCapability(capability)
	})
}

// List 返回全部记录，按注册顺序排列。
func (h *Hub) List(ctx context.Context) ([]Record, error) {
	return h.find(ctx, func(Record) bool { return true })
}

func (h *Hub) find(ctx context.Context, match func(Record) bool) ([]Record, error) {
	return actor.Call(ctx, h.loop, func(r *registry) ([]Record, error) {
		out := make([]Record, 0, len(r.entries))
		for _, e := range r.entries {
			if match(e.record) {
				out = append(out, e.record.clone())
			}
		}
		slices.SortFunc(out, func(a, b Record) int {
			switch {
			case a.Seq < b.Seq:
				return -1
			case a.Seq > b.Seq:
				return 1
			default:
				return 0
			}
		})
		return out, nil
	})
}

// UpdateStatus 更新 agent 状态。未知 ID 与离线记录都会被拒绝。
func (h *Hub) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的 agent 状态", xerrors.WithField("status", string(status)))
	}
	return h.loop.Do(ctx, func(r *registry) error {
		e, ok := r.entries[id]
		if !ok {
			return xerrors.New(CodeAgentNotFound, "", xerrors.WithField("id", id))
		}
		if e.record.Status == StatusOffline {
			return xerrors.New(CodeAgentOffline, "", xerrors.WithField("id", id))
		}
		e.record.Status = status
		e.record.LastSeen = h.now()
		if status == StatusOffline {
			e.closeWatch()
		}
		h.publishCounts(r)
		return nil
	})
}

// GetAgentInfo 返回记录副本。
func (h *Hub) GetAgentInfo(ctx context.Context, id string) (Record, error) {
	return actor.Call(ctx, h.loop, func(r *registry) (Record, error) {
		e, ok := r.entries[id]
		if !ok {
			return Record{}, xerrors.New(CodeAgentNotFound, "", xerrors.WithField("id", id))
		}
		return e.record.clone(), nil
	})
}

// Deregister 移除记录并停止监控，未知 ID 视为成功。
func (h *Hub) Deregister(ctx context.Context, id string) error {
	return h.loop.Do(ctx, func(r *registry) error {
		e, ok := r.entries[id]
		if !ok {
			return nil
		}
		e.closeWatch()
		delete(r.entries, id)
		h.publishCounts(r)
		h.logger.Info("agent 已注销", "agent", id)
		return nil
	})
}

// Close 停止 hub 及全部监控协程。
func (h *Hub) Close() {
	h.loop.Stop()
}

func (h *Hub) publishCounts(r *registry) {
	counts := map[string]int{
		string(StatusAvailable): 0,
		string(StatusBusy):      0,
		string(StatusOffline):   0,
	}
	for _, e := range r.entries {
		counts[string(e.record.Status)]++
	}
	metrics.SetHubAgents(h.name, counts)
}

func (e *entry) closeWatch() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}
