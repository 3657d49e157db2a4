// Package artifact 为单个目标保存步骤产出的命名内容，支持按标签、类型与创建者检索。
package artifact

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"OpenMCP-Hub/internal/actor"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/notify"
)

const (
	CodeArtifactNotFound xerrors.Code = "ARTIFACT_NOT_FOUND"
	CodeArtifactInvalid  xerrors.Code = "ARTIFACT_INVALID"
)

func init() {
	xerrors.Register(CodeArtifactNotFound, xerrors.Attributes{
		Message:  "artifact not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeArtifactInvalid, xerrors.Attributes{
		Message:  "invalid artifact",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassValidation,
	})
}

// Artifact 是一次步骤执行产出的内容。
type Artifact struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Content     any            `json:"content"`
	ContentType string         `json:"content_type"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasTag 判断是否带有指定标签。
func (a Artifact) HasTag(tag string) bool {
	_, found := slices.BinarySearch(a.Tags, tag)
	return found
}

func (a Artifact) clone() Artifact {
	out := a
	out.Tags = slices.Clone(a.Tags)
	out.Metadata = cloneMap(a.Metadata)
	return out
}

// StoreOptions 是保存产物时的可选字段。
type StoreOptions struct {
	Metadata  map[string]any
	Tags      []string
	StepID    string
	CreatedBy string
}

// Filter 描述检索条件，各字段之间为 AND 关系；Tags 要求包含全部列出的标签。
type Filter struct {
	Tags        []string
	ContentType string
	CreatedBy   string
}

func (f Filter) match(a *Artifact) bool {
	if f.ContentType != "" && a.ContentType != f.ContentType {
		return false
	}
	if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
		return false
	}
	for _, tag := range f.Tags {
		if !a.HasTag(tag) {
			return false
		}
	}
	return true
}

// Store 由单个 goroutine 持有产物表。
type Store struct {
	objectiveID string
	loop        *actor.Loop[shelf]
	sink        notify.Sink
	now         func() time.Time
}

type shelf struct {
	order     []string
	artifacts map[string]*Artifact
}

// Option 定义可选配置。
type Option func(*Store)

// WithSink 设置变更通知的接收方。
func WithSink(sink notify.Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// New 创建并启动产物仓库。
func New(objectiveID string, opts ...Option) *Store {
	s := &Store{
		objectiveID: objectiveID,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.loop = actor.Start(&shelf{artifacts: make(map[string]*Artifact)}, nil)
	return s
}

// StoreArtifact 保存产物并返回 ID。
func (s *Store) StoreArtifact(ctx context.Context, name string, content any, contentType string, opts StoreOptions) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", xerrors.New(CodeArtifactInvalid, "产物名称不能为空")
	}
	if strings.TrimSpace(contentType) == "" {
		return "", xerrors.New(CodeArtifactInvalid, "产物内容类型不能为空", xerrors.WithField("name", name))
	}
	return actor.Call(ctx, s.loop, func(sh *shelf) (string, error) {
		now := s.now()
		a := &Artifact{
			ID:          ulid.Make().String(),
			Name:        name,
			Content:     content,
			ContentType: contentType,
			Tags:        normalizeTags(opts.Tags),
			Metadata:    cloneMap(opts.Metadata),
			StepID:      opts.StepID,
			CreatedBy:   opts.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		sh.artifacts[a.ID] = a
		sh.order = append(sh.order, a.ID)
		s.emit("stored", a.clone())
		return a.ID, nil
	})
}

// GetArtifact 返回产物副本。
func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	return actor.Call(ctx, s.loop, func(sh *shelf) (Artifact, error) {
		a, ok := sh.artifacts[id]
		if !ok {
			return Artifact{}, notFound(id)
		}
		return a.clone(), nil
	})
}

// ListArtifacts 按保存顺序返回满足过滤条件的产物。
func (s *Store) ListArtifacts(ctx context.Context, filter Filter) ([]Artifact, error) {
	return s.list(ctx, filter.match)
}

// ListStepArtifacts 返回某个步骤产出的全部产物。
func (s *Store) ListStepArtifacts(ctx context.Context, stepID string) ([]Artifact, error) {
	return s.list(ctx, func(a *Artifact) bool { return a.StepID == stepID })
}

func (s *Store) list(ctx context.Context, match func(*Artifact) bool) ([]Artifact, error) {
	return actor.Call(ctx, s.loop, func(sh *shelf) ([]Artifact, error) {
		out := make([]Artifact, 0)
		for _, id := range sh.order {
			if a := sh.artifacts[id]; match(a) {
				out = append(out, a.clone())
			}
		}
		return out, nil
	})
}

// UpdateMetadata 浅合并元数据。
func (s *Store) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return s.mutate(ctx, id, "metadata_updated", func(a *Artifact) {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			a.Metadata[k] = v
		}
	})
}

// AddTags 以集合并集方式追加标签。
func (s *Store) AddTags(ctx context.Context, id string, tags []string) error {
	return s.mutate(ctx, id, "tags_added", func(a *Artifact) {
		a.Tags = normalizeTags(append(a.Tags, tags...))
	})
}

func (s *Store) mutate(ctx context.Context, id, event string, fn func(*Artifact)) error {
	return s.loop.Do(ctx, func(sh *shelf) error {
		a, ok := sh.artifacts[id]
		if !ok {
			return notFound(id)
		}
		fn(a)
		a.UpdatedAt = s.now()
		s.emit(event, a.clone())
		return nil
	})
}

// Stop 停止产物仓库。
func (s *Store) Stop() {
	s.loop.Stop()
}

// Done 在仓库停止后关闭。
func (s *Store) Done() <-chan struct{} {
	return s.loop.Done()
}

func (s *Store) emit(event string, a Artifact) {
	notify.Emit(s.sink, notify.KindArtifactStore, s.objectiveID, event, a)
}

func notFound(id string) error {
	return xerrors.New(CodeArtifactNotFound, "", xerrors.WithField("id", id))
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
