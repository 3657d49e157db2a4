package step

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenMCP-Hub/internal/errors"
)

// Capability 是可被步骤调用的逻辑单元。ec 为只读视图，实现不得修改。
type Capability interface {
	Handle(ctx context.Context, params map[string]any, ec ExecContext) (any, error)
}

// CapabilityFunc 将函数适配为 Capability。
type CapabilityFunc func(ctx context.Context, params map[string]any, ec ExecContext) (any, error)

// Handle 实现 Capability。
func (f CapabilityFunc) Handle(ctx context.Context, params map[string]any, ec ExecContext) (any, error) {
	return f(ctx, params, ec)
}

// Registry 按标识符保存 Capability。
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register 登记 Capability，重复标识符会被拒绝。
func (r *Registry) Register(id string, c Capability) error {
	if id == "" || c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability 标识与实现均不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[id]; exists {
		return xerrors.New(CodeDuplicateCapability, "", xerrors.WithField("capability", id))
	}
	r.caps[id] = c
	return nil
}

// MustRegister 与 Register 相同，失败时 panic。用于启动阶段的静态登记。
func (r *Registry) MustRegister(id string, c Capability) {
	if err := r.Register(id, c); err != nil {
		panic(err)
	}
}

// Lookup 查找 Capability。
func (r *Registry) Lookup(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// IDs 返回已登记的标识符，按字典序排列。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
