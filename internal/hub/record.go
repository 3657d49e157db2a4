package hub

import (
	"slices"
	"time"
)

// Status 表示 agent 在 hub 中的状态。
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Valid 判断状态是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// Handle 是 agent 进程的存活句柄，进程退出时 Done 关闭。
type Handle interface {
	Done() <-chan struct{}
}

// Descriptor 描述注册时提交的 agent 信息。
type Descriptor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Record 是 hub 持有的 agent 记录。调用方拿到的总是副本。
type Record struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Seq          uint64            `json:"seq"`
	Handle       Handle            `json:"-"`
}

// HasCapability 判断记录是否声明了指定能力。
func (r Record) HasCapability(capability string) bool {
	_, found := slices.BinarySearch(r.Capabilities, capability)
	return found
}

func (r Record) clone() Record {
	out := r
	out.Capabilities = slices.Clone(r.Capabilities)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
