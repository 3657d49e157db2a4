package archive

import (
	"context"
	"slices"
	"sync"
)

const defaultMemoryCapacity = 512

// MemoryRepository 在内存中保留最近的运行记录。
type MemoryRepository struct {
	mu       sync.RWMutex
	capacity int
	records  []RunRecord
}

// NewMemoryRepository 创建内存仓库，capacity 不大于 0 时使用默认容量。
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRepository{capacity: capacity}
}

// Save 写入或覆盖记录，保持按结束时间倒序。
func (m *MemoryRepository) Save(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.Results = slices.Clone(record.Results)
	m.records = slices.DeleteFunc(m.records, func(r RunRecord) bool {
		return r.ObjectiveID == record.ObjectiveID
	})
	idx, _ := slices.BinarySearchFunc(m.records, record, func(a, b RunRecord) int {
		return b.FinishedAt.Compare(a.FinishedAt)
	})
	m.records = slices.Insert(m.records, idx, record)
	if len(m.records) > m.capacity {
		m.records = m.records[:m.capacity]
	}
	return nil
}

// Get 返回指定目标的记录。
func (m *MemoryRepository) Get(_ context.Context, objectiveID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ObjectiveID == objectiveID {
			r.Results = slices.Clone(r.Results)
			return r, nil
		}
	}
	return RunRecord{}, notFound(objectiveID)
}

// ListLatest 返回最近的记录。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]RunRecord, limit)
	copy(out, m.records[:limit])
	return out, nil
}

// Close 无需释放资源。
func (m *MemoryRepository) Close() error { return nil }
