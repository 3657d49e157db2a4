package step

import (
	"sync"
	"time"
)

// EntryStatus 是执行日志条目的状态。
type EntryStatus string

const (
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Entry 记录单个步骤的执行情况。
type Entry struct {
	StepID     string      `json:"step_id"`
	Target     string      `json:"target"`
	Status     EntryStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// Log 是可选的执行日志，只用于观测，不影响控制流。
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog 创建执行日志。
func NewLog() *Log {
	return &Log{}
}

// Entries 返回条目副本。
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Find 返回第一个匹配 stepID 的条目。
func (l *Log) Find(stepID string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.StepID == stepID {
			return e, true
		}
	}
	return Entry{}, false
}

func (l *Log) begin(stepID, target string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		StepID:    stepID,
		Target:    target,
		Status:    EntryRunning,
		StartedAt: time.Now().UTC(),
	})
}

// update 修改第一个匹配 stepID 的条目。
func (l *Log) update(stepID string, fn func(*Entry)) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].StepID == stepID {
			fn(&l.entries[i])
			return
		}
	}
}

func (l *Log) attempt(stepID string, n int) {
	l.update(stepID, func(e *Entry) { e.Attempts = n })
}

func (l *Log) finish(stepID string, err error) {
	l.update(stepID, func(e *Entry) {
		e.FinishedAt = time.Now().UTC()
		if err != nil {
			e.Status = EntryFailed
			e.Error = err.Error()
			return
		}
		e.Status = EntryCompleted
	})
}
