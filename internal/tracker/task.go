package tracker

import (
	"strings"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
)

// Status 表示任务在生命周期中的状态，只能按固定顺序前进。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task 描述一个计划步骤在某个 agent 上的执行记录。
type Task struct {
	ID            string    `json:"id"`
	Step          string    `json:"step"`
	Status        Status    `json:"status"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	Result        any       `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Stats 汇总各状态的任务数量。
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (s *Stats) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusAssigned:
		s.Assigned++
	case StatusInProgress:
		s.InProgress++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
}

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskInvalidStatus xerrors.Code = "TASK_INVALID_STATUS"
	CodeTaskWrongAgent    xerrors.Code = "TASK_WRONG_AGENT"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeTaskInvalidStatus, xerrors.Attributes{
		Message:  "task status does not allow this operation",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeTaskWrongAgent, xerrors.Attributes{
		Message:  "task is assigned to another agent",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
}

func notFound(id string) error {
	return xerrors.New(CodeTaskNotFound, "", xerrors.WithField("id", id))
}

func invalidStatus(t *Task, allowed ...Status) error {
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		names = append(names, string(s))
	}
	return xerrors.New(CodeTaskInvalidStatus, "",
		xerrors.WithField("id", t.ID),
		xerrors.WithField("current", string(t.Status)),
		xerrors.WithField("allowed", strings.Join(names, "|")))
}
