// Package archive 保存已结束目标的运行记录，供 HTTP API 查询历史。
package archive

import (
	"context"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/objective"
)

// CodeRunNotFound 表示历史中不存在该目标。
const CodeRunNotFound xerrors.Code = "RUN_NOT_FOUND"

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassCoordination,
	})
}

// RunRecord 是一次计划执行的归档记录。
type RunRecord struct {
	ObjectiveID string                 `json:"objective_id"`
	Plan        string                 `json:"plan"`
	Owner       string                 `json:"owner,omitempty"`
	Status      string                 `json:"status"`
	Progress    int                    `json:"progress"`
	Error       string                 `json:"error,omitempty"`
	Results     []objective.StepResult `json:"results"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// FromObjective 由目标快照构造归档记录。
func FromObjective(o objective.Objective) RunRecord {
	finished := o.FinishedAt
	if finished.IsZero() {
		finished = o.UpdatedAt
	}
	return RunRecord{
		ObjectiveID: o.ID,
		Plan:        o.Name,
		Owner:       o.Owner,
		Status:      string(o.Status),
		Progress:    o.Progress,
		Error:       o.Error,
		Results:     o.Results,
		StartedAt:   o.CreatedAt,
		FinishedAt:  finished,
	}
}

// Repository 抽象运行历史的持久化。
type Repository interface {
	// Save 写入记录，同一目标 ID 重复写入时覆盖。
	Save(ctx context.Context, record RunRecord) error
	Get(ctx context.Context, objectiveID string) (RunRecord, error)
	// ListLatest 按结束时间倒序返回最近的记录。
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

func notFound(id string) error {
	return xerrors.New(CodeRunNotFound, "", xerrors.WithField("id", id))
}
