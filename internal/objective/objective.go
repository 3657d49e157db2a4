package objective

import (
	"slices"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
)

// Status 是目标的生命周期状态。
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Definition 是创建目标时的声明。
type Definition struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Owner string         `json:"owner,omitempty"`
	Steps []string       `json:"steps"`
	Input map[string]any `json:"input,omitempty"`
}

// StepResult 是一个步骤执行后追加到结果日志的记录。
type StepResult struct {
	Index  int    `json:"index"`
	Step   string `json:"step"`
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Objective 是目标的状态快照。
type Objective struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Owner       string         `json:"owner,omitempty"`
	Steps       []string       `json:"steps"`
	Input       map[string]any `json:"input,omitempty"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	Results     []StepResult   `json:"results"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
}

func (o Objective) clone() Objective {
	out := o
	out.Steps = slices.Clone(o.Steps)
	out.Results = slices.Clone(o.Results)
	if o.Input != nil {
		out.Input = make(map[string]any, len(o.Input))
		for k, v := range o.Input {
			out.Input[k] = v
		}
	}
	return out
}

const (
	CodeInvalidTransition xerrors.Code = "OBJECTIVE_INVALID_TRANSITION"
	CodeInvalidProgress   xerrors.Code = "OBJECTIVE_INVALID_PROGRESS"
	CodeInvalidStep       xerrors.Code = "OBJECTIVE_INVALID_STEP"
)

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "objective transition not allowed",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeInvalidProgress, xerrors.Attributes{
		Message:  "invalid progress value",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeInvalidStep, xerrors.Attributes{
		Message:  "step is not declared on the objective",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassValidation,
	})
}

func invalidTransition(current, target Status) error {
	return xerrors.New(CodeInvalidTransition, "",
		xerrors.WithField("current", string(current)),
		xerrors.WithField("target", string(target)))
}
