// Package step 解释步骤树：顺序、并行与分支组合，按步骤选项执行重试与回退。
package step

import (
	"context"
	"fmt"
	"time"
)

// Kind 是步骤类型。
type Kind string

const (
	KindSingle   Kind = "single"
	KindSequence Kind = "sequence"
	KindParallel Kind = "parallel"
	KindBranch   Kind = "branch"
)

// TimeoutPolicy 决定并行块中超时子步骤的处理方式。
type TimeoutPolicy int

const (
	// DropOnTimeout 视超时子步骤为不存在，不报告错误。
	DropOnTimeout TimeoutPolicy = iota
	// FailOnTimeout 将超时作为整个并行块的错误。
	FailOnTimeout
)

// Decision 是回退函数的返回值。
type Decision struct {
	proceed bool
	value   any
}

// Continue 以 value 作为步骤结果继续执行。
func Continue(value any) Decision { return Decision{proceed: true, value: value} }

// Stop 以 value 作为报告的错误终止执行。
func Stop(value any) Decision { return Decision{value: value} }

// Fallback 在重试耗尽后接收错误与当前上下文。
type Fallback func(ctx context.Context, err error, ec ExecContext) Decision

// Condition 根据上下文计算分支标签。
type Condition func(ec ExecContext) (string, error)

// Options 是步骤的失败处理选项。
type Options struct {
	Retries       int
	RetryBackoff  time.Duration
	Fallback      Fallback
	Timeout       time.Duration
	TimeoutPolicy TimeoutPolicy
}

// Step 是静态声明、运行期不可变的步骤节点。
type Step struct {
	ID        string
	Kind      Kind
	Target    string
	Params    Param
	Opts      Options
	Children  []Step
	Condition Condition
	Branches  map[string]Step
}

// StepOption 调整步骤选项。
type StepOption func(*Options)

// Retries 设置重试次数与间隔。
func Retries(n int, backoff time.Duration) StepOption {
	return func(o *Options) {
		o.Retries = n
		o.RetryBackoff = backoff
	}
}

// WithFallback 设置回退函数。
func WithFallback(fn Fallback) StepOption {
	return func(o *Options) { o.Fallback = fn }
}

// Timeout 对 single 步骤限制单次调用时长，对 parallel 步骤限制每个子步骤的时长。
func Timeout(d time.Duration) StepOption {
	return func(o *Options) { o.Timeout = d }
}

// OnTimeout 设置并行块的超时策略。
func OnTimeout(policy TimeoutPolicy) StepOption {
	return func(o *Options) { o.TimeoutPolicy = policy }
}

func applyOptions(opts []StepOption) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Single 声明调用一个 Capability 的步骤。
func Single(id, target string, params Param, opts ...StepOption) Step {
	return Step{ID: id, Kind: KindSingle, Target: target, Params: params, Opts: applyOptions(opts)}
}

// Sequence 声明顺序执行的步骤列表，嵌套的 sequence 会被展开。
func Sequence(id string, steps ...Step) Step {
	return Step{ID: id, Kind: KindSequence, Children: flatten(steps)}
}

// Parallel 声明并发执行的子步骤。
func Parallel(id string, steps []Step, opts ...StepOption) Step {
	return Step{ID: id, Kind: KindParallel, Children: steps, Opts: applyOptions(opts)}
}

// Branch 声明按条件选择的分支。
func Branch(id string, cond Condition, branches map[string]Step) Step {
	return Step{ID: id, Kind: KindBranch, Condition: cond, Branches: branches}
}

// ResultOf 返回以某步骤结果作为标签的条件。
func ResultOf(stepID string) Condition {
	return func(ec ExecContext) (string, error) {
		v, ok := ec[stepID]
		if !ok {
			return "", fmt.Errorf("步骤 %s 尚无结果", stepID)
		}
		return fmt.Sprint(v), nil
	}
}

func flatten(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Kind == KindSequence {
			out = append(out, flatten(s.Children)...)
			continue
		}
		out = append(out, s)
	}
	return out
}

// walk 以声明顺序（先序）遍历步骤树。
func walk(s Step, visit func(Step)) {
	visit(s)
	switch s.Kind {
	case KindSequence, KindParallel:
		for _, c := range s.Children {
			walk(c, visit)
		}
	case KindBranch:
		for _, label := range sortedLabels(s.Branches) {
			walk(s.Branches[label], visit)
		}
	}
}
