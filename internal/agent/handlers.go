package agent

import (
	"context"

	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/internal/step"
)

// 任务请求 payload 的字段。
const (
	FieldTask        = "task"
	FieldInput       = "input"
	FieldObjectiveID = "objective_id"
	FieldTaskID      = "task_id"
	FieldRole        = "role"
	FieldResult      = "result"
	FieldStepID      = "step_id"
)

// taskInput 组装能力调用的输入：请求中的 input 字段，再以任务描述作为 value。
func taskInput(sig signal.Signal) map[string]any {
	input := map[string]any{}
	if raw, ok := sig.Payload[FieldInput].(map[string]any); ok {
		for k, v := range raw {
			input[k] = v
		}
	}
	if _, ok := input["value"]; !ok {
		input["value"] = sig.String(FieldTask)
	}
	return input
}

// CapabilityHandler 用单个 Capability 处理任务。
func CapabilityHandler(c step.Capability) Handler {
	return HandlerFunc(func(ctx context.Context, sig signal.Signal) (map[string]any, error) {
		input := taskInput(sig)
		result, err := c.Handle(ctx, input, step.ExecContext{step.InputKey: input})
		if err != nil {
			return nil, err
		}
		return map[string]any{FieldResult: result}, nil
	})
}

// StepsHandler 通过步骤执行器运行一棵步骤树处理任务。
func StepsHandler(exec *step.Executor, root step.Step, opts ...step.RunOption) Handler {
	return HandlerFunc(func(ctx context.Context, sig signal.Signal) (map[string]any, error) {
		out, err := exec.Run(ctx, root, taskInput(sig), opts...)
		if err != nil {
			return nil, err
		}
		return map[string]any{FieldResult: out.Value, FieldStepID: out.StepID}, nil
	})
}
