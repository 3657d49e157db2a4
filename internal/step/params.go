package step

import (
	xerrors "OpenMCP-Hub/internal/errors"
)

// InputKey 是执行上下文中保存顶层输入的键。
const InputKey = "input"

// ExecContext 是一次运行内的执行上下文：步骤 ID 到结果，只增不改。
type ExecContext map[string]any

// Input 返回顶层输入。
func (ec ExecContext) Input() map[string]any {
	in, _ := ec[InputKey].(map[string]any)
	return in
}

// Result 返回某个步骤已保存的结果。
func (ec ExecContext) Result(stepID string) (any, bool) {
	v, ok := ec[stepID]
	return v, ok
}

func (ec ExecContext) clone() ExecContext {
	out := make(ExecContext, len(ec))
	for k, v := range ec {
		out[k] = v
	}
	return out
}

// Param 描述参数来源：字面量、对前序步骤结果的引用、顶层输入的 value 字段或字段组合。
type Param interface {
	isParam()
}

type literalParam struct{ value any }

type refParam struct{ stepID string }

type inputValueParam struct{}

type fieldsParam map[string]Param

func (literalParam) isParam()    {}
func (refParam) isParam()        {}
func (inputValueParam) isParam() {}
func (fieldsParam) isParam()     {}

// Literal 原样传递值。
func Literal(v any) Param { return literalParam{value: v} }

// Ref 读取前序步骤的结果。
func Ref(stepID string) Param { return refParam{stepID: stepID} }

// InputValue 读取顶层输入中的 value 字段。
func InputValue() Param { return inputValueParam{} }

// Fields 将多个参数组合为一个 map。
func Fields(fields map[string]Param) Param { return fieldsParam(fields) }

// resolveParams 解析参数并规范化为 map：非 map 结果包装为 {"value": v}。
func resolveParams(p Param, ec ExecContext) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	v, err := resolveValue(p, ec)
	if err != nil {
		return nil, err
	}
	switch typed := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return typed, nil
	default:
		return map[string]any{"value": typed}, nil
	}
}

func resolveValue(p Param, ec ExecContext) (any, error) {
	switch typed := p.(type) {
	case literalParam:
		return typed.value, nil
	case refParam:
		v, ok := ec[typed.stepID]
		if !ok {
			return nil, xerrors.New(CodeUnresolvedParam, "引用的步骤尚无结果", xerrors.WithField("ref", typed.stepID))
		}
		return v, nil
	case inputValueParam:
		v, ok := ec.Input()["value"]
		if !ok {
			return nil, xerrors.New(CodeUnresolvedParam, "输入缺少 value 字段", xerrors.WithField("ref", InputKey))
		}
		return v, nil
	case fieldsParam:
		out := make(map[string]any, len(typed))
		for k, sub := range typed {
			v, err := resolveValue(sub, ec)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, xerrors.Newf(CodeInvalidStep, "未知的参数类型 %T", p)
	}
}
