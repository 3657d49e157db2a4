package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code 是编排核心内统一使用的错误码。
type Code string

// Severity 描述错误的严重程度，决定日志级别与是否需要人工介入。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 对错误进行粗粒度分类：校验、能力执行、协调与存活。
type Class string

const (
	ClassValidation   Class = "validation"
	ClassCapability   Class = "capability"
	ClassCoordination Class = "coordination"
	ClassLiveness     Class = "liveness"
	ClassInternal     Class = "internal"
)

// Attributes 为错误码声明默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Class     Class
	Retryable bool
}

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTimeout         Code = "TIMEOUT"
	CodeCancelled       Code = "CANCELLED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeQueueFailure    Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:         {Message: "unknown error", Severity: SeverityCritical, Class: ClassInternal},
		CodeInvalidArgument: {Message: "invalid argument", Severity: SeverityInfo, Class: ClassValidation},
		CodeNotFound:        {Message: "resource not found", Severity: SeverityInfo, Class: ClassCoordination},
		CodeConflict:        {Message: "resource conflict", Severity: SeverityWarning, Class: ClassCoordination},
		CodeTimeout:         {Message: "operation timed out", Severity: SeverityWarning, Class: ClassLiveness, Retryable: true},
		CodeCancelled:       {Message: "operation cancelled", Severity: SeverityInfo, Class: ClassCoordination},
		CodeUnavailable:     {Message: "component unavailable", Severity: SeverityWarning, Class: ClassLiveness, Retryable: true},
		CodeStorageFailure:  {Message: "storage failure", Severity: SeverityCritical, Class: ClassInternal, Retryable: true},
		CodeQueueFailure:    {Message: "queue failure", Severity: SeverityCritical, Class: ClassInternal, Retryable: true},
	}
)

// Register 供各业务包在 init 阶段登记自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码的属性，未登记时退回 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是携带错误码与上下文字段的统一错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	fields   map[string]string
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithField 附加一个上下文字段，例如 current/allowed 状态或角色名。
func WithField(key, value string) Option {
	return func(e *Error) {
		if e.fields == nil {
			e.fields = make(map[string]string)
		}
		e.fields[key] = value
	}
}

// WithSeverity 覆盖错误码的默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建错误；message 为空时使用错误码登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化字符串创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口，字段按 key 排序输出以保证稳定。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if len(e.fields) > 0 {
		keys := make([]string, 0, len(e.fields))
		for k := range e.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.fields[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Field 返回指定上下文字段。
func (e *Error) Field(key string) string {
	if e == nil {
		return ""
	}
	return e.fields[key]
}

// Fields 返回上下文字段的副本。
func (e *Error) Fields() map[string]string {
	if e == nil || len(e.fields) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		clone[k] = v
	}
	return clone
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 链中取出统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链上第一个统一错误的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否含有指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// FieldOf 读取错误链上第一个统一错误的上下文字段。
func FieldOf(err error, key string) string {
	if e, ok := From(err); ok {
		return e.Field(key)
	}
	return ""
}

// ClassOf 返回错误所属分类。
func ClassOf(err error) Class {
	return AttributesOf(CodeOf(err)).Class
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Retryable
	}
	return false
}
