// Package signal 定义进程内与跨 hub 通信共用的消息信封。
package signal

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Hub/internal/errors"
)

// 任务派发使用的 schema。
const (
	SchemaTaskRequest = "openmcp.task.request"
	SchemaTaskResult  = "openmcp.task.result"
	SchemaTaskFailure = "openmcp.task.failure"
)

// CodeInvalidSignal 表示信封字段不完整或无法解码。
const CodeInvalidSignal xerrors.Code = "SIGNAL_INVALID"

func init() {
	xerrors.Register(CodeInvalidSignal, xerrors.Attributes{
		Message:  "invalid signal",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
}

// Signal 是不可变的消息信封，响应通过复用请求的 ID 完成关联。
type Signal struct {
	ID        string         `json:"id"`
	SchemaID  string         `json:"schema_id"`
	Payload   map[string]any `json:"payload"`
	Sender    string         `json:"sender,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Option 定义可选字段。
type Option func(*Signal)

// From 设置发送方。
func From(sender string) Option {
	return func(s *Signal) { s.Sender = sender }
}

// To 设置接收方。
func To(recipient string) Option {
	return func(s *Signal) { s.Recipient = recipient }
}

// WithID 指定 ID，用于构造关联响应。
func WithID(id string) Option {
	return func(s *Signal) { s.ID = id }
}

// New 创建信号，默认生成 UUID 并复制 payload。
func New(schemaID string, payload map[string]any, opts ...Option) Signal {
	s := Signal{
		ID:        uuid.NewString(),
		SchemaID:  schemaID,
		Payload:   clonePayload(payload),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Reply 构造关联响应：复用 ID，发送方与接收方互换。
func (s Signal) Reply(schemaID string, payload map[string]any) Signal {
	return New(schemaID, payload, WithID(s.ID), From(s.Recipient), To(s.Sender))
}

// Get 读取 payload 字段。
func (s Signal) Get(key string) (any, bool) {
	v, ok := s.Payload[key]
	return v, ok
}

// String 读取字符串类型的 payload 字段。
func (s Signal) String(key string) string {
	v, _ := s.Payload[key].(string)
	return v
}

// Validate 检查必填字段。
func (s Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return xerrors.New(CodeInvalidSignal, "signal id 不能为空")
	}
	if strings.TrimSpace(s.SchemaID) == "" {
		return xerrors.New(CodeInvalidSignal, "signal schema_id 不能为空", xerrors.WithField("id", s.ID))
	}
	return nil
}

// Encode 将信号编码为 JSON。
func Encode(s Signal) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignal, err, "编码 signal 失败")
	}
	return raw, nil
}

// Decode 从 JSON 解码信号并校验。
func Decode(raw []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, xerrors.Wrap(CodeInvalidSignal, err, "解码 signal 失败")
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func clonePayload(payload map[string]any) map[string]any {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		clone[k] = v
	}
	return clone
}
