package company

import (
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Hub/internal/errors"
)

const (
	CodeInvalidCompany    xerrors.Code = "COMPANY_INVALID"
	CodePlanNotFound      xerrors.Code = "PLAN_NOT_FOUND"
	CodeInvalidInput      xerrors.Code = "PLAN_INVALID_INPUT"
	CodeNoMatchingRole    xerrors.Code = "PLAN_NO_MATCHING_ROLE"
	CodeMissingAgent      xerrors.Code = "PLAN_MISSING_AGENT"
	CodeDispatchTimeout   xerrors.Code = "PLAN_DISPATCH_TIMEOUT"
	CodeStepFailed        xerrors.Code = "PLAN_STEP_FAILED"
	CodeRunNotFound       xerrors.Code = "PLAN_RUN_NOT_FOUND"
	CodeRemoteUnavailable xerrors.Code = "PLAN_REMOTE_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeInvalidCompany, xerrors.Attributes{Message: "invalid company declaration", Severity: xerrors.SeverityWarning, Class: xerrors.ClassValidation})
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{Message: "plan not found", Severity: xerrors.SeverityInfo, Class: xerrors.ClassValidation})
	xerrors.Register(CodeInvalidInput, xerrors.Attributes{Message: "invalid plan input", Severity: xerrors.SeverityInfo, Class: xerrors.ClassValidation})
	xerrors.Register(CodeNoMatchingRole, xerrors.Attributes{Message: "no role matches step", Severity: xerrors.SeverityWarning, Class: xerrors.ClassCoordination})
	xerrors.Register(CodeMissingAgent, xerrors.Attributes{Message: "missing agent for role", Severity: xerrors.SeverityWarning, Class: xerrors.ClassCoordination})
	xerrors.Register(CodeDispatchTimeout, xerrors.Attributes{Message: "dispatch timed out", Severity: xerrors.SeverityWarning, Class: xerrors.ClassLiveness, Retryable: true})
	xerrors.Register(CodeStepFailed, xerrors.Attributes{Message: "plan step failed", Severity: xerrors.SeverityWarning, Class: xerrors.ClassCapability})
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{Message: "plan run not found", Severity: xerrors.SeverityInfo, Class: xerrors.ClassCoordination})
	xerrors.Register(CodeRemoteUnavailable, xerrors.Attributes{Message: "no router configured for remote agent", Severity: xerrors.SeverityWarning, Class: xerrors.ClassCoordination})
}

// RoleType 区分负责人与成员。
type RoleType string

const (
	RoleLead   RoleType = "lead"
	RoleMember RoleType = "member"
)

// AgentKind 描述角色绑定 agent 的方式。
type AgentKind string

const (
	AgentLocal  AgentKind = "local"
	AgentRemote AgentKind = "remote"
	AgentNone   AgentKind = "none"
)

// AgentRef 指向角色的执行者。
//
// YAML 中可写作 "none"、一个本地 agent ID，或 {local: id} / {remote_id: id, hub_ref: inbox}。
type AgentRef struct {
	Kind   AgentKind `json:"kind"`
	ID     string    `json:"id,omitempty"`
	HubRef string    `json:"hub_ref,omitempty"`
}

// UnmarshalYAML 解析 agent 字段的几种写法。
func (a *AgentRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		value := strings.TrimSpace(node.Value)
		if value == "" || strings.EqualFold(value, string(AgentNone)) {
			*a = AgentRef{Kind: AgentNone}
			return nil
		}
		*a = AgentRef{Kind: AgentLocal, ID: value}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Local    string `yaml:"local"`
			RemoteID string `yaml:"remote_id"`
			HubRef   string `yaml:"hub_ref"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		switch {
		case raw.RemoteID != "" || raw.HubRef != "":
			*a = AgentRef{Kind: AgentRemote, ID: raw.RemoteID, HubRef: raw.HubRef}
		case raw.Local != "":
			*a = AgentRef{Kind: AgentLocal, ID: raw.Local}
		default:
			*a = AgentRef{Kind: AgentNone}
		}
		return nil
	default:
		return xerrors.New(CodeInvalidCompany, "agent 字段格式错误", xerrors.WithField("line", itoa(node.Line)))
	}
}

// Role 是公司中的一个岗位。
type Role struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Type         RoleType `yaml:"type" json:"type"`
	Agent        AgentRef `yaml:"agent" json:"agent"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Goal         string   `yaml:"goal" json:"goal,omitempty"`
}

// Plan 是按顺序执行的自由文本步骤。
type Plan struct {
	Name           string   `yaml:"name" json:"name"`
	RequiredInputs []string `yaml:"required_inputs" json:"required_inputs"`
	OptionalInputs []string `yaml:"optional_inputs" json:"optional_inputs"`
	Steps          []string `yaml:"steps" json:"steps"`
}

// Company 汇总角色与计划声明。
type Company struct {
	Name  string `yaml:"name" json:"name"`
	Roles []Role `yaml:"roles" json:"roles"`
	Plans []Plan `yaml:"plans" json:"plans"`
}

// Load 从 YAML 文件读取公司声明。
func Load(path string) (*Company, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidCompany, err, "读取公司声明失败", xerrors.WithField("path", path))
	}
	return Parse(data)
}

// Parse 解析 YAML 并校验。
func Parse(data []byte) (*Company, error) {
	var c Company
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(CodeInvalidCompany, err, "解析公司声明失败")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 补齐默认值并检查声明的一致性。
func (c *Company) Validate() error {
	roles := make(map[string]struct{}, len(c.Roles))
	for i := range c.Roles {
		r := &c.Roles[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return xerrors.New(CodeInvalidCompany, "角色缺少 id", xerrors.WithField("index", itoa(i)))
		}
		if _, dup := roles[r.ID]; dup {
			return xerrors.New(CodeInvalidCompany, "角色 id 重复", xerrors.WithField("role", r.ID))
		}
		roles[r.ID] = struct{}{}
		if r.Name == "" {
			r.Name = r.ID
		}
		switch r.Type {
		case "":
			r.Type = RoleMember
		case RoleLead, RoleMember:
		default:
			return xerrors.New(CodeInvalidCompany, "未知的角色类型", xerrors.WithField("role", r.ID), xerrors.WithField("type", string(r.Type)))
		}
		if r.Agent.Kind == "" {
			r.Agent.Kind = AgentNone
		}
		if r.Agent.Kind == AgentRemote && (r.Agent.ID == "" || r.Agent.HubRef == "") {
			return xerrors.New(CodeInvalidCompany, "远程 agent 需要 remote_id 与 hub_ref", xerrors.WithField("role", r.ID))
		}
		if len(r.Capabilities) == 0 {
			return xerrors.New(CodeInvalidCompany, "角色至少声明一项能力", xerrors.WithField("role", r.ID))
		}
	}

	plans := make(map[string]struct{}, len(c.Plans))
	for i := range c.Plans {
		p := &c.Plans[i]
		if p.Name == "" {
			return xerrors.New(CodeInvalidCompany, "计划缺少名称", xerrors.WithField("index", itoa(i)))
		}
		if _, dup := plans[p.Name]; dup {
			return xerrors.New(CodeInvalidCompany, "计划名称重复", xerrors.WithField("plan", p.Name))
		}
		plans[p.Name] = struct{}{}
		if len(p.Steps) == 0 {
			return xerrors.New(CodeInvalidCompany, "计划没有步骤", xerrors.WithField("plan", p.Name))
		}
		for _, in := range p.OptionalInputs {
			if slices.Contains(p.RequiredInputs, in) {
				return xerrors.New(CodeInvalidCompany, "输入字段同时声明为必填与可选", xerrors.WithField("plan", p.Name), xerrors.WithField("field", in))
			}
		}
	}
	return nil
}

// Plan 按名称查找计划。
func (c *Company) Plan(name string) (Plan, error) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, nil
		}
	}
	return Plan{}, xerrors.New(CodePlanNotFound, "", xerrors.WithField("plan", name))
}

// ValidateInput 拒绝缺少必填字段或携带未声明字段的输入。
func (p Plan) ValidateInput(input map[string]any) error {
	for _, field := range p.RequiredInputs {
		if _, ok := input[field]; !ok {
			return xerrors.New(CodeInvalidInput, "缺少必填输入",
				xerrors.WithField("plan", p.Name),
				xerrors.WithField("field", field),
				xerrors.WithField("reason", "missing"))
		}
	}
	var extra []string
	for field := range input {
		if !slices.Contains(p.RequiredInputs, field) && !slices.Contains(p.OptionalInputs, field) {
			extra = append(extra, field)
		}
	}
	if len(extra) > 0 {
		slices.Sort(extra)
		return xerrors.New(CodeInvalidInput, "存在未声明的输入",
			xerrors.WithField("plan", p.Name),
			xerrors.WithField("field", strings.Join(extra, ",")),
			xerrors.WithField("reason", "unexpected"))
	}
	return nil
}
