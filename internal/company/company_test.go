package company

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
)

func TestParseAgentForms(t *testing.T) {
	c, err := Parse([]byte(`
name: acme
roles:
  - id: a
    agent: agent-1
    capabilities: [alpha]
  - id: b
    agent: {local: agent-2}
    capabilities: [beta]
  - id: c
    agent: {remote_id: agent-3, hub_ref: hub-b}
    capabilities: [gamma]
  - id: d
    agent: none
    capabilities: [delta]
  - id: e
    capabilities: [epsilon]
plans:
  - name: p
    steps: ["alpha one"]
`))
	require.NoError(t, err)
	require.Len(t, c.Roles, 5)
	assert.Equal(t, AgentRef{Kind: AgentLocal, ID: "agent-1"}, c.Roles[0].Agent)
	assert.Equal(t, AgentRef{Kind: AgentLocal, ID: "agent-2"}, c.Roles[1].Agent)
	assert.Equal(t, AgentRef{Kind: AgentRemote, ID: "agent-3", HubRef: "hub-b"}, c.Roles[2].Agent)
	assert.Equal(t, AgentNone, c.Roles[3].Agent.Kind)
	assert.Equal(t, AgentNone, c.Roles[4].Agent.Kind)
	assert.Equal(t, RoleMember, c.Roles[0].Type)
	assert.Equal(t, "a", c.Roles[0].Name)
}

func TestParseRejectsInvalidDeclarations(t *testing.T) {
	cases := map[string]string{
		"duplicate role": `
roles:
  - {id: a, capabilities: [x]}
  - {id: a, capabilities: [y]}
`,
		"remote without hub": `
roles:
  - id: a
    agent: {remote_id: r}
    capabilities: [x]
`,
		"role without capabilities": `
roles:
  - id: a
`,
		"plan without steps": `
plans:
  - name: p
`,
		"unknown role type": `
roles:
  - {id: a, type: boss, capabilities: [x]}
`,
		"input both required and optional": `
plans:
  - name: p
    required_inputs: [topic]
    optional_inputs: [topic]
    steps: [x]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.True(t, xerrors.HasCode(err, CodeInvalidCompany), "got %v", err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "company.yaml")
	require.NoError(t, os.WriteFile(path, []byte(launchCompany), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	plan, err := c.Plan("launch")
	require.NoError(t, err)
	assert.Equal(t, []string{"research X", "write Y"}, plan.Steps)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, xerrors.HasCode(err, CodeInvalidCompany))
}

func TestMatchRoleByKeyword(t *testing.T) {
	c := &Company{Roles: []Role{
		{ID: "research", Capabilities: []string{"research"}},
		{ID: "review", Capabilities: []string{"code review", "audit"}},
		{ID: "write", Capabilities: []string{"write"}},
	}}

	role, err := c.MatchRole("Research the market, then write")
	require.NoError(t, err)
	assert.Equal(t, "research", role.ID)

	role, err = c.MatchRole("Code-review the patch")
	require.NoError(t, err)
	assert.Equal(t, "review", role.ID)

	role, err = c.MatchRole("write Y")
	require.NoError(t, err)
	assert.Equal(t, "write", role.ID)

	// 关键词需整词匹配。
	_, err = c.MatchRole("rewrite everything")
	assert.True(t, xerrors.HasCode(err, CodeNoMatchingRole))
}
