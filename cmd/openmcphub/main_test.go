package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Hub/internal/agent"
	"OpenMCP-Hub/internal/capability/builtin"
	"OpenMCP-Hub/internal/config"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/internal/step"
)

func TestPipelineChainsCapabilities(t *testing.T) {
	reg := step.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	exec := step.NewExecutor(reg)

	root, err := pipeline(config.AgentConfig{ID: "writer-1", Pipeline: []string{builtin.CapabilityEcho, builtin.CapabilityEcho}})
	require.NoError(t, err)
	require.Len(t, root.Children, 2)

	h := agent.StepsHandler(exec, root)
	sig := signal.New(signal.SchemaTaskRequest, map[string]any{agent.FieldTask: "write Y"})
	payload, err := h.HandleTask(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, "write Y", payload[agent.FieldResult])
	assert.Equal(t, "writer-1.1", payload[agent.FieldStepID])

	_, err = pipeline(config.AgentConfig{ID: "empty"})
	assert.Error(t, err)
}

func TestOpenHistoryAndTransport(t *testing.T) {
	ctx := context.Background()

	repo, err := openHistory(ctx, config.HistoryConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = openHistory(ctx, config.HistoryConfig{Driver: "oracle"})
	assert.Error(t, err)

	tr, err := openTransport(ctx, config.RouterConfig{Transport: "memory", BufferSize: 4})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = openTransport(ctx, config.RouterConfig{Transport: "kafka"})
	assert.Error(t, err)
}
