package signal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
)

func TestNewCopiesPayloadAndAssignsUUID(t *testing.T) {
	payload := map[string]any{"task": "research X"}
	s := New(SchemaTaskRequest, payload, From("hub-a"), To("agent-1"))
	payload["task"] = "mutated"

	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "research X", s.String("task"))
	assert.Equal(t, "hub-a", s.Sender)
	assert.Equal(t, "agent-1", s.Recipient)
	assert.False(t, s.Timestamp.IsZero())
}

func TestReplyReusesID(t *testing.T) {
	req := New(SchemaTaskRequest, nil, From("hub-a"), To("agent-1"))
	resp := req.Reply(SchemaTaskResult, map[string]any{"result": "ok"})

	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, "agent-1", resp.Sender)
	assert.Equal(t, "hub-a", resp.Recipient)
	assert.Equal(t, SchemaTaskResult, resp.SchemaID)
}

func TestEncodeDecode(t *testing.T) {
	s := New(SchemaTaskRequest, map[string]any{"n": 1.5}, To("agent-1"))
	raw, err := Encode(s)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1.5, got.Payload["n"])

	_, err = Decode([]byte(`{"id":"x"}`))
	assert.True(t, xerrors.HasCode(err, CodeInvalidSignal))
	_, err = Decode([]byte(`not json`))
	assert.True(t, xerrors.HasCode(err, CodeInvalidSignal))
}
