package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
)

type fakeHandle struct {
	done chan struct{}
}

func newHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) crash() { close(h.done) }

func newHub(t *testing.T) *Hub {
	t.Helper()
	h := New("test-" + t.Name())
	t.Cleanup(h.Close)
	return h
}

func TestRegisterRejectsLiveDuplicate(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()

	_, err := h.Register(ctx, Descriptor{ID: "a-1"}, newHandle(), []string{"research"})
	require.NoError(t, err)

	_, err = h.Register(ctx, Descriptor{ID: "a-1"}, newHandle(), []string{"write"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeAlreadyRegistered))

	rec, err := h.GetAgentInfo(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"research"}, rec.Capabilities)
}

func TestCrashMarksOfflineAndKeepsRecord(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	handle := newHandle()

	_, err := h.Register(ctx, Descriptor{ID: "a-1"}, handle, []string{"research"})
	require.NoError(t, err)
	handle.crash()

	require.Eventually(t, func() bool {
		recs, err := h.FindByCapability(ctx, "research")
		return err == nil && len(recs) == 1 && recs[0].Status == StatusOffline
	}, time.Second, 5*time.Millisecond)

	available, err := h.FindAvailable(ctx, "research")
	require.NoError(t, err)
	assert.Empty(t, available)

	err = h.UpdateStatus(ctx, "a-1", StatusAvailable)
	assert.True(t, xerrors.HasCode(err, CodeAgentOffline))
}

func TestReRegisterAfterOfflineCreatesFreshRecord(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	handle := newHandle()

	first, err := h.Register(ctx, Descriptor{ID: "a-1"}, handle, []string{"research"})
	require.NoError(t, err)
	handle.crash()
	require.Eventually(t, func() bool {
		rec, err := h.GetAgentInfo(ctx, "a-1")
		return err == nil && rec.Status == StatusOffline
	}, time.Second, 5*time.Millisecond)

	second, err := h.Register(ctx, Descriptor{ID: "a-1"}, newHandle(), []string{"research"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, StatusAvailable, second.Status)
}

func TestFindByCapabilityIsOrderedByRegistration(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := h.Register(ctx, Descriptor{ID: id}, newHandle(), []string{"write", "write"})
		require.NoError(t, err)
	}
	_, err := h.Register(ctx, Descriptor{ID: "z"}, newHandle(), []string{"research"})
	require.NoError(t, err)

	recs, err := h.FindByCapability(ctx, "write")
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
		assert.Equal(t, []string{"write"}, r.Capabilities)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestUpdateStatusUnknownAgent(t *testing.T) {
	h := newHub(t)
	err := h.UpdateStatus(context.Background(), "ghost", StatusBusy)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeAgentNotFound))
	assert.Equal(t, "ghost", xerrors.FieldOf(err, "id"))

	err = h.UpdateStatus(context.Background(), "ghost", Status("sleeping"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestGetAgentInfoIsStableAndCopied(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	_, err := h.Register(ctx, Descriptor{ID: "a-1", Metadata: map[string]string{"zone": "eu"}}, newHandle(), []string{"research"})
	require.NoError(t, err)

	first, err := h.GetAgentInfo(ctx, "a-1")
	require.NoError(t, err)
	first.Capabilities[0] = "mutated"
	first.Metadata["zone"] = "us"

	second, err := h.GetAgentInfo(ctx, "a-1")
	require.NoError(t, err)
	third, err := h.GetAgentInfo(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, []string{"research"}, second.Capabilities)
	assert.Equal(t, "eu", second.Metadata["zone"])
}

func TestDeregisterIsIdempotent(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	handle := newHandle()
	_, err := h.Register(ctx, Descriptor{ID: "a-1"}, handle, []string{"research"})
	require.NoError(t, err)

	require.NoError(t, h.Deregister(ctx, "a-1"))
	require.NoError(t, h.Deregister(ctx, "a-1"))
	handle.crash()

	_, err = h.GetAgentInfo(ctx, "a-1")
	assert.True(t, xerrors.HasCode(err, CodeAgentNotFound))
}

func TestHubsAreIsolated(t *testing.T) {
	a := New("iso-a")
	b := New("iso-b")
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	_, err := a.Register(ctx, Descriptor{ID: "shared"}, newHandle(), []string{"x"})
	require.NoError(t, err)
	_, err = b.Register(ctx, Descriptor{ID: "shared"}, newHandle(), []string{"x"})
	require.NoError(t, err)

	recs, err := b.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
