package objective

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/notify"
)

func newProcess(t *testing.T, opts ...Option) *Process {
	t.Helper()
	p := New(Definition{ID: "obj-1", Name: "demo", Steps: []string{"research X", "write Y"}}, opts...)
	t.Cleanup(p.Stop)
	return p
}

func startProcess(t *testing.T, p *Process) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.Start(ctx))
}

func TestTransitionsFollowOrder(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	err := p.Start(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeInvalidTransition))
	assert.Equal(t, "pending", xerrors.FieldOf(err, "current"))

	assert.True(t, xerrors.HasCode(p.Complete(ctx), CodeInvalidTransition))

	startProcess(t, p)
	require.NoError(t, p.Complete(ctx))

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	assert.True(t, xerrors.HasCode(p.Cancel(ctx), CodeInvalidTransition))
	assert.True(t, xerrors.HasCode(p.Fail(ctx, "late"), CodeInvalidTransition))
}

func TestFailRecordsReason(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.Fail(ctx, "missing agent"))

	snap, _ := p.Snapshot(ctx)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "missing agent", snap.Error)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestCancelStopsProcessContext(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()
	startProcess(t, p)

	require.NoError(t, p.Cancel(ctx))
	select {
	case <-p.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("process context not cancelled")
	}
}

func TestProgressRules(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	assert.True(t, xerrors.HasCode(p.UpdateProgress(ctx, 10), CodeInvalidProgress))

	startProcess(t, p)
	require.NoError(t, p.UpdateProgress(ctx, 50))
	require.NoError(t, p.UpdateProgress(ctx, 50))

	err := p.UpdateProgress(ctx, 40)
	assert.True(t, xerrors.HasCode(err, CodeInvalidProgress))
	assert.Equal(t, "50", xerrors.FieldOf(err, "current"))

	assert.True(t, xerrors.HasCode(p.UpdateProgress(ctx, 101), CodeInvalidProgress))
	assert.True(t, xerrors.HasCode(p.UpdateProgress(ctx, -1), CodeInvalidProgress))

	snap, _ := p.Snapshot(ctx)
	assert.Equal(t, 50, snap.Progress)
}

func TestCurrentStepMustBeDeclared(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()
	startProcess(t, p)

	require.NoError(t, p.SetCurrentStep(ctx, "write Y"))
	err := p.SetCurrentStep(ctx, "deploy Z")
	assert.True(t, xerrors.HasCode(err, CodeInvalidStep))
	assert.Equal(t, "deploy Z", xerrors.FieldOf(err, "step"))

	snap, _ := p.Snapshot(ctx)
	assert.Equal(t, "write Y", snap.CurrentStep)
}

func TestRecordResultAndSnapshotIsolation(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()
	startProcess(t, p)

	require.NoError(t, p.RecordResult(ctx, StepResult{Index: 0, Step: "research X", Status: "completed"}))
	snap, _ := p.Snapshot(ctx)
	require.Len(t, snap.Results, 1)
	snap.Results[0].Step = "mutated"

	again, _ := p.Snapshot(ctx)
	assert.Equal(t, "research X", again.Results[0].Step)
}

func TestEventsAreBounded(t *testing.T) {
	p := newProcess(t, WithEventCapacity(2))
	for i := 0; i < 5; i++ {
		p.Notify(notify.Notification{Kind: notify.KindTaskTracker, Event: string(rune('a' + i))})
	}
	require.Eventually(t, func() bool {
		events, err := p.Events(context.Background())
		return err == nil && len(events) == 2 && events[1].Event == "e"
	}, time.Second, 5*time.Millisecond)
}
