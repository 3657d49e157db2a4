package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/signal"
)

func startRouter(t *testing.T, inbox string, transport Transport) *Router {
	t.Helper()
	r := New(inbox, transport)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRequestReceivesCorrelatedReply(t *testing.T) {
	transport := NewMemoryTransport(8)
	hubA := startRouter(t, "hub-a", transport)
	hubB := startRouter(t, "hub-b", transport)

	hubB.Handle("writer", func(_ context.Context, req signal.Signal) (map[string]any, error) {
		return map[string]any{"text": "done: " + req.String("task")}, nil
	})

	req := signal.New(signal.SchemaTaskRequest, map[string]any{"task": "write Y"}, signal.To("writer"))
	resp, err := hubA.Request(context.Background(), "hub-b", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, signal.SchemaTaskResult, resp.SchemaID)
	assert.Equal(t, "done: write Y", resp.String("text"))
	assert.Equal(t, 0, hubA.Pending())
}

func TestRequestSurfacesRemoteFailure(t *testing.T) {
	transport := NewMemoryTransport(8)
	hubA := startRouter(t, "hub-a", transport)
	hubB := startRouter(t, "hub-b", transport)

	hubB.Handle("writer", func(context.Context, signal.Signal) (map[string]any, error) {
		return nil, errors.New("disk full")
	})

	req := signal.New(signal.SchemaTaskRequest, nil, signal.To("writer"))
	_, err := hubA.Request(context.Background(), "hub-b", req, time.Second)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeRemoteFailure))
	assert.Contains(t, err.Error(), "disk full")
}

func TestRequestTimeoutLeavesNoWaiter(t *testing.T) {
	transport := NewMemoryTransport(8)
	hubA := startRouter(t, "hub-a", transport)

	req := signal.New(signal.SchemaTaskRequest, nil, signal.To("nobody"))
	_, err := hubA.Request(context.Background(), "hub-silent", req, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeRequestTimeout))
	assert.Equal(t, 0, hubA.Pending())
}

func TestRequestCancelLeavesNoWaiter(t *testing.T) {
	transport := NewMemoryTransport(8)
	hubA := startRouter(t, "hub-a", transport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	req := signal.New(signal.SchemaTaskRequest, nil)
	_, err := hubA.Request(ctx, "hub-silent", req, time.Minute)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCancelled))
	assert.Equal(t, 0, hubA.Pending())
}

func TestDeliverIsAtMostOnce(t *testing.T) {
	r := New("hub-a", NewMemoryTransport(1))
	ch, cancel, err := r.Subscribe("sig-1")
	require.NoError(t, err)
	defer cancel()

	_, _, err = r.Subscribe("sig-1")
	assert.True(t, xerrors.HasCode(err, CodeDuplicateWait))

	sig := signal.New(signal.SchemaTaskResult, nil, signal.WithID("sig-1"))
	require.NoError(t, r.Deliver(context.Background(), sig))
	require.NoError(t, r.Deliver(context.Background(), sig))

	got := <-ch
	assert.Equal(t, "sig-1", got.ID)
	select {
	case <-ch:
		t.Fatal("waiter received a second signal")
	default:
	}
	assert.Equal(t, 0, r.Pending())
}

func TestMemoryTransportRejectsAfterClose(t *testing.T) {
	transport := NewMemoryTransport(1)
	require.NoError(t, transport.Close())
	err := transport.Publish(context.Background(), "hub-a", signal.New("x", nil))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))
}
