package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/router"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/internal/step"
)

func upper() step.Capability {
	return step.CapabilityFunc(func(_ context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		text, _ := params["value"].(string)
		return strings.ToUpper(text), nil
	})
}

func TestWorkerCallWithCapability(t *testing.T) {
	w := Start("writer", CapabilityHandler(upper()))
	defer w.Stop()

	req := signal.New(signal.SchemaTaskRequest, map[string]any{FieldTask: "write y"})
	resp, err := w.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != req.ID {
		t.Fatalf("response id %s does not match request %s", resp.ID, req.ID)
	}
	if got := resp.Payload[FieldResult]; got != "WRITE Y" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestWorkerRunsStepTree(t *testing.T) {
	reg := step.NewRegistry()
	reg.MustRegister("upper", upper())
	reg.MustRegister("suffix", step.CapabilityFunc(func(_ context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		return params["value"].(string) + "!", nil
	}))
	root := step.Sequence("root",
		step.Single("shout", "upper", step.InputValue()),
		step.Single("finish", "suffix", step.Ref("shout")),
	)
	w := Start("researcher", StepsHandler(step.NewExecutor(reg), root))
	defer w.Stop()

	resp, err := w.Call(context.Background(), signal.New(signal.SchemaTaskRequest, map[string]any{FieldTask: "research x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Payload[FieldResult]; got != "RESEARCH X!" {
		t.Fatalf("unexpected result: %v", got)
	}
	if got := resp.Payload[FieldStepID]; got != "finish" {
		t.Fatalf("unexpected step id: %v", got)
	}
}

func TestWorkerPanicClosesHandle(t *testing.T) {
	w := Start("fragile", HandlerFunc(func(context.Context, signal.Signal) (map[string]any, error) {
		panic("segfault")
	}))

	_, err := w.Call(context.Background(), signal.New(signal.SchemaTaskRequest, nil))
	if !xerrors.HasCode(err, CodeWorkerCrashed) {
		t.Fatalf("expected crash error, got %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker did not exit after panic")
	}

	_, err = w.Call(context.Background(), signal.New(signal.SchemaTaskRequest, nil))
	if !xerrors.HasCode(err, CodeWorkerStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}
}

func TestWorkerTaskTimeout(t *testing.T) {
	w := Start("slow", HandlerFunc(func(ctx context.Context, _ signal.Signal) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTaskTimeout(10*time.Millisecond))
	defer w.Stop()

	_, err := w.Call(context.Background(), signal.New(signal.SchemaTaskRequest, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWorkerServesRemoteRequests(t *testing.T) {
	transport := router.NewMemoryTransport(8)
	caller := router.New("hub-a", transport)
	remote := router.New("hub-b", transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = caller.Run(ctx) }()
	go func() { _ = remote.Run(ctx) }()

	w := Start("writer", CapabilityHandler(upper()))
	defer w.Stop()
	unregister := w.Serve(remote)
	defer unregister()

	req := signal.New(signal.SchemaTaskRequest, map[string]any{FieldTask: "remote"}, signal.To("writer"))
	resp, err := caller.Request(ctx, "hub-b", req, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Payload[FieldResult]; got != "REMOTE" {
		t.Fatalf("unexpected result: %v", got)
	}
}
