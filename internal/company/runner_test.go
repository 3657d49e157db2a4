package company

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Hub/internal/agent"
	"OpenMCP-Hub/internal/artifact"
	"OpenMCP-Hub/internal/engine"
	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/hub"
	"OpenMCP-Hub/internal/objective"
	"OpenMCP-Hub/internal/router"
	"OpenMCP-Hub/internal/signal"
	"OpenMCP-Hub/internal/storage/archive"
	"OpenMCP-Hub/internal/tracker"
)

const launchCompany = `
name: acme
roles:
  - id: research
    type: lead
    agent: researcher-1
    capabilities: [research]
  - id: write
    agent:
      local: writer-1
    capabilities: [write]
plans:
  - name: launch
    required_inputs: [topic]
    optional_inputs: [tone]
    steps: ["research X", "write Y"]
`

type fixture struct {
	hub     *hub.Hub
	sup     *engine.Supervisor
	history *archive.MemoryRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hub:     hub.New("hub-" + t.Name()),
		sup:     engine.NewSupervisor(),
		history: archive.NewMemoryRepository(0),
	}
	t.Cleanup(func() {
		f.sup.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) addAgent(t *testing.T, id string, caps []string, h agent.Handler) *agent.Worker {
	t.Helper()
	w := agent.Start(id, h)
	t.Cleanup(w.Stop)
	_, err := f.hub.Register(context.Background(), hub.Descriptor{ID: id}, w, caps)
	require.NoError(t, err)
	return w
}

func (f *fixture) runner(t *testing.T, doc string, opts ...Option) *Runner {
	t.Helper()
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	opts = append([]Option{WithHistory(f.history)}, opts...)
	return NewRunner(c, f.hub, f.sup, opts...)
}

func echoHandler(prefix string) agent.Handler {
	return agent.HandlerFunc(func(_ context.Context, sig signal.Signal) (map[string]any, error) {
		return map[string]any{agent.FieldResult: prefix + sig.String(agent.FieldTask)}, nil
	})
}

func TestRunPlanCompletesWithOrderedResults(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "researcher-1", []string{"research"}, echoHandler("notes: "))
	f.addAgent(t, "writer-1", []string{"write"}, echoHandler("draft: "))
	rn := f.runner(t, launchCompany)

	obj, err := rn.RunPlan(context.Background(), "launch", "ops", map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, objective.StatusCompleted, obj.Status)
	assert.Equal(t, 100, obj.Progress)
	require.Len(t, obj.Results, 2)
	assert.Equal(t, "research X", obj.Results[0].Step)
	assert.Equal(t, "researcher-1", obj.Results[0].Agent)
	assert.Equal(t, "notes: research X", obj.Results[0].Result)
	assert.Equal(t, "write Y", obj.Results[1].Step)
	assert.Equal(t, "writer-1", obj.Results[1].Agent)
	assert.Equal(t, "completed", obj.Results[1].Status)

	live, err := f.sup.ListObjectives(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, rn.Runs())

	rec, err := f.history.Get(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "ops", rec.Owner)
	assert.Len(t, rec.Results, 2)

	agentRec, err := f.hub.GetAgentInfo(context.Background(), "writer-1")
	require.NoError(t, err)
	assert.Equal(t, hub.StatusAvailable, agentRec.Status)
}

func TestMissingAgentFailsBeforeAnyTask(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "researcher-1", []string{"research"}, echoHandler(""))
	rn := f.runner(t, launchCompany)

	_, err := rn.RunPlan(context.Background(), "launch", "", map[string]any{"topic": "go"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeMissingAgent))
	assert.Equal(t, "write", xerrors.FieldOf(err, "role"))

	live, err := f.sup.ListObjectives(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, rn.Runs())

	latest, err := f.history.ListLatest(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestExecuteNextStepDrivesOneStepAtATime(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "researcher-1", []string{"research"}, echoHandler(""))
	f.addAgent(t, "writer-1", []string{"write"}, echoHandler(""))
	rn := f.runner(t, launchCompany)
	ctx := context.Background()

	id, err := rn.StartPlan(ctx, "launch", "", map[string]any{"topic": "go", "tone": "dry"})
	require.NoError(t, err)

	first, err := rn.ExecuteNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, first.Outcome)
	assert.Equal(t, 50, first.Objective.Progress)
	assert.Equal(t, "research X", first.Objective.CurrentStep)

	proc, err := f.sup.Get(ctx, id)
	require.NoError(t, err)
	tasks, err := proc.Tracker().ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, tracker.StatusCompleted, tasks[0].Status)
	assert.Equal(t, "researcher-1", tasks[0].AssignedAgent)

	arts, err := proc.Store().ListArtifacts(ctx, artifact.Filter{Tags: []string{"research"}})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, tasks[0].ID, arts[0].StepID)

	second, err := rn.ExecuteNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, second.Outcome)
	assert.Equal(t, 100, second.Objective.Progress)
	assert.Equal(t, objective.StatusCompleted, second.Objective.Status)

	_, err = rn.ExecuteNextStep(ctx, id)
	assert.True(t, xerrors.HasCode(err, CodeRunNotFound))
}

func TestStartPlanValidatesInput(t *testing.T) {
	f := newFixture(t)
	rn := f.runner(t, launchCompany)
	ctx := context.Background()

	_, err := rn.StartPlan(ctx, "launch", "", nil)
	assert.True(t, xerrors.HasCode(err, CodeInvalidInput))
	assert.Equal(t, "topic", xerrors.FieldOf(err, "field"))
	assert.Equal(t, "missing", xerrors.FieldOf(err, "reason"))

	_, err = rn.StartPlan(ctx, "launch", "", map[string]any{"topic": "go", "budget": 3})
	assert.True(t, xerrors.HasCode(err, CodeInvalidInput))
	assert.Equal(t, "budget", xerrors.FieldOf(err, "field"))
	assert.Equal(t, "unexpected", xerrors.FieldOf(err, "reason"))

	_, err = rn.StartPlan(ctx, "unknown", "", nil)
	assert.True(t, xerrors.HasCode(err, CodePlanNotFound))
}

func TestStepWithoutMatchingRole(t *testing.T) {
	f := newFixture(t)
	rn := f.runner(t, `
roles:
  - id: write
    agent: writer-1
    capabilities: [write]
plans:
  - name: ship
    steps: ["deploy the service"]
`)
	_, err := rn.StartPlan(context.Background(), "ship", "", nil)
	assert.True(t, xerrors.HasCode(err, CodeNoMatchingRole))
	assert.Equal(t, "deploy the service", xerrors.FieldOf(err, "step"))
}

func TestUnboundRoleUsesAvailableAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "reviewer-7", []string{"code review"}, echoHandler("ok: "))
	rn := f.runner(t, `
roles:
  - id: reviewer
    agent: none
    capabilities: [code review]
plans:
  - name: review
    steps: ["Code review of PR 12"]
`)
	obj, err := rn.RunPlan(context.Background(), "review", "", nil)
	require.NoError(t, err)
	require.Len(t, obj.Results, 1)
	assert.Equal(t, "reviewer-7", obj.Results[0].Agent)
	assert.Equal(t, "ok: Code review of PR 12", obj.Results[0].Result)
}

func TestDispatchTimeoutFailsPlan(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "researcher-1", []string{"research"}, agent.HandlerFunc(func(ctx context.Context, _ signal.Signal) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	f.addAgent(t, "writer-1", []string{"write"}, echoHandler(""))
	rn := f.runner(t, launchCompany, WithDispatchTimeout(50*time.Millisecond))

	obj, err := rn.RunPlan(context.Background(), "launch", "", map[string]any{"topic": "go"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeDispatchTimeout))
	assert.Equal(t, objective.StatusFailed, obj.Status)
	require.Len(t, obj.Results, 1)
	assert.Equal(t, "failed", obj.Results[0].Status)

	rec, err := f.history.Get(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
}

func TestCancelPlanInterruptsDispatch(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	f.addAgent(t, "researcher-1", []string{"research"}, agent.HandlerFunc(func(ctx context.Context, _ signal.Signal) (map[string]any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	f.addAgent(t, "writer-1", []string{"write"}, echoHandler(""))
	rn := f.runner(t, launchCompany)
	ctx := context.Background()

	id, err := rn.StartPlan(ctx, "launch", "", map[string]any{"topic": "go"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := rn.ExecuteNextStep(ctx, id)
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("dispatch never reached the agent")
	}
	require.NoError(t, rn.CancelPlan(ctx, id))

	select {
	case err := <-errCh:
		assert.True(t, xerrors.HasCode(err, xerrors.CodeCancelled))
	case <-time.After(time.Second):
		t.Fatal("in-flight dispatch was not interrupted")
	}

	rec, err := f.history.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", rec.Status)
	_, err = f.sup.Get(ctx, id)
	assert.True(t, xerrors.HasCode(err, engine.CodeObjectiveNotFound))
}

func TestRemoteRoleThroughRouter(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "researcher-1", []string{"research"}, echoHandler("notes: "))

	transport := router.NewMemoryTransport(8)
	local := router.New("hub-a", transport)
	remote := router.New("hub-b", transport)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, r := range []*router.Router{local, remote} {
		go func(r *router.Router) {
			_ = r.Run(ctx)
			done <- struct{}{}
		}(r)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	writer := agent.Start("remote-writer", echoHandler("remote: "))
	t.Cleanup(writer.Stop)
	unserve := writer.Serve(remote)
	t.Cleanup(unserve)

	rn := f.runner(t, `
roles:
  - id: research
    agent: researcher-1
    capabilities: [research]
  - id: write
    agent:
      remote_id: remote-writer
      hub_ref: hub-b
    capabilities: [write]
plans:
  - name: launch
    required_inputs: [topic]
    steps: ["research X", "write Y"]
`, WithRouter(local), WithDispatchTimeout(time.Second))

	obj, err := rn.RunPlan(context.Background(), "launch", "", map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.Len(t, obj.Results, 2)
	assert.Equal(t, "remote-writer", obj.Results[1].Agent)
	assert.Equal(t, "remote: write Y", obj.Results[1].Result)
	assert.Equal(t, 0, local.Pending())
}

func TestRemoteRoleWithoutRouterIsMissing(t *testing.T) {
	f := newFixture(t)
	rn := f.runner(t, `
roles:
  - id: write
    agent: {remote_id: w, hub_ref: hub-b}
    capabilities: [write]
plans:
  - name: p
    steps: ["write Y"]
`)
	_, err := rn.StartPlan(context.Background(), "p", "", nil)
	assert.True(t, xerrors.HasCode(err, CodeMissingAgent))
	assert.True(t, xerrors.HasCode(err, CodeRemoteUnavailable))
}
