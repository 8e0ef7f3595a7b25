package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"deepstack-go/internal/config"
	"deepstack-go/internal/docker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner replays canned docker CLI results keyed by the joined
// argument string and records every invocation.
type scriptedRunner struct {
	calls   []string
	outputs map[string]string
	// sequenced outputs take precedence and are consumed in order, which
	// lets a test model state that changes between identical invocations.
	sequenced map[string][]string
	errs      map[string]error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		outputs:   map[string]string{},
		sequenced: map[string][]string{},
		errs:      map[string]error{},
	}
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return "", err
	}
	if queue, ok := r.sequenced[key]; ok && len(queue) > 0 {
		r.sequenced[key] = queue[1:]
		return queue[0], nil
	}
	return r.outputs[key], nil
}

func (r *scriptedRunner) called(prefix string) bool {
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// fakeProbe reports healthy after a configurable number of probes.
type fakeProbe struct {
	calls        int
	healthyAfter int // probe index (1-based) from which Healthy returns true; 0 = never
}

func (p *fakeProbe) Healthy(context.Context) bool {
	p.calls++
	return p.healthyAfter > 0 && p.calls >= p.healthyAfter
}

func testConfig() config.ServiceConfig {
	return config.ServiceConfig{
		ContainerName:       "ds",
		VolumeName:          "ds_data",
		ServicePort:         5000,
		HealthCheckTimeout:  12,
		HealthCheckInterval: 3,
		HealthCheckPath:     "/",
		FacesPath:           "/datastore",
	}
}

func newTestOrchestrator(runner *scriptedRunner, probe Probe) *Orchestrator {
	o := New(docker.NewCLIWithRunner(runner), probe, testConfig())
	o.sleep = func(time.Duration) {}
	return o
}

func scriptDaemonUp(r *scriptedRunner) {
	r.outputs["version --format {{.Server.Version}}"] = "27.0.1"
	r.outputs["images deepquestai/deepstack:latest --format {{.Repository}}"] = "deepquestai/deepstack"
}

func TestEnsureReadyDockerUnavailable(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs["version --format {{.Server.Version}}"] = &docker.ExitError{
		Args: []string{"version"}, ExitCode: 1, Stderr: "Cannot connect to the Docker daemon",
	}

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})
	ready, err := o.EnsureReady(context.Background(), false)

	assert.False(t, ready)
	assert.ErrorIs(t, err, ErrDockerUnavailable)
}

func TestEnsureReadyIdempotentOnHealthyContainer(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = "abc123"
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "abc123"

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	for i := 0; i < 2; i++ {
		ready, err := o.EnsureReady(context.Background(), false)
		require.NoError(t, err)
		assert.True(t, ready)
	}

	assert.False(t, runner.called("run "), "no container should be created")
	assert.False(t, runner.called("restart "), "no restart should happen")
	assert.False(t, runner.called("start "), "no start should happen")
}

func TestEnsureReadyCreatesAbsentContainer(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	// Absent on first inspection, running after creation.
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = ""
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "new123"
	runner.outputs["volume ls --filter name=^ds_data$ --format {{.Name}}"] = ""

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 2})

	ready, err := o.EnsureReady(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ready)

	assert.True(t, runner.called("volume create ds_data"))
	assert.True(t, runner.called("run -d --name ds"))
}

func TestEnsureReadyStartsStoppedContainer(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = "abc123"
	// Not running at inspection time, running after the start command.
	runner.sequenced["ps --filter name=^ds$ --format {{.ID}}"] = []string{"", "abc123"}

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	ready, err := o.EnsureReady(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.True(t, runner.called("start ds"))
	assert.False(t, runner.called("restart "))
}

func TestEnsureReadyRestartsUnhealthyContainer(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = "abc123"
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "abc123"

	// First probe (inspection) unhealthy, healthy from the second on.
	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 2})

	ready, err := o.EnsureReady(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.True(t, runner.called("restart ds"))
}

func TestEnsureReadyForceRebuild(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = ""
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "new123"
	runner.outputs["volume ls --filter name=^ds_data$ --format {{.Name}}"] = ""

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	ready, err := o.EnsureReady(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ready)

	// Cleanup, re-pull, recreate.
	assert.True(t, runner.called("stop ds"))
	assert.True(t, runner.called("rm ds"))
	assert.True(t, runner.called("volume rm ds_data"))
	assert.True(t, runner.called("pull deepquestai/deepstack:latest"))
	assert.True(t, runner.called("run -d --name ds"))
}

func TestEnsureReadyForceIgnoresCleanupErrors(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.errs["stop ds"] = fmt.Errorf("no such container")
	runner.errs["rm ds"] = fmt.Errorf("no such container")
	runner.errs["volume rm ds_data"] = fmt.Errorf("no such volume")
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = ""
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "new123"
	runner.outputs["volume ls --filter name=^ds_data$ --format {{.Name}}"] = ""

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	ready, err := o.EnsureReady(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestEnsureReadyPullFailureIsFatal(t *testing.T) {
	runner := newScriptedRunner()
	runner.outputs["version --format {{.Server.Version}}"] = "27.0.1"
	runner.outputs["images deepquestai/deepstack:latest --format {{.Repository}}"] = ""
	runner.errs["pull deepquestai/deepstack:latest"] = errors.New("network unreachable")

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	ready, err := o.EnsureReady(context.Background(), false)
	assert.False(t, ready)
	assert.ErrorIs(t, err, ErrImagePull)
}

func TestEnsureReadyCreateFailureIsFatal(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = ""
	runner.outputs["volume ls --filter name=^ds_data$ --format {{.Name}}"] = "ds_data"
	runner.errs["run -d --name ds -p 5000:5000 -v ds_data:/datastore -e VISION-FACE=True -e VISION-DETECTION=True -e VISION-SCENE=True --restart unless-stopped deepquestai/deepstack:latest"] = errors.New("port already in use")

	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	ready, err := o.EnsureReady(context.Background(), false)
	assert.False(t, ready)
	assert.ErrorIs(t, err, ErrContainerCreate)
}

func TestEnsureReadyHealthTimeoutIsNotAnError(t *testing.T) {
	runner := newScriptedRunner()
	scriptDaemonUp(runner)
	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = ""
	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "new123"
	runner.outputs["volume ls --filter name=^ds_data$ --format {{.Name}}"] = "ds_data"

	probe := &fakeProbe{healthyAfter: 0} // never healthy
	o := newTestOrchestrator(runner, probe)

	var slept time.Duration
	o.sleep = func(d time.Duration) { slept += d }

	ready, err := o.EnsureReady(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ready)

	// floor(12/3) = 4 polling attempts of 3s each, plus the final verdict probe.
	assert.Equal(t, 5, probe.calls)
	assert.Equal(t, 12*time.Second, slept)
}

func TestWaitHealthyAttemptBudget(t *testing.T) {
	runner := newScriptedRunner()
	probe := &fakeProbe{healthyAfter: 3}
	o := newTestOrchestrator(runner, probe)

	assert.True(t, o.WaitHealthy(context.Background()))
	assert.Equal(t, 3, probe.calls)
}

func TestState(t *testing.T) {
	runner := newScriptedRunner()
	o := newTestOrchestrator(runner, &fakeProbe{healthyAfter: 1})

	state, err := o.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	runner.outputs["ps -a --filter name=^ds$ --format {{.ID}}"] = "abc123"
	state, err = o.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStoppedExists, state)

	runner.outputs["ps --filter name=^ds$ --format {{.ID}}"] = "abc123"
	state, err = o.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunningHealthy, state)
}

func TestLooksLikeAuthFailure(t *testing.T) {
	assert.True(t, looksLikeAuthFailure(errors.New("pull access denied for image")))
	assert.True(t, looksLikeAuthFailure(errors.New("unauthorized: authentication required")))
	assert.False(t, looksLikeAuthFailure(errors.New("network unreachable")))
}
