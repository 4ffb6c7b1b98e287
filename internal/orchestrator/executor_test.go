package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (r *fakeRunner) Start(ctx context.Context) error {
	r.started = true
	return r.startErr
}
func (r *fakeRunner) Stop(ctx context.Context) error {
	r.stopped = true
	return r.stopErr
}

func TestExecutor_ExecuteRunsPhasesInOrder(t *testing.T) {
	broker := &fakeRunner{}
	app := &fakeRunner{}
	e := NewExecutor(nil, map[string]ComponentRunner{"broker": broker, "app": app}, time.Second)

	plan := &Plan{Phases: []Phase{
		{Kind: ActionStart, Actions: []string{"broker"}},
		{Kind: ActionStart, Actions: []string{"app"}},
	}}
	require.NoError(t, e.Execute(context.Background(), plan))
	assert.True(t, broker.started)
	assert.True(t, app.started)
}

func TestExecutor_ExecuteStopsAbortsOnFailure(t *testing.T) {
	failing := &fakeRunner{stopErr: errors.New("boom")}
	e := NewExecutor(nil, map[string]ComponentRunner{"broken": failing}, time.Second)

	plan := &Plan{Phases: []Phase{{Kind: ActionStop, Actions: []string{"broken"}}}}
	err := e.Execute(context.Background(), plan)
	assert.Error(t, err)
}

func TestExecutor_ExecuteUnknownRunnerErrors(t *testing.T) {
	e := NewExecutor(nil, map[string]ComponentRunner{}, time.Second)
	plan := &Plan{Phases: []Phase{{Kind: ActionStart, Actions: []string{"ghost"}}}}
	assert.Error(t, e.Execute(context.Background(), plan))
}
