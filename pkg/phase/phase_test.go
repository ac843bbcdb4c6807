package phase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantAction completes on its first Poll call, optionally failing
// failTimes times first.
type instantAction struct {
	failTimes int
	failed    int
	entered   int
}

func (a *instantAction) Enter(h *Handler) error {
	a.entered++
	return nil
}

func (a *instantAction) Poll(h *Handler) StepResult {
	if a.failed < a.failTimes {
		a.failed++
		return StepResult{Done: true, Retry: true, Err: errors.New("transient")}
	}
	return StepResult{Done: true}
}

func (a *instantAction) Exit(h *Handler) {}

func newHandlerWithActions(steps ...Step) (*Handler, map[Step]*instantAction) {
	h := NewHandler(Options{Retries: 2, Timeout: time.Second})
	actions := make(map[Step]*instantAction)
	for _, s := range steps {
		a := &instantAction{}
		actions[s] = a
		h.Register(s, a)
	}
	return h, actions
}

func allSteps() []Step {
	return append(append([]Step{}, stepOrder...))
}

func TestRequestPhaseRunsToSteadyCP4(t *testing.T) {
	h, _ := newHandlerWithActions(allSteps()...)

	require.NoError(t, h.RequestPhase(CP4))
	for i := 0; i < 50; i++ {
		finished, err := h.Tick()
		require.NoError(t, err)
		if finished {
			break
		}
	}
	assert.Equal(t, CP4, h.State().Current)
	assert.Equal(t, StepSteady, h.State().Step)
}

func TestTickRetriesTransientFailure(t *testing.T) {
	h, actions := newHandlerWithActions(allSteps()...)
	actions[StepSetCP0].failTimes = 1

	require.NoError(t, h.RequestPhase(CP0))
	for i := 0; i < 50; i++ {
		finished, err := h.Tick()
		require.NoError(t, err)
		if finished {
			break
		}
	}
	assert.Equal(t, CP0, h.State().Current)
	assert.GreaterOrEqual(t, actions[StepSetCP0].entered, 2)
}

func TestTickGivesUpAfterRetriesExhausted(t *testing.T) {
	h, actions := newHandlerWithActions(allSteps()...)
	actions[StepSetCP1].failTimes = 10

	require.NoError(t, h.RequestPhase(CP1))
	var finalErr error
	for i := 0; i < 50; i++ {
		finished, err := h.Tick()
		if finished {
			finalErr = err
			break
		}
	}
	assert.Error(t, finalErr)
	assert.NotEqual(t, CP1, h.State().Current)
}

func TestSwitchBackToCP0DisablesPowerFirst(t *testing.T) {
	disabled := false
	h := NewHandler(Options{Retries: 1, Timeout: time.Second, DisablePowerFunc: func() { disabled = true }})
	for _, s := range allSteps() {
		h.Register(s, &instantAction{})
	}
	require.NoError(t, h.RequestPhase(CP4))
	for i := 0; i < 50; i++ {
		finished, _ := h.Tick()
		if finished {
			break
		}
	}

	require.NoError(t, h.RequestPhase(CP0))
	assert.True(t, disabled)
}

func TestSwitchBackBelowCP0IsIllegal(t *testing.T) {
	h, _ := newHandlerWithActions(allSteps()...)
	require.NoError(t, h.RequestPhase(CP2))
	for i := 0; i < 50; i++ {
		finished, err := h.Tick()
		require.NoError(t, err)
		if finished {
			break
		}
	}

	err := h.RequestPhase(NRT)
	assert.Error(t, err)
}
