package hotplug

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-sercos/master/pkg/phase"
)

type noopAction struct{}

func (noopAction) Enter(h *phase.Handler) error        { return nil }
func (noopAction) Poll(h *phase.Handler) phase.StepResult { return phase.StepResult{Done: true} }
func (noopAction) Exit(h *phase.Handler)                {}

func readyCP4Handler(t *testing.T) *phase.Handler {
	t.Helper()
	h := phase.NewHandler(phase.Options{Retries: 1, Timeout: time.Second})
	for _, s := range []phase.Step{
		phase.StepInitialize, phase.StepInitHardware, phase.StepSetCommParam, phase.StepSetNRT,
		phase.StepSetCP0, phase.StepInitConfig, phase.StepSetCP1, phase.StepSetCP2,
		phase.StepCheckVersion, phase.StepGetTimingData, phase.StepCalcTiming, phase.StepTransmitTiming,
		phase.StepSetCP3, phase.StepFillConnInfo, phase.StepSetCP4, phase.StepHotPlug,
	} {
		h.Register(s, noopAction{})
	}
	require.NoError(t, h.RequestPhase(phase.CP4))
	for i := 0; i < 50; i++ {
		finished, err := h.Tick()
		require.NoError(t, err)
		if finished {
			break
		}
	}
	require.Equal(t, phase.CP4, h.State().Current)
	return h
}

func TestNoteDetectedEntersHotPlugLadder(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)
	m.RegisterCandidate(7)

	m.NoteDetected(7)

	state, err := m.CandidateState(7)
	require.NoError(t, err)
	assert.Equal(t, "HP0", state)
}

func TestMarkFailedPublishesEvent(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)
	m.RegisterCandidate(2)
	m.NoteDetected(2)

	var got Event
	m.OnEvent(func(e Event) { got = e })
	m.MarkFailed(2, errors.New("no ack"))

	assert.Equal(t, EventHotPlugFailed, got.Kind)
	assert.Equal(t, 2, got.Slave)
	state, _ := m.CandidateState(2)
	assert.Equal(t, "Failed", state)
}

func TestLadderWalksHP0ThroughDone(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)
	m.RegisterCandidate(5)
	m.NoteDetected(5)

	var got Event
	m.OnEvent(func(e Event) { got = e })

	assert.Equal(t, []int{5}, m.Pending())
	m.MarkAdmitted(5)
	state, _ := m.CandidateState(5)
	assert.Equal(t, "HP1", state)
	assert.Empty(t, m.Pending())

	assert.Equal(t, []int{5}, m.Parameterizing())
	m.MarkParameterized(5)
	state, _ = m.CandidateState(5)
	assert.Equal(t, "HP2", state)

	assert.Equal(t, []int{5}, m.Enabling())
	m.MarkActive(5)
	state, _ = m.CandidateState(5)
	assert.Equal(t, "Done", state)
	assert.Equal(t, EventHotPlugSucceeded, got.Kind)
}

func TestMarkActiveRequiresHP2(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)
	m.RegisterCandidate(5)
	m.NoteDetected(5)

	// skipping parameterization must not complete the ladder
	m.MarkActive(5)
	state, _ := m.CandidateState(5)
	assert.Equal(t, "HP0", state)
}

func TestRingRecoveryRequiresNConfirmingCycles(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)

	var got Event
	m.OnEvent(func(e Event) { got = e })

	assert.False(t, m.NoteRingIntact())
	assert.False(t, m.NoteRingIntact())
	assert.True(t, m.NoteRingIntact())
	assert.Equal(t, EventRingRestored, got.Kind)
}

func TestRingBrokenResetsRecoveryProgress(t *testing.T) {
	h := readyCP4Handler(t)
	m := NewManager(h, 3)

	m.NoteRingIntact()
	m.NoteRingIntact()
	m.NoteRingBroken()
	assert.False(t, m.NoteRingIntact())
	assert.False(t, m.NoteRingIntact())
	assert.True(t, m.NoteRingIntact())
}
