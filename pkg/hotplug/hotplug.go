// Package hotplug implements in-service admission of configured-but-
// absent slaves (the HP0 mini ladder, run alongside live cyclic
// traffic) and ring recovery confirmation.
package hotplug

import (
	"log/slog"
	"sync"

	sercos "github.com/go-sercos/master"
	"github.com/go-sercos/master/pkg/phase"
)

// EventKind tags the outward-facing hot-plug and ring notifications.
type EventKind uint8

const (
	EventHotPlugFailed EventKind = iota
	EventHotPlugSucceeded
	EventRingRestored
)

type Event struct {
	Kind  EventKind
	Slave int
}

// slaveHPState is the mini phase-handler state for one candidate:
// HP0 while the admission ack is being polled, HP1 while timing and
// connection parameters are written over the service channel, HP2
// while the slave's first valid cyclic status is awaited.
type slaveHPState uint8

const (
	hpAbsent slaveHPState = iota
	hpHP0
	hpHP1
	hpHP2
	hpDone
	hpFailed
)

// Manager runs the hot-plug mini ladder for configured-but-absent
// slaves and tracks ring-recovery confirmation cycles, both active
// only while the Phase Handler reports steady CP4.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	phaseHandler *phase.Handler
	candidates   map[int]slaveHPState

	ringRecoveryTarget int // cycles of confirmed bidirectional traffic required
	ringRecoveryCount  int
	ringRecovering     bool
	ringRestored       bool

	onEvent func(Event)
}

func NewManager(ph *phase.Handler, ringRecoveryCycles int) *Manager {
	if ringRecoveryCycles <= 0 {
		ringRecoveryCycles = 8
	}
	return &Manager{
		logger:             slog.Default().With("component", "hotplug"),
		phaseHandler:       ph,
		candidates:         make(map[int]slaveHPState),
		ringRecoveryTarget: ringRecoveryCycles,
	}
}

func (m *Manager) OnEvent(cb func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = cb
}

// RegisterCandidate marks a configured slave as eligible for hot-plug
// admission once it appears on the ring.
func (m *Manager) RegisterCandidate(slave int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[slave]; !ok {
		m.candidates[slave] = hpAbsent
	}
}

// NoteDetected is called by the Cyclic Engine when a previously-absent
// configured slave is observed responding in AT0; it kicks off the
// hot-plug mini ladder, which runs in parallel to live cyclic traffic
// using a reserved MDT0/AT0 slot.
func (m *Manager) NoteDetected(slave int) {
	m.mu.Lock()
	state, known := m.candidates[slave]
	if !known || state != hpAbsent {
		m.mu.Unlock()
		return
	}
	m.candidates[slave] = hpHP0
	m.mu.Unlock()

	if err := m.phaseHandler.EnterHotPlug(phase.StepHotPlug); err != nil {
		switch m.phaseHandler.State().Step {
		case phase.StepHotPlug, phase.StepTransHP2Para:
			// a ladder run is already in progress; this candidate is in
			// HP0 and the running admission poll picks it up
		default:
			m.fail(slave, err)
		}
	}
}

// Pending returns candidates currently mid-admission (HP0), for the
// Phase Handler's hot-plug Action to drive forward each cycle.
func (m *Manager) Pending() []int {
	return m.inState(hpHP0)
}

// Parameterizing returns candidates in HP1, whose timing and
// connection parameters still have to be written over the service
// channel.
func (m *Manager) Parameterizing() []int {
	return m.inState(hpHP1)
}

// Enabling returns candidates in HP2, waiting for their first valid
// cyclic status before they may produce.
func (m *Manager) Enabling() []int {
	return m.inState(hpHP2)
}

func (m *Manager) inState(want slaveHPState) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for slave, state := range m.candidates {
		if state == want {
			out = append(out, slave)
		}
	}
	return out
}

// MarkAdmitted moves a candidate from the HP0 ack poll into HP1
// parameterization.
func (m *Manager) MarkAdmitted(slave int) {
	m.advance(slave, hpHP0, hpHP1)
}

// MarkParameterized moves a candidate from HP1 into HP2, once its
// timing and connection parameters have been written.
func (m *Manager) MarkParameterized(slave int) {
	m.advance(slave, hpHP1, hpHP2)
}

// MarkActive completes the mini ladder: the candidate produced its
// first valid cyclic status and may now produce/consume its
// configured connections.
func (m *Manager) MarkActive(slave int) {
	m.mu.Lock()
	state, ok := m.candidates[slave]
	if !ok || state != hpHP2 {
		m.mu.Unlock()
		return
	}
	m.candidates[slave] = hpDone
	m.mu.Unlock()
	m.notify(Event{Kind: EventHotPlugSucceeded, Slave: slave})
}

func (m *Manager) advance(slave int, from, to slaveHPState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.candidates[slave]; ok && state == from {
		m.candidates[slave] = to
	}
}

// MarkFailed fails a candidate's admission attempt, e.g. a CommError
// ack observed while polling for HP0 completion.
func (m *Manager) MarkFailed(slave int, err error) {
	m.fail(slave, err)
}

func (m *Manager) fail(slave int, err error) {
	m.mu.Lock()
	m.candidates[slave] = hpFailed
	m.mu.Unlock()
	m.logger.Warn("hot-plug failed", "slave", slave, "error", err)
	m.notify(Event{Kind: EventHotPlugFailed, Slave: slave})
}

// NoteRingIntact is called once per cycle by the Topology Monitor path
// once a previously-broken ring is observed intact again. After
// ringRecoveryTarget consecutive confirming cycles, ring recovery
// completes and RingRestored fires.
func (m *Manager) NoteRingIntact() (complete bool) {
	m.mu.Lock()
	m.ringRecovering = true
	m.ringRecoveryCount++
	if m.ringRecoveryCount < m.ringRecoveryTarget {
		m.mu.Unlock()
		return false
	}
	m.ringRecovering = false
	m.ringRecoveryCount = 0
	m.ringRestored = true
	m.mu.Unlock()
	m.notify(Event{Kind: EventRingRestored, Slave: -1})
	return true
}

// RingRecovered reports whether the last requested ring recovery has
// completed and not been invalidated by a newer break.
func (m *Manager) RingRecovered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringRestored
}

// NoteRingBroken resets recovery-cycle accounting; called whenever the
// Topology Monitor reports the ring is not currently intact.
func (m *Manager) NoteRingBroken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringRecovering = false
	m.ringRecoveryCount = 0
	m.ringRestored = false
}

func (m *Manager) notify(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// CandidateState reports a candidate's current mini-ladder state, used
// by diagnostics and tests.
func (m *Manager) CandidateState(slave int) (state string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.candidates[slave]
	if !ok {
		return "", sercos.ErrNotFound
	}
	names := map[slaveHPState]string{
		hpAbsent: "Absent", hpHP0: "HP0", hpHP1: "HP1", hpHP2: "HP2",
		hpDone: "Done", hpFailed: "Failed",
	}
	return names[s], nil
}
