// Package topology classifies per-port link state into a network
// topology and detects ring break/restore, using a miss counter over
// "frames don't traverse the ring within N cycles".
package topology

import (
	"log/slog"
	"sync"
)

// State is one of the six topology classifications.
type State uint8

const (
	NoLink State = iota
	LineP1
	LineP2
	DoubleLine
	Ring
	DefectRing
)

func (s State) String() string {
	switch s {
	case NoLink:
		return "no-link"
	case LineP1:
		return "line-P1"
	case LineP2:
		return "line-P2"
	case DoubleLine:
		return "double-line"
	case Ring:
		return "ring"
	case DefectRing:
		return "defect-ring"
	default:
		return "unknown"
	}
}

// Event is surfaced to the Phase Handler (TopologyChanged) and, in
// CP4, to the application and Hot-plug/Recovery component
// (RingBroken/RingRestored).
type Event struct {
	Previous State
	Current  State
}

// Monitor tracks per-port link state and frame-traversal evidence,
// reclassifying topology at most once per cycle. Every link-up/down
// and traverse-bit combination maps to exactly one State.
type Monitor struct {
	mu sync.Mutex

	logger *slog.Logger

	acceptedLoss int // configurable tie-break window, default = accepted telegram losses

	state               State
	traverseSeen        bool // a frame has crossed the ring since both links came up
	cyclesSinceTraverse int

	inCP4      bool
	ringBroken bool

	listeners []func(Event)
}

func NewMonitor(acceptedLoss int) *Monitor {
	return &Monitor{
		logger:       slog.Default().With("component", "topology"),
		acceptedLoss: acceptedLoss,
		state:        NoLink,
	}
}

func (m *Monitor) OnChange(cb func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, cb)
}

// SetPhaseCP4 tells the monitor whether the network is currently in
// CP4, which gates RingBroken/RingRestored delivery.
func (m *Monitor) SetPhaseCP4(inCP4 bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inCP4 = inCP4
}

// NoteFrameTraversed records that a frame emitted on one port was
// observed to arrive having crossed the ring to the other port this
// cycle. Seeing any traversal is what distinguishes a closed ring
// from two separate lines plugged into both ports.
func (m *Monitor) NoteFrameTraversed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cyclesSinceTraverse = 0
	m.traverseSeen = true
}

// Tick reclassifies topology from current per-port link state. linkUp
// is read once per cycle by the caller (Cyclic Engine) from the Port.
func (m *Monitor) Tick(p1Up, p2Up bool) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cyclesSinceTraverse++

	var next State
	switch {
	case !p1Up && !p2Up:
		next = NoLink
	case p1Up && !p2Up:
		next = LineP1
	case !p1Up && p2Up:
		next = LineP2
	default:
		// Both ports carry link. If no frame has ever crossed from one
		// port to the other since both came up, the two ports see two
		// separate lines; if frames were crossing and then stopped for
		// longer than the tie-break window, the ring is defective.
		switch {
		case !m.traverseSeen:
			next = DoubleLine
		case m.cyclesSinceTraverse > m.acceptedLoss:
			next = DefectRing
		default:
			next = Ring
		}
	}
	if next == NoLink || next == LineP1 || next == LineP2 {
		m.traverseSeen = false
	}

	prev := m.state
	event := Event{Previous: prev, Current: next}
	if next != prev {
		m.state = next
		if m.inCP4 {
			wasRing := prev == Ring
			isRing := next == Ring
			if wasRing && !isRing {
				m.ringBroken = true
			} else if !wasRing && isRing && m.ringBroken {
				m.ringBroken = false
			}
		}
		m.logger.Info("topology changed", "previous", prev, "current", next)
		for _, cb := range m.listeners {
			cb(event)
		}
	}
	return event
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) RingBroken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringBroken
}
