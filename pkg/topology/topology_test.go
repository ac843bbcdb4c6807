package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickClassifiesEachLinkCombination(t *testing.T) {
	m := NewMonitor(2)

	assert.Equal(t, NoLink, m.Tick(false, false).Current)
	assert.Equal(t, LineP1, m.Tick(true, false).Current)
	assert.Equal(t, LineP2, m.Tick(false, true).Current)

	// both links up but nothing has ever crossed the ring: two lines
	assert.Equal(t, DoubleLine, m.Tick(true, true).Current)

	m.NoteFrameTraversed()
	assert.Equal(t, Ring, m.Tick(true, true).Current)
}

func TestRingThatStopsTraversingBecomesDefectRing(t *testing.T) {
	m := NewMonitor(1)
	m.NoteFrameTraversed()

	assert.Equal(t, Ring, m.Tick(true, true).Current)
	assert.Equal(t, DefectRing, m.Tick(true, true).Current)

	// double-line is never reachable from an established ring: the
	// traversal history pins both-up-not-traversing to DefectRing
	assert.Equal(t, DefectRing, m.Tick(true, true).Current)
}

func TestFrameTraversedResetsDefectRingWindow(t *testing.T) {
	m := NewMonitor(1)
	m.NoteFrameTraversed()
	m.Tick(true, true) // within window: Ring
	m.Tick(true, true) // window exceeded: DefectRing
	assert.Equal(t, DefectRing, m.State())

	m.NoteFrameTraversed()
	assert.Equal(t, Ring, m.Tick(true, true).Current)
}

func TestLinkDropResetsTraversalHistory(t *testing.T) {
	m := NewMonitor(2)
	m.NoteFrameTraversed()
	assert.Equal(t, Ring, m.Tick(true, true).Current)

	m.Tick(true, false) // cable pulled on P2
	assert.Equal(t, DoubleLine, m.Tick(true, true).Current, "fresh both-up starts as double-line until a frame crosses again")
}

func TestRingBrokenOnlyTrackedInCP4(t *testing.T) {
	m := NewMonitor(2)
	m.NoteFrameTraversed()
	m.Tick(true, true) // Ring, but not in CP4 yet
	m.Tick(true, false) // drops out of ring
	assert.False(t, m.RingBroken())

	m.SetPhaseCP4(true)
	m.NoteFrameTraversed()
	m.Tick(true, true) // back to Ring
	m.Tick(true, false) // drop out of ring while in CP4
	assert.True(t, m.RingBroken())

	m.NoteFrameTraversed()
	m.Tick(true, true) // Ring restored
	assert.False(t, m.RingBroken())
}

func TestOnChangeFiresOnlyOnTransition(t *testing.T) {
	m := NewMonitor(2)
	var events []Event
	m.OnChange(func(e Event) { events = append(events, e) })

	m.Tick(false, false) // NoLink is the initial state: no event
	m.Tick(false, false) // no change, no event
	m.Tick(true, false)

	assert.Len(t, events, 1)
	assert.Equal(t, NoLink, events[0].Previous)
	assert.Equal(t, LineP1, events[0].Current)
}
