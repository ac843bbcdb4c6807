package sercos

import (
	"log/slog"
	"sync"
)

// FrameCounters are the per-port frame counters: OK, FCS-error,
// alignment-error, discarded, and UC-channel violation counts.
// FCS/alignment are reported by the Port; this module increments only
// OK (once per frame sent successfully), Discarded and UCCViolation,
// since CRC/alignment are a lower-layer concern.
type FrameCounters struct {
	OK           uint64
	FCSError     uint64
	AlignError   uint64
	Discarded    uint64
	UCCViolation uint64
	RingDelayNs  Duration
}

type subscriber struct {
	id       uint64
	callback FrameListener
}

// PortManager is the dispatch registry sitting directly on top of a
// Port: it demultiplexes received frames by EtherType to registered
// listeners (telegram codec, topology monitor) and keeps the per-port
// frame counters.
type PortManager struct {
	logger *slog.Logger
	mu     sync.Mutex
	port   Port

	listeners map[uint16][]subscriber
	fallback  []subscriber // receives frames whose EtherType has no listener (UC-channel traffic)
	nextSubID uint64

	counters [2]FrameCounters
}

func NewPortManager(port Port) *PortManager {
	return &PortManager{
		port:      port,
		logger:    slog.Default().With("component", "port-manager"),
		listeners: make(map[uint16][]subscriber),
	}
}

// Subscribe registers callback for frames with the given EtherType,
// returning a cancel func to remove the subscription.
func (pm *PortManager) Subscribe(etherType uint16, callback FrameListener) (cancel func()) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.nextSubID++
	id := pm.nextSubID
	pm.listeners[etherType] = append(pm.listeners[etherType], subscriber{id: id, callback: callback})

	return func() {
		pm.mu.Lock()
		defer pm.mu.Unlock()
		subs := pm.listeners[etherType]
		for i, sub := range subs {
			if sub.id == id {
				pm.listeners[etherType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeDefault registers callback for every received frame whose
// EtherType has no dedicated subscriber; this is where UC-channel
// traffic lands, since anything other than the Sercos EtherType falls
// in the UC window.
func (pm *PortManager) SubscribeDefault(callback FrameListener) (cancel func()) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.nextSubID++
	id := pm.nextSubID
	pm.fallback = append(pm.fallback, subscriber{id: id, callback: callback})

	return func() {
		pm.mu.Lock()
		defer pm.mu.Unlock()
		for i, sub := range pm.fallback {
			if sub.id == id {
				pm.fallback = append(pm.fallback[:i], pm.fallback[i+1:]...)
				return
			}
		}
	}
}

// Send transmits a frame on the given port, logging but not failing
// hard on a down link (the Topology Monitor, not the caller, reacts).
func (pm *PortManager) Send(id PortID, frame Frame) error {
	err := pm.port.Send(id, frame)
	if err != nil {
		pm.mu.Lock()
		pm.counters[id].Discarded++
		pm.mu.Unlock()
		pm.logger.Warn("send failed", "port", id, "err", err)
	} else {
		pm.mu.Lock()
		pm.counters[id].OK++
		pm.mu.Unlock()
	}
	return err
}

// Poll drains every queued frame on both ports and dispatches it to
// subscribers for its EtherType. Called once per cycle by the Cyclic
// Engine; never blocks.
func (pm *PortManager) Poll() {
	for _, id := range [2]PortID{P1, P2} {
		for {
			frame, ok := pm.port.Receive(id)
			if !ok {
				break
			}
			pm.dispatch(id, frame)
		}
	}
}

func (pm *PortManager) dispatch(id PortID, frame Frame) {
	pm.mu.Lock()
	listeners := pm.listeners[frame.EtherType]
	if len(listeners) == 0 {
		listeners = pm.fallback
	}
	pm.mu.Unlock()

	if len(listeners) == 0 {
		pm.mu.Lock()
		pm.counters[id].Discarded++
		pm.mu.Unlock()
		return
	}
	for _, sub := range listeners {
		sub.callback.Handle(id, frame)
	}
}

// NoteUCCViolation counts a UC-channel frame that arrived while no
// UC window is configured, or that overflowed the window's budget.
func (pm *PortManager) NoteUCCViolation(id PortID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.counters[id].UCCViolation++
}

// Counters returns a copy of the per-port frame counters.
func (pm *PortManager) Counters(id PortID) FrameCounters {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.counters[id]
}

// SetRingDelay records the measured ring-delay contribution for a
// port, as computed by the Topology Monitor from GetTimingData results.
func (pm *PortManager) SetRingDelay(id PortID, d Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.counters[id].RingDelayNs = d
}

func (pm *PortManager) LinkUp(id PortID) bool { return pm.port.LinkUp(id) }
func (pm *PortManager) Now() Time             { return pm.port.Now() }
func (pm *PortManager) WaitUntil(t Time)      { pm.port.WaitUntil(t) }

func (pm *PortManager) ScheduleTick(period Duration, cb func(tick Time)) (cancel func()) {
	return pm.port.ScheduleTick(period, cb)
}
