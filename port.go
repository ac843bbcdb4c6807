package sercos

import "fmt"

// PortID identifies one of the two Sercos ring ports a frame travels on.
type PortID uint8

const (
	P1 PortID = 0
	P2 PortID = 1
)

func (p PortID) String() string {
	if p == P1 {
		return "P1"
	}
	return "P2"
}

// EtherTypeSercos is the Ethernet-II EtherType reserved for Sercos III
// telegrams (MDT/AT). Anything else received on a port falls in the
// UC-channel window and is not the codec's concern.
const EtherTypeSercos = 0x88CD

// Frame is one raw Ethernet-II frame, as handed to or received from a
// Packet Port. Data excludes the trailing FCS; integrity below this
// layer is assumed (link-layer CRC).
type Frame struct {
	DstMAC    [6]byte
	SrcMAC    [6]byte
	EtherType uint16
	Data      []byte
}

func NewFrame(etherType uint16, data []byte) Frame {
	return Frame{EtherType: etherType, Data: data}
}

// FrameListener receives frames demultiplexed by a PortManager.
// Handle must not block; it runs on the port's receive path.
type FrameListener interface {
	Handle(port PortID, frame Frame)
}

// Port is the abstract Packet Port: the sole external collaborator
// for raw frame I/O, the monotonic clock, and cycle ticks. The
// RTOS/NIC layers behind it are out of scope for this module.
type Port interface {
	// Send transmits exactly one frame. At most one frame may be in
	// flight per port; Send blocks only long enough to enqueue it.
	// A down link returns ErrLinkDown, which is not fatal.
	Send(id PortID, frame Frame) error

	// Receive returns the oldest queued frame for the given port, or
	// ok=false if none is queued. Receive never fails.
	Receive(id PortID) (frame Frame, ok bool)

	// Now returns the current value of the port's monotonic clock.
	Now() Time

	// WaitUntil blocks the caller until Now() >= target.
	WaitUntil(target Time)

	// ScheduleTick arms a periodic callback every period; it returns a
	// cancel function. Only one tick source is armed at a time by the
	// Cyclic Engine.
	ScheduleTick(period Duration, callback func(tick Time)) (cancel func())

	// LinkUp reports whether the physical/virtual link for the given
	// port currently carries signal. Consulted by the Topology Monitor.
	LinkUp(id PortID) bool
}

// Time is a monotonic nanosecond timestamp. It is not wall-clock time;
// Sercos Time (seconds+nanoseconds, disseminated in MDT0) is a separate
// concept modeled by SercosTime.
type Time int64

// Duration is expressed in nanoseconds, matching Time's resolution.
type Duration int64

func (t Time) Add(d Duration) Time { return t + Time(d) }
func (t Time) Sub(o Time) Duration { return Duration(t - o) }

// SercosTime is the dissemination-capable clock carried in MDT0's
// extended field. It is distinct from the
// Port's monotonic clock: it can be programmed by the application and
// is advanced by the cyclic task, never by wall-clock sampling.
type SercosTime struct {
	Seconds     uint32
	Nanoseconds uint32
}

func (s SercosTime) String() string {
	return fmt.Sprintf("%d.%09ds", s.Seconds, s.Nanoseconds)
}

// Advance moves the clock forward by d, carrying seconds on overflow.
func (s SercosTime) Advance(d Duration) SercosTime {
	ns := int64(s.Nanoseconds) + int64(d)
	for ns >= 1_000_000_000 {
		ns -= 1_000_000_000
		s.Seconds++
	}
	for ns < 0 {
		ns += 1_000_000_000
		s.Seconds--
	}
	s.Nanoseconds = uint32(ns)
	return s
}
