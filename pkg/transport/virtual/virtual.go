// Package virtual implements an in-process Packet Port used for tests
// and the bundled example: a loopback transport that needs no real
// hardware, modeling the two-port, two-direction Sercos link.
package virtual

import (
	"sync"
	"time"

	sercos "github.com/go-sercos/master"
)

// Link is a point-to-point virtual cable: whatever is sent into one
// end is queued for receipt at the other end, one queue per receiving
// end. Patch gives each PortID its own Link to mirror a real NIC's two
// independent ports.
type Link struct {
	mu    sync.Mutex
	queue map[*Port][]sercos.Frame
	up    [2]bool
}

func NewLink() *Link {
	l := &Link{queue: make(map[*Port][]sercos.Frame)}
	l.up[sercos.P1] = true
	l.up[sercos.P2] = true
	return l
}

func (l *Link) deliver(to *Port, frame sercos.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue[to] = append(l.queue[to], frame)
}

func (l *Link) take(at *Port) (sercos.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue[at]
	if len(q) == 0 {
		return sercos.Frame{}, false
	}
	frame := q[0]
	l.queue[at] = q[1:]
	return frame, true
}

// SetLinkUp controls the simulated carrier state, used by tests that
// exercise ring-break detection and topology reclassification.
func (l *Link) SetLinkUp(id sercos.PortID, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up[id] = up
}

func (l *Link) linkUp(id sercos.PortID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up[id]
}

// Port is a Packet Port backed by a pair of Links: frames written to
// PortID X on this Port are delivered to the peer Port's X queue, and
// vice-versa, modeling a crossed Ethernet pair per ring segment.
type Port struct {
	mu    sync.Mutex
	links [2]*Link // links[P1], links[P2]; nil if that port is unpatched
	peer  [2]*Port

	start time.Time

	tickMu sync.Mutex
	ticks  []*tickSource
}

type tickSource struct {
	stop chan struct{}
}

func NewPort() *Port {
	return &Port{start: time.Now()}
}

// Patch wires this port's PortID id to other's same PortID through a
// shared Link, so frames sent on one side arrive on the other.
func Patch(a *Port, b *Port, id sercos.PortID) {
	link := NewLink()
	a.mu.Lock()
	a.links[id] = link
	a.peer[id] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.links[id] = link
	b.peer[id] = a
	b.mu.Unlock()
}

func (p *Port) Send(id sercos.PortID, frame sercos.Frame) error {
	p.mu.Lock()
	link := p.links[id]
	peer := p.peer[id]
	p.mu.Unlock()
	if link == nil || peer == nil {
		return sercos.ErrLinkDown
	}
	if !link.linkUp(id) {
		return sercos.ErrLinkDown
	}
	peer.mu.Lock()
	peerLink := peer.links[id]
	peer.mu.Unlock()
	frame.Data = append([]byte(nil), frame.Data...)
	peerLink.deliver(peer, frame)
	return nil
}

func (p *Port) Receive(id sercos.PortID) (sercos.Frame, bool) {
	p.mu.Lock()
	link := p.links[id]
	p.mu.Unlock()
	if link == nil {
		return sercos.Frame{}, false
	}
	return link.take(p)
}

func (p *Port) LinkUp(id sercos.PortID) bool {
	p.mu.Lock()
	link := p.links[id]
	p.mu.Unlock()
	if link == nil {
		return false
	}
	return link.linkUp(id)
}

// SetLinkUp simulates unplugging (false) or restoring (true) the cable
// attached to port id.
func (p *Port) SetLinkUp(id sercos.PortID, up bool) {
	p.mu.Lock()
	link := p.links[id]
	p.mu.Unlock()
	if link != nil {
		link.SetLinkUp(id, up)
	}
}

func (p *Port) Now() sercos.Time {
	return sercos.Time(time.Since(p.start).Nanoseconds())
}

func (p *Port) WaitUntil(target sercos.Time) {
	delta := time.Duration(target.Sub(p.Now()))
	if delta > 0 {
		time.Sleep(delta)
	}
}

// ScheduleTick arms a real time.Ticker at the given period. Tests
// typically use short periods (microseconds) since this is wall-clock,
// not simulated time.
func (p *Port) ScheduleTick(period sercos.Duration, callback func(tick sercos.Time)) (cancel func()) {
	src := &tickSource{stop: make(chan struct{})}
	p.tickMu.Lock()
	p.ticks = append(p.ticks, src)
	p.tickMu.Unlock()

	ticker := time.NewTicker(time.Duration(period))
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-src.stop:
				return
			case <-ticker.C:
				callback(p.Now())
			}
		}
	}()

	return func() { close(src.stop) }
}
