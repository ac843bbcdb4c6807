// Package raw implements a Packet Port over Linux AF_PACKET raw
// sockets, the best-effort NIC-level transport for a real Sercos
// ring.
package raw

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	sercos "github.com/go-sercos/master"
)

// Port binds one AF_PACKET raw socket per Sercos port (P1, P2) to the
// named network interfaces. Frame send/receive is best-effort: errors
// surface as sercos.ErrLinkDown rather than panicking, matching the
// abstract Port contract's "packet-send may fail, receive never does".
type Port struct {
	mu    sync.Mutex
	start time.Time

	fd    [2]int
	iface [2]int
	ready [2]bool

	tickMu sync.Mutex
	stop   chan struct{}
}

// Open binds port P1 to ifaceP1 and P2 to ifaceP2. Either name may be
// empty to leave that port unbound (useful for a single-port test rig).
func Open(ifaceP1, ifaceP2 string) (*Port, error) {
	p := &Port{start: time.Now()}
	names := [2]string{ifaceP1, ifaceP2}
	for i, name := range names {
		if name == "" {
			continue
		}
		fd, ifIndex, err := bindInterface(name)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("raw: bind %s: %w", name, err)
		}
		p.fd[i] = fd
		p.iface[i] = ifIndex
		p.ready[i] = true
	}
	return p, nil
}

func bindInterface(name string) (fd int, ifIndex int, err error) {
	fd, err = unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(sercos.EtherTypeSercos)))
	if err != nil {
		return -1, 0, err
	}
	iface, err := net.Interfaces()
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	ifIndex = -1
	for _, e := range iface {
		if e.Name == name {
			ifIndex = e.Index
			break
		}
	}
	if ifIndex < 0 {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("interface %s not found", name)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(sercos.EtherTypeSercos),
		Ifindex:  ifIndex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	// Non-blocking so Receive never stalls the caller; absence of a
	// frame is not an error.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	return fd, ifIndex, nil
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	var firstErr error
	for i := range p.fd {
		if p.ready[i] {
			if err := unix.Close(p.fd[i]); err != nil && firstErr == nil {
				firstErr = err
			}
			p.ready[i] = false
		}
	}
	return firstErr
}

func (p *Port) Send(id sercos.PortID, frame sercos.Frame) error {
	p.mu.Lock()
	ready := p.ready[id]
	fd := p.fd[id]
	ifIndex := p.iface[id]
	p.mu.Unlock()
	if !ready {
		return sercos.ErrLinkDown
	}

	buf := make([]byte, 0, 14+len(frame.Data))
	buf = append(buf, frame.DstMAC[:]...)
	buf = append(buf, frame.SrcMAC[:]...)
	var et [2]byte
	binary.BigEndian.PutUint16(et[:], frame.EtherType)
	buf = append(buf, et[:]...)
	buf = append(buf, frame.Data...)

	addr := &unix.SockaddrLinklayer{Ifindex: ifIndex}
	if err := unix.Sendto(fd, buf, 0, addr); err != nil {
		return fmt.Errorf("%w: %v", sercos.ErrLinkDown, err)
	}
	return nil
}

func (p *Port) Receive(id sercos.PortID) (sercos.Frame, bool) {
	p.mu.Lock()
	ready := p.ready[id]
	fd := p.fd[id]
	p.mu.Unlock()
	if !ready {
		return sercos.Frame{}, false
	}

	buf := make([]byte, 2048)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil || n < 14 {
		return sercos.Frame{}, false
	}
	var frame sercos.Frame
	copy(frame.DstMAC[:], buf[0:6])
	copy(frame.SrcMAC[:], buf[6:12])
	frame.EtherType = binary.BigEndian.Uint16(buf[12:14])
	frame.Data = append([]byte(nil), buf[14:n]...)
	return frame, true
}

func (p *Port) LinkUp(id sercos.PortID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[id]
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

func (p *Port) ScheduleTick(period sercos.Duration, callback func(tick sercos.Time)) (cancel func()) {
	stop := make(chan struct{})
	p.tickMu.Lock()
	p.stop = stop
	p.tickMu.Unlock()

	ticker := time.NewTicker(time.Duration(period))
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				callback(p.Now())
			}
		}
	}()
	return func() { close(stop) }
}
