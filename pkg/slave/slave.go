// Package slave models a discovered Sercos device: its 16-bit address
// and dense zero-based index, the last S-DEV status word, miss
// counter, function profile, and its connection table.
package slave

import (
	"sync"

	"github.com/go-sercos/master/pkg/connection"
)

// Profile is the function-specific device profile.
type Profile uint8

const (
	ProfileUnknown Profile = iota
	ProfileDrive
	ProfileIO
	ProfileEncoder
)

// Device is one discovered Sercos slave.
type Device struct {
	mu sync.Mutex

	address uint16 // Sercos address, 1..511
	index   int    // dense zero-based index, stable across a phase-switch cycle

	discovered bool
	active     bool

	lastSDEV uint16
	missCnt  int

	profile Profile

	connections *connection.Table
}

func New(address uint16, index int) *Device {
	return &Device{
		address:     address,
		index:       index,
		connections: connection.NewTable(),
	}
}

func (d *Device) Address() uint16 { return d.address }
func (d *Device) Index() int      { return d.index }

func (d *Device) Connections() *connection.Table { return d.connections }

func (d *Device) SetDiscovered(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovered = v
}

func (d *Device) Discovered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovered
}

func (d *Device) SetActive(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = v
}

func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Device) SetProfile(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profile = p
}

func (d *Device) Profile() Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile
}

// SetSDEV records this cycle's device-status word, as decoded from
// AT0 by the Cyclic Engine.
func (d *Device) SetSDEV(word uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSDEV = word
}

func (d *Device) SDEV() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSDEV
}

func (d *Device) IncMiss() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missCnt++
	return d.missCnt
}

func (d *Device) ResetMiss() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missCnt = 0
}

func (d *Device) MissCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missCnt
}

// Table is the process-wide set of discovered slaves, built in CP0
// discovery order and destroyed on return to NRT.
type Table struct {
	mu      sync.Mutex
	devices []*Device
	byAddr  map[uint16]*Device
}

func NewTable() *Table {
	return &Table{byAddr: make(map[uint16]*Device)}
}

// Add assigns the next dense index in discovery order; re-adding a
// known address returns the existing device.
func (t *Table) Add(address uint16) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.byAddr[address]; ok {
		return d
	}
	d := New(address, len(t.devices))
	t.devices = append(t.devices, d)
	t.byAddr[address] = d
	return d
}

func (t *Table) ByAddress(address uint16) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byAddr[address]
	return d, ok
}

func (t *Table) ByIndex(index int) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.devices) {
		return nil, false
	}
	return t.devices[index], true
}

func (t *Table) All() []*Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Device, len(t.devices))
	copy(out, t.devices)
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// Reset destroys all slave state, used on return to NRT.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices = nil
	t.byAddr = make(map[uint16]*Device)
}
