// Package connection implements the per-connection producer/consumer
// state machine that copies application data into outgoing telegram
// regions and exposes consumed data back to the application, gated by
// producer-ready bits and a miss counter.
package connection

import (
	"fmt"
	"log/slog"
	"sync"

	sercos "github.com/go-sercos/master"
)

// State is a Connection's state.
type State uint8

const (
	Preparing State = iota
	Ready
	Producing
	Consuming
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "Preparing"
	case Ready:
		return "Ready"
	case Producing:
		return "Producing"
	case Consuming:
		return "Consuming"
	case Stopping:
		return "Stopping"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Class mirrors telegram.Class without importing it, so connection
// stays usable from packages that only need the enum value.
type Class uint8

const (
	ClassMDT Class = iota
	ClassAT
)

// Role distinguishes a connection the master produces (outbound, MDT)
// from one it consumes (inbound, AT from a slave).
type Role uint8

const (
	RoleProducer Role = iota
	RoleConsumer
)

// Config describes one connection's static placement, set up during
// CP3 and left unchanged until phase switch-back.
type Config struct {
	Name           string
	Role           Role
	Class          Class
	Slot           uint8 // 0..3
	Offset         int   // byte offset into the slot's telegram region
	Length         int   // byte length, <= max telegram payload
	CycleMultiple  uint8 // sub-cycle divider, 1 = every cycle
	AcceptedLosses int   // miss-counter limit before -> Error
	Slave          int   // index of the slave this connection is exchanged with
}

// SlaveCyclicCallback is invoked per-slave during the cyclic pass,
// after the consumer pass and before the producer pass.
type SlaveCyclicCallback func(slaveIndex int)

// Connection is one uni-directional named data object.
type Connection struct {
	mu     sync.Mutex
	logger *slog.Logger

	cfg Config

	state       State
	missCounter int
	cycleCount  uint8 // counts up to CycleMultiple

	producerReady bool
	validForCycle bool // set by mark_valid, cleared at the start of prepare

	lastGood []byte // last valid payload, held during the Stopping grace window

	appBuf  []byte // application-side buffer, read/written by the owning task
	wireBuf []byte // telegram-side region, placed by the Descriptor Manager at CP3
}

func New(cfg Config) *Connection {
	if cfg.CycleMultiple == 0 {
		cfg.CycleMultiple = 1
	}
	return &Connection{
		logger:   slog.Default().With("component", "connection", "name", cfg.Name),
		cfg:      cfg,
		state:    Preparing,
		lastGood: make([]byte, cfg.Length),
	}
}

func (c *Connection) Config() Config { return c.cfg }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Prepare is called once per cycle at the start of the cyclic task's
// prepare step; the per-cycle validity flag never carries over.
func (c *Connection) Prepare() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validForCycle = false
	if c.state == Preparing {
		c.state = Ready
	}
}

// MarkValid is the application's per-cycle signal that this
// connection's producer buffer holds data for the upcoming cycle.
func (c *Connection) MarkValid() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validForCycle = true
}

// Produce is the producer-side step: copies src into the outgoing
// telegram region dst and reports the producer-ready bit to set in
// C-CON. Called by the cyclic task once per cycle for every
// connection this node produces. In a cycle that CycleMultiple skips,
// nothing is copied and Produce returns false.
func (c *Connection) Produce(dst, src []byte) (ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dueThisCycle() {
		return false
	}

	if !c.validForCycle {
		c.state = Stopping
		c.producerReady = false
		return false
	}

	n := copy(dst, src)
	if n < len(dst) {
		c.logger.Warn("short producer buffer", "want", len(dst), "got", n)
	}
	c.state = Producing
	c.producerReady = true
	return true
}

// Consume is the consumer-side step: decodes the producer-ready
// bit from C-CON and, if set and the telegram was received this cycle,
// copies from the decoded AT region into dst. received reports whether
// the slave's telegram was seen on the wire at all this cycle
// (independent of the ready bit, e.g. a dropped frame).
func (c *Connection) Consume(dst []byte, src []byte, producerReady, received bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dueThisCycle() {
		copy(dst, c.lastGood)
		return nil
	}

	if received && producerReady {
		copy(dst, src)
		copy(c.lastGood, src)
		c.missCounter = 0
		c.state = Consuming
		return nil
	}

	copy(dst, c.lastGood)
	c.missCounter++
	if c.missCounter > c.cfg.AcceptedLosses {
		c.state = Error
		return fmt.Errorf("%w: connection %q, slave %d", sercos.ErrCyclicData, c.cfg.Name, c.cfg.Slave)
	}
	return nil
}

// ClearError resets a tripped connection back to Ready.
func (c *Connection) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missCounter = 0
	c.state = Ready
}

func (c *Connection) dueThisCycle() bool {
	due := c.cycleCount == 0
	c.cycleCount++
	if c.cycleCount >= c.cfg.CycleMultiple {
		c.cycleCount = 0
	}
	return due
}

// SetBuffers wires this connection to its application-side buffer and
// its telegram-side region once the Descriptor & Buffer Manager has
// placed it at CP3. Both slices alias memory owned
// elsewhere (the app task's buffer, the Telegram Codec's arena); the
// Connection only ever copies through them, never reallocates.
func (c *Connection) SetBuffers(appBuf, wireBuf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appBuf = appBuf
	c.wireBuf = wireBuf
}

// Buffers returns the buffer pair set by SetBuffers, for the Cyclic
// Engine's consumer/producer passes.
func (c *Connection) Buffers() (appBuf, wireBuf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appBuf, c.wireBuf
}

// MissCount reports the current consumer miss counter, for diagnostics.
func (c *Connection) MissCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missCounter
}
