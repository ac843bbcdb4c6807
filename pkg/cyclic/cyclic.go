// Package cyclic implements the per-cycle orchestration loop: emit
// MDTs, decode ATs, run the connection consumer and producer passes,
// fire application callbacks, and advance the service channel once
// per slave, in a fixed order every cycle.
package cyclic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sercos/master/pkg/connection"
	"github.com/go-sercos/master/pkg/telegram"
	"github.com/go-sercos/master/pkg/topology"
)

// SlaveCyclicCallback fires once per cycle per slave, after the
// consumer pass has made this cycle's AT data available and before the
// producer pass copies outgoing data.
type SlaveCyclicCallback func(slave int)

// SVCAdvancer is the subset of *svc.Engine the Cyclic Engine needs;
// narrowed to an interface so tests can substitute a fake.
type SVCAdvancer interface {
	Advance(slave int, statusWord, errorCode uint16, readBuf []byte) (controlWord uint16, writeBuf []byte)
}

// Stats accumulates cycle and overrun bookkeeping.
type Stats struct {
	Cycles             uint64
	Overruns           uint64
	ConsecutiveOverrun uint64
}

// Options configures one Engine.
type Options struct {
	Period                time.Duration
	MaxConsecutiveOverrun uint64
	SlaveCount            int

	EmitMDT     func(slot int) error
	ReceiveAT   func(slot int) (ok bool, frame []byte)
	IsCP4       func() bool
	HotPlugTick func()

	// EmitUCC forwards queued UC-channel traffic inside this cycle's
	// UC window, after the MDT block has gone out. Nil when no UC
	// bandwidth is configured.
	EmitUCC func()

	// LinkUp reports this cycle's per-port carrier state, fed to the
	// topology monitor. Defaults to both ports up if nil, which
	// only matters for tests that don't care about ring-break.
	LinkUp func() (p1Up, p2Up bool)

	// ConsumerStatus resolves, for a consumer connection belonging to
	// slave, whether its producer's C-CON ready bit was set and
	// whether its telegram was received at all this cycle.
	// Nil treats every consumer connection as always ready/received.
	ConsumerStatus func(slave int) (producerReady, received bool)

	// SVCInput resolves this cycle's service-channel status word,
	// error code, and read buffer for a slave, decoded from its AT by
	// the telegram codec. Nil defaults to 0, 0, nil.
	SVCInput func(slave int) (statusWord, errorCode uint16, readBuf []byte)
	// SVCOutput receives the control word and write buffer the SVC
	// Engine produced this cycle, to be written into the slave's MDT
	// service-channel region ahead of the next EmitMDT.
	SVCOutput func(slave int, controlWord uint16, writeBuf []byte)

	SVC   SVCAdvancer
	Topo  *topology.Monitor
	Table *connection.Table

	OnCyclicError func(err error)
}

// Engine drives the fixed per-cycle sequence.
type Engine struct {
	mu     sync.Mutex
	logger *slog.Logger
	opts   Options

	stats Stats

	onCycleStart []SlaveCyclicCallback
	perSlave     []SlaveCyclicCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	if opts.MaxConsecutiveOverrun == 0 {
		opts.MaxConsecutiveOverrun = 3
	}
	return &Engine{
		logger: slog.Default().With("component", "cyclic"),
		opts:   opts,
	}
}

// OnCycle registers a global callback fired once per cycle, before
// any per-slave callback.
func (e *Engine) OnCycle(cb SlaveCyclicCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCycleStart = append(e.onCycleStart, cb)
}

func (e *Engine) OnSlaveCycle(cb SlaveCyclicCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perSlave = append(e.perSlave, cb)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Start begins the ticking background loop. The loop runs until ctx is
// cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(ctx)
}

func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case deadline := <-ticker.C:
			e.tick(deadline.Add(e.opts.Period))
		}
	}
}

// tick runs exactly one cycle's strict sequence.
// deadline is the point by which the whole sequence should have
// completed; running past it marks the cycle Overrun but lets the
// sequence finish rather than aborting mid-way, since partially
// written Tx RAM would be worse than a late one.
func (e *Engine) tick(deadline time.Time) {
	e.prepare()

	for slot := 0; slot < telegram.NumSlots; slot++ {
		if e.opts.EmitMDT != nil {
			if err := e.opts.EmitMDT(slot); err != nil {
				e.logger.Warn("mdt emit failed", "slot", slot, "error", err)
			}
		}
	}

	if e.opts.EmitUCC != nil {
		e.opts.EmitUCC()
	}

	if e.opts.Topo != nil {
		p1Up, p2Up := true, true
		if e.opts.LinkUp != nil {
			p1Up, p2Up = e.opts.LinkUp()
		}
		e.opts.Topo.Tick(p1Up, p2Up)
	}

	for slot := 0; slot < telegram.NumSlots; slot++ {
		if e.opts.ReceiveAT == nil {
			continue
		}
		if ok, _ := e.opts.ReceiveAT(slot); !ok {
			continue
		}
	}

	// Consumer pass: decode producer-ready/received state per slave
	// and copy wire bytes into each consumer connection's application
	// buffer before any callback sees this cycle's data.
	if e.opts.Table != nil {
		for _, c := range e.opts.Table.All() {
			cfg := c.Config()
			if cfg.Role != connection.RoleConsumer {
				continue
			}
			producerReady, received := true, true
			if e.opts.ConsumerStatus != nil {
				producerReady, received = e.opts.ConsumerStatus(cfg.Slave)
			}
			appBuf, wireBuf := c.Buffers()
			if err := c.Consume(appBuf, wireBuf, producerReady, received); err != nil {
				if e.opts.OnCyclicError != nil {
					e.opts.OnCyclicError(err)
				}
			}
		}
	}

	e.mu.Lock()
	globalCbs := append([]SlaveCyclicCallback(nil), e.onCycleStart...)
	slaveCbs := append([]SlaveCyclicCallback(nil), e.perSlave...)
	e.mu.Unlock()

	for _, cb := range globalCbs {
		cb(-1)
	}
	for s := 0; s < e.opts.SlaveCount; s++ {
		for _, cb := range slaveCbs {
			cb(s)
		}
	}

	// Producer pass: copy each producer connection's application
	// buffer into its outgoing telegram region, setting C-CON ready
	// for the next EmitMDT.
	if e.opts.Table != nil {
		for _, c := range e.opts.Table.All() {
			if c.Config().Role != connection.RoleProducer {
				continue
			}
			appBuf, wireBuf := c.Buffers()
			c.Produce(wireBuf, appBuf)
		}
	}

	for s := 0; s < e.opts.SlaveCount; s++ {
		if e.opts.SVC == nil {
			continue
		}
		statusWord, errorCode, readBuf := uint16(0), uint16(0), []byte(nil)
		if e.opts.SVCInput != nil {
			statusWord, errorCode, readBuf = e.opts.SVCInput(s)
		}
		controlWord, writeBuf := e.opts.SVC.Advance(s, statusWord, errorCode, readBuf)
		if e.opts.SVCOutput != nil {
			e.opts.SVCOutput(s, controlWord, writeBuf)
		}
	}

	if e.opts.IsCP4 != nil && e.opts.IsCP4() && e.opts.HotPlugTick != nil {
		e.opts.HotPlugTick()
	}

	e.mu.Lock()
	e.stats.Cycles++
	overran := time.Now().After(deadline)
	if overran {
		e.stats.Overruns++
		e.stats.ConsecutiveOverrun++
		if e.stats.ConsecutiveOverrun > e.opts.MaxConsecutiveOverrun && e.opts.OnCyclicError != nil {
			e.opts.OnCyclicError(errCyclicOverrun)
		}
	} else {
		e.stats.ConsecutiveOverrun = 0
	}
	e.mu.Unlock()
}

// prepare clears per-slave validity flags at the top of each cycle.
func (e *Engine) prepare() {
	if e.opts.Table == nil {
		return
	}
	for _, c := range e.opts.Table.All() {
		c.Prepare()
	}
}
