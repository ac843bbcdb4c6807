// Package master is the top-level orchestrator: the application API
// wrapping the phase handler, cyclic engine, connection engine,
// service channel, topology monitor, and hot-plug manager into one
// process-wide object created at Init and destroyed at Close.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sercos "github.com/go-sercos/master"
	"github.com/go-sercos/master/pkg/config"
	"github.com/go-sercos/master/pkg/connection"
	"github.com/go-sercos/master/pkg/cyclic"
	"github.com/go-sercos/master/pkg/descriptor"
	"github.com/go-sercos/master/pkg/fault"
	"github.com/go-sercos/master/pkg/hotplug"
	"github.com/go-sercos/master/pkg/phase"
	"github.com/go-sercos/master/pkg/slave"
	"github.com/go-sercos/master/pkg/svc"
	"github.com/go-sercos/master/pkg/telegram"
	"github.com/go-sercos/master/pkg/topology"
)

// svcMDTWindowLen/svcATWindowLen are the fixed per-slave byte widths
// reserved at the tail of MDT0/AT0 for the SVC Engine's word-toggle
// channel: 2B control + 2B write word outbound, 2B status + 2B
// error code + 2B read word inbound. Kept separate from the larger
// svc.Container data-model type, which addresses an IDN's full value
// across many segmented cycles rather than this per-cycle wire slot.
const (
	svcMDTWindowLen = 4
	svcATWindowLen  = 6
)

// Status is the snapshot returned by GetSercosStatus.
type Status struct {
	Phase      phase.CommPhase
	Step       phase.Step
	Topology   topology.State
	RingBroken bool
	Cyclic     cyclic.Stats
}

// Master is the process-wide Sercos master instance.
type Master struct {
	mu sync.Mutex

	cfg *config.Config
	pm  *sercos.PortManager

	phaseHandler *phase.Handler
	topo         *topology.Monitor
	svcEngine    *svc.Engine
	cyclicEngine *cyclic.Engine
	hotplugMgr   *hotplug.Manager
	faults       *fault.Reporter
	slaves       *slave.Table

	codec     *telegram.Codec
	descMgr   *descriptor.Manager
	connTable *connection.Table

	// svcBaseMDT/svcBaseAT are the byte offsets, within slot 0's Tx/Rx
	// arenas, where the per-slave SVC wire windows begin. Application
	// connection data placed by the Descriptor Manager is bounded to
	// stay clear of both.
	svcBaseMDT int
	svcBaseAT  int

	cycleCount uint8

	uccQueue []sercos.Frame // UC-channel frames awaiting the next UC window

	ringDelayNs       map[int]uint32
	ucChannelOffsetNs uint32

	appBufs map[string][]byte

	sercosTime       sercos.SercosTime
	sercosTimeActive bool

	deviceCallbacks map[int]connection.SlaveCyclicCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// Init builds a Master bound to a Packet Port and allocates every
// buffer the instance will ever use.
func Init(cfg *config.Config, port sercos.Port) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 512
	}
	if cfg.MasterMAC == ([6]byte{}) {
		cfg.MasterMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	svcTimeout := cfg.SVCBusyTimeout
	if svcTimeout <= 0 {
		svcTimeout = time.Second
	}

	m := &Master{
		cfg:             cfg,
		pm:              sercos.NewPortManager(port),
		topo:            topology.NewMonitor(cfg.AcceptedTelLosses),
		svcEngine:       svc.NewEngine(svcTimeout, cfg.CycleTimeCP3_4, 128),
		faults:          fault.NewReporter(128),
		slaves:          slave.NewTable(),
		connTable:       connection.NewTable(),
		ringDelayNs:     make(map[int]uint32),
		appBufs:         make(map[string][]byte),
		deviceCallbacks: make(map[int]connection.SlaveCyclicCallback),
	}

	m.codec = telegram.NewCodec(cfg.MTU, telegram.BigEndian, cfg.MasterMAC)
	m.svcBaseMDT = cfg.MTU - svcMDTWindowLen*maxSlaveWindows(cfg)
	m.svcBaseAT = cfg.MTU - svcATWindowLen*maxSlaveWindows(cfg)
	appPayloadLimit := m.svcBaseMDT
	if m.svcBaseAT < appPayloadLimit {
		appPayloadLimit = m.svcBaseAT
	}
	m.descMgr = descriptor.NewManager(appPayloadLimit)

	m.pm.Subscribe(sercos.EtherTypeSercos, &codecListener{codec: m.codec, topo: m.topo, logger: slog.Default().With("component", "master")})
	m.pm.SubscribeDefault(&uccListener{m: m})

	m.phaseHandler = phase.NewHandler(phase.Options{
		Retries:          cfg.Retries,
		Timeout:          time.Duration(cfg.TimeoutSec * float64(time.Second)),
		SwitchBackGap:    cfg.SwitchBackGap,
		DisablePowerFunc: m.disablePower,
	})
	m.hotplugMgr = hotplug.NewManager(m.phaseHandler, 8)

	for _, sc := range cfg.Slaves {
		d := m.slaves.Add(sc.Address)
		if sc.HotPlug {
			m.hotplugMgr.RegisterCandidate(d.Index())
		}
	}

	registerDefaultActions(m)

	var emitUCC func()
	if cfg.UCCBandwidth > 0 {
		emitUCC = m.emitUCC
	}

	m.cyclicEngine = cyclic.NewEngine(cyclic.Options{
		Period:     cfg.CycleTimeCP3_4,
		SlaveCount: len(cfg.Slaves),
		SVC:        m.svcEngine,
		Topo:       m.topo,
		Table:      m.connTable,
		IsCP4:      func() bool { return m.phaseHandler.State().Current == phase.CP4 },
		EmitMDT:    m.emitMDT,
		ReceiveAT:  m.receiveAT,
		LinkUp:     func() (bool, bool) { return m.pm.LinkUp(sercos.P1), m.pm.LinkUp(sercos.P2) },
		ConsumerStatus: func(slave int) (producerReady, received bool) {
			d, ok := m.slaves.ByIndex(slave)
			if !ok {
				return false, false
			}
			return d.Active(), d.Active()
		},
		SVCInput:    m.svcInputFor,
		SVCOutput:   m.svcOutputFor,
		HotPlugTick: m.hotPlugTick,
		EmitUCC:     emitUCC,
		OnCyclicError: func(err error) {
			m.faults.Report(fault.KindCyclicData, -1, err.Error())
		},
	})
	m.cyclicEngine.OnCycle(func(int) { m.advanceSercosTime() })
	m.cyclicEngine.OnSlaveCycle(func(s int) {
		m.mu.Lock()
		cb := m.deviceCallbacks[s]
		m.mu.Unlock()
		if cb != nil {
			cb(s)
		}
	})

	return m, nil
}

// maxSlaveWindows sizes the SVC wire reservation made at Init: one
// window per configured slave, and at least one with an empty config.
// A slave added later through SetSlaveConfig beyond that count has no
// SVC window (svcInputFor/svcOutputFor skip it).
func maxSlaveWindows(cfg *config.Config) int {
	n := len(cfg.Slaves)
	if n < 1 {
		n = 1
	}
	return n
}

// codecListener feeds every received Sercos frame into the telegram
// codec's Rx arenas. A Sercos frame arriving on P2 crossed the slave
// chain from the P1 side, which is the evidence the Topology Monitor
// needs to tell a closed ring from two separate lines.
type codecListener struct {
	codec  *telegram.Codec
	topo   *topology.Monitor
	logger *slog.Logger
}

func (l *codecListener) Handle(port sercos.PortID, frame sercos.Frame) {
	if _, err := l.codec.DecodeRx(port, frame); err != nil {
		l.logger.Warn("telegram decode failed", "port", port, "error", err)
		return
	}
	if port == sercos.P2 {
		l.topo.NoteFrameTraversed()
	}
}

// uccListener receives every non-Sercos frame. With a UC window
// configured the frame is queued for forwarding inside the next
// window; without one its arrival is a UC-channel violation.
type uccListener struct{ m *Master }

// uccQueueDepth bounds the frames parked between UC windows.
const uccQueueDepth = 32

func (l *uccListener) Handle(port sercos.PortID, frame sercos.Frame) {
	m := l.m
	if m.cfg.UCCBandwidth <= 0 {
		m.pm.NoteUCCViolation(port)
		return
	}
	m.mu.Lock()
	if len(m.uccQueue) >= uccQueueDepth {
		m.mu.Unlock()
		m.pm.NoteUCCViolation(port)
		return
	}
	m.uccQueue = append(m.uccQueue, frame)
	m.mu.Unlock()
}

// emitUCC drains queued UC-channel frames up to the configured
// per-cycle bandwidth, at 100 Mbit/s wire rate (80 ns per byte).
func (m *Master) emitUCC() {
	m.mu.Lock()
	queue := m.uccQueue
	m.uccQueue = nil
	m.mu.Unlock()

	budget := int(m.cfg.UCCBandwidth.Nanoseconds() / 80)
	for i, frame := range queue {
		cost := 14 + len(frame.Data)
		if cost > budget {
			m.mu.Lock()
			m.uccQueue = append(queue[i:], m.uccQueue...)
			m.mu.Unlock()
			return
		}
		budget -= cost
		_ = m.pm.Send(sercos.P1, frame)
	}
}

// disablePower runs before any switch-back phase command: it
// stamps the MST control word's "disabled" bit into MDT0 and sends it,
// so every active connection is told to shed power ahead of the
// configured switch_back_delay_us gap. Called by the Phase Handler
// itself while holding its own state lock (phase.go RequestPhase), so
// this must never call back into m.phaseHandler.
func (m *Master) disablePower() {
	if m.codec == nil {
		return
	}
	m.codec.WriteMST(telegram.MST{MasterControl: telegram.MSTControlDisabled, TopologyAddr: 0xFFFF, Reserved: m.cfg.CommVersion})
	frame, err := m.codec.ComposeTx(telegram.MDT, 0, uint8(phase.NRT), false, m.nextCycleCount())
	if err != nil {
		return
	}
	_ = m.pm.Send(sercos.P1, frame)
}

// Close is only legal from NRT; callers are expected to have already
// driven PhaseSwitch(NRT) first.
func (m *Master) Close() error {
	current := m.phaseHandler.State().Current
	if current != phase.NRT {
		return fmt.Errorf("%w: Close requires NRT, currently %s", sercos.ErrPhaseIllegal, current)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.cyclicEngine.Close()
	return nil
}

// SetSlaveConfig adds a configured slave; legal only before CP1,
// after which the discovered set is frozen for this startup.
func (m *Master) SetSlaveConfig(sc config.SlaveConfig) error {
	if m.phaseHandler.State().Current > phase.CP0 {
		return fmt.Errorf("%w: slave config must be set before CP1", sercos.ErrPhaseIllegal)
	}
	d := m.slaves.Add(sc.Address)
	if sc.HotPlug {
		m.hotplugMgr.RegisterCandidate(d.Index())
	}
	return nil
}

// PhaseSwitch blocks until the requested phase is reached or the
// switch fails terminally.
func (m *Master) PhaseSwitch(target phase.CommPhase) error {
	if err := m.phaseHandler.RequestPhase(target); err != nil {
		return err
	}
	for {
		finished, err := m.phaseHandler.Tick()
		if finished {
			if err == nil && target == phase.CP4 {
				m.startCyclic()
			}
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Master) startCyclic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.cyclicEngine.Start(m.ctx)
}

// GetSercosStatus returns a non-blocking snapshot of phase, topology
// and cyclic statistics.
func (m *Master) GetSercosStatus() Status {
	st := m.phaseHandler.State()
	return Status{
		Phase:      st.Current,
		Step:       st.Step,
		Topology:   m.topo.State(),
		RingBroken: m.topo.RingBroken(),
		Cyclic:     m.cyclicEngine.Stats(),
	}
}

// SVCRead/SVCWrite/SVCCommand are thin pass-throughs to the shared
// SVC engine, which multiplexes per-slave transactions internally.
func (m *Master) SVCRead(slave int, eidn svc.EIDN, elem svc.Element, buf []byte, cancelInFlight bool) (int, error) {
	return m.svcEngine.Read(slave, eidn, elem, buf, cancelInFlight)
}

func (m *Master) SVCWrite(slave int, eidn svc.EIDN, elem svc.Element, data []byte, cancelInFlight bool) error {
	return m.svcEngine.Write(slave, eidn, elem, data, cancelInFlight)
}

func (m *Master) SVCCommand(slave int, eidn svc.EIDN, cancelInFlight bool) (svc.CommandOutcome, error) {
	return m.svcEngine.Command(slave, eidn, cancelInFlight)
}

// MarkValid signals every producer connection belonging to slave as
// valid for the upcoming cycle.
func (m *Master) MarkValid(slaveIndex int) error {
	d, ok := m.slaves.ByIndex(slaveIndex)
	if !ok {
		return fmt.Errorf("%w: slave index %d", sercos.ErrDeviceMissing, slaveIndex)
	}
	for _, c := range d.Connections().All() {
		if c.Config().Role == connection.RoleProducer {
			c.MarkValid()
		}
	}
	return nil
}

// SetDeviceCallback registers a per-slave cyclic callback, fired
// after the consumer pass and before the producer pass.
func (m *Master) SetDeviceCallback(slaveIndex int, cb connection.SlaveCyclicCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCallbacks[slaveIndex] = cb
}

// ActivateSercosTime programs the dissemination-capable clock; it is
// then advanced every cycle by the cyclic task.
func (m *Master) ActivateSercosTime(t sercos.SercosTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sercosTime = t
	m.sercosTimeActive = true
}

// ReadSercosTime reports the current Sercos time and whether
// dissemination is active.
func (m *Master) ReadSercosTime() (sercos.SercosTime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sercosTime, m.sercosTimeActive
}

func (m *Master) advanceSercosTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sercosTimeActive {
		return
	}
	m.sercosTime = m.sercosTime.Advance(sercos.Duration(m.cfg.CycleTimeCP3_4))
}

// HotPlug manually signals that a configured slave has appeared,
// kicking off its mini phase-handler ladder.
func (m *Master) HotPlug(slaveIndex int) {
	m.hotplugMgr.NoteDetected(slaveIndex)
}

// RecoverRing requests ring recovery: the RingRecovery ladder step is
// entered from steady CP4 and then driven forward by the cyclic task,
// which confirms bidirectional traffic for the configured number of
// cycles before the ring is declared restored.
func (m *Master) RecoverRing() (complete bool) {
	_ = m.phaseHandler.EnterHotPlug(phase.StepRingRecovery)
	return m.hotplugMgr.RingRecovered()
}

// Faults exposes the fault Reporter for application polling/callbacks.
func (m *Master) Faults() *fault.Reporter { return m.faults }

// Slaves exposes the discovered-slave table.
func (m *Master) Slaves() *slave.Table { return m.slaves }

// PhaseHandler exposes the phase handler so callers can override the
// Action implementation for a startup step; Master owns its lifecycle
// but not its step logic, which is transport/hardware specific.
func (m *Master) PhaseHandler() *phase.Handler { return m.phaseHandler }

// HotplugManager exposes the Hot-plug Manager for event subscription.
func (m *Master) HotplugManager() *hotplug.Manager { return m.hotplugMgr }

// ProducerBuffer returns the application-side buffer an app task
// writes before calling MarkValid, for the slave's one configured
// producer (MDT) connection.
func (m *Master) ProducerBuffer(slaveIndex int) ([]byte, bool) {
	return m.connectionBuffer(slaveIndex, connection.RoleProducer)
}

// ConsumerBuffer returns the application-side buffer an app task reads
// after the Cyclic Engine's consumer pass, for the slave's one
// configured consumer (AT) connection.
func (m *Master) ConsumerBuffer(slaveIndex int) ([]byte, bool) {
	return m.connectionBuffer(slaveIndex, connection.RoleConsumer)
}

func (m *Master) connectionBuffer(slaveIndex int, role connection.Role) ([]byte, bool) {
	d, ok := m.slaves.ByIndex(slaveIndex)
	if !ok {
		return nil, false
	}
	for _, c := range d.Connections().All() {
		if c.Config().Role == role {
			app, _ := c.Buffers()
			return app, true
		}
	}
	return nil, false
}

func (m *Master) nextCycleCount() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cycleCount
	m.cycleCount++
	return c
}

// sendPhaseCommand composes and sends MDT0 carrying cp/switchActive
// in its Sercos header, addressing TopologyAddr broadcast. It is the
// single transmit path every phase Action uses before CP4, since the
// real cyclic task isn't running yet.
func (m *Master) sendPhaseCommand(cp phase.CommPhase, switchActive bool) {
	m.codec.WriteMST(telegram.MST{MasterControl: 0, TopologyAddr: 0xFFFF, Reserved: m.cfg.CommVersion})
	frame, err := m.codec.ComposeTx(telegram.MDT, 0, uint8(cp), switchActive, m.nextCycleCount())
	if err != nil {
		return
	}
	_ = m.pm.Send(sercos.P1, frame)
}

// decodeSDEV reads AT0's S-DEV block as one word per configured
// slave, in discovery order.
func (m *Master) decodeSDEV() []uint16 {
	data := m.codec.RxArena(sercos.P1, 0).Data
	n := m.slaves.Len()
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		off := i * telegram.SDEVLen
		if off+2 > len(data) {
			break
		}
		out[i] = uint16(data[off])<<8 | uint16(data[off+1])
	}
	return out
}

// allSlavesAcked reports whether every discovered slave's S-DEV shows
// Valid with no CommError, the ack condition SetCP1/CP2/CP3/CP4 poll
// for after sending a phase command.
func (m *Master) allSlavesAcked() bool {
	sdev := m.decodeSDEV()
	for _, d := range m.slaves.All() {
		if !d.Discovered() {
			continue
		}
		i := d.Index()
		if i >= len(sdev) {
			return false
		}
		word := sdev[i]
		if word&telegram.SDEVCommError != 0 {
			return false
		}
		if word&telegram.SDEVValid == 0 {
			return false
		}
	}
	return true
}

// emitMDT composes and sends one MDT slot, wired to cyclic.Options.
// EmitMDT; slot 0 additionally carries the MST.
func (m *Master) emitMDT(slot int) error {
	if slot == 0 {
		m.codec.WriteMST(telegram.MST{MasterControl: 0, TopologyAddr: 0xFFFF, Reserved: m.cfg.CommVersion})
	}
	frame, err := m.codec.ComposeTx(telegram.MDT, uint8(slot), uint8(m.phaseHandler.State().Current), false, m.nextCycleCount())
	if err != nil {
		return err
	}
	return m.pm.Send(sercos.P1, frame)
}

// receiveAT drains pending frames once per cycle (on slot 0) and, for
// slot 0, decodes S-DEV into the slave table so Active() reflects this
// cycle's status. Wired to cyclic.Options.ReceiveAT.
func (m *Master) receiveAT(slot int) (bool, []byte) {
	if slot == 0 {
		m.pm.Poll()
		sdev := m.decodeSDEV()
		for _, d := range m.slaves.All() {
			i := d.Index()
			if i >= len(sdev) {
				continue
			}
			d.SetSDEV(sdev[i])
			d.SetActive(sdev[i]&telegram.SDEVValid != 0)
		}
	}
	arena := m.codec.RxArena(sercos.P1, uint8(slot))
	return true, arena.Data
}

// svcTick drives one manual mini-cycle of the SVC Engine: poll for
// frames, advance every slave's transaction from its current AT window,
// write the result into the next MDT window, and resend cp so the
// resulting MDT actually goes out. Used by phase Actions that need SVC
// transactions before CP4, since the Cyclic Engine's own per-cycle
// Advance call (cyclic.Options.SVCInput/Output) only runs once the real
// cyclic task starts at CP4. Takes cp explicitly rather than reading
// m.phaseHandler.State(): callers run from inside an Action's Poll,
// which the Phase Handler invokes while already holding its own state
// lock, so calling back into it here would deadlock.
func (m *Master) svcTick(cp phase.CommPhase) {
	m.pm.Poll()
	for _, d := range m.slaves.All() {
		s := d.Index()
		statusWord, errorCode, readBuf := m.svcInputFor(s)
		controlWord, writeBuf := m.svcEngine.Advance(s, statusWord, errorCode, readBuf)
		m.svcOutputFor(s, controlWord, writeBuf)
	}
	m.sendPhaseCommand(cp, false)
}

func (m *Master) svcInputFor(slave int) (statusWord, errorCode uint16, readBuf []byte) {
	arena := m.codec.RxArena(sercos.P1, 0).Data
	off := m.svcBaseAT + slave*svcATWindowLen
	if off+svcATWindowLen > len(arena) {
		return 0, 0, nil
	}
	statusWord = uint16(arena[off])<<8 | uint16(arena[off+1])
	errorCode = uint16(arena[off+2])<<8 | uint16(arena[off+3])
	return statusWord, errorCode, arena[off+4 : off+6]
}

func (m *Master) svcOutputFor(slave int, controlWord uint16, writeBuf []byte) {
	arena := m.codec.TxArena(0).Data
	off := m.svcBaseMDT + slave*svcMDTWindowLen
	if off+svcMDTWindowLen > len(arena) {
		return
	}
	arena[off] = byte(controlWord >> 8)
	arena[off+1] = byte(controlWord)
	if len(writeBuf) >= 2 {
		arena[off+2] = writeBuf[0]
		arena[off+3] = writeBuf[1]
	}
}

// hotPlugTick scans every configured slave's latest Active() state
// and reports newly-appeared ones to the hot-plug manager, wired to
// cyclic.Options.HotPlugTick. NoteDetected is self-guarding against
// repeats.
// Also drives the Phase Handler's Tick once per cycle: EnterHotPlug
// puts the handler into StepHotPlug outside the main PhaseSwitch call
// that would otherwise progress it, so nothing else advances the
// registered hotPlugAdmitAction's Poll until this does. A no-op when
// the handler is steady (the common case).
func (m *Master) hotPlugTick() {
	for _, d := range m.slaves.All() {
		if d.Active() {
			m.hotplugMgr.NoteDetected(d.Index())
		}
	}
	// a candidate detected after the admission step already passed is
	// still in HP0; relaunch the ladder for it once the handler is
	// steady again (EnterHotPlug refuses mid-ladder, which is fine)
	if len(m.hotplugMgr.Pending()) > 0 {
		_ = m.phaseHandler.EnterHotPlug(phase.StepHotPlug)
	}
	if _, err := m.phaseHandler.Tick(); err != nil {
		m.faults.Report(fault.KindPhaseTimeout, -1, err.Error())
	}
}

func (m *Master) slaveConfigFor(addr uint16) config.SlaveConfig {
	for _, sc := range m.cfg.Slaves {
		if sc.Address == addr {
			return sc
		}
	}
	return config.SlaveConfig{CyclicDataLength: 4}
}

func (m *Master) registerConnection(d *slave.Device, cfg connection.Config) (*connection.Connection, error) {
	c, err := d.Connections().Add(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.connTable.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// placeConnections runs the Descriptor & Buffer Manager for one
// producer (MDT) and one consumer (AT) connection per configured
// slave, then wires each resulting Connection to its application
// buffer and its slice of the telegram codec's arena.
func (m *Master) placeConnections() error {
	slaves := m.slaves.All()
	requests := make([]descriptor.Request, 0, 2*len(slaves))
	lengths := make(map[int]int, len(slaves))

	// MDT0 leads with the MST and AT0 leads with the per-slave S-DEV
	// block; connection regions pack in behind them.
	m.descMgr.Reserve(uint8(telegram.MDT), 0, telegram.MSTLen)
	m.descMgr.Reserve(uint8(telegram.AT), 0, len(slaves)*telegram.SDEVLen)

	for _, d := range slaves {
		sc := m.slaveConfigFor(d.Address())
		length := sc.CyclicDataLength
		if length <= 0 {
			length = 4
		}
		lengths[d.Index()] = length
		requests = append(requests,
			descriptor.Request{ConnectionID: d.Index() * 2, Class: uint8(telegram.MDT), Slot: 0, Length: length, Direction: descriptor.Tx},
			descriptor.Request{ConnectionID: d.Index()*2 + 1, Class: uint8(telegram.AT), Slot: 0, Length: length, Direction: descriptor.Rx},
		)
	}

	if len(requests) == 0 {
		return nil
	}
	if err := m.descMgr.Place(requests); err != nil {
		return err
	}

	for _, d := range slaves {
		idx := d.Index()
		length := lengths[idx]

		txDesc := m.descMgr.Descriptors(idx * 2)
		rxDesc := m.descMgr.Descriptors(idx*2 + 1)
		if len(txDesc) == 0 || len(rxDesc) == 0 {
			continue
		}

		producerName := fmt.Sprintf("slave%d-tx", idx)
		consumerName := fmt.Sprintf("slave%d-rx", idx)

		txCfg := connection.Config{
			Name: producerName, Role: connection.RoleProducer, Class: connection.ClassMDT,
			Slot: 0, Offset: txDesc[0].TelegramOffset, Length: length, Slave: idx,
		}
		rxCfg := connection.Config{
			Name: consumerName, Role: connection.RoleConsumer, Class: connection.ClassAT,
			Slot: 0, Offset: rxDesc[0].TelegramOffset, Length: length, Slave: idx,
			AcceptedLosses: m.cfg.AcceptedTelLosses,
		}

		txConn, err := m.registerConnection(d, txCfg)
		if err != nil {
			return err
		}
		rxConn, err := m.registerConnection(d, rxCfg)
		if err != nil {
			return err
		}

		wireTx, err := m.codec.TxArena(0).View(txDesc[0].TelegramOffset, length)
		if err != nil {
			return err
		}
		wireRx, err := m.codec.RxArena(sercos.P1, 0).View(rxDesc[0].TelegramOffset, length)
		if err != nil {
			return err
		}

		appTx := make([]byte, length)
		appRx := make([]byte, length)
		txConn.SetBuffers(appTx, wireTx)
		rxConn.SetBuffers(appRx, wireRx)

		m.mu.Lock()
		m.appBufs[producerName] = appTx
		m.appBufs[consumerName] = appRx
		m.mu.Unlock()
	}
	return nil
}

// readRingDelay issues the GetTimingData SVC read for one slave: the
// per-slave ring-delay contribution feeding CalcTiming.
func (m *Master) readRingDelay(slave int) error {
	buf := make([]byte, 4)
	n, err := m.svcEngine.Read(slave, timingRingDelayEIDN, svc.ElementValue, buf, false)
	if err != nil {
		return err
	}
	if n < 4 {
		return nil
	}
	val := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	m.mu.Lock()
	m.ringDelayNs[slave] = val
	m.mu.Unlock()
	return nil
}

// writeTimingParams issues the TransmitTiming SVC writes for one
// slave: the computed UC-channel offset, plus the declared soft-master
// jitter when one is configured.
func (m *Master) writeTimingParams(slave int) error {
	m.mu.Lock()
	offset := m.ucChannelOffsetNs
	m.mu.Unlock()
	buf := []byte{byte(offset >> 24), byte(offset >> 16), byte(offset >> 8), byte(offset)}
	if err := m.svcEngine.Write(slave, timingMDTStartEIDN, svc.ElementValue, buf, false); err != nil {
		return err
	}
	if jitter := m.cfg.SoftMasterJitterNs; jitter > 0 {
		jbuf := []byte{byte(jitter >> 24), byte(jitter >> 16), byte(jitter >> 8), byte(jitter)}
		return m.svcEngine.Write(slave, timingJitterEIDN, svc.ElementValue, jbuf, false)
	}
	return nil
}

// clearSlaveErrors runs the reset-class-1-diagnostics procedure
// command on one slave, the CP2-entry cleanup ClearErrorsOnStartup
// asks for.
func (m *Master) clearSlaveErrors(slave int) error {
	outcome, err := m.svcEngine.Command(slave, resetDiagEIDN, false)
	if err != nil {
		return err
	}
	if outcome != svc.CommandFinished {
		return fmt.Errorf("%w: reset diagnostics ended %v on slave %d", sercos.ErrSvcSlaveError, outcome, slave)
	}
	return nil
}
