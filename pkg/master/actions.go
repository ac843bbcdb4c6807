package master

import (
	"fmt"
	"sync"

	sercos "github.com/go-sercos/master"
	"github.com/go-sercos/master/pkg/config"
	"github.com/go-sercos/master/pkg/phase"
	"github.com/go-sercos/master/pkg/slave"
	"github.com/go-sercos/master/pkg/svc"
	"github.com/go-sercos/master/pkg/telegram"
	"github.com/go-sercos/master/pkg/topology"
)

// timingRingDelayEIDN/timingMDTStartEIDN are the representative IDNs
// GetTimingData reads and TransmitTiming writes: the per-slave
// ring-delay contribution feeding CalcTiming, and the computed MDT
// start time/UC-channel offset sent back down. A full implementation
// addresses several more timing IDNs (min feedback processing time,
// jitter capability); this core carries the one round trip that
// exercises the same SVC/wire path every other one would.
var (
	timingRingDelayEIDN = svc.EIDN{Number: 1050, SE: 8}
	timingMDTStartEIDN  = svc.EIDN{Number: 1051, SE: 8}
	timingJitterEIDN    = svc.EIDN{Number: 1023}
	resetDiagEIDN       = svc.EIDN{Number: 99}
)

// registerDefaultActions installs one concrete Action per
// startup-ladder step; callers may override individual steps through
// Master.PhaseHandler before requesting a phase.
func registerDefaultActions(m *Master) {
	h := m.phaseHandler

	simple := func(cp phase.CommPhase) phase.Action { return &phaseCommandAction{m: m, cp: cp} }

	h.Register(phase.StepInitialize, &initializeAction{m: m})
	h.Register(phase.StepInitHardware, simple(phase.NRT))
	h.Register(phase.StepSetCommParam, simple(phase.NRT))
	h.Register(phase.StepSetNRT, simple(phase.NRT))
	h.Register(phase.StepSetCP0, &discoverSlavesAction{m: m})
	h.Register(phase.StepInitConfig, simple(phase.CP0))
	h.Register(phase.StepSetCP1, &phaseAckAction{m: m, cp: phase.CP1})
	h.Register(phase.StepSetCP2, newSetCP2Action(m))
	h.Register(phase.StepCheckVersion, simple(phase.CP2))
	h.Register(phase.StepGetTimingData, &svcBatchAction{m: m, cp: phase.CP2, name: "get timing data", op: (*Master).readRingDelay})
	h.Register(phase.StepCalcTiming, &calcTimingAction{m: m})
	h.Register(phase.StepTransmitTiming, &svcBatchAction{m: m, cp: phase.CP2, name: "transmit timing", op: (*Master).writeTimingParams})
	h.Register(phase.StepSetCP3, &phaseAckAction{m: m, cp: phase.CP3})
	h.Register(phase.StepFillConnInfo, &fillConnInfoAction{m: m})
	h.Register(phase.StepSetCP4, &phaseAckAction{m: m, cp: phase.CP4})

	// hotplug.Manager.NoteDetected enters StepHotPlug directly from
	// steady CP4 (outside the main stepOrder ladder), which then chains
	// into StepTransHP2Para; Master.RecoverRing enters StepRingRecovery
	// the same way. All three need registrations of their own.
	h.Register(phase.StepHotPlug, &hotPlugAdmitAction{m: m})
	h.Register(phase.StepTransHP2Para, &hotPlugParamAction{m: m})
	h.Register(phase.StepRingRecovery, &ringRecoveryAction{m: m})
}

// initializeAction resets per-slave discovery/activity state at the
// top of every startup-ladder run, including re-entries after a
// switch-back to NRT.
type initializeAction struct{ m *Master }

func (a *initializeAction) Enter(h *phase.Handler) error {
	for _, d := range a.m.slaves.All() {
		d.SetDiscovered(false)
		d.SetActive(false)
		d.Connections().Reset()
	}
	a.m.connTable.Reset()
	return nil
}

func (a *initializeAction) Poll(h *phase.Handler) phase.StepResult { return phase.StepResult{Done: true} }
func (a *initializeAction) Exit(h *phase.Handler)                  {}

// phaseCommandAction sends one administrative phase command, used for
// the ladder steps that are pure transitions with no per-slave ack
// modeled separately from the next real SetCPn step.
type phaseCommandAction struct {
	m  *Master
	cp phase.CommPhase
}

func (a *phaseCommandAction) Enter(h *phase.Handler) error {
	a.m.sendPhaseCommand(a.cp, false)
	return nil
}

func (a *phaseCommandAction) Poll(h *phase.Handler) phase.StepResult { return phase.StepResult{Done: true} }
func (a *phaseCommandAction) Exit(h *phase.Handler)                  {}

// discoverSettlePolls is how many consecutive polls the discovered
// set must hold still before an auto-detected configuration is
// adopted.
const discoverSettlePolls = 3

// discoverSlavesAction implements SetCP0: send CP0 with a broadcast
// topology address, poll AT0 each tick, and mark every answering
// slave discovered. With DetectSlaveConfig the discovered set is
// adopted once it stops changing; without it every configured slave
// (hot-plug candidates excepted) must answer before the step
// completes. Without DetectSlaveConfig, and with no configured slave
// other than hot-plug candidates, this completes on the first Poll.
type discoverSlavesAction struct {
	m *Master

	settled   int
	lastCount int
}

func (a *discoverSlavesAction) Enter(h *phase.Handler) error {
	a.settled, a.lastCount = 0, 0
	return nil
}

func (a *discoverSlavesAction) Poll(h *phase.Handler) phase.StepResult {
	a.m.sendPhaseCommand(phase.CP0, false)
	a.m.pm.Poll()

	sdev := a.m.decodeSDEV()
	discovered, required := 0, 0
	for _, d := range a.m.slaves.All() {
		if !a.m.slaveConfigFor(d.Address()).HotPlug {
			required++
		}
		i := d.Index()
		if i >= len(sdev) {
			continue
		}
		if sdev[i]&telegram.SDEVValid != 0 {
			d.SetDiscovered(true)
			d.SetSDEV(sdev[i])
			discovered++
		}
	}

	if a.m.cfg.DetectSlaveConfig {
		// adopt whatever answered, once the set holds still; an empty
		// ring gets a longer quiet window before absence is concluded
		if discovered == a.lastCount {
			a.settled++
		} else {
			a.settled, a.lastCount = 0, discovered
		}
		settleNeed := discoverSettlePolls
		if discovered == 0 {
			settleNeed = discoverSettlePolls * 5
		}
		return phase.StepResult{Done: a.settled >= settleNeed}
	}

	return phase.StepResult{Done: discovered >= required}
}

func (a *discoverSlavesAction) Exit(h *phase.Handler) {}

// phaseAckAction implements the SetCP1/SetCP2/SetCP3/SetCP4 ladder
// steps: resend the phase command every Poll and wait for every
// discovered slave to ack (S-DEV Valid, no CommError). Reaching CP4
// here only completes once a real or simulated slave down the wire
// acks; with no responder present it safely times out via the Phase
// Handler's own deadline, the same behavior a real master shows when
// powered up with no slaves attached.
type phaseAckAction struct {
	m  *Master
	cp phase.CommPhase
}

func (a *phaseAckAction) Enter(h *phase.Handler) error { return nil }

func (a *phaseAckAction) Poll(h *phase.Handler) phase.StepResult {
	a.m.sendPhaseCommand(a.cp, false)
	a.m.pm.Poll()
	if a.m.allSlavesAcked() {
		return phase.StepResult{Done: true}
	}
	return phase.StepResult{Done: false}
}

func (a *phaseAckAction) Exit(h *phase.Handler) {}

// setCP2Action drives the CP2 phase command and ack like every other
// SetCPn step, then, when ClearErrorsOnStartup is set, runs the
// reset-diagnostics procedure command on every discovered slave
// before the step completes.
type setCP2Action struct {
	ack   *phaseAckAction
	batch *svcBatchAction

	clearing bool
}

func newSetCP2Action(m *Master) *setCP2Action {
	return &setCP2Action{
		ack:   &phaseAckAction{m: m, cp: phase.CP2},
		batch: &svcBatchAction{m: m, cp: phase.CP2, name: "clear slave errors", op: (*Master).clearSlaveErrors},
	}
}

func (a *setCP2Action) Enter(h *phase.Handler) error {
	a.clearing = false
	return a.ack.Enter(h)
}

func (a *setCP2Action) Poll(h *phase.Handler) phase.StepResult {
	if a.clearing {
		return a.batch.Poll(h)
	}
	res := a.ack.Poll(h)
	if !res.Done || res.Err != nil || !a.ack.m.cfg.ClearErrorsOnStartup {
		return res
	}
	a.clearing = true
	if err := a.batch.Enter(h); err != nil {
		return phase.StepResult{Done: true, Err: err}
	}
	return phase.StepResult{Done: false}
}

func (a *setCP2Action) Exit(h *phase.Handler) {}

// svcBatchAction runs op concurrently for every slave over a background
// goroutine, driving the blocking svc.Engine.Read/Write calls those ops
// make by repeatedly advancing the SVC Engine from Poll. The cyclic
// task only starts ticking at CP4, so without this manual
// mini-cycle a Read/Write issued during GetTimingData/TransmitTiming
// would never be unblocked by anything.
type svcBatchAction struct {
	m    *Master
	cp   phase.CommPhase
	name string
	op   func(m *Master, slave int) error

	mu   sync.Mutex
	done bool
	err  error
}

func (a *svcBatchAction) Enter(h *phase.Handler) error {
	a.mu.Lock()
	a.done, a.err = false, nil
	a.mu.Unlock()

	// absent (undiscovered) slaves have nobody to answer the service
	// channel; hot-plug candidates get their parameter pass during
	// admission instead
	var slaves []*slave.Device
	for _, d := range a.m.slaves.All() {
		if d.Discovered() {
			slaves = append(slaves, d)
		}
	}
	go func() {
		var wg sync.WaitGroup
		errCh := make(chan error, len(slaves))
		for _, d := range slaves {
			idx := d.Index()
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.op(a.m, idx); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)

		var firstErr error
		for err := range errCh {
			if firstErr == nil {
				firstErr = err
			}
		}

		a.mu.Lock()
		a.done, a.err = true, firstErr
		a.mu.Unlock()
	}()
	return nil
}

func (a *svcBatchAction) Poll(h *phase.Handler) phase.StepResult {
	a.m.svcTick(a.cp)

	a.mu.Lock()
	done, err := a.done, a.err
	a.mu.Unlock()

	if !done {
		return phase.StepResult{Done: false}
	}
	if err != nil {
		return phase.StepResult{Done: true, Retry: true, Err: fmt.Errorf("%s: %w", a.name, err)}
	}
	return phase.StepResult{Done: true}
}

func (a *svcBatchAction) Exit(h *phase.Handler) {}

// calcTimingAction implements CalcTiming: a pure computation
// over the ring-delay contributions GetTimingData collected, producing
// the UC-channel offset TransmitTiming sends back down. No SVC traffic
// of its own, so it completes in one tick.
type calcTimingAction struct{ m *Master }

func (a *calcTimingAction) Enter(h *phase.Handler) error {
	a.m.mu.Lock()
	var maxDelay uint32
	for _, d := range a.m.ringDelayNs {
		if d > maxDelay {
			maxDelay = d
		}
	}
	// The UC window opens after every block that precedes it in the
	// configured cycle layout; the worst-case ring delay pads each
	// preceding block.
	cycle := uint32(a.m.cfg.CycleTimeCP3_4.Nanoseconds())
	switch a.m.cfg.TimingMethod {
	case config.TimingMDTUCCAT:
		a.m.ucChannelOffsetNs = maxDelay + cycle/4
	case config.TimingATCycleEnd:
		a.m.ucChannelOffsetNs = maxDelay + cycle/4
	default: // MDT, AT, then UCC
		a.m.ucChannelOffsetNs = 2*maxDelay + cycle/2
	}
	a.m.mu.Unlock()
	return nil
}

func (a *calcTimingAction) Poll(h *phase.Handler) phase.StepResult { return phase.StepResult{Done: true} }
func (a *calcTimingAction) Exit(h *phase.Handler)                  {}

// fillConnInfoAction implements FillConnInfo: runs the
// Descriptor & Buffer Manager over one producer+one consumer connection
// per configured slave and wires the resulting Connections to the
// Telegram Codec's arenas. A configuration that doesn't fit the MTU
// fails terminally here (ErrConfigurationLarge), not via retry.
type fillConnInfoAction struct{ m *Master }

func (a *fillConnInfoAction) Enter(h *phase.Handler) error { return nil }

func (a *fillConnInfoAction) Poll(h *phase.Handler) phase.StepResult {
	if err := a.m.placeConnections(); err != nil {
		return phase.StepResult{Done: true, Err: err}
	}
	return phase.StepResult{Done: true}
}

func (a *fillConnInfoAction) Exit(h *phase.Handler) {}

// hotPlugAdmitAction implements HP0, the first hot-plug mini-ladder
// step: send the phase command addressed to the ring and wait for
// every pending candidate's S-DEV ack, the same Valid/CommError
// condition the main ladder's SetCPn steps poll for. Driven forward
// by Master.hotPlugTick on every cycle once CP4 is reached, not by
// PhaseSwitch, since admission runs alongside live cyclic traffic
// rather than blocking it. Admitted candidates move into HP1 and the
// ladder chains into TransHP2Para.
type hotPlugAdmitAction struct{ m *Master }

func (a *hotPlugAdmitAction) Enter(h *phase.Handler) error { return nil }

func (a *hotPlugAdmitAction) Poll(h *phase.Handler) phase.StepResult {
	a.m.sendPhaseCommand(phase.CP4, false)
	a.m.pm.Poll()

	sdev := a.m.decodeSDEV()
	for _, slave := range a.m.hotplugMgr.Pending() {
		if slave >= len(sdev) {
			continue
		}
		word := sdev[slave]
		switch {
		case word&telegram.SDEVCommError != 0:
			a.m.hotplugMgr.MarkFailed(slave, sercos.ErrDeviceMissing)
		case word&telegram.SDEVValid != 0:
			if d, ok := a.m.slaves.ByIndex(slave); ok {
				d.SetDiscovered(true)
				d.SetSDEV(word)
			}
			a.m.hotplugMgr.MarkAdmitted(slave)
		}
	}
	if len(a.m.hotplugMgr.Pending()) == 0 {
		return phase.StepResult{Done: true}
	}
	return phase.StepResult{Done: false}
}

func (a *hotPlugAdmitAction) Exit(h *phase.Handler) {}

// hotPlugParamAction implements HP1 and HP2: write each admitted
// candidate's timing parameters over the service channel (the cyclic
// task's per-cycle SVC advance unblocks the writes), then wait for
// the candidate's first valid cyclic S-DEV before letting it
// produce. Failures stay confined to the candidate.
type hotPlugParamAction struct {
	m *Master

	mu      sync.Mutex
	started bool
}

func (a *hotPlugParamAction) Enter(h *phase.Handler) error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return nil
}

func (a *hotPlugParamAction) Poll(h *phase.Handler) phase.StepResult {
	a.mu.Lock()
	if !a.started {
		a.started = true
		for _, slave := range a.m.hotplugMgr.Parameterizing() {
			go func(slave int) {
				if err := a.m.writeTimingParams(slave); err != nil {
					a.m.hotplugMgr.MarkFailed(slave, err)
					return
				}
				a.m.hotplugMgr.MarkParameterized(slave)
			}(slave)
		}
	}
	a.mu.Unlock()

	sdev := a.m.decodeSDEV()
	for _, slave := range a.m.hotplugMgr.Enabling() {
		if slave < len(sdev) && sdev[slave]&telegram.SDEVValid != 0 {
			a.m.hotplugMgr.MarkActive(slave)
		}
	}

	done := len(a.m.hotplugMgr.Parameterizing()) == 0 && len(a.m.hotplugMgr.Enabling()) == 0
	return phase.StepResult{Done: done}
}

func (a *hotPlugParamAction) Exit(h *phase.Handler) {}

// ringRecoveryAction implements the RingRecovery ladder step: once
// the Topology Monitor sees the ring intact again, each cycle counts
// toward the confirmation window; the step completes when the window
// is full. A ring that never re-forms fails via the Phase Handler's
// own deadline.
type ringRecoveryAction struct{ m *Master }

func (a *ringRecoveryAction) Enter(h *phase.Handler) error { return nil }

func (a *ringRecoveryAction) Poll(h *phase.Handler) phase.StepResult {
	if a.m.topo.State() != topology.Ring {
		a.m.hotplugMgr.NoteRingBroken()
		return phase.StepResult{Done: false}
	}
	return phase.StepResult{Done: a.m.hotplugMgr.NoteRingIntact()}
}

func (a *ringRecoveryAction) Exit(h *phase.Handler) {}
