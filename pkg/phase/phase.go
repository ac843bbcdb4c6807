// Package phase implements the phase handler: a linear state machine
// driving the network through NRT and the CP0..CP4 startup ladder,
// with retries, timeouts, and switch-back safety. Sercos phase
// switching is a multi-step negotiation, so each communication phase
// decomposes into ordered sub-steps with pluggable behaviors.
package phase

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	sercos "github.com/go-sercos/master"
)

// CommPhase is a Sercos communication phase (GLOSSARY CP0..CP4, NRT).
type CommPhase uint8

const (
	NRT CommPhase = iota
	CP0
	CP1
	CP2
	CP3
	CP4
)

func (p CommPhase) String() string {
	switch p {
	case NRT:
		return "NRT"
	case CP0:
		return "CP0"
	case CP1:
		return "CP1"
	case CP2:
		return "CP2"
	case CP3:
		return "CP3"
	case CP4:
		return "CP4"
	default:
		return "Unknown"
	}
}

// Step is a sub-state within the startup ladder.
type Step uint8

const (
	StepIdle Step = iota
	StepInitialize
	StepInitHardware
	StepSetCommParam
	StepSetNRT
	StepSetCP0
	StepInitConfig
	StepSetCP1
	StepSetCP2
	StepCheckVersion
	StepGetTimingData
	StepCalcTiming
	StepTransmitTiming
	StepSetCP3
	StepFillConnInfo
	StepSetCP4
	StepSteady
	StepHotPlug
	StepTransHP2Para
	StepRingRecovery
)

var stepOrder = []Step{
	StepInitialize, StepInitHardware, StepSetCommParam, StepSetNRT, StepSetCP0,
	StepInitConfig, StepSetCP1, StepSetCP2, StepCheckVersion, StepGetTimingData,
	StepCalcTiming, StepTransmitTiming, StepSetCP3, StepFillConnInfo, StepSetCP4,
	StepSteady,
}

func (s Step) String() string {
	names := map[Step]string{
		StepIdle: "Idle", StepInitialize: "Initialize", StepInitHardware: "InitHardware",
		StepSetCommParam: "SetCommParam", StepSetNRT: "SetNRT", StepSetCP0: "SetCP0",
		StepInitConfig: "InitConfig", StepSetCP1: "SetCP1", StepSetCP2: "SetCP2",
		StepCheckVersion: "CheckVersion", StepGetTimingData: "GetTimingData",
		StepCalcTiming: "CalcTiming", StepTransmitTiming: "TransmitTiming",
		StepSetCP3: "SetCP3", StepFillConnInfo: "FillConnInfo", StepSetCP4: "SetCP4",
		StepSteady: "Steady", StepHotPlug: "HotPlug", StepTransHP2Para: "TransHP2Para",
		StepRingRecovery: "RingRecovery",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return "Unknown"
}

// StepResult is what an enter/poll action returns each tick.
type StepResult struct {
	Done  bool
	Retry bool
	Err   error
}

// Action implements one sub-state's enter+poll+exit behavior. Enter is
// called exactly once on transition into the step; Poll is called once
// per Handler.Tick until it reports Done; Exit runs once after Poll
// reports done and before the next step's Enter.
type Action interface {
	Enter(h *Handler) error
	Poll(h *Handler) StepResult
	Exit(h *Handler)
}

// State is the handler's externally visible state snapshot.
type State struct {
	Current       CommPhase
	Requested     CommPhase
	Step          Step
	RetriesLeft   int
	SwitchingBack bool
}

// Handler drives the startup ladder and switch-back requests.
type Handler struct {
	mu     sync.Mutex
	logger *slog.Logger

	state State

	actions map[Step]Action

	retries       int
	timeout       time.Duration
	switchBackGap time.Duration

	deadline time.Time

	disablePower func()  // sets the "disabled" control word on active MDT connections
	waitDisable  time.Duration

	onPhaseChange func(from, to CommPhase)

	done chan error // non-nil while a phase-switch call is in flight
}

// Options configures the retry/timeout behavior every blocking
// phase-switch call runs under.
type Options struct {
	Retries          int
	Timeout          time.Duration
	SwitchBackGap    time.Duration
	DisablePowerFunc func()
}

func NewHandler(opts Options) *Handler {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	h := &Handler{
		logger:        slog.Default().With("component", "phase"),
		state:         State{Current: NRT, Requested: NRT, Step: StepIdle},
		actions:       make(map[Step]Action),
		retries:       opts.Retries,
		timeout:       opts.Timeout,
		switchBackGap: opts.SwitchBackGap,
		disablePower:  opts.DisablePowerFunc,
	}
	return h
}

// Register installs the Action for a given step. Building a Handler
// without registering every step in stepOrder is a configuration
// error caught the first time that step is reached.
func (h *Handler) Register(s Step, a Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[s] = a
}

func (h *Handler) OnPhaseChange(cb func(from, to CommPhase)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPhaseChange = cb
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RequestPhase begins a phase switch toward target. Switch-back
// rules: only CP0 is reachable as a switch-back from any higher
// phase, and NRT is reachable only as a switch-back from CP0.
func (h *Handler) RequestPhase(target CommPhase) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Step != StepIdle && h.state.Step != StepSteady {
		return fmt.Errorf("%w: phase switch already in progress", sercos.ErrPhaseIllegal)
	}

	if target < h.state.Current {
		switch {
		case target == CP0:
			// legal from any higher phase
		case target == NRT && h.state.Current == CP0:
			// legal
		default:
			return fmt.Errorf("%w: cannot switch back from %s to %s", sercos.ErrPhaseIllegal, h.state.Current, target)
		}
		h.state.SwitchingBack = true
		if h.disablePower != nil {
			h.disablePower()
		}
		if h.switchBackGap > 0 {
			time.Sleep(h.switchBackGap)
		}
	} else {
		h.state.SwitchingBack = false
	}

	h.state.Requested = target
	h.state.RetriesLeft = h.retries
	h.state.Step = firstStepToward(target)
	h.deadline = time.Now().Add(h.timeout)
	if err := h.enterLocked(); err != nil {
		h.failLocked()
		return err
	}
	return nil
}

// firstStepToward picks the ladder entry point. A forward request
// always starts from Initialize; CP0 is both the forward entry and
// the only legal switch-back target, so it reuses the same ladder
// entry point either way.
func firstStepToward(target CommPhase) Step {
	return StepInitialize
}

func (h *Handler) enterLocked() error {
	step := h.state.Step
	action, ok := h.actions[step]
	if !ok {
		return fmt.Errorf("phase: no action registered for step %s", step)
	}
	return action.Enter(h)
}

// Tick advances the in-progress phase switch by one step, meant to be
// called once per cyclic-engine tick (or, before CP4, at whatever rate
// the caller wants to poll) until it returns a non-nil result other
// than "still working". Returns (finished, error): finished is true
// once Requested has been reached or the switch has failed terminally.
func (h *Handler) Tick() (finished bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Step == StepIdle || h.state.Step == StepSteady {
		return true, nil
	}

	if time.Now().After(h.deadline) {
		h.logger.Error("phase switch timed out", "step", h.state.Step)
		step := h.state.Step
		h.failLocked()
		return true, fmt.Errorf("%w: step %s", sercos.ErrPhaseTimeout, step)
	}

	action := h.actions[h.state.Step]
	if action == nil {
		step := h.state.Step
		h.failLocked()
		return true, fmt.Errorf("phase: no action registered for step %s", step)
	}

	res := action.Poll(h)
	if !res.Done {
		return false, nil
	}
	action.Exit(h)

	if res.Err != nil {
		if res.Retry && h.state.RetriesLeft > 0 {
			h.state.RetriesLeft--
			h.logger.Warn("retrying step", "step", h.state.Step, "retries_left", h.state.RetriesLeft)
			if err := action.Enter(h); err != nil {
				h.failLocked()
				return true, err
			}
			return false, nil
		}
		h.failLocked()
		return true, res.Err
	}

	next, reachedTarget := h.nextStep()
	if reachedTarget {
		from := h.state.Current
		h.state.Current = h.state.Requested
		h.state.Step = StepSteady
		h.state.SwitchingBack = false
		if h.onPhaseChange != nil {
			cb := h.onPhaseChange
			to := h.state.Current
			h.mu.Unlock()
			cb(from, to)
			h.mu.Lock()
		}
		return true, nil
	}

	h.state.Step = next
	if err := h.enterLocked(); err != nil {
		h.failLocked()
		return true, err
	}
	return false, nil
}

// failLocked returns the handler to a requestable state after a
// terminal step failure. The communication phase itself is unchanged:
// a failed switch leaves the network in the last successfully entered
// phase, and a subsequent RequestPhase starts the ladder over.
func (h *Handler) failLocked() {
	switch h.state.Step {
	case StepHotPlug, StepTransHP2Para, StepRingRecovery:
		h.state.Step = StepSteady
	default:
		h.state.Step = StepIdle
	}
	h.state.Requested = h.state.Current
	h.state.SwitchingBack = false
}

// nextStep advances along stepOrder, stopping once the step that
// corresponds to the requested target's SetCPn step has completed.
// The hot-plug admission step chains into TransHP2Para: a newly
// admitted slave still needs its parameterization pass before it may
// produce; ring recovery stands alone.
func (h *Handler) nextStep() (Step, bool) {
	if h.state.Step == StepHotPlug {
		return StepTransHP2Para, false
	}

	targetStep := map[CommPhase]Step{
		NRT: StepSetNRT, CP0: StepSetCP0, CP1: StepSetCP1,
		CP2: StepSetCP2, CP3: StepSetCP3, CP4: StepSetCP4,
	}[h.state.Requested]

	if h.state.Step == targetStep {
		return StepSteady, true
	}
	for i, s := range stepOrder {
		if s == h.state.Step && i+1 < len(stepOrder) {
			return stepOrder[i+1], false
		}
	}
	return StepSteady, true
}

// EnterHotPlug transitions from steady state into the hot-plug mini
// ladder. On completion the handler is back in StepSteady at the
// requested phase (CP4).
func (h *Handler) EnterHotPlug(step Step) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Step != StepSteady || h.state.Current != CP4 {
		return fmt.Errorf("%w: hot-plug only legal from steady CP4", sercos.ErrPhaseIllegal)
	}
	h.state.Step = step
	h.deadline = time.Now().Add(h.timeout)
	if err := h.enterLocked(); err != nil {
		h.failLocked()
		return err
	}
	return nil
}
