// Package svc implements the service channel: a segmented in-order
// byte channel per slave, multiplexed two bytes per cycle into every
// MDT/AT. An arbitrary-length parameter value crosses the wire one
// word-toggle handshake at a time, buffered through internal/fifo.
package svc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	sercos "github.com/go-sercos/master"
	"github.com/go-sercos/master/internal/fifo"
)

// Wire bits, control word (master -> slave).
const (
	ctrlSendToggle uint16 = 1 << 0
	ctrlClear      uint16 = 1 << 4
)

// Wire bits, status word (slave -> master).
const (
	statAckToggle  uint16 = 1 << 0
	statBusy       uint16 = 1 << 1
	statErr        uint16 = 1 << 2
	statSendToggle uint16 = 1 << 3
)

// Engine drives one SVC transaction per slave at a time. Concurrent
// transactions to different slaves proceed independently.
type Engine struct {
	mu sync.Mutex

	busyTimeout       time.Duration
	busyTimeoutCycles int
	container         *Container // geometry template shared by every slave's container

	active map[int]*transaction

	lastSlaveToggle map[int]bool
	lastCtrlToggle  map[int]bool // control-word toggle as last emitted, continuous across transactions
}

// NewEngine builds an Engine whose busy timeout is expressed both as a
// wall-clock duration (used to bound the blocking Read/Write/Command
// calls) and, via cyclePeriod, as a cycle count (used by Advance to
// detect a stalled transaction from the real-time path, which has no
// wall clock of its own to block on).
func NewEngine(busyTimeout time.Duration, cyclePeriod time.Duration, containerSize int) *Engine {
	cycles := int(busyTimeout / cyclePeriod)
	if cycles < 1 {
		cycles = 1
	}
	cont, err := NewContainer(containerSize)
	if err != nil {
		// fall back to the smallest legal geometry rather than refusing
		// to build; the caller's size came from configuration and a
		// misconfigured master should still bring its network up.
		cont, _ = NewContainer(ControlBlockLen + 64)
		log.Warnf("[SVC] invalid container size %v (%v), using minimum", containerSize, err)
	}
	return &Engine{
		busyTimeout:       busyTimeout,
		busyTimeoutCycles: cycles,
		container:         cont,
		active:            make(map[int]*transaction),
		lastSlaveToggle:   make(map[int]bool),
		lastCtrlToggle:    make(map[int]bool),
	}
}

// Read blocks until the addressed element's value has been read into
// buf or the transaction fails.
func (e *Engine) Read(slave int, eidn EIDN, elem Element, buf []byte, cancelInFlight bool) (int, error) {
	t := newTransaction(slave, eidn, elem, Read, 0, cancelInFlight, e.busyTimeoutCycles)
	t.readDst = buf
	if err := e.submit(slave, t); err != nil {
		return 0, err
	}
	log.Debugf("[SVC][TX][x%x] READ | %v elem %v", slave, eidn, elem)
	r := e.await(t)
	return r.actualLen, r.err
}

// Write blocks until data has been written to the addressed element
// or the transaction fails. A value longer than the container's write
// half cannot be held by the slave's job buffer and is rejected up
// front.
func (e *Engine) Write(slave int, eidn EIDN, elem Element, data []byte, cancelInFlight bool) error {
	if len(data) > e.container.WriteBufLen {
		return fmt.Errorf("%w: value length %d exceeds svc write buffer %d", sercos.ErrIllegalArgument, len(data), e.container.WriteBufLen)
	}
	t := newTransaction(slave, eidn, elem, Write, len(data), cancelInFlight, e.busyTimeoutCycles)
	t.writeSrc = data
	t.payload = fifo.NewFifo(len(data) + 2)
	t.payload.Write(data)
	if err := e.submit(slave, t); err != nil {
		return err
	}
	log.Debugf("[SVC][TX][x%x] WRITE | %v elem %v len %v", slave, eidn, elem, len(data))
	r := e.await(t)
	return r.err
}

// Command executes a procedure command: sends the 4-word header with
// direction Command as the activation, polls the status word until the
// command finishes, then clears the command. The IDN's attribute is not
// read first, so nothing checks that the IDN is a procedure command.
func (e *Engine) Command(slave int, eidn EIDN, cancelInFlight bool) (CommandOutcome, error) {
	t := newTransaction(slave, eidn, ElementAttribute, Command, 0, cancelInFlight, e.busyTimeoutCycles)
	if err := e.submit(slave, t); err != nil {
		return CommandError, err
	}
	log.Debugf("[SVC][TX][x%x] COMMAND | %v", slave, eidn)
	r := e.await(t)
	return r.outcome, r.err
}

func (e *Engine) submit(slave int, t *transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.active[slave]; ok {
		if !t.cancelInFlight {
			return fmt.Errorf("%w: slave %d", sercos.ErrSvcBusy, slave)
		}
		log.Warnf("[SVC][x%x] cancelling in-flight transaction for %v", slave, t.eidn)
		existing.done <- result{err: errors.New("svc: cancelled by higher-priority request")}
	}
	e.active[slave] = t
	return nil
}

func (e *Engine) await(t *transaction) result {
	select {
	case r := <-t.done:
		return r
	case <-time.After(e.busyTimeout + time.Second):
		// Belt-and-braces: Advance's own cycle-counted timeout should
		// have already delivered ErrSvcTimeout on t.done by now. This
		// guards against a cyclic task that stopped ticking entirely.
		return result{err: sercos.ErrSvcTimeout}
	}
}

// Advance steps the engine for one slave by one cycle, called by the
// cyclic task once per slave per tick. statusWord/errorCode/readBuf
// are what this slave placed in the AT container just decoded;
// Advance returns the control word and write-buffer content to place
// in the container for the next outgoing MDT.
func (e *Engine) Advance(slave int, statusWord, errorCode uint16, readBuf []byte) (controlWord uint16, writeBuf []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.active[slave]
	if !ok {
		// Idle control words keep the last emitted toggle value: the
		// slave latches a word on every toggle flip, so flipping back
		// to zero between transactions would feed it garbage.
		return e.idleControlWord(slave), nil
	}

	t.cyclesWaited++
	if t.cyclesWaited > t.busyTimeoutCyc && t.ph != phaseDone {
		e.finish(slave, t, result{err: sercos.ErrSvcTimeout})
		return e.idleControlWord(slave), nil
	}
	if statusWord&statErr != 0 {
		e.finish(slave, t, result{err: fmt.Errorf("%w: code %d", sercos.ErrSvcSlaveError, errorCode)})
		return e.idleControlWord(slave), nil
	}

	switch t.ph {
	case phaseHeader:
		e.advanceHeader(slave, t, statusWord)
	case phasePayload:
		switch t.dir {
		case Write:
			e.advanceWritePayload(slave, t, statusWord)
		case Read:
			e.advanceReadPayload(slave, t, statusWord, readBuf)
		}
	case phaseCommandPoll:
		e.advanceCommandPoll(t, statusWord, readBuf)
	case phaseCommandClear:
		e.advanceCommandClear(slave, t, statusWord)
	}

	if t.ph == phaseDone {
		return e.idleControlWord(slave), nil
	}

	// The current pending word is retransmitted every cycle, unchanged,
	// until the slave's ack-toggle catches up with sendToggle; only then
	// does the phase-specific advance function above move on to the
	// next word and flip sendToggle again. This is what makes the wire
	// protocol safe to replay on a dropped/delayed ack.
	cw := uint16(0)
	if t.sendToggle {
		cw |= ctrlSendToggle
	}
	e.lastCtrlToggle[slave] = t.sendToggle
	var out []byte
	if t.needSend {
		out = make([]byte, 2)
		out[0] = byte(t.pendingWord >> 8)
		out[1] = byte(t.pendingWord)
	}
	return cw, out
}

func (e *Engine) idleControlWord(slave int) uint16 {
	if e.lastCtrlToggle[slave] {
		return ctrlSendToggle
	}
	return 0
}

func (e *Engine) advanceHeader(slave int, t *transaction, statusWord uint16) {
	acked := (statusWord&statAckToggle != 0) == t.sendToggle
	if t.headerIdx == 0 {
		// continue the toggle sequence where the previous transaction
		// on this slave left it
		t.sendToggle = !e.lastCtrlToggle[slave]
		t.pendingWord = t.headerWords[0]
		t.needSend = true
		t.headerIdx = 1
		return
	}
	if !acked {
		return // keep retransmitting t.pendingWord unchanged
	}
	if t.headerIdx < 4 {
		t.pendingWord = t.headerWords[t.headerIdx]
		t.sendToggle = !t.sendToggle
		t.headerIdx++
		return
	}
	// header fully acked. The slave's send toggle keeps whatever value
	// it ended the previous transaction with, so the read path's
	// new-word detection must baseline against its current value, not
	// against a cleared one.
	e.lastSlaveToggle[slave] = statusWord&statSendToggle != 0
	t.needSend = false
	t.state = InProgress
	switch t.dir {
	case Command:
		t.ph = phaseCommandPoll
		t.state = CmdActive
	default:
		t.ph = phasePayload
	}
}

func (e *Engine) advanceWritePayload(slave int, t *transaction, statusWord uint16) {
	acked := (statusWord&statAckToggle != 0) == t.sendToggle
	if t.needSend && !acked {
		return // keep retransmitting t.pendingWord unchanged until acked
	}
	if t.needSend {
		// previous word acked; commit the tentative read it corresponds to
		t.payload.AltFinish()
	}
	if t.payload.Occupied() > 0 {
		t.payload.AltBegin(0)
		chunk := make([]byte, 2)
		n := t.payload.AltRead(chunk)
		word := uint16(chunk[0]) << 8
		if n == 2 {
			word |= uint16(chunk[1])
		}
		t.pendingWord = word
		t.sendToggle = !t.sendToggle
		t.needSend = true
		return
	}
	t.needSend = false
	if statusWord&statBusy == 0 {
		e.finish(slave, t, result{actualLen: len(t.writeSrc)})
	}
}

func (e *Engine) advanceReadPayload(slave int, t *transaction, statusWord uint16, readBuf []byte) {
	lastToggle := e.lastSlaveToggle[slave]
	toggle := statusWord&statSendToggle != 0
	if toggle == lastToggle {
		return // no new word yet
	}
	e.lastSlaveToggle[slave] = toggle

	if len(readBuf) < 2 {
		return
	}
	word := uint16(readBuf[0])<<8 | uint16(readBuf[1])

	if t.total == 0 {
		t.total = int(word)
		t.collected = make([]byte, 0, t.total)
		return
	}
	remaining := t.total - len(t.collected)
	if remaining <= 0 {
		return
	}
	if remaining == 1 {
		t.collected = append(t.collected, byte(word>>8))
	} else {
		t.collected = append(t.collected, byte(word>>8), byte(word))
	}
	if len(t.collected) >= t.total {
		n := copy(t.readDst, t.collected)
		e.finish(slave, t, result{actualLen: n})
	}
}

func (e *Engine) advanceCommandPoll(t *transaction, statusWord uint16, readBuf []byte) {
	if statusWord&statBusy != 0 {
		return
	}
	if len(readBuf) < 2 {
		return
	}
	code := readBuf[1]
	switch code {
	case 0:
		t.commandOutcome = CommandFinished
	case 1:
		t.commandOutcome = CommandStopped
	default:
		t.commandOutcome = CommandError
	}
	t.state = CmdStatusValid
	t.pendingWord = ctrlClear
	t.sendToggle = !t.sendToggle
	t.needSend = true
	t.ph = phaseCommandClear
}

func (e *Engine) advanceCommandClear(slave int, t *transaction, statusWord uint16) {
	acked := (statusWord&statAckToggle != 0) == t.sendToggle
	if !acked {
		t.pendingWord = ctrlClear
		t.needSend = true
		return
	}
	t.state = CmdCleared
	e.finish(slave, t, result{outcome: t.commandOutcome})
}

func (e *Engine) finish(slave int, t *transaction, r result) {
	if r.err != nil {
		log.Warnf("[SVC][RX][x%x] ABORT | %v | %v", slave, t.eidn, r.err)
	} else {
		log.Debugf("[SVC][RX][x%x] DONE | %v len %v", slave, t.eidn, r.actualLen)
	}
	t.ph = phaseDone
	delete(e.active, slave)
	delete(e.lastSlaveToggle, slave)
	select {
	case t.done <- r:
	default:
	}
}

// Pending reports whether a transaction is currently active for slave,
// for diagnostics/tests.
func (e *Engine) Pending(slave int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[slave]
	return ok
}
