package svc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave is a minimal test double implementing just enough of the
// reciprocal SVC wire protocol to validate the master's segmentation
// and round-trip behavior. It is not a slave-side implementation,
// only a loopback partner for exercising the master's Engine.
type fakeSlave struct {
	store map[EIDN][]byte

	headerWords [4]uint16
	headerIdx   int
	haveSeenCW  bool
	lastSeenCW  bool
	ackToggle   bool

	writeGot  []byte
	writeWant int
	busy      bool

	respondPayload []byte
	sendIdx        int
	sendToggle     bool
	delay          bool
	readWindow     [2]byte
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{store: make(map[EIDN][]byte)}
}

// step consumes one cycle's (controlWord, writeBuf) from the master
// and produces this cycle's (statusWord, errorCode, readBuf).
func (s *fakeSlave) step(controlWord uint16, writeBuf []byte) (statusWord, errorCode uint16, readBuf []byte) {
	sendToggle := controlWord&ctrlSendToggle != 0
	newWord := !s.haveSeenCW || sendToggle != s.lastSeenCW

	if newWord && len(writeBuf) == 2 {
		s.haveSeenCW = true
		s.lastSeenCW = sendToggle
		s.ackToggle = sendToggle
		s.latch(uint16(writeBuf[0])<<8 | uint16(writeBuf[1]))
	}

	// stream at most one read word per cycle, holding the first one a
	// cycle so the master sees the final header ack before it
	switch {
	case s.delay:
		s.delay = false
	case s.sendIdx < len(s.respondPayload):
		s.readWindow[0] = s.respondPayload[s.sendIdx]
		s.readWindow[1] = 0
		if s.sendIdx+1 < len(s.respondPayload) {
			s.readWindow[1] = s.respondPayload[s.sendIdx+1]
		}
		s.sendIdx += 2
		s.sendToggle = !s.sendToggle
	}

	statusWord = 0
	if s.ackToggle {
		statusWord |= statAckToggle
	}
	if s.busy {
		statusWord |= statBusy
	}
	if s.sendToggle {
		statusWord |= statSendToggle
	}
	return statusWord, 0, s.readWindow[:]
}

func (s *fakeSlave) latch(word uint16) {
	if s.headerIdx < 4 {
		s.headerWords[s.headerIdx] = word
		s.headerIdx++
		if s.headerIdx == 4 {
			s.onHeaderComplete()
		}
		return
	}
	if s.writeWant > len(s.writeGot) {
		s.writeGot = append(s.writeGot, byte(word>>8), byte(word))
		if len(s.writeGot) >= s.writeWant {
			s.store[s.currentEIDN()] = append([]byte(nil), s.writeGot[:s.writeWant]...)
			s.busy = false
			s.headerIdx = 0
		}
	}
}

func (s *fakeSlave) currentEIDN() EIDN {
	numberAndFlags := s.headerWords[1]
	siSe := s.headerWords[2]
	return EIDN{
		Vendor:       numberAndFlags&(1<<15) != 0,
		ParameterSet: uint8((numberAndFlags >> 12) & 0x7),
		Number:       numberAndFlags & 0x0FFF,
		SI:           uint8(siSe >> 8),
		SE:           uint8(siSe),
	}
}

func (s *fakeSlave) onHeaderComplete() {
	dir := Direction(s.headerWords[0] >> 8)
	if dir == Write {
		s.writeWant = int(s.headerWords[3])
		s.writeGot = s.writeGot[:0]
		s.busy = true
		return
	}
	data := s.store[s.currentEIDN()]
	s.respondPayload = append([]byte{byte(len(data) >> 8), byte(len(data))}, data...)
	s.sendIdx = 0
	s.delay = true
}

func TestSvcWriteThenReadRoundTrip(t *testing.T) {
	eng := NewEngine(time.Second, 250*time.Microsecond, 128)
	slave := newFakeSlave()

	eidn := EIDN{ParameterSet: 0, Number: 32, SI: 0, SE: 7}
	value := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- eng.Write(0, eidn, ElementValue, value, false)
	}()

	cw, wb := uint16(0), []byte(nil)
	var sw, ec uint16
	var rb []byte
	for i := 0; i < 40; i++ {
		sw, ec, rb = slave.step(cw, wb)
		cw, wb = eng.Advance(0, sw, ec, rb)
		select {
		case err := <-writeDone:
			require.NoError(t, err)
			assert.Equal(t, value, slave.store[eidn])
			return
		default:
		}
	}
	t.Fatal("write transaction did not complete in time")
}

func TestSvcReadReturnsStoredValue(t *testing.T) {
	eng := NewEngine(time.Second, 250*time.Microsecond, 128)
	slave := newFakeSlave()
	eidn := EIDN{ParameterSet: 0, Number: 32, SI: 0, SE: 7}
	slave.store[eidn] = []byte{1, 2, 3, 4}

	buf := make([]byte, 16)
	readDone := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := eng.Read(0, eidn, ElementValue, buf, false)
		readDone <- struct {
			n   int
			err error
		}{n, err}
	}()

	cw, wb := uint16(0), []byte(nil)
	for i := 0; i < 60; i++ {
		sw, ec, rb := slave.step(cw, wb)
		cw, wb = eng.Advance(0, sw, ec, rb)
		select {
		case res := <-readDone:
			require.NoError(t, res.err)
			assert.Equal(t, []byte{1, 2, 3, 4}, buf[:res.n])
			return
		default:
		}
	}
	t.Fatal("read transaction did not complete in time")
}

func TestSvcBusyRejectsConcurrentRequest(t *testing.T) {
	eng := NewEngine(50*time.Millisecond, 250*time.Microsecond, 128)
	eidn := EIDN{Number: 1}

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Write(0, eidn, ElementValue, []byte{1, 2}, false)
	}()
	// give the goroutine a chance to submit
	time.Sleep(5 * time.Millisecond)

	err := eng.Write(0, eidn, ElementValue, []byte{3, 4}, false)
	assert.Error(t, err)

	// drain the first one so the test doesn't leak a goroutine waiting
	// on a timeout
	eng.Advance(0, statErr, 0, nil)
	<-errCh
}

func TestContainerGeometry(t *testing.T) {
	c, err := NewContainer(128)
	require.NoError(t, err)

	// write half + read half + control block sum to the full container
	assert.Equal(t, len(c.Data), ControlBlockLen+c.WriteBufLen+c.ReadBufLen)
	assert.Zero(t, c.WriteBufLen%4)
	assert.Zero(t, c.ReadBufLen%4)
	assert.GreaterOrEqual(t, c.WriteBufLen, 32)
	assert.GreaterOrEqual(t, c.ReadBufLen, 32)

	_, err = NewContainer(40)
	assert.Error(t, err)
}

func TestWriteRejectsValueLargerThanContainer(t *testing.T) {
	eng := NewEngine(time.Second, 250*time.Microsecond, 128)
	big := make([]byte, 512)
	err := eng.Write(0, EIDN{Number: 1}, ElementValue, big, false)
	assert.Error(t, err)
	assert.False(t, eng.Pending(0))
}
