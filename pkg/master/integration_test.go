package master

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sercos "github.com/go-sercos/master"
	"github.com/go-sercos/master/pkg/config"
	"github.com/go-sercos/master/pkg/hotplug"
	"github.com/go-sercos/master/pkg/phase"
	"github.com/go-sercos/master/pkg/svc"
	"github.com/go-sercos/master/pkg/telegram"
	"github.com/go-sercos/master/pkg/topology"
	"github.com/go-sercos/master/pkg/transport/virtual"
)

// fakeSlave is a minimal in-process Sercos device on the far end of a
// virtual link: it acks every phase command with a Valid S-DEV, speaks
// the SVC word-toggle protocol (header, segmented read/write), and
// produces a fixed pattern in its AT connection region. It exists so
// the full startup ladder and cyclic datapath can be exercised
// without hardware.
type fakeSlave struct {
	port  *virtual.Port
	codec *telegram.Codec
	stop  chan struct{}
	wg    sync.WaitGroup

	svcBaseMDT int
	svcBaseAT  int

	mu         sync.Mutex
	lastMDT    []byte // copy of the most recent MDT0 payload
	written    map[uint16][]byte
	values     map[uint16][]byte

	// svc word-toggle state
	lastCtrlToggle bool
	wordCount      int
	header         [4]uint16
	writeGot       []byte
	writeWant      int
	busy           bool
	cmdActive      bool
	readQueue      []uint16
	streamDelay    bool // hold the first read word one frame so the master sees the header ack first
	sendToggle     bool
	readWindow     [2]byte
}

func newFakeSlave(port *virtual.Port, mtu, svcBaseMDT, svcBaseAT int) *fakeSlave {
	s := &fakeSlave{
		port:       port,
		codec:      telegram.NewCodec(mtu, telegram.BigEndian, [6]byte{0x02, 0, 0, 0, 0, 0x10}),
		stop:       make(chan struct{}),
		svcBaseMDT: svcBaseMDT,
		svcBaseAT:  svcBaseAT,
		written:    make(map[uint16][]byte),
		values: map[uint16][]byte{
			1050: {0x00, 0x00, 0x07, 0xD0}, // ring delay contribution, ns
		},
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *fakeSlave) Close() {
	close(s.stop)
	s.wg.Wait()
}

func (s *fakeSlave) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		frame, ok := s.port.Receive(sercos.P1)
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		parsed, err := s.codec.DecodeRx(sercos.P1, frame)
		if err != nil || parsed.Header.Class() != telegram.MDT || parsed.Header.Slot() != 0 {
			continue
		}
		s.handleMDT0(parsed)
	}
}

func (s *fakeSlave) handleMDT0(parsed telegram.ParsedTelegram) {
	s.mu.Lock()
	s.lastMDT = append(s.lastMDT[:0], parsed.Payload...)

	ctrl := binary.BigEndian.Uint16(parsed.Payload[s.svcBaseMDT:])
	word := binary.BigEndian.Uint16(parsed.Payload[s.svcBaseMDT+2:])
	toggle := ctrl&1 != 0
	if toggle != s.lastCtrlToggle {
		s.lastCtrlToggle = toggle
		s.latchWord(word)
	}
	if s.streamDelay {
		s.streamDelay = false
	} else if len(s.readQueue) > 0 {
		w := s.readQueue[0]
		s.readQueue = s.readQueue[1:]
		binary.BigEndian.PutUint16(s.readWindow[:], w)
		s.sendToggle = !s.sendToggle
		if len(s.readQueue) == 0 {
			s.wordCount = 0 // read served; ready for the next transaction
		}
	}
	status := uint16(0)
	if s.lastCtrlToggle {
		status |= 1 << 0
	}
	if s.busy {
		status |= 1 << 1
	}
	if s.sendToggle {
		status |= 1 << 3
	}
	readWindow := s.readWindow
	s.mu.Unlock()

	// Compose this cycle's AT0: S-DEV valid at offset 0, a fixed
	// pattern in the consumer connection region, SVC status at the tail.
	at := s.codec.TxArena(0).Data
	binary.BigEndian.PutUint16(at[0:], telegram.SDEVValid)
	copy(at[telegram.SDEVLen:], []byte{0x11, 0x22, 0x33, 0x44})
	binary.BigEndian.PutUint16(at[s.svcBaseAT:], status)
	binary.BigEndian.PutUint16(at[s.svcBaseAT+2:], 0) // error code
	copy(at[s.svcBaseAT+4:], readWindow[:])

	frame, err := s.codec.ComposeTx(telegram.AT, 0, parsed.Header.CP(), false, parsed.Header.CycleCount)
	if err != nil {
		return
	}
	_ = s.port.Send(sercos.P1, frame)
}

func (s *fakeSlave) latchWord(word uint16) {
	if s.wordCount < 4 {
		s.header[s.wordCount] = word
		s.wordCount++
		if s.wordCount == 4 {
			s.headerComplete()
		}
		return
	}
	if s.cmdActive {
		// the clear word ends the procedure command
		s.cmdActive = false
		s.wordCount = 0
		return
	}
	// payload word of an in-progress write
	if s.writeWant > len(s.writeGot) {
		s.writeGot = append(s.writeGot, byte(word>>8), byte(word))
		if len(s.writeGot) >= s.writeWant {
			idn := s.header[1] & 0x0FFF
			s.written[idn] = append([]byte(nil), s.writeGot[:s.writeWant]...)
			s.busy = false
			s.wordCount = 0
		}
	}
}

func (s *fakeSlave) headerComplete() {
	dir := uint8(s.header[0] >> 8)
	idn := s.header[1] & 0x0FFF
	switch dir {
	case 1: // write
		s.writeWant = int(s.header[3])
		s.writeGot = s.writeGot[:0]
		s.busy = true
	case 2: // procedure command: report finished, await the clear word
		s.busy = false
		s.cmdActive = true
		s.readWindow = [2]byte{}
	default: // read
		val, ok := s.written[idn]
		if !ok {
			val = s.values[idn]
		}
		if val == nil {
			val = []byte{0, 0, 0, 0}
		}
		s.readQueue = s.readQueue[:0]
		s.streamDelay = true
		s.readQueue = append(s.readQueue, uint16(len(val)))
		for i := 0; i < len(val); i += 2 {
			w := uint16(val[i]) << 8
			if i+1 < len(val) {
				w |= uint16(val[i+1])
			}
			s.readQueue = append(s.readQueue, w)
		}
	}
}

func ringConfig() *config.Config {
	return &config.Config{
		CycleTimeCP0:         time.Millisecond,
		CycleTimeCP1_2:       time.Millisecond,
		CycleTimeCP3_4:       time.Millisecond,
		Retries:              2,
		TimeoutSec:           10,
		MTU:                  512,
		ClearErrorsOnStartup: true,
		Slaves: []config.SlaveConfig{
			{Name: "Slave1", Address: 2, CyclicDataLength: 4},
		},
	}
}

func TestStartupToCP4AgainstFakeSlave(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	m, err := Init(ringConfig(), masterPort)
	require.NoError(t, err)

	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()

	require.NoError(t, m.PhaseSwitch(phase.CP4))
	time.Sleep(10 * time.Millisecond) // let the cyclic task classify topology

	st := m.GetSercosStatus()
	assert.Equal(t, phase.CP4, st.Phase)
	assert.Equal(t, topology.LineP1, st.Topology)

	d, ok := m.Slaves().ByIndex(0)
	require.True(t, ok)
	assert.True(t, d.Discovered())
	assert.Equal(t, telegram.SDEVValid, d.SDEV()&telegram.SDEVValid)

	// GetTimingData pulled the slave's ring-delay contribution
	m.mu.Lock()
	delay := m.ringDelayNs[0]
	m.mu.Unlock()
	assert.EqualValues(t, 2000, delay)

	require.NoError(t, m.PhaseSwitch(phase.CP0))
}

func TestSVCWriteReadRoundTripInCP4(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	m, err := Init(ringConfig(), masterPort)
	require.NoError(t, err)
	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()
	require.NoError(t, m.PhaseSwitch(phase.CP4))

	eidn := svc.EIDN{Number: 99}
	want := []byte{0xCA, 0xFE, 0x00, 0x42}
	require.NoError(t, m.SVCWrite(0, eidn, svc.ElementValue, want, false))

	buf := make([]byte, 16)
	n, err := m.SVCRead(0, eidn, svc.ElementValue, buf, false)
	require.NoError(t, err)
	assert.Equal(t, want, buf[:n])

	require.NoError(t, m.PhaseSwitch(phase.CP0))
}

func TestSVCCommandInCP4(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	m, err := Init(ringConfig(), masterPort)
	require.NoError(t, err)
	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()
	require.NoError(t, m.PhaseSwitch(phase.CP4))

	outcome, err := m.SVCCommand(0, svc.EIDN{Number: 170}, false)
	require.NoError(t, err)
	assert.Equal(t, svc.CommandFinished, outcome)

	require.NoError(t, m.PhaseSwitch(phase.CP0))
}

func TestCyclicDataFlowsBothWays(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	m, err := Init(ringConfig(), masterPort)
	require.NoError(t, err)
	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()

	want := []byte{0xE0, 0x00, 0x12, 0x34}
	m.SetDeviceCallback(0, func(slave int) {
		if out, ok := m.ProducerBuffer(slave); ok {
			copy(out, want)
			_ = m.MarkValid(slave)
		}
	})

	require.NoError(t, m.PhaseSwitch(phase.CP4))
	time.Sleep(20 * time.Millisecond)

	// master -> slave: bytes written before mark_valid appear in the
	// MDT0 connection region, which starts right after the MST
	fs.mu.Lock()
	mdt := append([]byte(nil), fs.lastMDT...)
	fs.mu.Unlock()
	require.GreaterOrEqual(t, len(mdt), telegram.MSTLen+len(want))
	assert.Equal(t, want, mdt[telegram.MSTLen:telegram.MSTLen+len(want)])

	// slave -> master: the consumer pass exposed the slave's AT pattern
	in, ok := m.ConsumerBuffer(0)
	require.True(t, ok)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, in)

	require.NoError(t, m.PhaseSwitch(phase.CP0))
}

func TestDetectSlaveConfigAdoptsResponders(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	cfg := ringConfig()
	cfg.DetectSlaveConfig = true
	cfg.Slaves = append(cfg.Slaves, config.SlaveConfig{Name: "Slave2", Address: 9, CyclicDataLength: 4})

	m, err := Init(cfg, masterPort)
	require.NoError(t, err)
	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()

	// only the first configured slave answers; the discovered set is
	// adopted instead of failing the switch
	require.NoError(t, m.PhaseSwitch(phase.CP4))

	d0, _ := m.Slaves().ByIndex(0)
	d1, _ := m.Slaves().ByIndex(1)
	assert.True(t, d0.Discovered())
	assert.False(t, d1.Discovered())

	require.NoError(t, m.PhaseSwitch(phase.CP0))
}

func TestHotPlugAdmissionEndToEnd(t *testing.T) {
	masterPort := virtual.NewPort()
	slavePort := virtual.NewPort()
	virtual.Patch(masterPort, slavePort, sercos.P1)

	cfg := ringConfig()
	cfg.Slaves[0].HotPlug = true

	m, err := Init(cfg, masterPort)
	require.NoError(t, err)
	fs := newFakeSlave(slavePort, m.cfg.MTU, m.svcBaseMDT, m.svcBaseAT)
	defer fs.Close()

	var events []hotplug.Event
	var eventsMu sync.Mutex
	m.HotplugManager().OnEvent(func(e hotplug.Event) {
		eventsMu.Lock()
		events = append(events, e)
		eventsMu.Unlock()
	})

	require.NoError(t, m.PhaseSwitch(phase.CP4))

	// the slave answers every phase command, so the cyclic task sees it
	// active and walks it through HP0 admission, HP1 parameterization,
	// and HP2 enablement without disturbing the running cycle
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, err := m.HotplugManager().CandidateState(0); err == nil && state == "Done" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	state, err := m.HotplugManager().CandidateState(0)
	require.NoError(t, err)
	assert.Equal(t, "Done", state)

	eventsMu.Lock()
	defer eventsMu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, hotplug.EventHotPlugSucceeded, events[len(events)-1].Kind)
	assert.Equal(t, 0, events[len(events)-1].Slave)
}
