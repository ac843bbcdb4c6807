// Package telegram implements the telegram codec: assembly and
// parsing of the four MDT and four AT telegrams per Sercos cycle, and
// the Tx/Rx RAM byte arenas that back them. Regions within an arena
// are exposed as bounds-checked offset slices instead of struct
// pointers aliased onto hardware RAM.
package telegram

import (
	"encoding/binary"
	"fmt"

	sercos "github.com/go-sercos/master"
)

// Class distinguishes a Master Data Telegram from an Acknowledge
// Telegram.
type Class uint8

const (
	MDT Class = 1
	AT  Class = 2
)

func (c Class) String() string {
	if c == MDT {
		return "MDT"
	}
	return "AT"
}

// NumSlots is the number of MDT/AT telegrams exchanged per cycle.
const NumSlots = 4

// HeaderLen is the fixed Ethernet+Sercos header size preceding every
// telegram's payload: 14 bytes of Ethernet-II header, 4 bytes of
// Sercos type/phase/cycle-count/reserved, and 6 bytes reserved for
// extended addressing fields not otherwise used here.
const HeaderLen = 24

// MSTLen is the size of the Master Sync Telegram fields carried in the
// first bytes of MDT0's payload.
const MSTLen = 6

// SDEVLen is the per-slave device-status word carried in AT0.
const SDEVLen = 2

// Endianness selects the host-side byte order used when exposing
// typed views over a wire-format (always big-endian) region. The wire
// format itself never changes; only the swap direction does.
type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

// Header is the Ethernet-II + Sercos header preceding every telegram.
type Header struct {
	DstMAC      [6]byte
	SrcMAC      [6]byte
	EtherType   uint16
	TypeAndSlot uint8 // high nibble: telegram type; low nibble: slot 0..3
	Phase       uint8 // low 3 bits: current CP; bit 3: phase-switch active
	CycleCount  uint8
	Reserved    [7]byte
}

func (h Header) Class() Class {
	if h.TypeAndSlot>>4 == uint8(AT) {
		return AT
	}
	return MDT
}

func (h Header) Slot() uint8 { return h.TypeAndSlot & 0x0F }

func (h Header) CP() uint8          { return h.Phase & 0x07 }
func (h Header) SwitchActive() bool { return h.Phase&0x08 != 0 }

func encodeHeader(h Header, out []byte) {
	copy(out[0:6], h.DstMAC[:])
	copy(out[6:12], h.SrcMAC[:])
	binary.BigEndian.PutUint16(out[12:14], h.EtherType)
	out[14] = h.TypeAndSlot
	out[15] = h.Phase
	out[16] = h.CycleCount
	copy(out[17:24], h.Reserved[:])
}

func decodeHeader(in []byte) (Header, error) {
	if len(in) < HeaderLen {
		return Header{}, sercos.ErrMalformedFrame
	}
	var h Header
	copy(h.DstMAC[:], in[0:6])
	copy(h.SrcMAC[:], in[6:12])
	h.EtherType = binary.BigEndian.Uint16(in[12:14])
	h.TypeAndSlot = in[14]
	h.Phase = in[15]
	h.CycleCount = in[16]
	copy(h.Reserved[:], in[17:24])
	return h, nil
}

// MST is the Master Sync Telegram carried in MDT0's first bytes.
type MST struct {
	MasterControl uint16 // command/control bits, including time dissemination enable
	TopologyAddr  uint16 // addressed slave for topology/discovery use at CP0
	Reserved      uint16
}

func encodeMST(m MST, out []byte) {
	binary.BigEndian.PutUint16(out[0:2], m.MasterControl)
	binary.BigEndian.PutUint16(out[2:4], m.TopologyAddr)
	binary.BigEndian.PutUint16(out[4:6], m.Reserved)
}

func decodeMST(in []byte) MST {
	return MST{
		MasterControl: binary.BigEndian.Uint16(in[0:2]),
		TopologyAddr:  binary.BigEndian.Uint16(in[2:4]),
		Reserved:      binary.BigEndian.Uint16(in[4:6]),
	}
}

// SDEV bits (device-status word, AT0).
const (
	SDEVValid        uint16 = 1 << 0
	SDEVRTBit        uint16 = 1 << 1
	SDEVTopologyStop uint16 = 1 << 13
	SDEVCommWarning  uint16 = 1 << 14
	SDEVCommError    uint16 = 1 << 15
)

// MSTControlDisabled is the MST control-word bit that tells slaves to
// disable power ahead of a switch-back to <=CP0. pkg/master sends it in
// a single MDT0 before the switch-back delay; it is not repeated on
// every MDT during that delay.
const MSTControlDisabled uint16 = 1 << 0

// Arena is a Tx or Rx RAM byte image for one telegram slot, one per
// port on the Rx side. Offsets into it are computed once by the
// descriptor manager at CP3 and never move for the life of a
// connection.
type Arena struct {
	Data []byte
}

func NewArena(size int) *Arena { return &Arena{Data: make([]byte, size)} }

// View returns a bounds-checked sub-slice of the arena.
func (a *Arena) View(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(a.Data) {
		return nil, fmt.Errorf("telegram: view [%d:%d] out of bounds (cap %d)", offset, offset+length, len(a.Data))
	}
	return a.Data[offset : offset+length], nil
}

// ParsedTelegram is the result of decoding a received frame: typed
// references into the codec's Rx RAM image for the corresponding slot,
// plus the header fields a caller needs (cycle count, phase, topology
// address).
type ParsedTelegram struct {
	Header  Header
	MST     *MST  // non-nil only for MDT slot 0
	SDEV    []byte // raw per-slave S-DEV block, only for AT slot 0
	Payload []byte
}

// Codec assembles/parses the MDT/AT telegrams for one port pair. It
// owns one Tx arena and two Rx arenas (per port) per slot, sized to the
// negotiated MTU.
type Codec struct {
	mtu    int
	endian Endianness

	tx [NumSlots]*Arena
	rx [2][NumSlots]*Arena

	interFrameGapBytes int
	srcMAC             [6]byte
}

func NewCodec(mtu int, endian Endianness, srcMAC [6]byte) *Codec {
	c := &Codec{mtu: mtu, endian: endian, srcMAC: srcMAC}
	for s := 0; s < NumSlots; s++ {
		c.tx[s] = NewArena(mtu)
		c.rx[0][s] = NewArena(mtu)
		c.rx[1][s] = NewArena(mtu)
	}
	return c
}

// TxArena returns the Tx RAM image for a slot. MDT and AT share
// numbering 0..3 and the same slot's Tx image; the Descriptor Manager
// tracks class alongside slot when it hands out offsets (see
// pkg/descriptor).
func (c *Codec) TxArena(slot uint8) *Arena { return c.tx[slot] }

func (c *Codec) RxArena(port sercos.PortID, slot uint8) *Arena { return c.rx[port][slot] }

// SetInterFrameGap sets the minimum Tx gap used to honor the Sercos
// UC-channel window.
func (c *Codec) SetInterFrameGap(bytes int) { c.interFrameGapBytes = bytes }

// ComposeTx copies the slot's Tx RAM payload into a contiguous frame,
// setting cycle-count and phase bits from the current phase state.
// Header reserved payload (MST for MDT0) is written by the caller into
// the arena before ComposeTx runs; the hot path stays a pure copy.
func (c *Codec) ComposeTx(class Class, slot uint8, cp uint8, switchActive bool, cycleCount uint8) (sercos.Frame, error) {
	if slot >= NumSlots {
		return sercos.Frame{}, fmt.Errorf("telegram: slot %d out of range", slot)
	}
	arena := c.tx[slot]
	h := Header{
		EtherType:   sercos.EtherTypeSercos,
		TypeAndSlot: uint8(class)<<4 | slot,
		Phase:       cp & 0x07,
		CycleCount:  cycleCount,
	}
	if switchActive {
		h.Phase |= 0x08
	}
	h.DstMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	h.SrcMAC = c.srcMAC

	buf := make([]byte, HeaderLen+len(arena.Data))
	encodeHeader(h, buf)
	copy(buf[HeaderLen:], arena.Data)

	return sercos.Frame{
		DstMAC:    h.DstMAC,
		SrcMAC:    h.SrcMAC,
		EtherType: h.EtherType,
		Data:      buf[14:],
	}, nil
}

// DecodeRx validates the frame's EtherType and structure and returns
// typed references into the Rx RAM image for its (port, slot). On a
// structural error it returns ErrMalformedFrame; the caller counts and
// drops the frame rather than surfacing the error further.
func (c *Codec) DecodeRx(port sercos.PortID, frame sercos.Frame) (ParsedTelegram, error) {
	if frame.EtherType != sercos.EtherTypeSercos {
		return ParsedTelegram{}, sercos.ErrMalformedFrame
	}
	// frame.Data excludes the 14-byte Ethernet header (dst/src/ethertype
	// are carried in the Frame's own fields); reconstruct just the
	// Sercos sub-header (10 bytes: type/phase/cyclecount/reserved).
	const sercosHeaderLen = HeaderLen - 14
	if len(frame.Data) < sercosHeaderLen {
		return ParsedTelegram{}, sercos.ErrMalformedFrame
	}
	h := Header{
		DstMAC:      frame.DstMAC,
		SrcMAC:      frame.SrcMAC,
		EtherType:   frame.EtherType,
		TypeAndSlot: frame.Data[0],
		Phase:       frame.Data[1],
		CycleCount:  frame.Data[2],
	}
	copy(h.Reserved[:], frame.Data[3:sercosHeaderLen])

	slot := h.Slot()
	if slot >= NumSlots {
		return ParsedTelegram{}, sercos.ErrMalformedFrame
	}
	payload := frame.Data[sercosHeaderLen:]
	arena := c.rx[port][slot]
	n := copy(arena.Data, payload)
	_ = n

	parsed := ParsedTelegram{Header: h, Payload: arena.Data}
	if h.Class() == MDT && slot == 0 && len(arena.Data) >= MSTLen {
		mst := decodeMST(arena.Data[:MSTLen])
		parsed.MST = &mst
	}
	if h.Class() == AT && slot == 0 {
		parsed.SDEV = arena.Data
	}
	return parsed, nil
}

// WriteMST writes the Master Sync Telegram into MDT0's Tx arena ahead
// of the next ComposeTx call.
func (c *Codec) WriteMST(m MST) {
	encodeMST(m, c.tx[0].Data[:MSTLen])
}
