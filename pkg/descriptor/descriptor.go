// Package descriptor maps each active connection's bytes into offsets
// inside Tx/Rx RAM, bucketed per telegram and packed in configuration
// order.
package descriptor

import (
	"fmt"

	sercos "github.com/go-sercos/master"
)

// Direction distinguishes the Tx-side (master composes) descriptor
// from the Rx-side (master or slave consumes) descriptor of a
// connection; every active connection carries exactly one pair.
type Direction uint8

const (
	Tx Direction = iota
	Rx
)

// Descriptor encodes where a connection's bytes live inside a
// telegram and where they map into the master-side buffers.
type Descriptor struct {
	ConnectionID      int
	Direction         Direction
	TelegramOffset    int // offset within the telegram payload
	BufferOffset      int // offset into the master-side application buffer
	Length            int
	BufferSystemA     bool // true selects buffer-system A, false B (double-buffered app data)
}

// Request describes one connection to be placed by Place, grouped by
// (class, slot) as step 2 of the algorithm requires.
type Request struct {
	ConnectionID int
	Class        uint8 // telegram.MDT or telegram.AT, kept untyped here to avoid an import cycle
	Slot         uint8
	Length       int
	Direction    Direction
}

// Manager packs connection requests into telegram-offset space per
// (class, slot) bucket, in configuration order, and remembers the
// resulting descriptors keyed by connection id. Once CP3 succeeds, a
// connection's offsets never move for its lifetime.
type Manager struct {
	mtuPayload int // payload bytes available per telegram, after header/SVC reservations

	reserved    map[bucketKey]int    // (class, slot) -> fixed prefix connections must not occupy
	descriptors map[int][]Descriptor // connection id -> its descriptor(s)
	nextBuffer  int                  // next free offset into the master-side application arena
}

type bucketKey struct {
	class uint8
	slot  uint8
}

func NewManager(mtuPayload int) *Manager {
	return &Manager{
		mtuPayload:  mtuPayload,
		reserved:    make(map[bucketKey]int),
		descriptors: make(map[int][]Descriptor),
	}
}

// Reserve blocks the first n bytes of a (class, slot) bucket from
// connection placement. MDT0's MST and AT0's S-DEV block live at fixed
// offsets ahead of any connection region, so the packing loop must
// start past them.
func (m *Manager) Reserve(class, slot uint8, n int) {
	m.reserved[bucketKey{class, slot}] = n
}

// Place runs the CP2->CP3 placement: bucket requests by (class, slot),
// then within each bucket assign telegram offsets in configuration
// (slice) order. It does not mutate on partial failure: either every
// request is placed or none are, and ErrConfigurationLarge identifies
// overflow, matching the "Phase Handler aborts the transition" policy.
func (m *Manager) Place(requests []Request) error {
	buckets := make(map[bucketKey][]Request)
	order := make([]bucketKey, 0)
	for _, r := range requests {
		k := bucketKey{r.Class, r.Slot}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], r)
	}

	newDescriptors := make(map[int][]Descriptor)
	newBufferOffset := 0

	for _, k := range order {
		offset := m.reserved[k]
		for _, r := range buckets[k] {
			if offset+r.Length > m.mtuPayload {
				return fmt.Errorf("%w: class %d slot %d offset %d+%d exceeds payload %d",
					sercos.ErrConfigurationLarge, k.class, k.slot, offset, r.Length, m.mtuPayload)
			}
			d := Descriptor{
				ConnectionID:   r.ConnectionID,
				Direction:      r.Direction,
				TelegramOffset: offset,
				BufferOffset:   newBufferOffset,
				Length:         r.Length,
				BufferSystemA:  true,
			}
			newDescriptors[r.ConnectionID] = append(newDescriptors[r.ConnectionID], d)
			offset += r.Length
			newBufferOffset += r.Length
		}
	}

	m.descriptors = newDescriptors
	m.nextBuffer = newBufferOffset
	return nil
}

// Descriptors returns the descriptor(s) installed for a connection, or
// nil if it has none (not active, or placement failed).
func (m *Manager) Descriptors(connectionID int) []Descriptor {
	return m.descriptors[connectionID]
}

// BufferSize is the total master-side application buffer span
// consumed by all placed descriptors.
func (m *Manager) BufferSize() int { return m.nextBuffer }
