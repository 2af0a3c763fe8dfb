package bdt

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// Descriptor word layout (K20 reference manual, figure 41-4).
const (
	BCShift   = 16    // Byte count position
	BCMask    = 0x3FF // 10-bit byte count
	OwnMask   = 0x80  // Controller owns the slot
	Data1Mask = 0x40  // DATA1 when set, DATA0 otherwise
	KeepMask  = 0x20  // Keep ownership after the token (unused)
	NIncMask  = 0x10  // Do not increment the DMA address (unused)
	DTSMask   = 0x08  // Data toggle synchronization enabled
	StallMask = 0x04  // Issue STALL for this slot (unused, ENDPTn is used)

	pidShift = 2
	pidMask  = 0x0F
)

// MaxByteCount is the largest byte count the descriptor word can hold.
const MaxByteCount = BCMask

// Alignment is the boundary the controller requires for the table base.
// BDTPAGE1 only holds address bits 15-9, so bits 8-0 must be zero.
const Alignment = 512

// NumSlots is the number of buffer descriptors: four per endpoint.
const NumSlots = hal.NumEndpoints * 4

// PID is the token type the controller writes into a completed descriptor.
type PID uint8

// Token PIDs.
const (
	PIDOut   PID = 0x1
	PIDIn    PID = 0x9
	PIDSOF   PID = 0x5
	PIDSetup PID = 0xD
)

// String returns the token name.
func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSOF:
		return "SOF"
	case PIDSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("PID(0x%X)", uint8(p))
	}
}

// Direction selects the receive or transmit half of an endpoint.
type Direction uint8

// Slot directions.
const (
	RX Direction = 0 // OUT and SETUP tokens
	TX Direction = 1 // IN tokens
)

// Slot is an index into the table.
type Slot uint8

// Index returns the slot for endpoint ep, direction dir and ping-pong bank.
func Index(ep uint8, dir Direction, odd bool) Slot {
	s := Slot(ep&0x0F)<<2 | Slot(dir&1)<<1
	if odd {
		s |= 1
	}
	return s
}

// SlotOf returns the slot a latched STAT value refers to.
func SlotOf(stat hal.Stat) Slot {
	return Slot(uint8(stat) >> 2)
}

// Endpoint returns the slot's endpoint number.
func (s Slot) Endpoint() uint8 { return uint8(s) >> 2 }

// Direction returns the slot's direction.
func (s Slot) Direction() Direction { return Direction(s>>1) & 1 }

// Odd reports whether the slot is the odd ping-pong bank.
func (s Slot) Odd() bool { return s&1 != 0 }

// Word builds a descriptor word that hands a buffer of count bytes to the
// controller with the given data toggle.
func Word(count int, data1 bool) uint32 {
	w := uint32(count&BCMask)<<BCShift | OwnMask | DTSMask
	if data1 {
		w |= Data1Mask
	}
	return w
}

// Descriptor is the controller-visible record: one descriptor word and the
// buffer address the DMA engine reads or writes.
type Descriptor struct {
	Word    uint32
	Address uint32
}

// Owner names the party currently allowed to touch a slot's buffer.
type Owner bool

// Slot owners.
const (
	SoftwareOwned Owner = false
	HardwareOwned Owner = true
)

// String returns the owner name.
func (o Owner) String() string {
	if o == HardwareOwned {
		return "hardware"
	}
	return "software"
}

// Table is the buffer descriptor table shared between driver and controller.
//
// Ownership of each slot moves only through [Table.Arm] (software to
// hardware) and [Table.Complete] (hardware to software). [Table.Disarm] is the
// one software revocation path, used to drop stale transmit buffers when a
// control transfer is aborted.
type Table struct {
	records []Descriptor

	// retained keeps each armed buffer reachable; records only hold the
	// address the controller sees.
	retained [NumSlots][]byte

	violations atomic.Uint32
}

// New allocates a table on a 512-byte boundary.
func New() *Table {
	storage := make([]Descriptor, NumSlots+Alignment/int(unsafe.Sizeof(Descriptor{})))
	base := uintptr(unsafe.Pointer(&storage[0]))
	off := int((Alignment-base%Alignment)%Alignment) / int(unsafe.Sizeof(Descriptor{}))
	return &Table{records: storage[off : off+NumSlots : off+NumSlots]}
}

// NewFromRecords wraps caller-provided storage, which must hold at least
// NumSlots descriptors. The caller is responsible for its alignment.
func NewFromRecords(records []Descriptor) *Table {
	if len(records) < NumSlots {
		panic("bdt: storage smaller than NumSlots")
	}
	return &Table{records: records[:NumSlots:NumSlots]}
}

// Base returns the address of the first descriptor.
func (t *Table) Base() uintptr {
	return uintptr(unsafe.Pointer(&t.records[0]))
}

// Aligned reports whether the table satisfies the controller's alignment.
func (t *Table) Aligned() bool {
	return t.Base()%Alignment == 0
}

// Reset zeroes every descriptor and releases all buffers.
func (t *Table) Reset() {
	for i := range t.records {
		t.records[i] = Descriptor{}
		t.retained[i] = nil
	}
}

// Record returns a copy of the slot's controller-visible descriptor.
func (t *Table) Record(s Slot) Descriptor {
	return t.records[s]
}

// Owner returns the current owner of the slot.
func (t *Table) Owner(s Slot) Owner {
	return Owner(t.records[s].Word&OwnMask != 0)
}

// PID returns the token PID of a completed slot.
func (t *Table) PID(s Slot) PID {
	return PID(t.records[s].Word>>pidShift) & pidMask
}

// ByteCount returns the slot's byte count: the armed size while the
// controller owns it, the transferred size after completion.
func (t *Table) ByteCount(s Slot) int {
	return int(t.records[s].Word>>BCShift) & BCMask
}

// Data1 reports the slot's data toggle.
func (t *Table) Data1(s Slot) bool {
	return t.records[s].Word&Data1Mask != 0
}

// Arm hands buf[:count] to the controller with the given data toggle.
// The buffer is published before the word, and OWN is part of the word, so
// the controller never sees a half-written slot. A nil buf with count 0
// arms a zero-length packet. After Arm returns the caller must not touch
// buf until the slot completes.
func (t *Table) Arm(s Slot, buf []byte, count int, data1 bool) {
	if count < 0 || count > MaxByteCount || count > len(buf) {
		panic(fmt.Sprintf("bdt: slot %d armed with %d bytes of a %d byte buffer", s, count, len(buf)))
	}
	if t.Owner(s) == HardwareOwned {
		t.violation(s, "arm")
	}
	t.retained[s] = buf
	t.records[s].Address = addressOf(buf)
	t.records[s].Word = Word(count, data1)
}

// Take returns the data of a completed slot. The slot stays software
// owned until it is armed again.
func (t *Table) Take(s Slot) []byte {
	if t.Owner(s) == HardwareOwned {
		t.violation(s, "take")
		return nil
	}
	buf := t.retained[s]
	n := t.ByteCount(s)
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n]
}

// Disarm revokes a slot from the controller and clears its descriptor word.
func (t *Table) Disarm(s Slot) {
	t.records[s].Word = 0
}

// Violations returns the number of ownership violations observed.
func (t *Table) Violations() uint32 {
	return t.violations.Load()
}

func (t *Table) violation(s Slot, op string) {
	t.violations.Add(1)
	pkg.LogError(pkg.ComponentBDT, "ownership violation",
		"op", op,
		"slot", int(s),
		"endpoint", s.Endpoint(),
		"dir", s.Direction(),
		"odd", s.Odd())
	if checkOwnership {
		panic(fmt.Sprintf("bdt: %s on hardware-owned slot %d", op, s))
	}
}

// Claim is the controller's DMA view of an armed slot: it returns the
// buffer (capacity is the armed byte count), the toggle, and whether the
// slot is armed at all.
func (t *Table) Claim(s Slot) (buf []byte, data1 bool, ok bool) {
	if t.Owner(s) != HardwareOwned {
		return nil, false, false
	}
	n := t.ByteCount(s)
	b := t.retained[s]
	if n > len(b) {
		n = len(b)
	}
	return b[:n], t.Data1(s), true
}

// Complete is the controller's half of the ownership protocol: it writes
// the token PID and transferred byte count and releases the slot.
func (t *Table) Complete(s Slot, pid PID, count int) {
	w := t.records[s].Word & Data1Mask
	w |= uint32(count&BCMask) << BCShift
	w |= uint32(pid&pidMask) << pidShift
	t.records[s].Word = w
}

func addressOf(buf []byte) uint32 {
	if cap(buf) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}
