package bdt

import (
	"bytes"
	"testing"

	"github.com/mikeclement/teensy-stuff/device/hal"
)

func TestIndex(t *testing.T) {
	tests := []struct {
		ep   uint8
		dir  Direction
		odd  bool
		want Slot
	}{
		{0, RX, false, 0},
		{0, RX, true, 1},
		{0, TX, false, 2},
		{0, TX, true, 3},
		{1, RX, false, 4},
		{1, TX, true, 7},
		{15, TX, true, 63},
	}

	for _, tt := range tests {
		got := Index(tt.ep, tt.dir, tt.odd)
		if got != tt.want {
			t.Errorf("Index(%d, %d, %v) = %d, want %d", tt.ep, tt.dir, tt.odd, got, tt.want)
		}
		if got.Endpoint() != tt.ep || got.Direction() != tt.dir || got.Odd() != tt.odd {
			t.Errorf("slot %d decodes to (%d, %d, %v)", got, got.Endpoint(), got.Direction(), got.Odd())
		}
	}
}

func TestSlotOfStat(t *testing.T) {
	for ep := uint8(0); ep < hal.NumEndpoints; ep++ {
		for _, tx := range []bool{false, true} {
			for _, odd := range []bool{false, true} {
				dir := RX
				if tx {
					dir = TX
				}
				stat := hal.MakeStat(ep, tx, odd)
				if got, want := SlotOf(stat), Index(ep, dir, odd); got != want {
					t.Errorf("SlotOf(0x%02X) = %d, want %d", uint8(stat), got, want)
				}
			}
		}
	}
}

func TestWord(t *testing.T) {
	tests := []struct {
		count int
		data1 bool
		want  uint32
	}{
		{8, false, 8<<16 | 0x88},
		{8, true, 8<<16 | 0xC8},
		{0, true, 0xC8},
		{64, false, 64<<16 | 0x88},
	}
	for _, tt := range tests {
		if got := Word(tt.count, tt.data1); got != tt.want {
			t.Errorf("Word(%d, %v) = 0x%08X, want 0x%08X", tt.count, tt.data1, got, tt.want)
		}
	}
}

func TestNewIsAligned(t *testing.T) {
	for i := 0; i < 8; i++ {
		tbl := New()
		if !tbl.Aligned() {
			t.Fatalf("New() base 0x%X is not %d-byte aligned", tbl.Base(), Alignment)
		}
	}
}

func TestNewFromRecordsMisaligned(t *testing.T) {
	aligned := New()
	storage := make([]Descriptor, NumSlots+1)
	shifted := NewFromRecords(storage[1:])
	if shifted.Aligned() && NewFromRecords(storage).Aligned() {
		t.Fatal("two tables one descriptor apart cannot both be aligned")
	}
	if !aligned.Aligned() {
		t.Fatal("New() is not aligned")
	}
}

func TestOwnershipProtocol(t *testing.T) {
	tbl := New()
	slot := Index(0, TX, false)
	payload := []byte{1, 2, 3, 4, 5}

	if got := tbl.Owner(slot); got != SoftwareOwned {
		t.Fatalf("Owner() = %v, want software", got)
	}

	tbl.Arm(slot, payload, 3, true)
	if got := tbl.Owner(slot); got != HardwareOwned {
		t.Fatalf("Owner() after Arm = %v, want hardware", got)
	}
	if got := tbl.ByteCount(slot); got != 3 {
		t.Errorf("ByteCount() = %d, want 3", got)
	}
	if !tbl.Data1(slot) {
		t.Error("Data1() = false, want true")
	}
	if tbl.Record(slot).Address == 0 {
		t.Error("Record().Address = 0, want buffer address")
	}

	buf, data1, ok := tbl.Claim(slot)
	if !ok || !data1 || !bytes.Equal(buf, payload[:3]) {
		t.Fatalf("Claim() = %v, %v, %v", buf, data1, ok)
	}

	tbl.Complete(slot, PIDIn, 3)
	if got := tbl.Owner(slot); got != SoftwareOwned {
		t.Fatalf("Owner() after Complete = %v, want software", got)
	}
	if got := tbl.PID(slot); got != PIDIn {
		t.Errorf("PID() = %v, want IN", got)
	}
	if !tbl.Data1(slot) {
		t.Error("Complete() dropped the data toggle")
	}
	if got := tbl.Take(slot); !bytes.Equal(got, payload[:3]) {
		t.Errorf("Take() = %v, want %v", got, payload[:3])
	}
	if got := tbl.Violations(); got != 0 {
		t.Errorf("Violations() = %d, want 0", got)
	}
}

func TestReceiveCompletion(t *testing.T) {
	tbl := New()
	slot := Index(0, RX, true)
	rx := make([]byte, 8)
	tbl.Arm(slot, rx, len(rx), false)

	buf, _, ok := tbl.Claim(slot)
	if !ok || len(buf) != 8 {
		t.Fatalf("Claim() = %d bytes, %v", len(buf), ok)
	}
	n := copy(buf, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00})
	tbl.Complete(slot, PIDSetup, n)

	if got := tbl.PID(slot); got != PIDSetup {
		t.Errorf("PID() = %v, want SETUP", got)
	}
	if got := tbl.Take(slot); len(got) != 8 || got[1] != 0x06 {
		t.Errorf("Take() = %v", got)
	}
}

func TestViolations(t *testing.T) {
	if checkOwnership {
		t.Skip("bdtdebug build panics on violations")
	}
	tbl := New()
	slot := Index(1, TX, false)
	tbl.Arm(slot, []byte{0}, 1, false)

	if got := tbl.Take(slot); got != nil {
		t.Errorf("Take() on hardware-owned slot = %v, want nil", got)
	}
	tbl.Arm(slot, []byte{1}, 1, true)
	if got := tbl.Violations(); got != 2 {
		t.Errorf("Violations() = %d, want 2", got)
	}

	tbl.Disarm(slot)
	if got := tbl.Owner(slot); got != SoftwareOwned {
		t.Errorf("Owner() after Disarm = %v, want software", got)
	}
	if _, _, ok := tbl.Claim(slot); ok {
		t.Error("Claim() on disarmed slot succeeded")
	}
}

func TestArmRejectsOversizedCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Arm() with count > len(buf) did not panic")
		}
	}()
	New().Arm(0, make([]byte, 4), 5, false)
}

func TestReset(t *testing.T) {
	tbl := New()
	for s := Slot(0); s < NumSlots; s++ {
		tbl.Arm(s, make([]byte, 8), 8, s.Odd())
	}
	tbl.Reset()
	for s := Slot(0); s < NumSlots; s++ {
		if rec := tbl.Record(s); rec != (Descriptor{}) {
			t.Fatalf("slot %d after Reset() = %+v", s, rec)
		}
	}
}

func TestPIDString(t *testing.T) {
	tests := []struct {
		pid  PID
		want string
	}{
		{PIDOut, "OUT"},
		{PIDIn, "IN"},
		{PIDSOF, "SOF"},
		{PIDSetup, "SETUP"},
		{PID(0x3), "PID(0x3)"},
	}
	for _, tt := range tests {
		if got := tt.pid.String(); got != tt.want {
			t.Errorf("PID.String() = %v, want %v", got, tt.want)
		}
	}
}
