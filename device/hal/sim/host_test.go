package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// scriptedDevice answers every SETUP on endpoint 0 by arming reply as IN
// packets of up to 8 bytes, alternating banks.
type scriptedDevice struct {
	c     *Controller
	table *bdt.Table
	reply [][]byte
	setup []byte
	outs  int
	rx    [2][8]byte
	txOdd bool
}

func newScripted(t *testing.T, reply ...[]byte) (*Controller, *scriptedDevice) {
	t.Helper()
	c, d := newAttached(t)
	s := &scriptedDevice{c: c, table: d.table, reply: reply}
	s.table.Arm(bdt.Index(0, bdt.RX, false), s.rx[0][:], 8, false)
	s.table.Arm(bdt.Index(0, bdt.RX, true), s.rx[1][:], 8, false)
	c.Attach(s.isr)
	return c, s
}

func (s *scriptedDevice) isr() {
	istat := s.c.Read(hal.ISTAT)
	if istat&hal.IntTOKDNE != 0 {
		stat := hal.Stat(s.c.Read(hal.STAT))
		slot := bdt.SlotOf(stat)
		if !stat.TX() {
			odd := 0
			if slot.Odd() {
				odd = 1
			}
			if s.table.PID(slot) == bdt.PIDSetup {
				s.setup = append([]byte(nil), s.table.Take(slot)...)
				for _, pkt := range s.reply {
					s.table.Arm(bdt.Index(0, bdt.TX, s.txOdd), pkt, len(pkt), true)
					s.txOdd = !s.txOdd
				}
				s.c.Write(hal.CTL, hal.CtlUSBENSOFEN)
			} else {
				s.outs++
			}
			s.table.Arm(slot, s.rx[odd][:], 8, true)
		}
	}
	s.c.Write(hal.ISTAT, istat)
}

func TestSetupPacket(t *testing.T) {
	got := SetupPacket(0x80, 0x06, 0x0302, 0x0409, 255)
	want := [SetupSize]byte{0x80, 0x06, 0x02, 0x03, 0x09, 0x04, 0xFF, 0x00}
	if got != want {
		t.Errorf("SetupPacket() = % X, want % X", got, want)
	}
}

func TestControlIn(t *testing.T) {
	c, s := newScripted(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte{9, 10})
	h := NewHost(c)

	data, err := h.ControlIn(SetupPacket(0x80, 6, 0x0100, 0, 18))
	if err != nil {
		t.Fatalf("ControlIn() error = %v", err)
	}
	if want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}; !bytes.Equal(data, want) {
		t.Errorf("ControlIn() = % X, want % X", data, want)
	}
	if s.setup[1] != 6 {
		t.Errorf("device saw setup % X", s.setup)
	}
	if s.outs != 1 {
		t.Errorf("status OUT packets = %d, want 1", s.outs)
	}
}

func TestControlInStopsAtLength(t *testing.T) {
	c, s := newScripted(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte{9, 10})
	h := NewHost(c)

	data, err := h.ControlIn(SetupPacket(0x80, 6, 0x0100, 0, 8))
	if err != nil {
		t.Fatalf("ControlIn() error = %v", err)
	}
	if len(data) != 8 || s.outs != 1 {
		t.Errorf("ControlIn() = %d bytes with %d status packets, want 8 and 1", len(data), s.outs)
	}
}

func TestControlInBabble(t *testing.T) {
	c, _ := newScripted(t, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	h := NewHost(c)

	if _, err := h.ControlIn(SetupPacket(0x80, 6, 0x0100, 0, 4)); !errors.Is(err, pkg.ErrBabble) {
		t.Errorf("ControlIn() error = %v, want %v", err, pkg.ErrBabble)
	}
}

func TestControlInRetriesExhausted(t *testing.T) {
	c, _ := newScripted(t)
	h := NewHost(c)
	h.Retries = 2

	_, err := h.ControlIn(SetupPacket(0x80, 6, 0x0100, 0, 18))
	if !errors.Is(err, pkg.ErrNAK) {
		t.Errorf("ControlIn() error = %v, want %v", err, pkg.ErrNAK)
	}
}

func TestControlOut(t *testing.T) {
	c, s := newScripted(t, []byte{})
	h := NewHost(c)

	if err := h.ControlOut(SetupPacket(0x21, 9, 0x0200, 0, 1), []byte{0x01}); err != nil {
		t.Fatalf("ControlOut() error = %v", err)
	}
	if s.outs != 1 {
		t.Errorf("data OUT packets = %d, want 1", s.outs)
	}
}

func TestControlOutBabble(t *testing.T) {
	c, _ := newScripted(t, []byte{1})
	h := NewHost(c)

	if err := h.ControlOut(SetupPacket(0x00, 9, 1, 0, 0), nil); !errors.Is(err, pkg.ErrBabble) {
		t.Errorf("ControlOut() error = %v, want %v", err, pkg.ErrBabble)
	}
}

func TestHostAddress(t *testing.T) {
	c, _ := newAttached(t)
	h := NewHost(c)
	h.SetAddress(4)
	if h.Address() != 4 {
		t.Errorf("Address() = %d, want 4", h.Address())
	}
	if _, _, err := h.InterruptIn(1); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("InterruptIn() error = %v, want %v", err, pkg.ErrNoDevice)
	}
	if err := h.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if h.Address() != 0 {
		t.Errorf("Address() = %d after Reset, want 0", h.Address())
	}
}
