package device

import (
	"log/slog"

	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// EP0Size is the control endpoint's max packet size.
const EP0Size = 8

// ControlState is the phase of the control transfer on endpoint 0.
type ControlState uint8

// Control transfer states.
const (
	ControlIdle          ControlState = iota // No transfer in progress
	ControlSetupReceived                     // SETUP copied, request being dispatched
	ControlStatusOK                          // No data stage, status ZLP armed
	ControlSendingData                       // IN data stage in progress
	ControlStalled                           // Request refused with STALL
)

// String returns the state name.
func (s ControlState) String() string {
	switch s {
	case ControlIdle:
		return "idle"
	case ControlSetupReceived:
		return "setup-received"
	case ControlStatusOK:
		return "status-ok"
	case ControlSendingData:
		return "sending-data"
	case ControlStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// cursor is the part of an IN data stage not yet armed. pending stays set
// after the last byte is armed when a zero-length packet is still owed.
type cursor struct {
	remaining []byte
	pending   bool
}

func (c *cursor) clear() { *c = cursor{} }

// control runs the endpoint 0 state machine. It is only entered from the
// interrupt service routine.
type control struct {
	regs  hal.Registers
	table *bdt.Table
	store *DescriptorStore
	stats *counters

	rx    [2][EP0Size]byte
	tx    Toggle
	txHW  bool // Transmit bank the controller reads next
	setup SetupPacket
	state ControlState
	data  cursor

	address        uint8
	addressPending bool

	configure func(value uint16)
}

func (c *control) HandleToken(stat hal.Stat) {
	slot := bdt.SlotOf(stat)
	switch c.table.PID(slot) {
	case bdt.PIDSetup:
		c.handleSetup(slot)
	case bdt.PIDIn:
		c.txHW = !slot.Odd()
		c.handleIn()
	case bdt.PIDOut:
		Receive(c.table, slot, c.rx[b2i(slot.Odd())][:], true)
		if c.state == ControlSendingData {
			c.state = ControlIdle
		}
	}
	c.regs.Write(hal.CTL, hal.CtlUSBENSOFEN)
}

func (c *control) handleSetup(slot bdt.Slot) {
	c.stats.setups.Add(1)
	if err := ParseSetupPacket(c.table.Take(slot), &c.setup); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "short setup packet", "error", err)
		c.setup = SetupPacket{}
	}
	Receive(c.table, slot, c.rx[b2i(slot.Odd())][:], true)
	DisarmTransmit(c.table, 0)
	// Packets armed for the aborted transfer but never read did not move
	// the controller's bank.
	c.tx.Odd = c.txHW
	c.data.clear()
	c.addressPending = false
	c.tx.Data1 = true
	c.state = ControlSetupReceived

	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentControl, "setup", "packet", c.setup.String())
	}
	c.dispatch()
}

func (c *control) dispatch() {
	switch c.setup.RequestAndType() {
	case SetAddress:
		c.address = uint8(c.setup.Value & 0x7F)
		c.addressPending = true
		c.state = ControlStatusOK
		c.send(nil)
	case SetConfiguration:
		if c.configure != nil {
			c.configure(c.setup.Value)
		}
		c.state = ControlStatusOK
		c.send(nil)
	case GetDescriptorDevice, GetDescriptorInterface:
		data, ok := c.store.Lookup(c.setup.Value, c.setup.Index)
		if !ok {
			pkg.LogDebug(pkg.ComponentControl, "descriptor not found",
				"value", c.setup.Value, "index", c.setup.Index)
			c.stall()
			return
		}
		if len(data) > int(c.setup.Length) {
			data = data[:c.setup.Length]
		}
		c.state = ControlSendingData
		c.send(data)
	default:
		c.stall()
	}
}

// send arms the first two chunks of data, one per transmit bank, and leaves
// the rest for IN completions.
func (c *control) send(data []byte) {
	for range 2 {
		n := min(len(data), EP0Size)
		Transmit(c.table, 0, &c.tx, data[:n])
		data = data[n:]
		if len(data) == 0 && n < EP0Size {
			return
		}
	}
	c.data = cursor{remaining: data, pending: true}
}

func (c *control) handleIn() {
	if c.data.pending {
		n := min(len(c.data.remaining), EP0Size)
		Transmit(c.table, 0, &c.tx, c.data.remaining[:n])
		c.data.remaining = c.data.remaining[n:]
		c.data.pending = len(c.data.remaining) > 0 || n == EP0Size
	} else if c.state == ControlStatusOK {
		c.state = ControlIdle
	}
	if c.addressPending {
		c.regs.Write(hal.ADDR, c.address)
		c.addressPending = false
		pkg.LogInfo(pkg.ComponentControl, "address assigned", "address", c.address)
	}
}

func (c *control) stall() {
	c.stats.requestStalls.Add(1)
	c.state = ControlStalled
	c.regs.Write(hal.ENDPT0, hal.EndptEPSTALL|hal.EndptEPRXEN|hal.EndptEPTXEN|hal.EndptEPHSHK)
	pkg.LogDebug(pkg.ComponentControl, "stall", "request", c.setup.String())
}

// reset restores the state a bus reset leaves endpoint 0 in and returns
// its ENDPT0 value.
func (c *control) reset() uint8 {
	c.tx.Reset()
	c.txHW = false
	c.data.clear()
	c.setup = SetupPacket{}
	c.addressPending = false
	c.state = ControlIdle
	DisarmEndpoint(c.table, 0)
	Receive(c.table, bdt.Index(0, bdt.RX, false), c.rx[0][:], false)
	Receive(c.table, bdt.Index(0, bdt.RX, true), c.rx[1][:], false)
	return hal.EndptEPRXEN | hal.EndptEPTXEN | hal.EndptEPHSHK
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
