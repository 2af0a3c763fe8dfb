package sim

import (
	"sync"

	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// statFIFODepth is the number of completed tokens the controller can
// queue before it starts NAKing.
const statFIFODepth = 4

// maxNesting bounds how often the interrupt line is re-serviced for one
// event when the ISR leaves enabled flags set.
const maxNesting = 8

// Controller simulates the K20 USB-FS controller in device mode.
//
// Host-side operations (BusReset, Setup, In, Out, StartOfFrame,
// InjectError, Sleep) are bus transactions: each performs its DMA against
// the buffer descriptor table and then services the interrupt by calling
// the attached handler synchronously. Transactions are serialized, so the
// interrupt handler never runs concurrently with itself or with DMA.
type Controller struct {
	bus sync.Mutex // Serializes transactions and interrupt service

	mu     sync.Mutex // Guards the register file
	regs   [int(hal.USBTRC0) + 1]uint8
	parity [hal.NumEndpoints][2]bool
	fifo   []hal.Stat
	frame  uint16
	isr    func()

	table *bdt.Table
}

// New returns a controller whose DMA engine reads and writes table. The
// driver must program BDTPAGE1-3 with the table's address.
func New(table *bdt.Table) *Controller {
	c := &Controller{table: table, fifo: make([]hal.Stat, 0, statFIFODepth)}
	c.resetRegisters()
	return c
}

func (c *Controller) resetRegisters() {
	c.regs = [len(c.regs)]uint8{}
	c.parity = [hal.NumEndpoints][2]bool{}
	c.fifo = c.fifo[:0]
}

// Attach sets the interrupt service routine.
func (c *Controller) Attach(isr func()) {
	c.mu.Lock()
	c.isr = isr
	c.mu.Unlock()
}

// Read implements hal.Registers.
func (c *Controller) Read(r hal.Register) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(r) >= len(c.regs) {
		return 0
	}
	return c.regs[r]
}

// Write implements hal.Registers.
func (c *Controller) Write(r hal.Register, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(r) >= len(c.regs) {
		return
	}

	switch r {
	case hal.ISTAT:
		c.regs[hal.ISTAT] &^= v
		if v&hal.IntTOKDNE != 0 && len(c.fifo) > 0 {
			c.fifo = c.fifo[1:]
			if len(c.fifo) > 0 {
				c.regs[hal.STAT] = uint8(c.fifo[0])
				c.regs[hal.ISTAT] |= hal.IntTOKDNE
			}
		}
	case hal.ERRSTAT:
		c.regs[hal.ERRSTAT] &^= v
	case hal.STAT:
		// Read only.
	case hal.CTL:
		c.regs[hal.CTL] = v
		if v&hal.CtlODDRST != 0 {
			c.parity = [hal.NumEndpoints][2]bool{}
		}
	case hal.ADDR:
		c.regs[hal.ADDR] = v & 0x7F
	case hal.USBTRC0:
		if v&hal.TrcUSBRESET != 0 {
			c.resetRegisters()
		}
		c.regs[hal.USBTRC0] = v &^ hal.TrcUSBRESET
	default:
		c.regs[r] = v
	}
}

// interrupt services the interrupt line until no enabled flag is pending.
// The caller holds c.bus.
func (c *Controller) interrupt() {
	for range maxNesting {
		c.mu.Lock()
		pending := c.regs[hal.ISTAT] & c.regs[hal.INTEN]
		isr := c.isr
		c.mu.Unlock()

		if pending == 0 || isr == nil {
			return
		}
		isr()
	}
	pkg.LogWarn(pkg.ComponentSim, "interrupt still pending after service",
		"istat", c.Read(hal.ISTAT), "inten", c.Read(hal.INTEN))
}

// raise sets ISTAT flags. The caller holds c.mu.
func (c *Controller) raise(flags uint8) {
	c.regs[hal.ISTAT] |= flags
}

// post queues a token completion. The caller holds c.mu.
func (c *Controller) post(stat hal.Stat) {
	c.fifo = append(c.fifo, stat)
	if len(c.fifo) == 1 {
		c.regs[hal.STAT] = uint8(stat)
		c.raise(hal.IntTOKDNE)
	}
}

// tableMapped reports whether BDTPAGE1-3 point at the table.
func (c *Controller) tableMapped() bool {
	base := uint32(c.table.Base())
	page := uint32(c.regs[hal.BDTPAGE1])<<8 | uint32(c.regs[hal.BDTPAGE2])<<16 | uint32(c.regs[hal.BDTPAGE3])<<24
	return page&^(bdt.Alignment-1) == base
}

// Parity returns the bank the controller uses next for endpoint ep in the
// given direction.
func (c *Controller) Parity(ep uint8, dir bdt.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parity[ep&0x0F][dir&1]
}

// Connected reports whether the controller is enabled with its D+
// pull-up on, that is whether a host can see the device.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected()
}

func (c *Controller) connected() bool {
	return c.regs[hal.CTL]&hal.CtlUSBENSOFEN != 0 && c.regs[hal.CONTROL]&hal.ControlDPPULLUPNONOTG != 0
}

// Frame returns the last frame number sent with StartOfFrame.
func (c *Controller) Frame() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}
