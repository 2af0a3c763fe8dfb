package device

import (
	"math/bits"
	"sync/atomic"

	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// Interrupts enabled after a bus reset.
const resetInterrupts = hal.IntUSBRST | hal.IntERROR | hal.IntSOFTOK | hal.IntTOKDNE | hal.IntSLEEP | hal.IntSTALL

// Statistics is a snapshot of driver event counters.
type Statistics struct {
	BusResets     uint64 // USBRST interrupts
	LinkErrors    uint64 // ERROR interrupts
	ErrorFlags    uint64 // Individual ERRSTAT bits acknowledged
	Frames        uint64 // SOFTOK interrupts
	Tokens        uint64 // Token completions dispatched
	Setups        uint64 // SETUP tokens on endpoint 0
	RequestStalls uint64 // Setup requests refused with STALL
	StallEvents   uint64 // STALL handshakes reported by the controller
	Sleeps        uint64 // SLEEP interrupts
	Violations    uint32 // BDT ownership violations
}

type counters struct {
	busResets     atomic.Uint64
	linkErrors    atomic.Uint64
	errorFlags    atomic.Uint64
	frames        atomic.Uint64
	tokens        atomic.Uint64
	setups        atomic.Uint64
	requestStalls atomic.Uint64
	stallEvents   atomic.Uint64
	sleeps        atomic.Uint64
}

// Driver is the USB-FS device driver context. All fields except the
// counters are owned by ServiceInterrupt once Init has returned.
type Driver struct {
	regs     hal.Registers
	table    *bdt.Table
	handlers [hal.NumEndpoints]EndpointHandler
	ep0      control
	stats    counters
}

// New creates a driver for regs that answers GET_DESCRIPTOR from store.
// table is the buffer descriptor table the controller is pointed at.
func New(regs hal.Registers, table *bdt.Table, store *DescriptorStore) *Driver {
	d := &Driver{regs: regs, table: table}
	d.ep0 = control{
		regs:      regs,
		table:     table,
		store:     store,
		stats:     &d.stats,
		configure: d.configure,
	}
	for i := range d.handlers {
		d.handlers[i] = NopHandler
	}
	d.handlers[0] = &d.ep0
	return d
}

// Register installs h for endpoint ep (1-15). A nil h restores the no-op
// handler. Register must be called before Init.
func (d *Driver) Register(ep uint8, h EndpointHandler) error {
	if ep == 0 || ep >= hal.NumEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	if h == nil {
		h = NopHandler
	}
	d.handlers[ep] = h
	return nil
}

// Table returns the driver's buffer descriptor table.
func (d *Driver) Table() *bdt.Table {
	return d.table
}

// ControlState returns the endpoint 0 state. Only meaningful when no
// interrupt is being serviced.
func (d *Driver) ControlState() ControlState {
	return d.ep0.state
}

// Init resets the controller, points it at the descriptor table, enables
// the bus reset interrupt and connects the D+ pull-up. If regs is a
// hal.Controller, ServiceInterrupt is attached before the pull-up is
// enabled.
func (d *Driver) Init() error {
	if !d.table.Aligned() {
		return pkg.ErrMisalignedTable
	}
	d.table.Reset()

	hal.SetBits(d.regs, hal.USBTRC0, hal.TrcUSBRESET)
	for hal.HasBits(d.regs, hal.USBTRC0, hal.TrcUSBRESET) {
	}

	base := uint32(d.table.Base())
	d.regs.Write(hal.BDTPAGE1, uint8(base>>8))
	d.regs.Write(hal.BDTPAGE2, uint8(base>>16))
	d.regs.Write(hal.BDTPAGE3, uint8(base>>24))

	d.regs.Write(hal.ISTAT, 0xFF)
	d.regs.Write(hal.ERRSTAT, 0xFF)
	hal.SetBits(d.regs, hal.USBTRC0, hal.TrcBit6)

	d.regs.Write(hal.CTL, hal.CtlUSBENSOFEN)
	d.regs.Write(hal.USBCTRL, 0)
	hal.SetBits(d.regs, hal.INTEN, hal.IntUSBRST)

	if c, ok := d.regs.(hal.Controller); ok {
		c.Attach(d.ServiceInterrupt)
	}
	d.regs.Write(hal.CONTROL, hal.ControlDPPULLUPNONOTG)

	pkg.LogInfo(pkg.ComponentDriver, "initialized", "bdt", base)
	return nil
}

// ServiceInterrupt is the USB interrupt service routine. A bus reset
// supersedes every other pending flag in the same read of ISTAT.
func (d *Driver) ServiceInterrupt() {
	status := d.regs.Read(hal.ISTAT)

	if status&hal.IntUSBRST != 0 {
		d.busReset()
		return
	}

	if status&hal.IntERROR != 0 {
		errs := d.regs.Read(hal.ERRSTAT)
		d.regs.Write(hal.ERRSTAT, errs)
		d.regs.Write(hal.ISTAT, hal.IntERROR)
		d.stats.linkErrors.Add(1)
		d.stats.errorFlags.Add(uint64(bits.OnesCount8(errs)))
		pkg.LogDebug(pkg.ComponentDriver, "link error", "errstat", errs)
	}

	if status&hal.IntSOFTOK != 0 {
		d.regs.Write(hal.ISTAT, hal.IntSOFTOK)
		d.stats.frames.Add(1)
	}

	for status&hal.IntTOKDNE != 0 {
		stat := hal.Stat(d.regs.Read(hal.STAT))
		d.stats.tokens.Add(1)
		d.handlers[stat.Endpoint()].HandleToken(stat)
		d.regs.Write(hal.ISTAT, hal.IntTOKDNE)
		status = d.regs.Read(hal.ISTAT)
	}

	if status&hal.IntSLEEP != 0 {
		d.regs.Write(hal.ISTAT, hal.IntSLEEP)
		d.stats.sleeps.Add(1)
	}

	if status&hal.IntSTALL != 0 {
		hal.ClearBits(d.regs, hal.ENDPT0, hal.EndptEPSTALL)
		d.regs.Write(hal.ISTAT, hal.IntSTALL)
		d.stats.stallEvents.Add(1)
	}
}

func (d *Driver) busReset() {
	d.stats.busResets.Add(1)
	hal.SetBits(d.regs, hal.CTL, hal.CtlODDRST)

	d.regs.Write(hal.ENDPT0, d.ep0.reset())
	for ep := uint8(1); ep < hal.NumEndpoints; ep++ {
		if r, ok := d.handlers[ep].(Resetter); ok {
			d.regs.Write(hal.ENDPT(ep), r.Reset())
		}
	}

	d.regs.Write(hal.ERRSTAT, 0xFF)
	d.regs.Write(hal.ISTAT, 0xFF)
	d.regs.Write(hal.ADDR, 0)
	d.regs.Write(hal.ERREN, 0xFF)
	d.regs.Write(hal.INTEN, resetInterrupts)

	pkg.LogInfo(pkg.ComponentDriver, "bus reset")
}

// configure runs SET_CONFIGURATION on every endpoint handler that needs it.
func (d *Driver) configure(value uint16) {
	for ep := uint8(1); ep < hal.NumEndpoints; ep++ {
		if c, ok := d.handlers[ep].(Configurer); ok {
			c.Configure(value)
		}
	}
	pkg.LogInfo(pkg.ComponentDriver, "configured", "value", value)
}

// Stats returns a snapshot of the driver's counters. It is safe to call
// concurrently with ServiceInterrupt.
func (d *Driver) Stats() Statistics {
	return Statistics{
		BusResets:     d.stats.busResets.Load(),
		LinkErrors:    d.stats.linkErrors.Load(),
		ErrorFlags:    d.stats.errorFlags.Load(),
		Frames:        d.stats.frames.Load(),
		Tokens:        d.stats.tokens.Load(),
		Setups:        d.stats.setups.Load(),
		RequestStalls: d.stats.requestStalls.Load(),
		StallEvents:   d.stats.stallEvents.Load(),
		Sleeps:        d.stats.sleeps.Load(),
		Violations:    d.table.Violations(),
	}
}
