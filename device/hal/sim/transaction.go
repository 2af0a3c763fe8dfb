package sim

import (
	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// SetupSize is the size of a SETUP data packet.
const SetupSize = 8

// BusReset drives a USB bus reset.
func (c *Controller) BusReset() error {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	if !c.connected() {
		c.mu.Unlock()
		return pkg.ErrNotAttached
	}
	c.fifo = c.fifo[:0]
	c.regs[hal.ISTAT] &^= hal.IntTOKDNE
	c.raise(hal.IntUSBRST)
	c.mu.Unlock()

	c.interrupt()
	return nil
}

// StartOfFrame sends an SOF token with the next frame number.
func (c *Controller) StartOfFrame() {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	c.frame = (c.frame + 1) & 0x7FF
	c.regs[hal.FRMNUML] = uint8(c.frame)
	c.regs[hal.FRMNUMH] = uint8(c.frame >> 8)
	if c.connected() {
		c.raise(hal.IntSOFTOK)
	}
	c.mu.Unlock()

	c.interrupt()
}

// InjectError latches link error flags as if the controller had detected
// them on the bus. ISTAT.ERROR is raised for flags enabled in ERREN.
func (c *Controller) InjectError(flags uint8) {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	c.regs[hal.ERRSTAT] |= flags
	if c.regs[hal.ERRSTAT]&c.regs[hal.ERREN] != 0 {
		c.raise(hal.IntERROR)
	}
	c.mu.Unlock()

	c.interrupt()
}

// Sleep signals 3 ms of bus idle.
func (c *Controller) Sleep() {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	c.raise(hal.IntSLEEP)
	c.mu.Unlock()

	c.interrupt()
}

// Setup sends a SETUP transaction to endpoint ep of the device at addr.
// SETUP is always accepted by an enabled endpoint and clears its stall.
func (c *Controller) Setup(addr, ep uint8, packet [SetupSize]byte) error {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	slot, err := c.route(addr, ep, bdt.RX)
	if err == nil {
		c.regs[hal.ENDPT(ep)] &^= hal.EndptEPSTALL
		err = c.receive(slot, ep, packet[:], bdt.PIDSetup)
	}
	if err == nil {
		c.regs[hal.CTL] |= hal.CtlTXSUSPENDTOKENBUSY
	}
	c.mu.Unlock()

	c.interrupt()
	return err
}

// Out sends an OUT transaction carrying data to endpoint ep.
func (c *Controller) Out(addr, ep uint8, data []byte) error {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	slot, err := c.route(addr, ep, bdt.RX)
	if err == nil {
		err = c.handshake(ep)
	}
	if err == nil {
		err = c.receive(slot, ep, data, bdt.PIDOut)
	}
	c.mu.Unlock()

	c.interrupt()
	return err
}

// In sends an IN transaction to endpoint ep and returns the data packet
// and its data PID.
func (c *Controller) In(addr, ep uint8) (data []byte, data1 bool, err error) {
	c.bus.Lock()
	defer c.bus.Unlock()

	c.mu.Lock()
	slot, err := c.route(addr, ep, bdt.TX)
	if err == nil {
		err = c.handshake(ep)
	}
	if err == nil {
		data, data1, err = c.transmit(slot, ep)
	}
	c.mu.Unlock()

	c.interrupt()
	return data, data1, err
}

// route checks that a token for (addr, ep, dir) reaches an enabled
// endpoint and returns the slot the controller would use. The caller
// holds c.mu.
func (c *Controller) route(addr, ep uint8, dir bdt.Direction) (bdt.Slot, error) {
	if !c.connected() {
		return 0, pkg.ErrNotAttached
	}
	if ep >= hal.NumEndpoints {
		return 0, pkg.ErrInvalidEndpoint
	}
	if addr != c.regs[hal.ADDR] {
		return 0, pkg.ErrNoDevice
	}
	enable := uint8(hal.EndptEPRXEN)
	if dir == bdt.TX {
		enable = hal.EndptEPTXEN
	}
	if c.regs[hal.ENDPT(ep)]&enable == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	if !c.tableMapped() {
		c.regs[hal.ERRSTAT] |= hal.ErrDMAERR
		if c.regs[hal.ERREN]&hal.ErrDMAERR != 0 {
			c.raise(hal.IntERROR)
		}
		return 0, pkg.ErrNAK
	}
	return bdt.Index(ep, dir, c.parity[ep][dir]), nil
}

// handshake applies the stall and suspend rules for IN and OUT tokens.
// The caller holds c.mu.
func (c *Controller) handshake(ep uint8) error {
	if c.regs[hal.ENDPT(ep)]&hal.EndptEPSTALL != 0 {
		c.raise(hal.IntSTALL)
		return pkg.ErrStall
	}
	if c.regs[hal.CTL]&hal.CtlTXSUSPENDTOKENBUSY != 0 {
		return pkg.ErrNAK
	}
	return nil
}

// receive performs the DMA of a SETUP or OUT data packet. The caller
// holds c.mu.
func (c *Controller) receive(slot bdt.Slot, ep uint8, data []byte, pid bdt.PID) error {
	if len(c.fifo) == statFIFODepth {
		return pkg.ErrNAK
	}
	buf, _, ok := c.table.Claim(slot)
	if !ok {
		return pkg.ErrNAK
	}
	if len(data) > len(buf) {
		c.regs[hal.ERRSTAT] |= hal.ErrDMAERR
		if c.regs[hal.ERREN]&hal.ErrDMAERR != 0 {
			c.raise(hal.IntERROR)
		}
		return pkg.ErrBufferTooSmall
	}
	n := copy(buf, data)
	c.table.Complete(slot, pid, n)
	c.complete(slot, ep, bdt.RX)
	return nil
}

// transmit performs the DMA of an IN data packet. The caller holds c.mu.
func (c *Controller) transmit(slot bdt.Slot, ep uint8) ([]byte, bool, error) {
	if len(c.fifo) == statFIFODepth {
		return nil, false, pkg.ErrNAK
	}
	buf, data1, ok := c.table.Claim(slot)
	if !ok {
		return nil, false, pkg.ErrNAK
	}
	data := append([]byte(nil), buf...)
	c.table.Complete(slot, bdt.PIDIn, len(data))
	c.complete(slot, ep, bdt.TX)
	return data, data1, nil
}

func (c *Controller) complete(slot bdt.Slot, ep uint8, dir bdt.Direction) {
	c.parity[ep][dir] = !c.parity[ep][dir]
	c.post(hal.MakeStat(ep, dir == bdt.TX, slot.Odd()))
}
