package hal

// Register identifies a USB-FS controller register by its offset from the
// USB0 peripheral base (0x4007_2000 on the K20).
type Register uint16

// USB0 register offsets (K20 Sub-Family Reference Manual, chapter 41).
const (
	ISTAT    Register = 0x080 // Interrupt status, write 1 to clear
	INTEN    Register = 0x084 // Interrupt enable
	ERRSTAT  Register = 0x088 // Error interrupt status, write 1 to clear
	ERREN    Register = 0x08C // Error interrupt enable
	STAT     Register = 0x090 // Token status (endpoint, direction, parity)
	CTL      Register = 0x094 // Control
	ADDR     Register = 0x098 // Device address
	BDTPAGE1 Register = 0x09C // BDT base address bits 15-9
	FRMNUML  Register = 0x0A0 // Frame number low
	FRMNUMH  Register = 0x0A4 // Frame number high
	BDTPAGE2 Register = 0x0B0 // BDT base address bits 23-16
	BDTPAGE3 Register = 0x0B4 // BDT base address bits 31-24
	ENDPT0   Register = 0x0C0 // Endpoint 0 control; ENDPTn at ENDPT0 + 4n
	USBCTRL  Register = 0x100 // USB control (suspend, pull-downs)
	CONTROL  Register = 0x108 // OTG control (D+ pull-up)
	USBTRC0  Register = 0x10C // Transceiver control
)

// NumEndpoints is the number of logical endpoints the controller supports.
const NumEndpoints = 16

// ENDPT returns the control register of endpoint ep.
func ENDPT(ep uint8) Register {
	return ENDPT0 + Register(ep&0x0F)*4
}

// EndpointOf returns the endpoint number of an ENDPTn register and whether
// r is an endpoint control register at all.
func EndpointOf(r Register) (uint8, bool) {
	if r < ENDPT0 || r > ENDPT0+4*(NumEndpoints-1) || (r-ENDPT0)%4 != 0 {
		return 0, false
	}
	return uint8((r - ENDPT0) / 4), true
}

// ISTAT and INTEN bits.
const (
	IntUSBRST = 0x01 // Bus reset detected
	IntERROR  = 0x02 // An ERRSTAT bit is set
	IntSOFTOK = 0x04 // Start-of-frame token received
	IntTOKDNE = 0x08 // Token processing completed, STAT valid
	IntSLEEP  = 0x10 // Bus idle for 3 ms
	IntRESUME = 0x20 // Resume signaling detected
	IntATTACH = 0x40 // Attach detected (host mode)
	IntSTALL  = 0x80 // STALL handshake sent
)

// ERRSTAT and ERREN bits.
const (
	ErrPIDERR  = 0x01 // PID check failed
	ErrCRC5EOF = 0x02 // CRC5 error (device mode)
	ErrCRC16   = 0x04 // Data packet CRC16 error
	ErrDFN8    = 0x08 // Data field not a multiple of 8 bits
	ErrBTOERR  = 0x10 // Bus turnaround timeout
	ErrDMAERR  = 0x20 // DMA could not access memory in time
	ErrBTSERR  = 0x80 // Bit stuff error
)

// CTL bits.
const (
	CtlUSBENSOFEN         = 0x01 // USB enable
	CtlODDRST             = 0x02 // Reset all BDT ODD ping-pong bits to even
	CtlRESUME             = 0x04 // Drive resume signaling
	CtlHOSTMODEEN         = 0x08 // Host mode
	CtlRESET              = 0x10 // Drive bus reset (host mode)
	CtlTXSUSPENDTOKENBUSY = 0x20 // Token processing suspended after SETUP
	CtlSE0                = 0x40 // Live SE0 state
	CtlJSTATE             = 0x80 // Live J state
)

// ENDPTn bits.
const (
	EndptEPHSHK    = 0x01 // Handshake enabled (not for isochronous)
	EndptEPSTALL   = 0x02 // Endpoint stalled
	EndptEPTXEN    = 0x04 // Transmit (IN) enabled
	EndptEPRXEN    = 0x08 // Receive (OUT and SETUP) enabled
	EndptEPCTLDIS  = 0x10 // Control transfers disabled
	EndptRETRYDIS  = 0x40 // Host mode only
	EndptHOSTWOHUB = 0x80 // Host mode only
)

// CONTROL bits.
const (
	ControlDPPULLUPNONOTG = 0x10 // Enable D+ pull-up outside OTG mode
)

// USBTRC0 bits.
const (
	TrcUSBRESET = 0x80 // Module soft reset, self-clearing
	TrcBit6     = 0x40 // Reserved, set during init
)

// STAT fields.
const (
	statEndpointShift = 4
	statTX            = 0x08
	statODD           = 0x04
)

// Stat is a latched STAT register value describing a completed token.
type Stat uint8

// MakeStat builds the STAT value the controller latches for a token on
// endpoint ep in the given direction and ping-pong bank.
func MakeStat(ep uint8, tx, odd bool) Stat {
	s := Stat(ep&0x0F) << statEndpointShift
	if tx {
		s |= statTX
	}
	if odd {
		s |= statODD
	}
	return s
}

// Endpoint returns the endpoint number (0-15).
func (s Stat) Endpoint() uint8 {
	return uint8(s) >> statEndpointShift
}

// TX reports whether the token was a transmit (IN) token.
func (s Stat) TX() bool {
	return s&statTX != 0
}

// Odd reports whether the odd ping-pong bank was used.
func (s Stat) Odd() bool {
	return s&statODD != 0
}

// Registers is the USB-FS register block.
//
// Reads and writes are single 8-bit bus accesses. ISTAT and ERRSTAT are
// write-1-to-clear; every other register stores the written value, subject
// to the controller's own side effects (for example CTL.ODDRST).
type Registers interface {
	Read(r Register) uint8
	Write(r Register, v uint8)
}

// SetBits performs a read-modify-write that sets mask in r.
func SetBits(regs Registers, r Register, mask uint8) {
	regs.Write(r, regs.Read(r)|mask)
}

// ClearBits performs a read-modify-write that clears mask in r.
func ClearBits(regs Registers, r Register, mask uint8) {
	regs.Write(r, regs.Read(r)&^mask)
}

// HasBits reports whether all bits of mask are set in r.
func HasBits(regs Registers, r Register, mask uint8) bool {
	return regs.Read(r)&mask == mask
}

// Controller is a USB-FS controller an interrupt service routine can be
// attached to. Attach replaces any previous handler.
type Controller interface {
	Registers
	Attach(isr func())
}
