// Package hal describes the K20 USB-FS controller register contract the
// driver is written against.
//
// The driver never owns the registers. It only relies on their documented
// bit semantics:
//
//   - ISTAT / INTEN: global interrupt status (USBRST, ERROR, SOFTOK, TOKDNE,
//     SLEEP, STALL) and enables
//   - ERRSTAT / ERREN: link error flags (PID, CRC, bit stuffing, timeouts)
//   - STAT: endpoint, direction and parity of the last completed token
//   - ENDPTn: per-endpoint RX/TX enable, handshake and stall bits
//   - ADDR, CTL, BDTPAGE1-3, CONTROL, USBCTRL, USBTRC0
//
// [Register] values are the hardware offsets from the USB0 base, so a
// memory-mapped implementation on the target only needs to add the base
// address. A register-accurate simulation for hosted use lives in
// [github.com/mikeclement/teensy-stuff/device/hal/sim].
package hal
