// Package usbip exports a simulated USB device over the USB/IP protocol.
//
// A Server speaks protocol version 1.1.1 on a TCP listener. Clients list
// the exported device with OP_REQ_DEVLIST and attach it with OP_REQ_IMPORT,
// after which the connection carries USBIP_CMD_SUBMIT and USBIP_CMD_UNLINK
// requests. Each submitted URB is played against the device through a
// sim.Host: endpoint 0 URBs become control transfers, other endpoints
// become interrupt transactions that are retried while the device NAKs.
//
// All integers on the wire are big-endian.
package usbip
