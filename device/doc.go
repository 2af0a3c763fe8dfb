// Package device implements the USB full-speed device driver for the K20
// USB-FS controller: the endpoint 0 control state machine, the interrupt
// dispatch layer and the descriptor store it answers GET_DESCRIPTOR from.
//
// The driver talks to the controller only through [hal.Registers] and the
// buffer descriptor table in [github.com/mikeclement/teensy-stuff/device/bdt].
// On the target the registers are memory mapped; hosted builds use the
// simulation in [github.com/mikeclement/teensy-stuff/device/hal/sim].
//
// # Driver Context
//
// A [Driver] bundles everything the interrupt service routine touches:
//
//   - the buffer descriptor table, four slots per endpoint
//   - the endpoint 0 receive buffers, toggle state and transfer cursor
//   - the handler table, one [EndpointHandler] per endpoint
//
// Endpoints nothing is registered for use [NopHandler]. Handlers that must
// restore state on bus reset implement [Resetter]; handlers that start
// transferring on SET_CONFIGURATION implement [Configurer].
//
// # Control Transfers
//
// Endpoint 0 serves SET_ADDRESS, SET_CONFIGURATION and GET_DESCRIPTOR with
// device or interface recipient. Every other request is refused with STALL.
// Descriptor data is sent in 8-byte packets. The first two packets are armed
// while the SETUP is handled, one in each transmit bank; later packets are
// armed from IN completions. A descriptor that ends on a full packet is
// followed by a zero-length packet. The new address of SET_ADDRESS is written
// on the IN completion of the status stage.
//
// # Example
//
//	table := bdt.New()
//	store := hid.MouseDescriptors(device.DefaultIdentity())
//	drv := device.New(regs, table, store)
//	drv.Register(1, hid.NewMouseEndpoint(table, 1, hid.DefaultMouseReport))
//	if err := drv.Init(); err != nil {
//	    return err
//	}
package device
