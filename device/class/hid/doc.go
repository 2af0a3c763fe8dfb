// Package hid provides the HID boot mouse function: its class descriptors,
// its descriptor store and the interrupt IN endpoint handler.
//
// The mouse has no report queue. [MouseEndpoint] transmits the same fixed
// [MouseReport] on every poll, so a host sees the pointer (or the wheel, or
// the buttons) move at a constant rate for as long as it is connected:
//
//	table := bdt.New()
//	drv := device.New(regs, table, hid.MouseDescriptors(device.DefaultIdentity()))
//	drv.Register(hid.MouseEndpointNumber,
//	    hid.NewMouseEndpoint(table, hid.MouseEndpointNumber, hid.DefaultMouseReport))
//	drv.Init()
//
// The endpoint arms its first report when the host selects the
// configuration and re-arms it after every IN completion.
package hid
