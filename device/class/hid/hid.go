package hid

import (
	"sync/atomic"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// Mouse endpoint parameters.
const (
	MouseEndpointNumber = 1
	MouseInterval       = 10 // Polling interval in frames (ms)
	mouseConfigValue    = 1
	mouseMaxPowerUnits  = 50 // 100 mA
	mouseConfigTotalLen = device.ConfigurationDescriptorSize + device.InterfaceDescriptorSize +
		HIDDescriptorSize + device.EndpointDescriptorSize
)

// MouseConfiguration returns the configuration bundle of the mouse:
// configuration, boot mouse interface, HID and interrupt IN endpoint
// descriptors. The interface declares two endpoints though only one is
// described; hosts in the field depend on these exact bytes.
func MouseConfiguration() []byte {
	buf := make([]byte, mouseConfigTotalLen)
	off := 0

	cfg := device.ConfigurationDescriptor{
		TotalLength:        mouseConfigTotalLen,
		NumInterfaces:      1,
		ConfigurationValue: mouseConfigValue,
		Attributes:         device.ConfigAttrReserved | device.ConfigAttrRemoteWakeup,
		MaxPower:           mouseMaxPowerUnits,
	}
	off += cfg.MarshalTo(buf[off:])

	iface := device.InterfaceDescriptor{
		NumEndpoints:      2,
		InterfaceClass:    ClassHID,
		InterfaceSubClass: SubclassBoot,
		InterfaceProtocol: ProtocolMouse,
	}
	off += iface.MarshalTo(buf[off:])

	hidDesc := HIDDescriptor{
		HIDVersion:     0x0110,
		CountryCode:    CountryNone,
		NumDescriptors: 1,
		ReportDescLen:  uint16(len(MouseReportDescriptor)),
	}
	off += hidDesc.MarshalTo(buf[off:])

	ep := device.EndpointDescriptor{
		EndpointAddress: device.EndpointDirectionIn | MouseEndpointNumber,
		Attributes:      device.EndpointTypeInterrupt,
		MaxPacketSize:   MouseReportSize,
		Interval:        MouseInterval,
	}
	ep.MarshalTo(buf[off:])
	return buf
}

// MouseDescriptors returns the descriptor store of a mouse with identity id.
func MouseDescriptors(id device.Identity) *device.DescriptorStore {
	entries := id.StandardEntries(MouseConfiguration())
	entries = append(entries, device.DescriptorEntry{
		Value: device.DescriptorValue(DescriptorTypeReport, 0),
		Data:  MouseReportDescriptor,
	})
	return device.NewDescriptorStore(entries...)
}

// MouseEndpoint is the interrupt IN endpoint of the mouse. Every IN
// completion re-arms the same report, so the host always reads the
// configured movement. OUT data is accepted and discarded.
type MouseEndpoint struct {
	table  *bdt.Table
	ep     uint8
	report [MouseReportSize]byte
	rx     [2][MouseReportSize]byte
	tx     device.Toggle
	primed bool

	sent atomic.Uint64
}

// NewMouseEndpoint returns the handler for endpoint ep reporting report.
func NewMouseEndpoint(table *bdt.Table, ep uint8, report MouseReport) *MouseEndpoint {
	m := &MouseEndpoint{table: table, ep: ep}
	report.MarshalTo(m.report[:])
	return m
}

// HandleToken implements device.EndpointHandler.
func (m *MouseEndpoint) HandleToken(stat hal.Stat) {
	slot := bdt.SlotOf(stat)
	switch m.table.PID(slot) {
	case bdt.PIDIn:
		m.sent.Add(1)
		m.transmit()
	case bdt.PIDOut:
		device.Receive(m.table, slot, m.rx[b2i(slot.Odd())][:], true)
	}
}

// Configure implements device.Configurer. It arms the first report once
// per bus reset.
func (m *MouseEndpoint) Configure(uint16) {
	if m.primed {
		return
	}
	m.primed = true
	m.transmit()
	pkg.LogDebug(pkg.ComponentEndpoint, "mouse report primed", "endpoint", m.ep)
}

// Reset implements device.Resetter.
func (m *MouseEndpoint) Reset() uint8 {
	m.tx.Reset()
	m.primed = false
	device.DisarmEndpoint(m.table, m.ep)
	device.Receive(m.table, bdt.Index(m.ep, bdt.RX, false), m.rx[0][:], false)
	device.Receive(m.table, bdt.Index(m.ep, bdt.RX, true), m.rx[1][:], false)
	return hal.EndptEPRXEN | hal.EndptEPTXEN
}

func (m *MouseEndpoint) transmit() {
	device.Transmit(m.table, m.ep, &m.tx, m.report[:])
}

// Report returns the report the endpoint sends.
func (m *MouseEndpoint) Report() MouseReport {
	var r MouseReport
	ParseMouseReport(m.report[:], &r)
	return r
}

// Sent returns the number of reports the host has read.
func (m *MouseEndpoint) Sent() uint64 {
	return m.sent.Load()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
