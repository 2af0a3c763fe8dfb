package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/mikeclement/teensy-stuff/pkg"
)

// DefaultRetries is the number of times a Host re-sends a NAKed control
// transaction before giving up.
const DefaultRetries = 16

// Standard request fields used by Enumerate.
const (
	requestTypeIn   = 0x80
	requestTypeOut  = 0x00
	getDescriptor   = 0x06
	setAddress      = 0x05
	setConfig       = 0x09
	descDevice      = 0x01
	descConfig      = 0x02
	descString      = 0x03
	langUSEnglish   = 0x0409
	defaultMaxPkt0  = 8
	configHeaderLen = 9
)

// SetupPacket encodes a SETUP data packet.
func SetupPacket(requestType, request uint8, value, index, length uint16) [SetupSize]byte {
	var p [SetupSize]byte
	p[0] = requestType
	p[1] = request
	binary.LittleEndian.PutUint16(p[2:4], value)
	binary.LittleEndian.PutUint16(p[4:6], index)
	binary.LittleEndian.PutUint16(p[6:8], length)
	return p
}

// Host performs whole transfers against a Controller the way a host
// controller driver would. Control transfers are serialized; interrupt
// transfers may run concurrently with them.
type Host struct {
	c *Controller

	mu        sync.Mutex // Serializes control transfers
	addrMu    sync.RWMutex
	addr      uint8
	maxPacket int

	// Retries bounds NAK retries within a control transfer.
	Retries int
}

// NewHost returns a host talking to the device at address 0.
func NewHost(c *Controller) *Host {
	return &Host{c: c, maxPacket: defaultMaxPkt0, Retries: DefaultRetries}
}

// Controller returns the controller the host drives.
func (h *Host) Controller() *Controller {
	return h.c
}

// Address returns the device address tokens are sent to.
func (h *Host) Address() uint8 {
	h.addrMu.RLock()
	defer h.addrMu.RUnlock()
	return h.addr
}

// SetAddress changes the device address tokens are sent to.
func (h *Host) SetAddress(addr uint8) {
	h.addrMu.Lock()
	h.addr = addr
	h.addrMu.Unlock()
}

// Reset drives a bus reset and returns to address 0.
func (h *Host) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.c.BusReset(); err != nil {
		return err
	}
	h.SetAddress(0)
	return nil
}

func (h *Host) retry(op func() error) error {
	var err error
	for range h.Retries + 1 {
		if err = op(); !errors.Is(err, pkg.ErrNAK) {
			return err
		}
	}
	return err
}

// ControlIn runs a control read: SETUP, IN data packets until a short
// packet or wLength bytes, then a zero-length OUT status stage.
func (h *Host) ControlIn(setup [SetupSize]byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlIn(setup)
}

func (h *Host) controlIn(setup [SetupSize]byte) ([]byte, error) {
	addr := h.Address()
	if err := h.retry(func() error { return h.c.Setup(addr, 0, setup) }); err != nil {
		return nil, fmt.Errorf("setup stage: %w", err)
	}

	length := int(binary.LittleEndian.Uint16(setup[6:8]))
	var data []byte
	for len(data) < length {
		var pkt []byte
		err := h.retry(func() error {
			var err error
			pkt, _, err = h.c.In(addr, 0)
			return err
		})
		if err != nil {
			return data, fmt.Errorf("data stage: %w", err)
		}
		if len(data)+len(pkt) > length {
			return data, pkg.ErrBabble
		}
		data = append(data, pkt...)
		if len(pkt) < h.maxPacket {
			break
		}
	}

	if err := h.retry(func() error { return h.c.Out(addr, 0, nil) }); err != nil {
		return data, fmt.Errorf("status stage: %w", err)
	}
	return data, nil
}

// ControlOut runs a control write: SETUP, OUT data packets, then a
// zero-length IN status stage.
func (h *Host) ControlOut(setup [SetupSize]byte, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlOut(setup, data)
}

func (h *Host) controlOut(setup [SetupSize]byte, data []byte) error {
	addr := h.Address()
	if err := h.retry(func() error { return h.c.Setup(addr, 0, setup) }); err != nil {
		return fmt.Errorf("setup stage: %w", err)
	}

	for len(data) > 0 {
		n := min(len(data), h.maxPacket)
		chunk := data[:n]
		if err := h.retry(func() error { return h.c.Out(addr, 0, chunk) }); err != nil {
			return fmt.Errorf("data stage: %w", err)
		}
		data = data[n:]
	}

	var status []byte
	err := h.retry(func() error {
		var err error
		status, _, err = h.c.In(addr, 0)
		return err
	})
	if err != nil {
		return fmt.Errorf("status stage: %w", err)
	}
	if len(status) != 0 {
		return pkg.ErrBabble
	}
	return nil
}

// InterruptIn sends one IN token to endpoint ep. A device with nothing to
// report answers pkg.ErrNAK.
func (h *Host) InterruptIn(ep uint8) (data []byte, data1 bool, err error) {
	return h.c.In(h.Address(), ep)
}

// InterruptOut sends one OUT data packet to endpoint ep.
func (h *Host) InterruptOut(ep uint8, data []byte) error {
	return h.c.Out(h.Address(), ep, data)
}

// Enumeration is what Enumerate learned about the device.
type Enumeration struct {
	Device        []byte
	Configuration []byte
	Languages     []uint16
	Manufacturer  string
	Product       string
}

// Enumerate resets the bus and runs the standard enumeration sequence:
// device descriptor, SET_ADDRESS, configuration, strings and
// SET_CONFIGURATION.
func (h *Host) Enumerate(addr, config uint8) (*Enumeration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.c.BusReset(); err != nil {
		return nil, err
	}
	h.SetAddress(0)
	h.maxPacket = defaultMaxPkt0

	dev, err := h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descDevice<<8, 0, 64))
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if len(dev) < 8 {
		return nil, pkg.ErrDescriptorTooShort
	}
	h.maxPacket = int(dev[7])

	if err := h.controlOut(SetupPacket(requestTypeOut, setAddress, uint16(addr), 0, 0), nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	h.SetAddress(addr)

	e := &Enumeration{}
	if e.Device, err = h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descDevice<<8, 0, 18)); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if len(e.Device) < 18 {
		return nil, pkg.ErrDescriptorTooShort
	}

	header, err := h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descConfig<<8, 0, configHeaderLen))
	if err != nil {
		return nil, fmt.Errorf("configuration header: %w", err)
	}
	if len(header) < configHeaderLen {
		return nil, pkg.ErrDescriptorTooShort
	}
	total := binary.LittleEndian.Uint16(header[2:4])
	if e.Configuration, err = h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descConfig<<8, 0, total)); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	langs, err := h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descString<<8, 0, 255))
	if err != nil {
		return nil, fmt.Errorf("languages: %w", err)
	}
	for i := 2; i+1 < len(langs); i += 2 {
		e.Languages = append(e.Languages, binary.LittleEndian.Uint16(langs[i:]))
	}

	if e.Manufacturer, err = h.stringDescriptor(e.Device[14]); err != nil {
		return nil, fmt.Errorf("manufacturer: %w", err)
	}
	if e.Product, err = h.stringDescriptor(e.Device[15]); err != nil {
		return nil, fmt.Errorf("product: %w", err)
	}

	if err := h.controlOut(SetupPacket(requestTypeOut, setConfig, uint16(config), 0, 0), nil); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}
	return e, nil
}

func (h *Host) stringDescriptor(index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	data, err := h.controlIn(SetupPacket(requestTypeIn, getDescriptor, descString<<8|uint16(index), langUSEnglish, 255))
	if err != nil {
		return "", err
	}
	if len(data) < 2 || data[1] != descString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	units := make([]uint16, 0, (len(data)-2)/2)
	for i := 2; i+1 < len(data); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), nil
}
