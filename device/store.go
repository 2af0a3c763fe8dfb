package device

import (
	"slices"

	"github.com/mikeclement/teensy-stuff/pkg"
)

// DescriptorEntry is one GET_DESCRIPTOR answer, selected by the request's
// wValue (type<<8 | index) and wIndex (language ID or interface number).
type DescriptorEntry struct {
	Value uint16
	Index uint16
	Data  []byte
}

// DescriptorValue returns the wValue selecting descriptor descType at index.
func DescriptorValue(descType, index uint8) uint16 {
	return uint16(descType)<<8 | uint16(index)
}

// DescriptorStore is an immutable table of descriptors searched linearly in
// insertion order.
type DescriptorStore struct {
	entries []DescriptorEntry
}

// NewDescriptorStore copies entries into a new store. On duplicate keys the
// first entry wins.
func NewDescriptorStore(entries ...DescriptorEntry) *DescriptorStore {
	s := &DescriptorStore{entries: make([]DescriptorEntry, len(entries))}
	for i, e := range entries {
		s.entries[i] = DescriptorEntry{Value: e.Value, Index: e.Index, Data: slices.Clone(e.Data)}
	}
	return s
}

// Lookup returns the descriptor selected by (value, index). The returned
// slice must not be modified.
func (s *DescriptorStore) Lookup(value, index uint16) ([]byte, bool) {
	for i := range s.entries {
		if s.entries[i].Value == value && s.entries[i].Index == index {
			return s.entries[i].Data, true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (s *DescriptorStore) Len() int {
	return len(s.entries)
}

// Device parses the device descriptor at (0x0100, 0).
func (s *DescriptorStore) Device() (DeviceDescriptor, error) {
	var d DeviceDescriptor
	data, ok := s.Lookup(DescriptorValue(DescriptorTypeDevice, 0), 0)
	if !ok {
		return d, pkg.ErrDescriptorTooShort
	}
	return d, ParseDeviceDescriptor(data, &d)
}

// Configuration returns the full configuration bundle at (0x0200, 0).
func (s *DescriptorStore) Configuration() ([]byte, bool) {
	return s.Lookup(DescriptorValue(DescriptorTypeConfiguration, 0), 0)
}

// String indices used by Identity.
const (
	StringIndexLanguages    = 0
	StringIndexManufacturer = 1
	StringIndexProduct      = 2
)

// Identity is the device-level part of the descriptor set.
type Identity struct {
	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16
	Manufacturer  string
	Product       string
}

// DefaultIdentity returns the identity the mouse enumerates with.
func DefaultIdentity() Identity {
	return Identity{
		VendorID:      0x0F62,
		ProductID:     0x1001,
		DeviceVersion: 0x0001,
		Manufacturer:  "Mike Clement",
		Product:       "Teensy MouseMover",
	}
}

// DeviceDescriptor returns the USB 1.1 device descriptor for id. Class is
// declared per interface and there is one configuration.
func (id Identity) DeviceDescriptor() DeviceDescriptor {
	return DeviceDescriptor{
		USBVersion:        0x0110,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    EP0Size,
		VendorID:          id.VendorID,
		ProductID:         id.ProductID,
		DeviceVersion:     id.DeviceVersion,
		ManufacturerIndex: StringIndexManufacturer,
		ProductIndex:      StringIndexProduct,
		NumConfigurations: 1,
	}
}

// StandardEntries returns the device, configuration, language and string
// entries for id, in lookup order, with config as the configuration bundle.
func (id Identity) StandardEntries(config []byte) []DescriptorEntry {
	var dev [DeviceDescriptorSize]byte
	d := id.DeviceDescriptor()
	d.MarshalTo(dev[:])

	var lang [4]byte
	LanguageDescriptorTo(lang[:], LangIDUSEnglish)

	return []DescriptorEntry{
		{Value: DescriptorValue(DescriptorTypeDevice, 0), Data: dev[:]},
		{Value: DescriptorValue(DescriptorTypeConfiguration, 0), Data: config},
		{Value: DescriptorValue(DescriptorTypeString, StringIndexLanguages), Data: lang[:]},
		{
			Value: DescriptorValue(DescriptorTypeString, StringIndexManufacturer),
			Index: LangIDUSEnglish,
			Data:  StringDescriptor(id.Manufacturer),
		},
		{
			Value: DescriptorValue(DescriptorTypeString, StringIndexProduct),
			Index: LangIDUSEnglish,
			Data:  StringDescriptor(id.Product),
		},
	}
}
