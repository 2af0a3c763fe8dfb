package usbip

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/mikeclement/teensy-stuff/pkg"
)

// Version is the USB/IP protocol version spoken by the server.
const Version = 0x0111

// Operation codes of the device management phase.
const (
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

// Commands of the URB phase.
const (
	CmdSubmit = 0x00000001
	CmdUnlink = 0x00000002
	RetSubmit = 0x00000003
	RetUnlink = 0x00000004
)

// URB directions.
const (
	DirOut = 0
	DirIn  = 1
)

// Operation status values.
const (
	StatusOK    = 0
	StatusError = 1
)

// USBDeviceSpeed is the speed reported for an exported device.
type USBDeviceSpeed uint32

const (
	USBSpeedUnknown USBDeviceSpeed = iota
	USBSpeedLow
	USBSpeedFull
	USBSpeedHigh
)

// URB completion status values, negated Linux errno codes.
const (
	urbStatusOK         = 0
	urbStatusNoDevice   = -19  // ENODEV
	urbStatusStall      = -32  // EPIPE
	urbStatusProtocol   = -71  // EPROTO
	urbStatusOverflow   = -75  // EOVERFLOW
	urbStatusConnReset  = -104 // ECONNRESET
	urbStatusTimedOut   = -110 // ETIMEDOUT
	urbStatusNotPresent = -2   // ENOENT
)

type usbipHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

type usbipDevlistReplyHeader struct {
	usbipHeader
	NumDevices uint32
}

type usbipImportRequest struct {
	usbipHeader
	BusId [32]byte
}

// DeviceDescription is the device record of OP_REP_DEVLIST and
// OP_REP_IMPORT.
type DeviceDescription struct {
	Path                     [256]byte
	BusId                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    uint32
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

// BusIdString returns the bus id without its NUL padding.
func (d *DeviceDescription) BusIdString() string {
	return cString(d.BusId[:])
}

// PathString returns the sysfs path without its NUL padding.
func (d *DeviceDescription) PathString() string {
	return cString(d.Path[:])
}

type usbipInterfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

// usbipHeaderBasic starts every URB phase message.
type usbipHeaderBasic struct {
	Command   uint32
	SeqNum    uint32
	DevId     uint32
	Direction uint32
	Ep        uint32
}

type usbipCmdSubmit struct {
	usbipHeaderBasic
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

type usbipRetSubmit struct {
	usbipHeaderBasic
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	_               [8]byte
}

type usbipCmdUnlink struct {
	usbipHeaderBasic
	UnlinkSeqNum uint32
	_            [24]byte
}

type usbipRetUnlink struct {
	usbipHeaderBasic
	Status int32
	_      [24]byte
}

// urbHeaderSize is the fixed size of every URB phase message.
const urbHeaderSize = 48

// urbStatus maps a transfer error to the status reported in RET_SUBMIT.
func urbStatus(err error) int32 {
	switch {
	case err == nil:
		return urbStatusOK
	case errors.Is(err, pkg.ErrStall):
		return urbStatusStall
	case errors.Is(err, pkg.ErrNoDevice), errors.Is(err, pkg.ErrNotAttached):
		return urbStatusNoDevice
	case errors.Is(err, pkg.ErrBabble), errors.Is(err, pkg.ErrBufferTooSmall):
		return urbStatusOverflow
	case errors.Is(err, pkg.ErrInvalidEndpoint):
		return urbStatusNotPresent
	case errors.Is(err, pkg.ErrNAK):
		return urbStatusTimedOut
	default:
		return urbStatusProtocol
	}
}

func isNAK(err error) bool {
	return errors.Is(err, pkg.ErrNAK)
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
