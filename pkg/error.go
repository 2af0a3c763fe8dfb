package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates the endpoint answered a token with STALL.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates the endpoint had no buffer ready for the token.
	ErrNAK = errors.New("NAK received")

	// ErrNoDevice indicates no function answered at the token's address.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an endpoint number outside 0-15.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an unsupported setup request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates an unexpected descriptor type.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrShortTransfer indicates the data stage ended before wLength
	// and before a short packet.
	ErrShortTransfer = errors.New("short transfer")

	// ErrBabble indicates the device sent more data than the host requested.
	ErrBabble = errors.New("babble")
)

// Driver and controller errors.
var (
	// ErrMisalignedTable indicates the buffer descriptor table does not sit
	// on the 512-byte boundary the controller requires.
	ErrMisalignedTable = errors.New("buffer descriptor table is not 512-byte aligned")

	// ErrNotAttached indicates the device is not connected to the bus.
	ErrNotAttached = errors.New("device not attached")

	// ErrBufferTooLarge indicates a buffer exceeds the 10-bit byte count field.
	ErrBufferTooLarge = errors.New("buffer exceeds descriptor byte count")

	// ErrBufferTooSmall indicates a packet does not fit the armed buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotConfigured indicates the device has not been configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)
