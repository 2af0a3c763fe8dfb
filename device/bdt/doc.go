// Package bdt manages the USB-FS buffer descriptor table.
//
// The table holds four descriptors per endpoint (RX even, RX odd, TX even,
// TX odd) for 16 endpoints, at index (endpoint<<2)|(direction<<1)|parity.
// The controller locates a slot by offset from a 512-byte aligned base, so
// [New] allocates the table on that boundary and [Table.Aligned] lets the
// driver refuse anything else.
//
// Each slot is a two-state machine:
//
//	SoftwareOwned --Arm--> HardwareOwned --Complete--> SoftwareOwned
//
// The driver fills a buffer, arms the slot, and leaves the buffer alone until
// the token-done interrupt for that slot. Arming or taking a hardware-owned
// slot is counted as a violation; building with -tags bdtdebug makes it
// panic.
package bdt
